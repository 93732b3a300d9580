package portal

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for x := 0; x < 40; x++ {
		for y := 0; y < 30; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 6), G: 120, B: uint8(y * 8), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestRenderPDF(t *testing.T) {
	pngPath := filepath.Join(t.TempDir(), "ddma_eligibility_M1_1700000000.png")

	pdfPath, pdf, err := renderPDF(pngPath, testPNG(t))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(filepath.Dir(pngPath), "ddma_eligibility_M1_1700000000.pdf"), pdfPath)
	assert.True(t, bytes.HasPrefix(pdf, []byte("%PDF-")))

	onDisk, err := os.ReadFile(pdfPath)
	require.NoError(t, err)
	assert.Equal(t, pdf, onDisk)
}

func TestRenderPDF_InvalidImage(t *testing.T) {
	pngPath := filepath.Join(t.TempDir(), "broken.png")

	_, _, err := renderPDF(pngPath, []byte("not an image"))
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(pngPath), "broken.pdf"))
}
