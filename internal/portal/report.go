package portal

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var disableConfigDir sync.Once

// renderPDF wraps a PNG screenshot into a single-page PDF written next to
// pngPath and returns its path and contents.
func renderPDF(pngPath string, png []byte) (string, []byte, error) {
	disableConfigDir.Do(api.DisableConfigDir)

	imp := pdfcpu.DefaultImportConfig()
	conf := model.NewDefaultConfiguration()

	var buf bytes.Buffer
	if err := api.ImportImages(nil, &buf, []io.Reader{bytes.NewReader(png)}, imp, conf); err != nil {
		return "", nil, fmt.Errorf("failed to render pdf: %w", err)
	}

	pdfPath := strings.TrimSuffix(pngPath, ".png") + ".pdf"
	if err := os.WriteFile(pdfPath, buf.Bytes(), 0644); err != nil {
		return "", nil, fmt.Errorf("failed to write pdf: %w", err)
	}
	return pdfPath, buf.Bytes(), nil
}
