package browser_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/eligibility-agent/internal/browser"
	"github.com/shehryarbajwa/eligibility-agent/internal/browser/browsertest"
	"github.com/shehryarbajwa/eligibility-agent/internal/cookiejar"
	"github.com/shehryarbajwa/eligibility-agent/internal/credential"
)

func newManager(t *testing.T, l browser.Launcher, mutate func(*browser.Options)) *browser.Manager {
	t.Helper()
	dir := t.TempDir()
	opts := browser.Options{
		Portal:      "ddma",
		ProfileDir:  filepath.Join(dir, "profile"),
		DownloadDir: filepath.Join(dir, "downloads"),
		Reaper:      browsertest.NoReap,
	}
	if mutate != nil {
		mutate(&opts)
	}
	m, err := browser.NewManager(l, opts, zap.NewNop())
	require.NoError(t, err)
	return m
}

func TestManager_ReusesLiveHandle(t *testing.T) {
	l := &browsertest.Launcher{}
	m := newManager(t, l, nil)
	ctx := context.Background()

	h1, err := m.Handle(ctx, false)
	require.NoError(t, err)
	h2, err := m.Handle(ctx, false)
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.True(t, m.Running())
	assert.Len(t, l.Launches(), 1)
	assert.Equal(t, m.ProfileDir(), l.Launches()[0].ProfileDir)
	assert.DirExists(t, m.DownloadDir())
}

func TestManager_RecreatesDeadHandle(t *testing.T) {
	l := &browsertest.Launcher{}
	var reaped int
	m := newManager(t, l, func(o *browser.Options) {
		o.Reaper = func(string) error { reaped++; return nil }
	})
	ctx := context.Background()

	h1, err := m.Handle(ctx, false)
	require.NoError(t, err)
	l.Last().Kill()
	assert.True(t, m.Running(), "a crash is only noticed by the next Handle")

	h2, err := m.Handle(ctx, true)
	require.NoError(t, err)

	assert.NotSame(t, h1, h2)
	assert.Len(t, l.Launches(), 2)
	assert.True(t, l.Launches()[1].Headless)
	assert.Equal(t, 2, reaped)
}

func TestManager_LaunchFailure(t *testing.T) {
	l := &browsertest.Launcher{Err: errors.New("no chromium")}
	m := newManager(t, l, nil)

	_, err := m.Handle(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no chromium")
	assert.False(t, m.Running())
}

func TestManager_QuitIsIdempotent(t *testing.T) {
	l := &browsertest.Launcher{}
	m := newManager(t, l, nil)

	_, err := m.Handle(context.Background(), false)
	require.NoError(t, err)
	h := l.Last()

	m.Quit()
	m.Quit()

	assert.Equal(t, 1, h.Closed())
	assert.False(t, m.Running())

	_, err = m.Handle(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, l.Launches(), 2)
}

func TestManager_CookieSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	jar, err := cookiejar.NewStore("deltains", dir)
	require.NoError(t, err)

	l := &browsertest.Launcher{}
	m := newManager(t, l, func(o *browser.Options) {
		o.Portal = "deltains"
		o.Jar = jar
	})
	ctx := context.Background()
	assert.True(t, m.UsesCookieJar())

	_, err = m.Handle(ctx, false)
	require.NoError(t, err)
	l.Last().SeedCookies([]browser.Cookie{
		{Name: "idx", Value: "trusted", Domain: ".okta.com", Path: "/"},
	})
	require.NoError(t, m.SaveCookies(ctx))

	m.Quit()

	h, err := m.Handle(ctx, false)
	require.NoError(t, err)
	cookies, err := h.Cookies(ctx)
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, "trusted", cookies[0].Value)

	require.NoError(t, m.ClearSavedCookies())
	assert.False(t, jar.Exists())
}

func TestManager_SaveCookiesWithoutJar(t *testing.T) {
	l := &browsertest.Launcher{}
	m := newManager(t, l, nil)
	require.NoError(t, m.SaveCookies(context.Background()))

	n, err := m.RestoreCookies(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestManager_ClearSessionArtifacts(t *testing.T) {
	dir := t.TempDir()
	profile := filepath.Join(dir, "profile")
	creds, err := credential.NewStore(profile)
	require.NoError(t, err)
	jar, err := cookiejar.NewStore("deltains", profile)
	require.NoError(t, err)

	m := newManager(t, &browsertest.Launcher{}, func(o *browser.Options) {
		o.ProfileDir = profile
		o.Credentials = creds
		o.Jar = jar
		o.ClearPaths = []string{"Default/Cookies", "Default/Local Storage", "Cache"}
	})

	require.NoError(t, os.MkdirAll(filepath.Join(profile, "Default", "Local Storage", "leveldb"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(profile, "Default", "Cookies"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(profile, "Default", "Trust Tokens"), []byte("keep"), 0644))
	require.NoError(t, creds.Record("alice"))
	_, err = jar.Save([]cookiejar.Cookie{{Name: "a", Value: "b"}})
	require.NoError(t, err)

	require.NoError(t, m.ClearSessionArtifacts())

	assert.NoFileExists(t, filepath.Join(profile, "Default", "Cookies"))
	assert.NoDirExists(t, filepath.Join(profile, "Default", "Local Storage"))
	assert.FileExists(t, filepath.Join(profile, "Default", "Trust Tokens"))
	assert.NoFileExists(t, creds.Path())
	assert.False(t, jar.Exists())
}

func TestManager_ClearPathEscapingProfile(t *testing.T) {
	dir := t.TempDir()
	outside := filepath.Join(dir, "outside.txt")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0644))

	m := newManager(t, &browsertest.Launcher{}, func(o *browser.Options) {
		o.ProfileDir = filepath.Join(dir, "profile")
		o.ClearPaths = []string{"../outside.txt"}
	})

	err := m.ClearSessionArtifacts()
	require.Error(t, err)
	assert.FileExists(t, outside)
}

func TestNewManager_Validation(t *testing.T) {
	_, err := browser.NewManager(&browsertest.Launcher{}, browser.Options{ProfileDir: t.TempDir()}, zap.NewNop())
	assert.Error(t, err)

	_, err = browser.NewManager(&browsertest.Launcher{}, browser.Options{Portal: "ddma"}, zap.NewNop())
	assert.Error(t, err)
}

func TestRemoveLockFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Symlink("host-1234", filepath.Join(dir, "SingletonLock")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SingletonCookie"), []byte("1"), 0644))

	require.NoError(t, browser.RemoveLockFiles(dir))

	_, err := os.Lstat(filepath.Join(dir, "SingletonLock"))
	assert.True(t, os.IsNotExist(err))
	assert.NoFileExists(t, filepath.Join(dir, "SingletonCookie"))
}

func TestManager_RunningDoesNotTouchBrowser(t *testing.T) {
	l := &browsertest.Launcher{}
	m := newManager(t, l, nil)

	_, err := m.Handle(context.Background(), false)
	require.NoError(t, err)
	h := l.Last()

	for i := 0; i < 3; i++ {
		assert.True(t, m.Running())
	}
	assert.Zero(t, h.LocationCalls())

	_, err = m.Handle(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, h.LocationCalls())
}
