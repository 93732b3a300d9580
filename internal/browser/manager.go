package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/eligibility-agent/internal/cookiejar"
	"github.com/shehryarbajwa/eligibility-agent/internal/credential"
)

// Options configures a Manager.
type Options struct {
	Portal      string
	ProfileDir  string
	DownloadDir string

	// ClearPaths are profile-relative files and directories removed by
	// ClearSessionArtifacts. Anything not listed survives a restart.
	ClearPaths []string

	// Jar enables cookie snapshotting for portals whose trust token is a
	// session-only cookie. Nil disables it.
	Jar *cookiejar.Store

	// Credentials is forgotten together with the session artifacts.
	Credentials *credential.Store

	// Reaper kills stray processes bound to the profile directory.
	// Defaults to ReapProfile.
	Reaper func(profileDir string) error

	// OnLaunch is called after every successful browser launch.
	OnLaunch func(portal string)
}

// Manager owns at most one live browser for a portal.
type Manager struct {
	mu       sync.Mutex
	launcher Launcher
	opts     Options
	handle   Handle
	logger   *zap.Logger

	// running mirrors handle != nil as of the last Handle or Quit call.
	running atomic.Bool
}

// NewManager creates the manager and its profile and download directories.
func NewManager(launcher Launcher, opts Options, logger *zap.Logger) (*Manager, error) {
	if opts.Portal == "" {
		return nil, fmt.Errorf("portal is required")
	}
	if opts.ProfileDir == "" {
		return nil, fmt.Errorf("profile directory is required")
	}

	profileDir, err := filepath.Abs(opts.ProfileDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve profile directory: %w", err)
	}
	opts.ProfileDir = profileDir

	if err := os.MkdirAll(opts.ProfileDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}
	if opts.DownloadDir != "" {
		downloadDir, err := filepath.Abs(opts.DownloadDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve download directory: %w", err)
		}
		opts.DownloadDir = downloadDir
		if err := os.MkdirAll(opts.DownloadDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create download directory: %w", err)
		}
	}
	if opts.Reaper == nil {
		opts.Reaper = ReapProfile
	}

	return &Manager{
		launcher: launcher,
		opts:     opts,
		logger:   logger.With(zap.String("portal", opts.Portal)),
	}, nil
}

// ProfileDir returns the absolute profile directory.
func (m *Manager) ProfileDir() string { return m.opts.ProfileDir }

// DownloadDir returns the absolute download directory.
func (m *Manager) DownloadDir() string { return m.opts.DownloadDir }

// UsesCookieJar reports whether cookies are snapshotted for this portal.
func (m *Manager) UsesCookieJar() bool { return m.opts.Jar != nil }

// Handle returns the live browser, launching a new one when none exists or
// the current one fails its liveness check.
func (m *Manager) Handle(ctx context.Context, headless bool) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle != nil {
		if m.aliveLocked(ctx) {
			m.logger.Debug("reusing browser")
			return m.handle, nil
		}
		m.logger.Warn("browser not responding, recreating")
		_ = m.handle.Close()
		m.handle = nil
		m.running.Store(false)
	} else {
		m.logger.Info("launching browser")
	}

	if err := m.opts.Reaper(m.opts.ProfileDir); err != nil {
		m.logger.Warn("failed to reap profile processes", zap.Error(err))
	}

	h, err := m.launcher.Launch(ctx, LaunchOptions{
		Portal:      m.opts.Portal,
		ProfileDir:  m.opts.ProfileDir,
		DownloadDir: m.opts.DownloadDir,
		Headless:    headless,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	m.handle = h
	m.running.Store(true)
	if m.opts.OnLaunch != nil {
		m.opts.OnLaunch(m.opts.Portal)
	}

	if m.opts.Jar != nil && m.opts.Jar.Exists() {
		if n, err := m.restoreLocked(ctx); err != nil {
			m.logger.Warn("failed to restore cookies", zap.Error(err))
		} else {
			m.logger.Info("restored cookies", zap.Int("count", n))
		}
	}

	return h, nil
}

// Running reports whether a browser was up after the last Handle or Quit
// call. It never touches the browser, so callers outside the admission
// slot may use it.
func (m *Manager) Running() bool {
	return m.running.Load()
}

func (m *Manager) aliveLocked(ctx context.Context) bool {
	if m.handle == nil {
		return false
	}
	checkCtx, cancel := context.WithTimeout(ctx, livenessTimeout)
	defer cancel()
	_, err := m.handle.Location(checkCtx)
	return err == nil
}

// Quit closes the browser and reaps its profile. Safe to call repeatedly.
func (m *Manager) Quit() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle != nil {
		if err := m.handle.Close(); err != nil {
			m.logger.Debug("browser close returned error", zap.Error(err))
		}
		m.handle = nil
		m.running.Store(false)
		m.logger.Info("browser closed")
	}
	if err := m.opts.Reaper(m.opts.ProfileDir); err != nil {
		m.logger.Debug("failed to reap profile processes", zap.Error(err))
	}
}

// SaveCookies snapshots the live cookie jar. It is a no-op when the portal
// does not use a jar or no browser is running.
func (m *Manager) SaveCookies(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opts.Jar == nil || m.handle == nil {
		return nil
	}
	cookies, err := m.handle.Cookies(ctx)
	if err != nil {
		return fmt.Errorf("failed to read cookies: %w", err)
	}
	saved, err := m.opts.Jar.Save(cookies)
	if err != nil {
		return err
	}
	if saved {
		m.logger.Info("saved cookies", zap.Int("count", len(cookies)))
	}
	return nil
}

// RestoreCookies loads the snapshot into the live browser and returns the
// number of cookies restored.
func (m *Manager) RestoreCookies(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restoreLocked(ctx)
}

func (m *Manager) restoreLocked(ctx context.Context) (int, error) {
	if m.opts.Jar == nil || m.handle == nil {
		return 0, nil
	}
	snap, err := m.opts.Jar.Load()
	if errors.Is(err, cookiejar.ErrNoSnapshot) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if err := m.handle.SetCookies(ctx, snap.Cookies); err != nil {
		return 0, fmt.Errorf("failed to set cookies: %w", err)
	}
	return len(snap.Cookies), nil
}

// ClearSavedCookies deletes the cookie snapshot.
func (m *Manager) ClearSavedCookies() error {
	if m.opts.Jar == nil {
		return nil
	}
	return m.opts.Jar.Clear()
}

// ClearSessionArtifacts wipes the configured profile paths, the cookie
// snapshot and the credential fingerprint so the next run logs in fresh.
// It runs at startup before any browser is launched.
func (m *Manager) ClearSessionArtifacts() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if m.opts.Credentials != nil {
		if err := m.opts.Credentials.Forget(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.opts.Jar != nil {
		if err := m.opts.Jar.Clear(); err != nil {
			errs = append(errs, err)
		}
	}

	removed := 0
	for _, rel := range m.opts.ClearPaths {
		path, err := profilePath(m.opts.ProfileDir, rel)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := os.Lstat(path); err != nil {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", rel, err))
			continue
		}
		removed++
	}

	m.logger.Info("cleared session artifacts", zap.Int("removed", removed))
	return errors.Join(errs...)
}
