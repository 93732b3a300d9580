// Package browser owns the per-portal browser process: launching it with a
// persistent profile, probing it, recreating it when it dies, and wiping or
// snapshotting its session state.
package browser

import (
	"context"
	"time"

	"github.com/shehryarbajwa/eligibility-agent/internal/cookiejar"
)

// Cookie is a driver-neutral browser cookie.
type Cookie = cookiejar.Cookie

// Handle is a live browser window. Only the session holding the admission
// slot may use it. Every call is bounded by ctx's deadline or the handle's
// default page timeout, whichever is shorter.
type Handle interface {
	// Location returns the current page URL. It doubles as the liveness check.
	Location(ctx context.Context) (string, error)
	Navigate(ctx context.Context, url string) error
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	Press(ctx context.Context, selector, key string) error
	WaitVisible(ctx context.Context, selector string) error
	Visible(ctx context.Context, selector string) (bool, error)
	Text(ctx context.Context, selector string) (string, error)
	Screenshot(ctx context.Context, path string) ([]byte, error)

	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	ClearCookies(ctx context.Context) error

	Close() error
}

// LaunchOptions configures a new browser process.
type LaunchOptions struct {
	Portal      string
	ProfileDir  string
	DownloadDir string
	Headless    bool
}

// Launcher starts browser processes.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Handle, error)
}

// livenessTimeout bounds the liveness check on the reuse path.
const livenessTimeout = 5 * time.Second
