package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"
)

// ErrUnresponsive is returned when a browser call that takes no timeout of
// its own does not finish in time. Callers treat the handle as dead.
var ErrUnresponsive = errors.New("browser not responding")

// hideWebdriver masks the automation flag some portals fingerprint.
const hideWebdriver = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined})`

// launchArgs are the Chromium flags used for every portal.
var launchArgs = []string{
	"--no-sandbox",
	"--disable-dev-shm-usage",
	"--disable-blink-features=AutomationControlled",
	"--disable-infobars",
	"--start-maximized",
	"--no-first-run",
	"--no-default-browser-check",
}

// PlaywrightLauncher launches Chromium with a persistent profile through
// playwright. The driver process is started on first use.
type PlaywrightLauncher struct {
	mu          sync.Mutex
	pw          *playwright.Playwright
	install     bool
	pageTimeout time.Duration
	logger      *zap.Logger
}

// NewPlaywrightLauncher creates a launcher. When install is true the
// playwright driver and browsers are downloaded on first launch.
func NewPlaywrightLauncher(install bool, pageTimeout time.Duration, logger *zap.Logger) *PlaywrightLauncher {
	if pageTimeout <= 0 {
		pageTimeout = 30 * time.Second
	}
	return &PlaywrightLauncher{
		install:     install,
		pageTimeout: pageTimeout,
		logger:      logger,
	}
}

func (l *PlaywrightLauncher) start() (*playwright.Playwright, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pw != nil {
		return l.pw, nil
	}

	opts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if l.install {
		l.logger.Info("installing playwright driver")
		if err := playwright.Install(opts); err != nil {
			return nil, fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}
	l.pw = pw
	return pw, nil
}

// Launch starts Chromium on opts.ProfileDir and returns its first page.
func (l *PlaywrightLauncher) Launch(ctx context.Context, opts LaunchOptions) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := l.start()
	if err != nil {
		return nil, err
	}

	launchOpts := playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless:          playwright.Bool(opts.Headless),
		Args:              launchArgs,
		IgnoreDefaultArgs: []string{"--enable-automation"},
		NoViewport:        playwright.Bool(true),
		AcceptDownloads:   playwright.Bool(true),
		Timeout:           timeoutMillis(ctx, l.pageTimeout),
	}
	if opts.DownloadDir != "" {
		launchOpts.DownloadsPath = playwright.String(opts.DownloadDir)
	}

	bctx, err := pw.Chromium.LaunchPersistentContext(opts.ProfileDir, launchOpts)
	if err != nil {
		return nil, fmt.Errorf("chromium launch: %w", err)
	}

	if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(hideWebdriver)}); err != nil {
		l.logger.Debug("failed to add init script", zap.Error(err))
	}

	var page playwright.Page
	if pages := bctx.Pages(); len(pages) > 0 {
		page = pages[0]
	} else {
		page, err = bctx.NewPage()
		if err != nil {
			_ = bctx.Close()
			return nil, fmt.Errorf("failed to open page: %w", err)
		}
	}
	page.SetDefaultTimeout(float64(l.pageTimeout.Milliseconds()))

	return &playwrightHandle{
		context: bctx,
		page:    page,
		timeout: l.pageTimeout,
	}, nil
}

// Stop shuts down the playwright driver.
func (l *PlaywrightLauncher) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pw == nil {
		return nil
	}
	err := l.pw.Stop()
	l.pw = nil
	if err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

type playwrightHandle struct {
	context playwright.BrowserContext
	page    playwright.Page
	timeout time.Duration
}

func (h *playwrightHandle) Location(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v, err := bounded(ctx, h.timeout, func() (any, error) {
		return h.page.Evaluate("() => window.location.href")
	})
	if err != nil {
		return "", err
	}
	href, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("unexpected location value %T", v)
	}
	return href, nil
}

func (h *playwrightHandle) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	waitUntil := playwright.WaitUntilState("domcontentloaded")
	if _, err := h.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: &waitUntil,
		Timeout:   timeoutMillis(ctx, h.timeout),
	}); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (h *playwrightHandle) Fill(ctx context.Context, selector, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.page.Locator(selector).First().Fill(value, playwright.LocatorFillOptions{
		Timeout: timeoutMillis(ctx, h.timeout),
	}); err != nil {
		return fmt.Errorf("fill %s: %w", selector, err)
	}
	return nil
}

func (h *playwrightHandle) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.page.Locator(selector).First().Click(playwright.LocatorClickOptions{
		Timeout: timeoutMillis(ctx, h.timeout),
	}); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

func (h *playwrightHandle) Press(ctx context.Context, selector, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.page.Locator(selector).First().Press(key, playwright.LocatorPressOptions{
		Timeout: timeoutMillis(ctx, h.timeout),
	}); err != nil {
		return fmt.Errorf("press %s on %s: %w", key, selector, err)
	}
	return nil
}

func (h *playwrightHandle) WaitVisible(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state := playwright.WaitForSelectorState("visible")
	if err := h.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   &state,
		Timeout: timeoutMillis(ctx, h.timeout),
	}); err != nil {
		return fmt.Errorf("wait for %s: %w", selector, err)
	}
	return nil
}

func (h *playwrightHandle) Visible(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return bounded(ctx, h.timeout, func() (bool, error) {
		return h.page.Locator(selector).First().IsVisible()
	})
}

func (h *playwrightHandle) Text(ctx context.Context, selector string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text, err := h.page.Locator(selector).First().InnerText(playwright.LocatorInnerTextOptions{
		Timeout: timeoutMillis(ctx, h.timeout),
	})
	if err != nil {
		return "", fmt.Errorf("text of %s: %w", selector, err)
	}
	return text, nil
}

func (h *playwrightHandle) Screenshot(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(true),
		Timeout:  timeoutMillis(ctx, h.timeout),
	}
	if path != "" {
		opts.Path = playwright.String(path)
	}
	return h.page.Screenshot(opts)
}

func (h *playwrightHandle) Cookies(ctx context.Context) ([]Cookie, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := bounded(ctx, h.timeout, func() ([]playwright.Cookie, error) {
		return h.context.Cookies()
	})
	if err != nil {
		return nil, err
	}
	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookie := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		if c.SameSite != nil {
			cookie.SameSite = string(*c.SameSite)
		}
		cookies = append(cookies, cookie)
	}
	return cookies, nil
}

func (h *playwrightHandle) SetCookies(ctx context.Context, cookies []Cookie) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := make([]playwright.OptionalCookie, 0, len(cookies))
	for _, c := range cookies {
		oc := playwright.OptionalCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   playwright.String(c.Domain),
			Path:     playwright.String(c.Path),
			HttpOnly: playwright.Bool(c.HTTPOnly),
			Secure:   playwright.Bool(c.Secure),
		}
		if oc.Path == nil || *oc.Path == "" {
			oc.Path = playwright.String("/")
		}
		if c.Expires > 0 {
			oc.Expires = playwright.Float(c.Expires)
		}
		if c.SameSite != "" {
			sameSite := playwright.SameSiteAttribute(c.SameSite)
			oc.SameSite = &sameSite
		}
		opts = append(opts, oc)
	}
	_, err := bounded(ctx, h.timeout, func() (struct{}, error) {
		return struct{}{}, h.context.AddCookies(opts)
	})
	return err
}

func (h *playwrightHandle) ClearCookies(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := bounded(ctx, h.timeout, func() (struct{}, error) {
		return struct{}{}, h.context.ClearCookies()
	})
	return err
}

func (h *playwrightHandle) Close() error {
	_, err := bounded(context.Background(), h.timeout, func() (struct{}, error) {
		return struct{}{}, h.context.Close()
	})
	return err
}

// bounded runs a playwright call that has no timeout option and gives up
// when ctx ends or fallback elapses, whichever is first. The call itself
// keeps running until playwright returns.
func bounded[T any](ctx context.Context, fallback time.Duration, call func() (T, error)) (T, error) {
	if fallback > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, fallback)
		defer cancel()
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := call()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %w", ErrUnresponsive, ctx.Err())
	}
}

// timeoutMillis returns the smaller of fallback and ctx's remaining time.
func timeoutMillis(ctx context.Context, fallback time.Duration) *float64 {
	d := fallback
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < d {
			d = remaining
		}
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return playwright.Float(float64(d.Milliseconds()))
}
