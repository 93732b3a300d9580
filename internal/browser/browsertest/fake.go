// Package browsertest provides in-memory browser fakes for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shehryarbajwa/eligibility-agent/internal/browser"
)

// ErrDead is returned by every call on a killed handle.
var ErrDead = errors.New("browser is gone")

// Handle is a scriptable browser.Handle. Elements maps a selector to its
// text; a selector present in the map is visible.
type Handle struct {
	mu sync.Mutex

	URL      string
	Elements map[string]string
	Filled   map[string]string
	Clicked  []string
	Pressed  []string
	Visited  []string

	// OnClick and OnNavigate let tests model page transitions.
	OnClick    map[string]func(h *Handle)
	OnNavigate func(h *Handle, url string)

	cookies       []browser.Cookie
	dead          bool
	closed        int
	locationCalls int
}

// NewHandle returns a live handle on about:blank.
func NewHandle() *Handle {
	return &Handle{
		URL:      "about:blank",
		Elements: make(map[string]string),
		Filled:   make(map[string]string),
		OnClick:  make(map[string]func(h *Handle)),
	}
}

// Kill makes every later call fail like a crashed browser.
func (h *Handle) Kill() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dead = true
}

// Closed returns how many times Close was called.
func (h *Handle) Closed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// LocationCalls returns how many times Location was called.
func (h *Handle) LocationCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.locationCalls
}

// SetURL moves the fake page.
func (h *Handle) SetURL(url string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.URL = url
}

// Show makes selector visible with text.
func (h *Handle) Show(selector, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Elements[selector] = text
}

// Hide removes selector from the page.
func (h *Handle) Hide(selector string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.Elements, selector)
}

// FilledValue returns what was typed into selector.
func (h *Handle) FilledValue(selector string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Filled[selector]
}

// Clicks returns a copy of the clicked selectors.
func (h *Handle) Clicks() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.Clicked...)
}

// SeedCookies replaces the cookie jar.
func (h *Handle) SeedCookies(cookies []browser.Cookie) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cookies = append([]browser.Cookie(nil), cookies...)
}

func (h *Handle) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if h.dead {
		return ErrDead
	}
	return nil
}

func (h *Handle) Location(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.locationCalls++
	if err := h.check(ctx); err != nil {
		return "", err
	}
	return h.URL, nil
}

func (h *Handle) Navigate(ctx context.Context, url string) error {
	h.mu.Lock()
	if err := h.check(ctx); err != nil {
		h.mu.Unlock()
		return err
	}
	h.URL = url
	h.Visited = append(h.Visited, url)
	hook := h.OnNavigate
	h.mu.Unlock()

	if hook != nil {
		hook(h, url)
	}
	return nil
}

func (h *Handle) Fill(ctx context.Context, selector, value string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(ctx); err != nil {
		return err
	}
	if _, ok := h.Elements[selector]; !ok {
		return fmt.Errorf("fill %s: element not found", selector)
	}
	h.Filled[selector] = value
	return nil
}

func (h *Handle) Click(ctx context.Context, selector string) error {
	h.mu.Lock()
	if err := h.check(ctx); err != nil {
		h.mu.Unlock()
		return err
	}
	if _, ok := h.Elements[selector]; !ok {
		h.mu.Unlock()
		return fmt.Errorf("click %s: element not found", selector)
	}
	h.Clicked = append(h.Clicked, selector)
	hook := h.OnClick[selector]
	h.mu.Unlock()

	if hook != nil {
		hook(h)
	}
	return nil
}

func (h *Handle) Press(ctx context.Context, selector, key string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(ctx); err != nil {
		return err
	}
	if _, ok := h.Elements[selector]; !ok {
		return fmt.Errorf("press %s: element not found", selector)
	}
	h.Pressed = append(h.Pressed, selector+":"+key)
	return nil
}

func (h *Handle) WaitVisible(ctx context.Context, selector string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(ctx); err != nil {
		return err
	}
	if _, ok := h.Elements[selector]; !ok {
		return fmt.Errorf("wait for %s: timeout", selector)
	}
	return nil
}

func (h *Handle) Visible(ctx context.Context, selector string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(ctx); err != nil {
		return false, err
	}
	_, ok := h.Elements[selector]
	return ok, nil
}

func (h *Handle) Text(ctx context.Context, selector string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(ctx); err != nil {
		return "", err
	}
	text, ok := h.Elements[selector]
	if !ok {
		return "", fmt.Errorf("text of %s: element not found", selector)
	}
	return text, nil
}

func (h *Handle) Screenshot(ctx context.Context, path string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(ctx); err != nil {
		return nil, err
	}
	return []byte("png:" + h.URL), nil
}

func (h *Handle) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(ctx); err != nil {
		return nil, err
	}
	return append([]browser.Cookie(nil), h.cookies...), nil
}

func (h *Handle) SetCookies(ctx context.Context, cookies []browser.Cookie) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(ctx); err != nil {
		return err
	}
	h.cookies = append(h.cookies, cookies...)
	return nil
}

func (h *Handle) ClearCookies(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(ctx); err != nil {
		return err
	}
	h.cookies = nil
	return nil
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	h.dead = true
	return nil
}

// Launcher hands out handles built by New, or fresh ones.
type Launcher struct {
	mu sync.Mutex

	// New builds the next handle. Defaults to NewHandle.
	New func() *Handle
	// Err fails every launch when set.
	Err error

	launches []browser.LaunchOptions
	handles  []*Handle
}

// Launch implements browser.Launcher.
func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.Err != nil {
		return nil, l.Err
	}
	var h *Handle
	if l.New != nil {
		h = l.New()
	} else {
		h = NewHandle()
	}
	l.launches = append(l.launches, opts)
	l.handles = append(l.handles, h)
	return h, nil
}

// Launches returns the options of every launch so far.
func (l *Launcher) Launches() []browser.LaunchOptions {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]browser.LaunchOptions(nil), l.launches...)
}

// Last returns the most recently launched handle.
func (l *Launcher) Last() *Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.handles) == 0 {
		return nil
	}
	return l.handles[len(l.handles)-1]
}

// NoReap is a browser.Options.Reaper that does nothing.
func NoReap(string) error { return nil }
