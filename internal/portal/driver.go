package portal

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/eligibility-agent/internal/browser"
	"github.com/shehryarbajwa/eligibility-agent/internal/orchestrator"
	"github.com/shehryarbajwa/eligibility-agent/internal/session"
)

var (
	// ErrMissingCredentials is returned when a login form is shown but the
	// request carried no username or password.
	ErrMissingCredentials = errors.New("missing portal credentials")
	// ErrMemberNotFound is returned when the member search has no results.
	ErrMemberNotFound = errors.New("no member found")
	// ErrUnknownPage is returned when the page matches none of the
	// expected states before the settle timeout.
	ErrUnknownPage = errors.New("page did not reach an expected state")
)

const (
	defaultSettle   = 20 * time.Second
	defaultInterval = 500 * time.Millisecond
)

// EligibilityDriver runs a member eligibility lookup on one portal using the
// portal's selector table.
type EligibilityDriver struct {
	def         Definition
	downloadDir string
	logger      *zap.Logger

	// Settle bounds how long the driver waits for a page to show one of
	// the states it is looking for.
	Settle time.Duration
	// Interval is the page polling interval while settling.
	Interval time.Duration

	now func() time.Time
}

var _ orchestrator.Driver = (*EligibilityDriver)(nil)

// NewEligibilityDriver creates a driver that saves screenshots to
// downloadDir.
func NewEligibilityDriver(def Definition, downloadDir string, logger *zap.Logger) *EligibilityDriver {
	return &EligibilityDriver{
		def:         def,
		downloadDir: downloadDir,
		logger:      logger.With(zap.String("portal", def.Name)),
		Settle:      defaultSettle,
		Interval:    defaultInterval,
		now:         time.Now,
	}
}

// Login opens the login page and submits the credentials unless a trusted
// session is still live.
func (d *EligibilityDriver) Login(ctx context.Context, h browser.Handle, in orchestrator.Input) (orchestrator.LoginOutcome, error) {
	sel := d.def.Selectors
	url := in.URL
	if url == "" {
		url = d.def.LoginURL
	}

	if err := h.Navigate(ctx, url); err != nil {
		return 0, fmt.Errorf("failed to open login page: %w", err)
	}
	d.clickIfVisible(ctx, h, sel.CookieBanner)

	// Either the login form or a logged-in page shows up.
	trusted := false
	err := d.poll(ctx, "login form", func() bool {
		if ok, _ := d.Authenticated(ctx, h); ok {
			trusted = true
			return true
		}
		return visible(ctx, h, sel.Username)
	})
	if err != nil {
		return 0, err
	}
	if trusted {
		d.logger.Info("session still trusted")
		return orchestrator.LoginAlreadyAuthenticated, nil
	}

	creds := in.Credentials
	if creds.Username == "" || creds.Password == "" {
		return 0, ErrMissingCredentials
	}

	if err := h.Fill(ctx, sel.Username, creds.Username); err != nil {
		return 0, fmt.Errorf("failed to enter username: %w", err)
	}
	if sel.Next != "" && sel.Next != sel.Submit {
		if d.clickIfVisible(ctx, h, sel.Next) {
			if err := h.WaitVisible(ctx, sel.Password); err != nil {
				return 0, fmt.Errorf("password field did not appear: %w", err)
			}
		}
	}
	if err := h.Fill(ctx, sel.Password, creds.Password); err != nil {
		return 0, fmt.Errorf("failed to enter password: %w", err)
	}
	d.clickIfVisible(ctx, h, sel.RememberMe)
	if err := h.Click(ctx, sel.Submit); err != nil {
		return 0, fmt.Errorf("failed to submit login: %w", err)
	}

	return d.loginOutcome(ctx, h)
}

func (d *EligibilityDriver) loginOutcome(ctx context.Context, h browser.Handle) (orchestrator.LoginOutcome, error) {
	sel := d.def.Selectors
	pending := append([]string(nil), sel.PreOTP...)

	deadline := time.Now().Add(d.Settle)
	for {
		if ok, _ := d.Authenticated(ctx, h); ok {
			return orchestrator.LoginSuccess, nil
		}
		if visible(ctx, h, sel.OTPInput) {
			return orchestrator.LoginOTPRequired, nil
		}
		if len(pending) > 0 && d.clickIfVisible(ctx, h, pending[0]) {
			pending = pending[1:]
		}
		if visible(ctx, h, sel.LoginError) {
			text, _ := h.Text(ctx, sel.LoginError)
			if text = strings.TrimSpace(text); text != "" {
				return 0, fmt.Errorf("portal rejected login: %s", truncate(text, 200))
			}
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("%w after login", ErrUnknownPage)
		}
		if err := d.sleep(ctx); err != nil {
			return 0, err
		}
	}
}

// EnterOTP types code into the verification field and reports whether the
// portal moved past the challenge.
func (d *EligibilityDriver) EnterOTP(ctx context.Context, h browser.Handle, code string) (bool, error) {
	sel := d.def.Selectors
	if err := h.Fill(ctx, sel.OTPInput, code); err != nil {
		return false, fmt.Errorf("failed to enter code: %w", err)
	}
	if sel.OTPSubmit != "" && visible(ctx, h, sel.OTPSubmit) {
		if err := h.Click(ctx, sel.OTPSubmit); err != nil {
			return false, fmt.Errorf("failed to submit code: %w", err)
		}
	} else if err := h.Press(ctx, sel.OTPInput, "Enter"); err != nil {
		return false, fmt.Errorf("failed to submit code: %w", err)
	}

	deadline := time.Now().Add(d.Settle)
	for {
		if ok, _ := d.Authenticated(ctx, h); ok {
			return true, nil
		}
		if visible(ctx, h, sel.OTPRejected) {
			return false, nil
		}
		if time.Now().After(deadline) {
			d.logger.Warn("code outcome unknown, treating as rejected")
			return false, nil
		}
		if err := d.sleep(ctx); err != nil {
			return false, err
		}
	}
}

// Authenticated reports whether the page is past the login.
func (d *EligibilityDriver) Authenticated(ctx context.Context, h browser.Handle) (bool, error) {
	loc, err := h.Location(ctx)
	if err != nil {
		return false, err
	}
	if d.def.AuthenticatedURL(loc) {
		return true, nil
	}
	return visible(ctx, h, d.def.Selectors.SearchReady), nil
}

// Execute searches for the member and captures the result page.
func (d *EligibilityDriver) Execute(ctx context.Context, h browser.Handle, in orchestrator.Input) (session.Result, error) {
	sel := d.def.Selectors
	memberID := stringField(in.Data, "memberId")
	dob := stringField(in.Data, "dateOfBirth")
	first := stringField(in.Data, "firstName")
	last := stringField(in.Data, "lastName")

	if memberID == "" && (first == "" || last == "") {
		return nil, fmt.Errorf("memberId or firstName and lastName are required")
	}

	if d.def.SearchURL != "" {
		if err := h.Navigate(ctx, d.def.SearchURL); err != nil {
			return nil, fmt.Errorf("failed to open search page: %w", err)
		}
	}
	d.clickIfVisible(ctx, h, sel.SearchTab)
	if err := h.WaitVisible(ctx, sel.SearchReady); err != nil {
		return nil, fmt.Errorf("member search not available: %w", err)
	}

	fields := []struct{ selector, value string }{
		{sel.MemberID, memberID},
		{sel.DateOfBirth, dob},
		{sel.FirstName, first},
		{sel.LastName, last},
	}
	for _, f := range fields {
		if f.selector == "" || f.value == "" {
			continue
		}
		if err := h.Fill(ctx, f.selector, f.value); err != nil {
			return nil, fmt.Errorf("failed to fill %s: %w", f.selector, err)
		}
	}
	if err := h.Click(ctx, sel.Search); err != nil {
		return nil, fmt.Errorf("failed to start search: %w", err)
	}

	found := false
	err := d.poll(ctx, "search results", func() bool {
		if visible(ctx, h, sel.ResultRow) {
			found = true
			return true
		}
		return visible(ctx, h, sel.NoResults)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w for %s", ErrMemberNotFound, memberID)
	}

	result := session.Result{
		"status":       "success",
		"memberId":     memberID,
		"extractedDob": dob,
	}
	if name, err := h.Text(ctx, sel.PatientName); err == nil {
		result["patientName"] = strings.TrimSpace(name)
	}
	if elig, err := h.Text(ctx, sel.Eligibility); err == nil {
		result["eligibility"] = strings.TrimSpace(elig)
	}

	path, png, err := d.capture(ctx, h, memberID)
	if err != nil {
		d.logger.Warn("failed to capture result page", zap.Error(err))
	} else {
		result["ss_path"] = path
		result["screenshotBase64"] = base64.StdEncoding.EncodeToString(png)

		if pdfPath, pdf, err := renderPDF(path, png); err != nil {
			d.logger.Warn("failed to render result pdf", zap.Error(err))
		} else {
			result["pdf_path"] = pdfPath
			result["pdfBase64"] = base64.StdEncoding.EncodeToString(pdf)
		}
	}
	return result, nil
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

func (d *EligibilityDriver) capture(ctx context.Context, h browser.Handle, memberID string) (string, []byte, error) {
	if d.downloadDir == "" {
		return "", nil, fmt.Errorf("no download directory")
	}
	if err := os.MkdirAll(d.downloadDir, 0755); err != nil {
		return "", nil, err
	}
	id := unsafeFileChars.ReplaceAllString(memberID, "_")
	if id == "" {
		id = "member"
	}
	name := fmt.Sprintf("%s_eligibility_%s_%d.png", d.def.Name, id, d.now().Unix())
	path := filepath.Join(d.downloadDir, name)

	png, err := h.Screenshot(ctx, path)
	if err != nil {
		return "", nil, err
	}
	return path, png, nil
}

// poll checks done every Interval until it reports true or Settle elapses.
func (d *EligibilityDriver) poll(ctx context.Context, what string, done func() bool) error {
	deadline := time.Now().Add(d.Settle)
	for {
		if done() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: waited for %s", ErrUnknownPage, what)
		}
		if err := d.sleep(ctx); err != nil {
			return err
		}
	}
}

func (d *EligibilityDriver) sleep(ctx context.Context) error {
	t := time.NewTimer(d.Interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (d *EligibilityDriver) clickIfVisible(ctx context.Context, h browser.Handle, selector string) bool {
	if !visible(ctx, h, selector) {
		return false
	}
	if err := h.Click(ctx, selector); err != nil {
		d.logger.Debug("optional click failed", zap.String("selector", selector), zap.Error(err))
		return false
	}
	return true
}

func visible(ctx context.Context, h browser.Handle, selector string) bool {
	if selector == "" {
		return false
	}
	ok, err := h.Visible(ctx, selector)
	return err == nil && ok
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
