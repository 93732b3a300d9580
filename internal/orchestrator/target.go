// Package orchestrator drives a session from admission through login, the
// one-time-password challenge and task execution to a terminal state.
package orchestrator

import (
	"context"
	"time"

	"github.com/shehryarbajwa/eligibility-agent/internal/browser"
	"github.com/shehryarbajwa/eligibility-agent/internal/credential"
	"github.com/shehryarbajwa/eligibility-agent/internal/session"
)

// LoginOutcome is what a page driver observed after submitting credentials.
type LoginOutcome int

const (
	// LoginSuccess means the portal accepted the credentials outright.
	LoginSuccess LoginOutcome = iota
	// LoginAlreadyAuthenticated means a trusted session was still live.
	LoginAlreadyAuthenticated
	// LoginOTPRequired means the portal is asking for a verification code.
	LoginOTPRequired
)

func (o LoginOutcome) String() string {
	switch o {
	case LoginSuccess:
		return "success"
	case LoginAlreadyAuthenticated:
		return "already_authenticated"
	case LoginOTPRequired:
		return "otp_required"
	default:
		return "unknown"
	}
}

// Credentials are the portal login for one request.
type Credentials struct {
	Username string
	Password string
}

// Input is everything a run needs from the caller.
type Input struct {
	Credentials Credentials
	// Data is the raw request payload handed to the task.
	Data map[string]any
	// URL optionally overrides the portal's login page.
	URL string
}

// Driver performs the portal-specific page interactions.
type Driver interface {
	Login(ctx context.Context, h browser.Handle, in Input) (LoginOutcome, error)
	// EnterOTP types code into the challenge and reports whether the portal
	// accepted it.
	EnterOTP(ctx context.Context, h browser.Handle, code string) (bool, error)
	// Authenticated reports whether the page shows a logged-in portal, for
	// example because the operator finished the challenge in the window.
	Authenticated(ctx context.Context, h browser.Handle) (bool, error)
	Execute(ctx context.Context, h browser.Handle, in Input) (session.Result, error)
}

// Browser is the portal's browser owner. *browser.Manager implements it.
type Browser interface {
	Handle(ctx context.Context, headless bool) (browser.Handle, error)
	Quit()
	SaveCookies(ctx context.Context) error
	ClearSavedCookies() error
	UsesCookieJar() bool
}

// Strategy selects how a code reaches the page.
type Strategy int

const (
	// StrategyEvent sleeps until a code is submitted, then types it.
	StrategyEvent Strategy = iota
	// StrategyPoll checks every interval for a submitted code or for the
	// operator having completed the challenge in the visible window.
	StrategyPoll
)

func (s Strategy) String() string {
	if s == StrategyPoll {
		return "poll"
	}
	return "event"
}

// AfterRun is what happens to the browser once a run ends.
type AfterRun int

const (
	// KeepWarm leaves the browser open for the next session.
	KeepWarm AfterRun = iota
	// CloseBrowser snapshots cookies on success and quits the browser.
	CloseBrowser
)

// Target is one portal as seen by the orchestrator.
type Target struct {
	Name        string
	Kind        string // session type label, defaults to Name
	Browser     Browser
	Credentials *credential.Store
	Driver      Driver

	Strategy     Strategy
	OTPTimeout   time.Duration
	PollInterval time.Duration
	AfterRun     AfterRun
	Headless     bool
}

func (t *Target) kind() string {
	if t.Kind == "" {
		return t.Name
	}
	return t.Kind
}

func (t *Target) pollInterval() time.Duration {
	if t.PollInterval <= 0 {
		return time.Second
	}
	return t.PollInterval
}

func (t *Target) otpTimeout() time.Duration {
	if t.OTPTimeout <= 0 {
		return 240 * time.Second
	}
	return t.OTPTimeout
}
