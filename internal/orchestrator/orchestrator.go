package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/eligibility-agent/internal/admission"
	"github.com/shehryarbajwa/eligibility-agent/internal/browser"
	"github.com/shehryarbajwa/eligibility-agent/internal/session"
)

var (
	// ErrOTPTimeout is returned when no code arrives before the deadline.
	ErrOTPTimeout = errors.New("otp timeout")
	// ErrSessionClosed is returned when the session was cleaned up while
	// the run was still waiting on it.
	ErrSessionClosed = errors.New("session closed")
)

// Observer receives run outcomes. *metrics.Metrics implements it.
type Observer interface {
	SessionFinished(portal, outcome string)
	ObserveOTPWait(portal string, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) SessionFinished(string, string) {}

func (nopObserver) ObserveOTPWait(string, time.Duration) {}

// Options configures an Orchestrator.
type Options struct {
	// ErrorGrace and CompletedGrace are how long a finished session stays
	// visible to status polls.
	ErrorGrace     time.Duration
	CompletedGrace time.Duration
	// RunTimeout bounds one admitted run, OTP wait included.
	RunTimeout time.Duration
	Observer   Observer
}

// Orchestrator runs sessions one at a time behind the admission gate.
type Orchestrator struct {
	gate     *admission.Controller
	registry *session.Registry
	opts     Options
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator.
func New(gate *admission.Controller, registry *session.Registry, opts Options, logger *zap.Logger) *Orchestrator {
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.ErrorGrace <= 0 {
		opts.ErrorGrace = 30 * time.Second
	}
	if opts.CompletedGrace <= 0 {
		opts.CompletedGrace = 60 * time.Second
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		gate:     gate,
		registry: registry,
		opts:     opts,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start registers a session, queues it and runs it in the background. The
// returned session always reaches a terminal state.
func (o *Orchestrator) Start(t *Target, in Input) *session.Session {
	s := o.registry.Create(t.kind())
	ticket := o.gate.Enqueue()

	o.logger.Info("session queued",
		zap.String("portal", t.Name),
		zap.String("session_id", s.ID()),
		zap.Int("queued_jobs", o.gate.Status().Waiting),
	)

	o.wg.Add(1)
	go o.supervise(s, t, in, ticket)
	return s
}

// Run starts a session and waits for it to finish. If ctx ends first the
// run continues in the background and ctx's error is returned alongside
// the current snapshot.
func (o *Orchestrator) Run(ctx context.Context, t *Target, in Input) (session.Snapshot, error) {
	s := o.Start(t, in)
	select {
	case <-s.Done():
		return s.Snapshot(), nil
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}
}

// Shutdown cancels in-flight runs and waits for them to reach a terminal
// state or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runs still active at shutdown: %w", ctx.Err())
	}
}

func (o *Orchestrator) supervise(s *session.Session, t *Target, in Input, ticket *admission.Ticket) {
	defer o.wg.Done()

	logger := o.logger.With(zap.String("portal", t.Name), zap.String("session_id", s.ID()))

	var (
		result session.Result
		err    error
	)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("run panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			result, err = nil, fmt.Errorf("unexpected error: %v", r)
		}
		o.finish(s, t, result, err, logger)
	}()

	result, err = o.admitAndRun(s, t, in, ticket, logger)
}

func (o *Orchestrator) admitAndRun(s *session.Session, t *Target, in Input, ticket *admission.Ticket, logger *zap.Logger) (session.Result, error) {
	guard, err := o.gate.Admit(o.ctx, ticket)
	if err != nil {
		return nil, fmt.Errorf("not admitted: %w", err)
	}
	defer guard.Release()

	logger.Info("session admitted")

	ctx, cancel := context.WithTimeout(o.ctx, o.opts.RunTimeout)
	defer cancel()

	succeeded := false
	defer func() { o.afterRun(t, succeeded, logger) }()

	result, err := o.run(ctx, s, t, in, logger)
	succeeded = err == nil
	return result, err
}

func (o *Orchestrator) run(ctx context.Context, s *session.Session, t *Target, in Input, logger *zap.Logger) (session.Result, error) {
	if err := s.Transition(session.StatusRunning, "starting"); err != nil {
		return nil, err
	}

	h, err := t.Browser.Handle(ctx, t.Headless)
	if err != nil {
		return nil, fmt.Errorf("browser unavailable: %w", err)
	}

	o.checkPrincipal(ctx, t, h, in.Credentials.Username, logger)

	outcome, loginErr := t.Driver.Login(ctx, h, in)
	if t.Credentials != nil && in.Credentials.Username != "" {
		if err := t.Credentials.Record(in.Credentials.Username); err != nil {
			logger.Warn("failed to record credential fingerprint", zap.Error(err))
		}
	}
	if loginErr != nil {
		return nil, fmt.Errorf("login failed: %w", loginErr)
	}
	logger.Info("login finished", zap.Stringer("outcome", outcome))

	switch outcome {
	case LoginOTPRequired:
		if err := o.awaitOTP(ctx, s, t, h, logger); err != nil {
			return nil, err
		}
	case LoginAlreadyAuthenticated:
		if err := s.Transition(session.StatusRunning, "already authenticated"); err != nil {
			return nil, err
		}
	default:
		if err := s.Transition(session.StatusRunning, "login successful"); err != nil {
			return nil, err
		}
	}

	if t.Browser.UsesCookieJar() {
		if err := t.Browser.SaveCookies(ctx); err != nil {
			logger.Warn("failed to save cookies", zap.Error(err))
		}
	}

	if err := s.Transition(session.StatusRunning, "running task"); err != nil {
		return nil, err
	}
	result, err := t.Driver.Execute(ctx, h, in)
	if err != nil {
		return nil, fmt.Errorf("task failed: %w", err)
	}
	return result, nil
}

// checkPrincipal forces a logout when the request's user differs from the
// one that last logged in, so a trusted session is never reused for
// someone else. Fingerprint read errors count as a change.
func (o *Orchestrator) checkPrincipal(ctx context.Context, t *Target, h browser.Handle, username string, logger *zap.Logger) {
	if t.Credentials == nil || username == "" {
		return
	}
	changed, err := t.Credentials.Changed(username)
	if err != nil {
		logger.Warn("failed to read credential fingerprint", zap.Error(err))
		changed = true
	}
	if !changed {
		return
	}

	logger.Info("credentials changed, forcing logout")
	if err := h.ClearCookies(ctx); err != nil {
		logger.Warn("failed to clear browser cookies", zap.Error(err))
	}
	if err := t.Browser.ClearSavedCookies(); err != nil {
		logger.Warn("failed to clear saved cookies", zap.Error(err))
	}
	if err := t.Credentials.Forget(); err != nil {
		logger.Warn("failed to forget credential fingerprint", zap.Error(err))
	}
}

func (o *Orchestrator) awaitOTP(ctx context.Context, s *session.Session, t *Target, h browser.Handle, logger *zap.Logger) error {
	if err := s.Transition(session.StatusWaitingForOTP, "waiting for otp"); err != nil {
		return err
	}
	logger.Info("waiting for otp", zap.Stringer("strategy", t.Strategy), zap.Duration("timeout", t.otpTimeout()))

	start := time.Now()
	defer func() { o.opts.Observer.ObserveOTPWait(t.Name, time.Since(start)) }()

	// The OTP timeout bounds only the wait for a code; page work runs
	// under ctx.
	waitCtx, cancel := context.WithTimeout(ctx, t.otpTimeout())
	defer cancel()

	if t.Strategy == StrategyPoll {
		return o.pollOTP(ctx, waitCtx, s, t, h, logger)
	}
	return o.waitOTP(ctx, waitCtx, s, t, h, logger)
}

// waitOTP sleeps until a code is submitted and types it into the page.
func (o *Orchestrator) waitOTP(ctx, waitCtx context.Context, s *session.Session, t *Target, h browser.Handle, logger *zap.Logger) error {
	for {
		select {
		case <-waitCtx.Done():
			return otpWaitError(waitCtx, t)
		case <-s.Done():
			return ErrSessionClosed
		case <-s.OTPReady():
		}

		code, ok := s.TakeOTP()
		if !ok {
			continue
		}
		accepted, err := o.enterOTP(ctx, s, t, h, code, logger)
		if err != nil {
			return err
		}
		if accepted {
			return nil
		}
	}
}

// pollOTP checks every interval for a submitted code and for the operator
// having finished the challenge in the window, whichever comes first.
func (o *Orchestrator) pollOTP(ctx, waitCtx context.Context, s *session.Session, t *Target, h browser.Handle, logger *zap.Logger) error {
	ticker := time.NewTicker(t.pollInterval())
	defer ticker.Stop()

	for {
		if code, ok := s.TakeOTP(); ok {
			accepted, err := o.enterOTP(ctx, s, t, h, code, logger)
			if err != nil {
				return err
			}
			if accepted {
				return nil
			}
		} else {
			authed, err := t.Driver.Authenticated(ctx, h)
			switch {
			case err != nil:
				logger.Debug("login check failed while polling", zap.Error(err))
			case authed:
				logger.Info("otp completed in browser")
				return s.Transition(session.StatusRunning, "login completed in browser")
			}
		}
		s.Touch()

		select {
		case <-waitCtx.Done():
			return otpWaitError(waitCtx, t)
		case <-s.Done():
			return ErrSessionClosed
		case <-s.OTPReady():
		case <-ticker.C:
		}
	}
}

// enterOTP reports whether the page accepted code. A rejected code puts the
// session back to waiting for another one.
func (o *Orchestrator) enterOTP(ctx context.Context, s *session.Session, t *Target, h browser.Handle, code string, logger *zap.Logger) (bool, error) {
	if err := s.Transition(session.StatusOTPSubmitted, "otp submitted"); err != nil {
		return false, err
	}

	accepted, err := t.Driver.EnterOTP(ctx, h, code)
	if err != nil {
		return false, fmt.Errorf("otp entry failed: %w", err)
	}
	if !accepted {
		logger.Info("otp rejected by portal")
		return false, s.Transition(session.StatusWaitingForOTP, "otp rejected, submit a new code")
	}

	logger.Info("otp accepted")
	return true, s.Transition(session.StatusRunning, "otp accepted")
}

func otpWaitError(ctx context.Context, t *Target) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: no code within %s", ErrOTPTimeout, t.otpTimeout())
	}
	return fmt.Errorf("otp wait cancelled: %w", ctx.Err())
}

func (o *Orchestrator) afterRun(t *Target, succeeded bool, logger *zap.Logger) {
	if t.AfterRun != CloseBrowser {
		return
	}
	if succeeded && t.Browser.UsesCookieJar() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := t.Browser.SaveCookies(ctx); err != nil {
			logger.Warn("failed to save cookies before closing", zap.Error(err))
		}
		cancel()
	}
	t.Browser.Quit()
}

func (o *Orchestrator) finish(s *session.Session, t *Target, result session.Result, err error, logger *zap.Logger) {
	if err != nil {
		if s.Fail(err.Error()) {
			o.opts.Observer.SessionFinished(t.Name, string(session.StatusError))
		}
		logger.Warn("session failed", zap.Error(err))
		o.registry.ScheduleCleanup(s.ID(), o.opts.ErrorGrace)
		return
	}

	if result == nil {
		result = session.Result{}
	}
	if _, ok := result["status"]; !ok {
		result["status"] = "success"
	}
	if s.Complete(result, "completed") {
		o.opts.Observer.SessionFinished(t.Name, string(session.StatusCompleted))
	}
	logger.Info("session completed")
	o.registry.ScheduleCleanup(s.ID(), o.opts.CompletedGrace)
}
