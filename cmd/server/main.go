package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/eligibility-agent/internal/admission"
	"github.com/shehryarbajwa/eligibility-agent/internal/api"
	"github.com/shehryarbajwa/eligibility-agent/internal/browser"
	"github.com/shehryarbajwa/eligibility-agent/internal/config"
	"github.com/shehryarbajwa/eligibility-agent/internal/logging"
	"github.com/shehryarbajwa/eligibility-agent/internal/metrics"
	"github.com/shehryarbajwa/eligibility-agent/internal/orchestrator"
	"github.com/shehryarbajwa/eligibility-agent/internal/portal"
	"github.com/shehryarbajwa/eligibility-agent/internal/ratelimit"
	"github.com/shehryarbajwa/eligibility-agent/internal/session"
)

func main() {
	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Info("no .env file found, using system environment variables")
	}
	logger.Info("starting eligibility agent", zap.Strings("portals", cfg.Portals))

	m := metrics.New()

	gate := admission.New()
	gate.OnChange(m.ObserveAdmission)

	launcher := browser.NewPlaywrightLauncher(cfg.Browser.InstallDriver, cfg.Browser.PageTimeout, logger)

	portals, err := portal.NewManager(cfg, launcher, m.BrowserLaunched, logger)
	if err != nil {
		logger.Fatal("failed to set up portals", zap.Error(err))
	}

	// Start every run from a clean login; device-trust state survives.
	if err := portals.ClearSessionArtifacts(); err != nil {
		logger.Warn("failed to clear session artifacts", zap.Error(err))
	}

	registry := session.NewRegistry(logger)
	orch := orchestrator.New(gate, registry, orchestrator.Options{
		ErrorGrace:     cfg.Session.ErrorGrace,
		CompletedGrace: cfg.Session.CompletedGrace,
		RunTimeout:     cfg.Session.RunTimeout,
		Observer:       m,
	}, logger)

	var rateLimiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		rateLimiter = ratelimit.NewLimiter(cfg.RateLimit.RequestsPerHour, cfg.RateLimit.Burst)
		logger.Info("rate limiter initialized",
			zap.Int("requests_per_hour", cfg.RateLimit.RequestsPerHour),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
	}

	handler := api.NewHandler(portals, orch, registry, gate, logger)
	router := handler.SetupRoutes(rateLimiter, cfg.RateLimit.RequestsPerHour, m)

	// Synchronous check routes block for the whole run, so no write timeout.
	srv := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server gracefully")

	// Blocked check requests only return once their run ends, so runs are
	// drained before the server.
	shutdown(logger, []shutdownStep{
		{name: "sessions", budget: 15 * time.Second, stop: func(ctx context.Context) error {
			gate.Close()
			return orch.Shutdown(ctx)
		}},
		{name: "http server", budget: 10 * time.Second, stop: srv.Shutdown},
		{name: "registry", stop: func(context.Context) error {
			registry.Close()
			return nil
		}},
		{name: "browsers", stop: func(context.Context) error {
			portals.Close()
			return nil
		}},
		{name: "playwright", stop: func(context.Context) error {
			return launcher.Stop()
		}},
	})

	logger.Info("server stopped cleanly")
}

// shutdownStep is one stage of the shutdown sequence.
type shutdownStep struct {
	name   string
	budget time.Duration
	stop   func(ctx context.Context) error
}

// shutdown runs steps in order. A step that fails or overruns its budget is
// logged and the next step still gets its full budget.
func shutdown(logger *zap.Logger, steps []shutdownStep) {
	for _, step := range steps {
		ctx := context.Background()
		cancel := context.CancelFunc(func() {})
		if step.budget > 0 {
			ctx, cancel = context.WithTimeout(ctx, step.budget)
		}
		if err := step.stop(ctx); err != nil {
			logger.Warn("shutdown step failed", zap.String("step", step.name), zap.Error(err))
		}
		cancel()
	}
}
