package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/alert"
	"github.com/fyrsmithlabs/remedyd/internal/autofix"
	"github.com/fyrsmithlabs/remedyd/internal/github"
	"github.com/fyrsmithlabs/remedyd/internal/llm"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/ratelimit"
	"github.com/fyrsmithlabs/remedyd/internal/saga"
	"github.com/fyrsmithlabs/remedyd/internal/saga/ledger"
	"github.com/fyrsmithlabs/remedyd/internal/scan"
	"github.com/fyrsmithlabs/remedyd/internal/scheduler"
	"github.com/fyrsmithlabs/remedyd/internal/server"
	"github.com/fyrsmithlabs/remedyd/internal/similarity"
	"github.com/fyrsmithlabs/remedyd/internal/telemetry"
)

// App is the assembled daemon.
type App struct {
	cfg       *Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	runner    *saga.Runner
	server    *server.Server
	scheduler *scheduler.Scheduler

	// closers run in reverse order on shutdown.
	closers []func() error
}

// New wires every component from the configuration. The auto-fix saga is
// registered only when GitHub and LLM credentials are present; scanning works
// without them. On error, any resource opened so far is released.
func New(ctx context.Context, cfg *Config) (app *App, err error) {
	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	app = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.closeAll()
		}
	}()
	app.closers = append(app.closers, logger.Sync)

	tel, err := telemetry.New(ctx, &cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	app.telemetry = tel
	app.closers = append(app.closers, func() error {
		return tel.Shutdown(context.Background())
	})

	store, err := app.openStore()
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.NewLimiter(cfg.RateLimit)
	runner, err := saga.NewRunner(cfg.Saga, store, limiter, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create saga runner: %w", err)
	}
	app.runner = runner

	scanner, err := scan.NewCommandScanner(cfg.Scanner, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create scanner: %w", err)
	}
	if err := runner.Register(scan.NewDefinition(scanner, app.alertSink(), logger)); err != nil {
		return nil, fmt.Errorf("failed to register scan saga: %w", err)
	}

	gh, err := app.registerAutoFix(ctx)
	if err != nil {
		return nil, err
	}

	srv, err := server.NewServer(cfg.Server, runner, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create http server: %w", err)
	}
	app.server = srv

	if cfg.Scheduler.Enabled {
		if gh == nil {
			return nil, fmt.Errorf("scheduler requires a github token to enumerate repositories")
		}
		sched, err := scheduler.NewScheduler(cfg.Scheduler, gh, runner, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create scheduler: %w", err)
		}
		app.scheduler = sched
	}

	return app, nil
}

// Run starts the scheduler and the HTTP server and blocks until the context
// is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	if a.scheduler != nil {
		if err := a.scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return a.shutdown()
	}
}

// shutdown stops the transports, then releases resources in reverse order of
// acquisition. In-flight runs detached via Submit keep executing until the
// process exits; the durable ledger replays them on restart.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
	}
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) openStore() (saga.Store, error) {
	if a.cfg.Ledger.InMemory {
		a.logger.Warn(context.Background(), "ledger is in-memory, runs will not survive a restart")
	}
	store, err := ledger.OpenBadger(a.cfg.Ledger, a.logger.Underlying())
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	return store, nil
}

// alertSink returns the webhook sink when one is configured, otherwise a
// sink that logs critical findings.
func (a *App) alertSink() scan.AlertSink {
	if !a.cfg.Alert.WebhookURL.IsSet() {
		a.logger.Info(context.Background(), "no alert webhook configured, critical alerts go to the log")
		return alert.NewLogSink(a.logger)
	}
	sink, err := alert.NewWebhookSink(a.cfg.Alert, a.logger)
	if err != nil {
		a.logger.Warn(context.Background(), "alert webhook rejected, falling back to the log", zap.Error(err))
		return alert.NewLogSink(a.logger)
	}
	return sink
}

// registerAutoFix wires the auto-fix saga when its collaborators are
// configured. Returns the GitHub client for reuse by the scheduler, or nil
// when auto-fix is disabled.
func (a *App) registerAutoFix(ctx context.Context) (*github.Client, error) {
	if !a.cfg.GitHub.Token.IsSet() || !a.cfg.LLM.APIKey.IsSet() {
		a.logger.Info(ctx, "auto-fix disabled: github token and llm api key are required")
		return nil, nil
	}

	gh, err := github.NewClient(ctx, a.cfg.GitHub, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create github client: %w", err)
	}

	generator, err := llm.NewGenerator(a.cfg.LLM, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create fix generator: %w", err)
	}

	index, err := similarity.NewIndex(a.cfg.Similarity, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to similarity index: %w", err)
	}
	a.closers = append(a.closers, index.Close)

	if err := a.runner.Register(autofix.NewDefinition(index, generator, gh, a.logger)); err != nil {
		return nil, fmt.Errorf("failed to register auto-fix saga: %w", err)
	}
	return gh, nil
}
