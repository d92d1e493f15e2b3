// Package scheduler triggers periodic scans of every repository in the
// configured organization. Each repository gets its own saga run, each
// subject to admission control under the shared system identity: a burst of
// repositories does not bypass the limiter, and rejected triggers carry over
// to the next tick instead of being dropped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/saga"
	"github.com/fyrsmithlabs/remedyd/internal/scan"
)

// systemKey identifies scheduler-originated triggers to the rate limiter.
const systemKey = "system"

// Config configures the scan scheduler.
type Config struct {
	// Enabled turns the scheduler on.
	Enabled bool `koanf:"enabled"`

	// Schedule is a cron expression.
	// Default: "0 0 * * *" (daily at midnight)
	Schedule string `koanf:"schedule"`

	// Org is the organization whose repositories are scanned.
	Org string `koanf:"org"`

	// TickTimeout bounds one full sweep, enumeration included.
	// Default: 4 hours
	TickTimeout time.Duration `koanf:"tick_timeout"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Schedule == "" {
		c.Schedule = "0 0 * * *"
	}
	if c.TickTimeout == 0 {
		c.TickTimeout = 4 * time.Hour
	}
}

// Validate validates the scheduler configuration.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Org == "" {
		return fmt.Errorf("org is required when the scheduler is enabled")
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", c.Schedule, err)
	}
	return nil
}

// RepositoryLister enumerates scan targets, returning repository URLs.
type RepositoryLister interface {
	ListRepositories(ctx context.Context, org string) ([]string, error)
}

// SagaStarter starts saga runs. Satisfied by saga.Runner.
type SagaStarter interface {
	Execute(ctx context.Context, typ saga.Type, key string, trigger any) (*saga.Run, error)
}

// TickResult summarizes one sweep.
type TickResult struct {
	Enumerated int
	Started    int
	Deferred   int
}

// Scheduler drives periodic scans.
type Scheduler struct {
	cfg    Config
	cron   *cron.Cron
	lister RepositoryLister
	runner SagaStarter
	logger *logging.Logger

	mu       sync.Mutex
	carried  []string // repositories rejected by admission, retried next tick
	stopOnce sync.Once
}

// NewScheduler creates the scheduler.
func NewScheduler(cfg Config, lister RepositoryLister, runner SagaStarter, logger *logging.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Scheduler{
		cfg:    cfg,
		cron:   cron.New(),
		lister: lister,
		runner: runner,
		logger: logger.Named("scheduler"),
	}, nil
}

// Start registers the cron entry and begins ticking. No-op when disabled.
func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		s.logger.Info(context.Background(), "scheduler disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TickTimeout)
		defer cancel()
		s.Tick(ctx)
	}); err != nil {
		return fmt.Errorf("register cron entry: %w", err)
	}
	s.cron.Start()
	s.logger.Info(context.Background(), "scheduler started",
		zap.String("schedule", s.cfg.Schedule),
		zap.String("org", s.cfg.Org),
	)
	return nil
}

// Stop halts the cron loop and waits for an in-flight tick.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
	})
}

// Tick runs one sweep: enumerate repositories, prepend carry-over from the
// previous tick, and start one scan run per repository until admission says
// stop.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	var result TickResult

	repos, err := s.lister.ListRepositories(ctx, s.cfg.Org)
	if err != nil {
		s.logger.Error(ctx, "repository enumeration failed",
			zap.String("org", s.cfg.Org),
			zap.Error(err),
		)
		// Carried-over repositories still get their chance.
		repos = nil
	}
	result.Enumerated = len(repos)

	s.mu.Lock()
	pending := s.carried
	s.carried = nil
	s.mu.Unlock()
	for _, repo := range repos {
		if !slices.Contains(pending, repo) {
			pending = append(pending, repo)
		}
	}

	for i, repo := range pending {
		if ctx.Err() != nil {
			s.carryOver(pending[i:])
			result.Deferred = len(pending) - i
			break
		}

		trigger := scan.TriggerEvent{RepoURL: repo}
		trigger.ApplyDefaults()
		_, err := s.runner.Execute(ctx, saga.TypeScan, systemKey, trigger)
		if err != nil && saga.KindOf(err) == saga.KindRateLimited {
			// Window exhausted. Everything left waits for the next tick.
			s.carryOver(pending[i:])
			result.Deferred = len(pending) - i
			break
		}
		if err != nil {
			var se *saga.Error
			if !errors.As(err, &se) {
				s.logger.Error(ctx, "scheduled scan could not start",
					zap.String("repo_url", repo),
					zap.Error(err),
				)
				continue
			}
			// The run itself failed; it is recorded and not re-queued.
		}
		result.Started++
	}

	s.logger.Info(ctx, "scheduler tick completed",
		zap.Int("enumerated", result.Enumerated),
		zap.Int("started", result.Started),
		zap.Int("deferred", result.Deferred),
	)
	return result
}

func (s *Scheduler) carryOver(repos []string) {
	if len(repos) == 0 {
		return
	}
	s.mu.Lock()
	s.carried = append(s.carried, repos...)
	s.mu.Unlock()
}
