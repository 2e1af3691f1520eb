// Package scheduler drives executions forward in the background: it polls the
// store for due executions, steps them on a bounded worker pool, fails stale
// ones and fires cron-scheduled workflows.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/pulse/internal/engine"
	"github.com/rendis/pulse/internal/lease"
	"github.com/rendis/pulse/internal/logging"
	"github.com/rendis/pulse/internal/store"
)

// Runner is the part of the engine the scheduler drives.
// *engine.Engine satisfies it.
type Runner interface {
	Start(ctx context.Context, req engine.StartRequest) (*store.Execution, error)
	Run(ctx context.Context, executionID string) (*store.Execution, error)
	FailStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// Config configures a Scheduler. Zero values take the defaults below.
type Config struct {
	Store  store.Store
	Runner Runner
	// Leases guards schedule fires across scheduler instances.
	Leases lease.Table
	Logger *slog.Logger

	Workers      int           // default 8
	PollInterval time.Duration // default 1s
	BatchSize    int           // default 100
	StaleAfter   time.Duration // default 5m
	Backoff      engine.Backoff

	Now   func() time.Time
	Owner string
}

// Scheduler polls the store and keeps executions moving.
type Scheduler struct {
	store   store.Store
	runner  Runner
	leases  lease.Table
	logger  *slog.Logger
	pool    *WorkerPool
	parser  cron.Parser
	now     func() time.Time
	owner   string
	backoff engine.Backoff

	pollInterval time.Duration
	batchSize    int
	staleAfter   time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// New creates a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil || cfg.Runner == nil {
		return nil, fmt.Errorf("scheduler requires a store and a runner")
	}
	s := &Scheduler{
		store:        cfg.Store,
		runner:       cfg.Runner,
		leases:       cfg.Leases,
		logger:       cfg.Logger,
		parser:       cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:          cfg.Now,
		owner:        cfg.Owner,
		backoff:      cfg.Backoff,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		staleAfter:   cfg.StaleAfter,
	}
	if s.leases == nil {
		s.leases = lease.NewMemoryTable(time.Minute)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 8
	}
	s.pool = newWorkerPool(workers, s.logger)
	if s.now == nil {
		s.now = time.Now
	}
	if s.owner == "" {
		s.owner = "scheduler-" + uuid.NewString()
	}
	if s.backoff.Attempts == 0 {
		s.backoff = engine.DefaultLeaseBackoff
	}
	if s.pollInterval <= 0 {
		s.pollInterval = time.Second
	}
	if s.batchSize <= 0 {
		s.batchSize = 100
	}
	if s.staleAfter <= 0 {
		s.staleAfter = 5 * time.Minute
	}
	return s, nil
}

// Start syncs cron schedules from the stored workflows and launches the
// background loop. Missed schedule fires are run once on the first tick.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("scheduler was stopped")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	if err := s.SyncSchedules(ctx); err != nil {
		s.logger.Error("failed to sync schedules", slog.String("error", err.Error()))
	}

	go s.loop(loopCtx)
	s.logger.Info("scheduler started",
		slog.Duration("poll_interval", s.pollInterval),
		slog.Duration("stale_after", s.staleAfter))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	staleTicker := time.NewTicker(s.staleAfter)
	defer staleTicker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		case <-staleTicker.C:
			s.failStale(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("scheduler tick failed", slog.String("error", err.Error()))
	}
}

// Tick fires due schedules, then submits every due execution to the worker
// pool. It returns how many executions were submitted; executions already in
// flight are skipped.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now().UTC()
	if err := s.RunDueSchedules(ctx, now); err != nil {
		s.logger.Error("failed to run schedules", slog.String("error", err.Error()))
	}

	due, err := s.store.ListDueExecutions(ctx, now, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list due executions: %w", err)
	}

	// Work outlives a single tick; Stop waits for it through the pool.
	workCtx := context.WithoutCancel(ctx)
	submitted := 0
	for _, exec := range due {
		id := exec.ID
		ok, err := s.pool.Submit(ctx, id, func(context.Context) error {
			return s.advance(workCtx, id)
		})
		if err != nil {
			return submitted, err
		}
		if ok {
			submitted++
		}
	}
	return submitted, nil
}

// advance runs one execution until it stops on its own. Lease contention is
// retried with backoff; if it persists another worker owns the execution.
func (s *Scheduler) advance(ctx context.Context, executionID string) error {
	ctx = logging.WithExecutionID(ctx, executionID)
	log := logging.LogWith(ctx, s.logger)

	var exec *store.Execution
	err := engine.RetryContention(ctx, s.backoff, func(ctx context.Context) error {
		var err error
		exec, err = s.runner.Run(ctx, executionID)
		return err
	})
	switch {
	case err == nil:
		log.Debug("execution advanced", slog.String("status", string(exec.Status)))
		return nil
	case engine.IsContention(err):
		log.Debug("execution busy elsewhere", slog.String("error", err.Error()))
		return nil
	default:
		log.Error("failed to advance execution", slog.String("error", err.Error()))
		return err
	}
}

func (s *Scheduler) failStale(ctx context.Context) {
	n, err := s.runner.FailStale(ctx, s.staleAfter)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to fail stale executions", slog.String("error", err.Error()))
		}
		return
	}
	if n > 0 {
		s.logger.Warn("failed stale executions", slog.Int("count", n))
	}
}

// Metrics returns the worker pool metrics.
func (s *Scheduler) Metrics() PoolMetrics {
	return s.pool.Metrics()
}

// Wait blocks until all submitted executions have been advanced.
func (s *Scheduler) Wait() {
	s.pool.Wait()
}

// Stop stops the loop and waits for in-flight work to finish. A stopped
// scheduler cannot be started again.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.pool.Shutdown()
	s.cancel = nil
	s.done = nil
	s.stopped = true

	s.logger.Info("scheduler stopped")
	return nil
}
