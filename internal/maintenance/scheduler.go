// Package maintenance runs the batched, time-boxed job that keeps decay scores
// and lifecycle states current and purges soft-deleted memories past retention.
//
// At most one run executes at a time per process. A second trigger while a run
// is in flight fails immediately with ErrAlreadyRunning. Each run processes up
// to BatchSize records starting after a cursor that persists across runs, so a
// large store is covered by successive runs. When the store is exhausted the
// cursor wraps back to the beginning.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/madeinoz67/madeinoz-knowledge-system/internal/lifecycle"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/metrics"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/models"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/store"
)

// ErrAlreadyRunning is returned when a run is triggered while another is in progress.
var ErrAlreadyRunning = errors.New("maintenance run already in progress")

// persistTimeout bounds a single record write once it has started.
const persistTimeout = 30 * time.Second

// Config controls batch size, time budget and scheduling.
type Config struct {
	BatchSize      int           `mapstructure:"batch_size"`
	MaxDuration    time.Duration `mapstructure:"max_duration"`
	Interval       time.Duration `mapstructure:"interval"`
	PersistRetries int           `mapstructure:"persist_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	PageSize       int           `mapstructure:"page_size"`
}

// DefaultConfig returns the default maintenance configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:      500,
		MaxDuration:    10 * time.Minute,
		Interval:       24 * time.Hour,
		PersistRetries: 3,
		RetryBackoff:   100 * time.Millisecond,
		PageSize:       100,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("maintenance.batch_size must be greater than 0")
	}
	if c.MaxDuration <= 0 {
		return fmt.Errorf("maintenance.max_duration must be greater than 0")
	}
	if c.Interval < 0 {
		return fmt.Errorf("maintenance.interval must not be negative")
	}
	if c.PersistRetries < 1 {
		return fmt.Errorf("maintenance.persist_retries must be at least 1")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("maintenance.page_size must be greater than 0")
	}
	return nil
}

// RunOptions customizes a single run.
type RunOptions struct {
	Trigger models.RunTrigger

	// MaxDuration overrides the configured time budget when positive.
	MaxDuration time.Duration

	// DryRun evaluates every record and reports what would change without writing.
	DryRun bool
}

// RunRecorder receives every finalized run.
type RunRecorder interface {
	Append(ctx context.Context, run models.MaintenanceRun) error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRecorder appends finalized runs to r.
func WithRecorder(r RunRecorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithObserver calls fn after every finalized run.
func WithObserver(fn func(models.MaintenanceRun)) Option {
	return func(s *Scheduler) { s.observers = append(s.observers, fn) }
}

// Scheduler runs maintenance over the store.
type Scheduler struct {
	store     store.Store
	lifecycle *lifecycle.Manager
	metrics   *metrics.Manager
	logger    *slog.Logger
	cfg       Config

	recorder  RunRecorder
	observers []func(models.MaintenanceRun)
	now       func() time.Time

	runMu   sync.Mutex // held for the duration of a run
	cursor  string     // guarded by runMu
	running atomic.Bool
	last    atomic.Pointer[models.MaintenanceRun]

	cancelMu  sync.Mutex
	cancelRun context.CancelFunc

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// NewScheduler creates a scheduler. Invalid configuration falls back to the defaults.
func NewScheduler(st store.Store, lm *lifecycle.Manager, cfg Config, m *metrics.Manager, logger *slog.Logger, opts ...Option) *Scheduler {
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid maintenance config, using defaults", "error", err)
		cfg = DefaultConfig()
	}
	s := &Scheduler{
		store:     st,
		lifecycle: lm,
		metrics:   m,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// LastRun returns the most recently finalized run, or nil.
func (s *Scheduler) LastRun() *models.MaintenanceRun {
	r := s.last.Load()
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// Running reports whether a run is in progress.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Run executes one maintenance pass. It returns ErrAlreadyRunning without
// waiting if another run holds the lock. A run whose first fetch fails is
// finalized with status failure and the returned error wraps the cause.
func (s *Scheduler) Run(ctx context.Context, opts RunOptions) (*models.MaintenanceRun, error) {
	if !s.runMu.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer s.runMu.Unlock()
	s.running.Store(true)
	defer s.running.Store(false)

	if opts.Trigger == "" {
		opts.Trigger = models.TriggerManual
	}
	budget := s.cfg.MaxDuration
	if opts.MaxDuration > 0 {
		budget = opts.MaxDuration
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.setCancel(cancel)
	defer func() {
		s.setCancel(nil)
		cancel()
	}()

	start := s.now()
	r := &runner{
		s:        s,
		ctx:      runCtx,
		deadline: start.Add(budget),
		dryRun:   opts.DryRun,
		run: models.MaintenanceRun{
			RunID:     uuid.New().String(),
			Trigger:   opts.Trigger,
			StartedAt: start,
			DryRun:    opts.DryRun,
		},
	}

	s.logger.Info("maintenance run started", "run_id", r.run.RunID, "trigger", opts.Trigger,
		"batch_size", s.cfg.BatchSize, "max_duration", budget, "dry_run", opts.DryRun, "cursor", s.cursor)

	fetchErr := r.processBatch()
	if fetchErr == nil && r.interrupt == "" {
		r.purge()
	}

	final := s.finalize(ctx, r, fetchErr)
	if final.Status == models.RunFailure {
		return final, fmt.Errorf("maintenance run %s failed: %w", final.RunID, fetchErr)
	}
	return final, nil
}

// Cancel stops the in-flight run, if any. The record being written completes
// and the run is finalized as partial.
func (s *Scheduler) Cancel() {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if s.cancelRun != nil {
		s.cancelRun()
	}
}

func (s *Scheduler) setCancel(fn context.CancelFunc) {
	s.cancelMu.Lock()
	s.cancelRun = fn
	s.cancelMu.Unlock()
}

// Loop triggers a scheduled run every Interval until ctx is done. With a zero
// Interval it only waits for ctx.
func (s *Scheduler) Loop(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		s.logger.Info("automatic maintenance disabled, on-demand runs only")
		<-ctx.Done()
		return nil
	}

	s.logger.Info("maintenance scheduler started", "interval", s.cfg.Interval)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("maintenance scheduler stopped")
			return nil
		case <-ticker.C:
			_, err := s.Run(ctx, RunOptions{Trigger: models.TriggerScheduled})
			switch {
			case errors.Is(err, ErrAlreadyRunning):
				s.logger.Info("scheduled maintenance skipped, run already in progress")
			case err != nil:
				s.logger.Error("scheduled maintenance failed", "error", err)
			}
		}
	}
}

// Start runs Loop in the background until Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.loopCancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.loopCancel = cancel
	s.loopDone = done
	go func() {
		defer close(done)
		_ = s.Loop(loopCtx)
	}()
}

// Stop cancels the background loop and any in-flight run, then waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.loopMu.Lock()
	cancel, done := s.loopCancel, s.loopDone
	s.loopCancel, s.loopDone = nil, nil
	s.loopMu.Unlock()

	s.Cancel()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Scheduler) finalize(ctx context.Context, r *runner, fetchErr error) *models.MaintenanceRun {
	run := r.run
	run.DurationSeconds = s.now().Sub(run.StartedAt).Seconds()

	switch {
	case fetchErr != nil:
		run.Status = models.RunFailure
		run.Error = fetchErr.Error()
	case r.interrupt != "" || run.RecordsSkipped > 0:
		run.Status = models.RunPartial
		run.Error = r.interrupt
		if run.Error == "" {
			run.Error = fmt.Sprintf("%d records skipped after persist retries", run.RecordsSkipped)
		}
	default:
		run.Status = models.RunSuccess
	}

	s.last.Store(&run)

	s.metrics.RecordMaintenanceRun(string(run.Status), time.Duration(run.DurationSeconds*float64(time.Second)))
	if !run.DryRun {
		s.metrics.AddDecayScoresUpdated(run.DecayScoresUpdated)
		s.metrics.AddSoftDeletedPurged(run.SoftDeletedPurged)
	}

	if s.recorder != nil {
		if err := s.recorder.Append(context.WithoutCancel(ctx), run); err != nil {
			s.logger.Warn("recording maintenance run failed", "run_id", run.RunID, "error", err)
		}
	}
	for _, fn := range s.observers {
		fn(run)
	}

	level := slog.LevelInfo
	if run.Status != models.RunSuccess {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "maintenance run finished",
		"run_id", run.RunID,
		"status", run.Status,
		"duration_seconds", run.DurationSeconds,
		"memories_processed", run.MemoriesProcessed,
		"state_transitions", run.StateTransitions,
		"decay_scores_updated", run.DecayScoresUpdated,
		"soft_deleted_purged", run.SoftDeletedPurged,
		"records_skipped", run.RecordsSkipped,
		"error", run.Error,
	)

	out := run
	return &out
}
