package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"news-pipeline/internal/clock"
	"news-pipeline/internal/models"
	"news-pipeline/internal/telemetry"
)

// ErrUngracefulShutdown is returned by Run when jobs were still running after
// the shutdown grace period and had their work context cancelled.
var ErrUngracefulShutdown = errors.New("jobs cancelled after shutdown grace period")

// Report is what a job tells the scheduler about one invocation.
type Report struct {
	Touched int
	Partial bool
}

// JobFunc runs one invocation. ctx stays live until the shutdown grace
// expires; stop is closed as soon as shutdown begins and should be checked
// between units of work.
type JobFunc func(ctx context.Context, stop <-chan struct{}) (Report, error)

// Activity records one row per job invocation.
type Activity interface {
	StartRun(ctx context.Context, job string, at time.Time) models.JobRun
	FinishRun(ctx context.Context, run models.JobRun, end time.Time, outcome models.RunOutcome, touched int, runErr error) models.JobRun
}

// Config drives the scheduling loop. All durations except ShutdownGrace must
// be positive; a zero grace cancels running jobs immediately on shutdown.
type Config struct {
	Tick               time.Duration
	IngestionInterval  time.Duration
	ProcessingInterval time.Duration
	ErrorRetryDelay    time.Duration
	ShutdownGrace      time.Duration
}

func (c Config) validate() error {
	var errs []error
	for name, d := range map[string]time.Duration{
		"tick":                c.Tick,
		"ingestion interval":  c.IngestionInterval,
		"processing interval": c.ProcessingInterval,
		"error retry delay":   c.ErrorRetryDelay,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.ShutdownGrace < 0 {
		errs = append(errs, fmt.Errorf("shutdown grace must not be negative, got %s", c.ShutdownGrace))
	}
	return errors.Join(errs...)
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithActivity records every invocation as a job run.
func WithActivity(a Activity) Option { return func(s *Scheduler) { s.activity = a } }

// WithLogger sets the logger. The default is slog.Default.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

type slot struct {
	name     string
	fn       JobFunc
	interval time.Duration
}

type completion struct {
	slot int
	end  time.Time
	err  error
}

// testing hooks, called on the loop goroutine
type hooks struct {
	started  func(job string)
	ticked   func(now time.Time)
	finished func(job string)
}

// Scheduler interleaves the ingestion and processing jobs. Each job has one
// slot and never overlaps itself; the two slots run concurrently.
type Scheduler struct {
	cfg      Config
	slots    [2]slot
	clock    clock.Clock
	activity Activity
	logger   *slog.Logger
	hooks    hooks
}

// New validates cfg and returns a scheduler for the two jobs.
func New(cfg Config, ingest, process JobFunc, opts ...Option) (*Scheduler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if ingest == nil || process == nil {
		return nil, errors.New("both jobs are required")
	}
	s := &Scheduler{
		cfg: cfg,
		slots: [2]slot{
			{name: models.JobIngestion, fn: ingest, interval: cfg.IngestionInterval},
			{name: models.JobProcessing, fn: process, interval: cfg.ProcessingInterval},
		},
		clock:  clock.Real(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	return s, nil
}

// Run evaluates both jobs immediately and then on every tick until ctx is
// done. It then closes the stop channel and waits up to ShutdownGrace for
// running jobs before cancelling their context.
func (s *Scheduler) Run(ctx context.Context) error {
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	stop := make(chan struct{})
	done := make(chan completion, len(s.slots))

	var (
		wg      sync.WaitGroup
		running [2]bool
		next    [2]time.Time
	)
	start := s.clock.Now()
	for i := range next {
		next[i] = start
	}

	ticker := s.clock.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	evaluate := func(now time.Time) {
		for i := range s.slots {
			if running[i] || now.Before(next[i]) {
				continue
			}
			running[i] = true
			if s.hooks.started != nil {
				s.hooks.started(s.slots[i].name)
			}
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				done <- s.invoke(workCtx, stop, i)
			}(i)
		}
		if s.hooks.ticked != nil {
			s.hooks.ticked(now)
		}
	}

	s.logger.Info("scheduler started",
		"tick", s.cfg.Tick, "ingestion_interval", s.cfg.IngestionInterval, "processing_interval", s.cfg.ProcessingInterval)
	evaluate(start)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case c := <-done:
			running[c.slot] = false
			sl := s.slots[c.slot]
			if c.err != nil {
				next[c.slot] = c.end.Add(s.cfg.ErrorRetryDelay)
				s.logger.Error("job failed", "job", sl.name, "next_run", next[c.slot], "error", c.err)
			} else {
				next[c.slot] = c.end.Add(sl.interval)
			}
			if s.hooks.finished != nil {
				s.hooks.finished(sl.name)
			}
		case now := <-ticker.C():
			evaluate(now)
		}
	}

	close(stop)
	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
		s.logger.Info("scheduler stopped")
		return nil
	default:
	}
	s.logger.Info("waiting for running jobs", "grace", s.cfg.ShutdownGrace)
	select {
	case <-allDone:
		s.logger.Info("scheduler stopped")
		return nil
	case <-s.clock.After(s.cfg.ShutdownGrace):
		cancelWork()
		<-allDone
		telemetry.UngracefulShutdowns.Inc()
		s.logger.Warn("shutdown grace expired, in-flight work cancelled")
		return ErrUngracefulShutdown
	}
}

// invoke runs one job and records it. The completion time is taken when the
// job returns so the next due time is measured from the end of the run.
func (s *Scheduler) invoke(ctx context.Context, stop <-chan struct{}, i int) completion {
	sl := s.slots[i]
	started := s.clock.Now()
	var run models.JobRun
	if s.activity != nil {
		run = s.activity.StartRun(ctx, sl.name, started)
	}

	rep, err := safeCall(ctx, stop, sl.fn)
	end := s.clock.Now()

	outcome := models.OutcomeSuccess
	switch {
	case err != nil:
		outcome = models.OutcomeError
	case rep.Partial:
		outcome = models.OutcomePartial
	}
	if s.activity != nil {
		s.activity.FinishRun(ctx, run, end, outcome, rep.Touched, err)
	}
	s.logger.Info("job finished", "job", sl.name, "run_id", run.ID, "outcome", outcome, "touched", rep.Touched, "duration", end.Sub(started))
	return completion{slot: i, end: end, err: err}
}

func safeCall(ctx context.Context, stop <-chan struct{}, fn JobFunc) (rep Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx, stop)
}
