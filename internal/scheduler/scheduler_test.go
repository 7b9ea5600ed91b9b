package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"news-pipeline/internal/activity"
	"news-pipeline/internal/clock"
	"news-pipeline/internal/logging"
	"news-pipeline/internal/models"
	"news-pipeline/internal/store"
)

var t0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

type probe struct {
	mu       sync.Mutex
	starts   map[string]int
	ticks    chan time.Time
	finished map[string]chan struct{}
}

func newProbe() *probe {
	return &probe{
		starts: make(map[string]int),
		ticks:  make(chan time.Time, 256),
		finished: map[string]chan struct{}{
			models.JobIngestion:  make(chan struct{}, 256),
			models.JobProcessing: make(chan struct{}, 256),
		},
	}
}

func (p *probe) attach(s *Scheduler) {
	s.hooks = hooks{
		started: func(job string) {
			p.mu.Lock()
			p.starts[job]++
			p.mu.Unlock()
		},
		ticked:   func(now time.Time) { p.ticks <- now },
		finished: func(job string) { p.finished[job] <- struct{}{} },
	}
}

func (p *probe) count(job string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts[job]
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

type runHandle struct {
	cancel context.CancelFunc
	result chan error
}

func start(t *testing.T, s *Scheduler) runHandle {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- s.Run(ctx) }()
	return runHandle{cancel: cancel, result: result}
}

func (h runHandle) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	return waitFor(t, h.result, "scheduler exit")
}

func tick(t *testing.T, clk *clock.Fake, p *probe, d time.Duration) time.Time {
	t.Helper()
	clk.Advance(d)
	return waitFor(t, p.ticks, "tick")
}

func instant(context.Context, <-chan struct{}) (Report, error) { return Report{}, nil }

func TestNewValidatesConfig(t *testing.T) {
	bad := Config{Tick: 0, IngestionInterval: time.Hour, ProcessingInterval: time.Hour, ErrorRetryDelay: time.Minute, ShutdownGrace: -time.Second}
	if _, err := New(bad, instant, instant); err == nil {
		t.Fatalf("expected validation error")
	}
	good := Config{Tick: time.Minute, IngestionInterval: time.Hour, ProcessingInterval: time.Hour, ErrorRetryDelay: time.Minute}
	if _, err := New(good, nil, instant); err == nil {
		t.Fatalf("expected error for missing job")
	}
}

// A 200s ingestion run pushes the next one 200s later, onto the following tick.
func TestIngestionDueTimeFollowsCompletion(t *testing.T) {
	clk := clock.NewFake(t0)
	release := make(chan struct{})
	ingest := func(ctx context.Context, stop <-chan struct{}) (Report, error) {
		<-release
		return Report{Touched: 3}, nil
	}
	s, err := New(Config{
		Tick: time.Minute, IngestionInterval: time.Hour, ProcessingInterval: time.Hour,
		ErrorRetryDelay: 5 * time.Minute, ShutdownGrace: time.Minute,
	}, ingest, instant, WithClock(clk), WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p := newProbe()
	p.attach(s)
	h := start(t, s)

	waitFor(t, p.ticks, "initial evaluation")
	waitFor(t, p.finished[models.JobProcessing], "processing run")
	for i := 0; i < 3; i++ {
		tick(t, clk, p, time.Minute)
	}
	clk.Advance(20 * time.Second) // T0+200s, between ticks
	close(release)
	waitFor(t, p.finished[models.JobIngestion], "ingestion run")

	now := tick(t, clk, p, 40*time.Second)
	for now.Before(t0.Add(3780 * time.Second)) {
		now = tick(t, clk, p, time.Minute)
	}
	if !now.Equal(t0.Add(3780 * time.Second)) {
		t.Fatalf("unexpected tick time %s", now.Sub(t0))
	}
	if got := p.count(models.JobIngestion); got != 1 {
		t.Fatalf("ingestion must not run again before T0+3800s, runs=%d", got)
	}
	tick(t, clk, p, time.Minute)
	if got := p.count(models.JobIngestion); got != 2 {
		t.Fatalf("ingestion should run at T0+3840s, runs=%d", got)
	}

	if err := h.stop(t); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestJobsNeverOverlapThemselves(t *testing.T) {
	clk := clock.NewFake(t0)
	release := make(chan struct{})
	ingest := func(ctx context.Context, stop <-chan struct{}) (Report, error) {
		<-release
		return Report{}, nil
	}
	s, err := New(Config{
		Tick: time.Minute, IngestionInterval: 2 * time.Minute, ProcessingInterval: time.Minute,
		ErrorRetryDelay: time.Minute, ShutdownGrace: time.Minute,
	}, ingest, instant, WithClock(clk), WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p := newProbe()
	p.attach(s)
	h := start(t, s)

	waitFor(t, p.ticks, "initial evaluation")
	waitFor(t, p.finished[models.JobProcessing], "processing run")
	for i := 0; i < 5; i++ {
		tick(t, clk, p, time.Minute)
		waitFor(t, p.finished[models.JobProcessing], "processing run")
	}
	if got := p.count(models.JobIngestion); got != 1 {
		t.Fatalf("busy ingestion slot must not start again, runs=%d", got)
	}
	if got := p.count(models.JobProcessing); got != 6 {
		t.Fatalf("processing must keep its own schedule, runs=%d", got)
	}

	close(release)
	waitFor(t, p.finished[models.JobIngestion], "ingestion run")
	if err := h.stop(t); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestFailedJobUsesErrorRetryDelay(t *testing.T) {
	clk := clock.NewFake(t0)
	mem := store.NewMemory()
	failing := func(context.Context, <-chan struct{}) (Report, error) {
		return Report{}, errors.New("store unavailable")
	}
	s, err := New(Config{
		Tick: time.Minute, IngestionInterval: time.Hour, ProcessingInterval: time.Hour,
		ErrorRetryDelay: 2 * time.Minute, ShutdownGrace: time.Minute,
	}, instant, failing, WithClock(clk), WithLogger(logging.Discard()),
		WithActivity(activity.NewRecorder(mem, logging.Discard())))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p := newProbe()
	p.attach(s)
	h := start(t, s)

	waitFor(t, p.ticks, "initial evaluation")
	waitFor(t, p.finished[models.JobProcessing], "processing run")
	tick(t, clk, p, time.Minute)
	if got := p.count(models.JobProcessing); got != 1 {
		t.Fatalf("retry must wait for the error delay, runs=%d", got)
	}
	tick(t, clk, p, time.Minute)
	if got := p.count(models.JobProcessing); got != 2 {
		t.Fatalf("processing should retry after the error delay, runs=%d", got)
	}
	waitFor(t, p.finished[models.JobProcessing], "processing retry")

	if err := h.stop(t); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	runs, _ := mem.ListRuns(context.Background(), 0)
	var errored int
	for _, r := range runs {
		if r.Job == models.JobProcessing && r.Outcome == models.OutcomeError && r.Error != nil {
			errored++
		}
	}
	if errored != 2 {
		t.Fatalf("expected two errored processing runs, got %d (%+v)", errored, runs)
	}
}

func TestGracefulShutdownLetsJobsFinish(t *testing.T) {
	clk := clock.NewFake(t0)
	ctxAlive := make(chan bool, 1)
	process := func(ctx context.Context, stop <-chan struct{}) (Report, error) {
		<-stop
		ctxAlive <- ctx.Err() == nil
		return Report{}, nil
	}
	s, err := New(Config{
		Tick: time.Minute, IngestionInterval: time.Hour, ProcessingInterval: time.Hour,
		ErrorRetryDelay: time.Minute, ShutdownGrace: time.Minute,
	}, instant, process, WithClock(clk), WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p := newProbe()
	p.attach(s)
	h := start(t, s)
	waitFor(t, p.ticks, "initial evaluation")

	if err := h.stop(t); err != nil {
		t.Fatalf("graceful shutdown returned %v", err)
	}
	if !waitFor(t, ctxAlive, "job exit") {
		t.Fatalf("work context must stay live while the job stops cooperatively")
	}
}

func TestUngracefulShutdownCancelsWork(t *testing.T) {
	clk := clock.NewFake(t0)
	process := func(ctx context.Context, stop <-chan struct{}) (Report, error) {
		<-ctx.Done()
		return Report{}, ctx.Err()
	}
	s, err := New(Config{
		Tick: time.Minute, IngestionInterval: time.Hour, ProcessingInterval: time.Hour,
		ErrorRetryDelay: time.Minute, ShutdownGrace: 30 * time.Second,
	}, instant, process, WithClock(clk), WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p := newProbe()
	p.attach(s)
	h := start(t, s)
	waitFor(t, p.ticks, "initial evaluation")

	h.cancel()
	deadline := time.Now().Add(2 * time.Second)
	for clk.Waiters() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("scheduler never started the grace timer")
		}
		time.Sleep(time.Millisecond)
	}
	clk.Advance(29 * time.Second)
	select {
	case err := <-h.result:
		t.Fatalf("returned before grace expired: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	clk.Advance(time.Second)
	if err := waitFor(t, h.result, "scheduler exit"); !errors.Is(err, ErrUngracefulShutdown) {
		t.Fatalf("expected ErrUngracefulShutdown, got %v", err)
	}
}
