// Package app builds the pipeline's components from configuration and adapts
// them to the scheduler's job signature.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"news-pipeline/internal/activity"
	"news-pipeline/internal/api"
	"news-pipeline/internal/clock"
	"news-pipeline/internal/config"
	"news-pipeline/internal/ingest"
	"news-pipeline/internal/lease"
	"news-pipeline/internal/llm"
	"news-pipeline/internal/models"
	"news-pipeline/internal/pipeline"
	"news-pipeline/internal/publish"
	"news-pipeline/internal/ratelimit"
	"news-pipeline/internal/scheduler"
	"news-pipeline/internal/stage"
	"news-pipeline/internal/store"
)

// ErrIngestion wraps every failure of the ingestion job.
var ErrIngestion = errors.New("ingestion failed")

// Backend is everything the components need from the article store.
// store.Store and store.Memory both satisfy it.
type Backend interface {
	pipeline.Store
	ingest.Store
	activity.Writer
	api.Reader
	store.ClaimStore
}

var (
	_ Backend = (*store.Store)(nil)
	_ Backend = (*store.Memory)(nil)
)

// App holds the wired components of one process.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	clock    clock.Clock
	owner    string
	backend  Backend
	recorder *activity.Recorder
	runner   *pipeline.Runner
	ingestor *ingest.Ingestor
	closers  []func()
}

// New validates cfg and connects every configured backend. Postgres schemas
// are migrated on connect.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	a := &App{cfg: cfg, logger: logger, clock: clock.Real(), owner: ownerID()}

	if err := a.openBackend(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("pipeline wired", "owner", a.owner, "store", cfg.StoreKind, "claims", cfg.Pipeline.ClaimBackend, "workers", cfg.Pipeline.Workers)
	return a, nil
}

func (a *App) openBackend(ctx context.Context) error {
	if a.cfg.StoreKind == "memory" {
		a.backend = store.NewMemory()
		return nil
	}
	st, err := store.New(ctx, a.cfg.PostgresDSN)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, st.Close)
	if err := st.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	a.backend = st
	return nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.cfg

	var rdb *redis.Client
	if cfg.Pipeline.ClaimBackend == "redis" || cfg.RateLimit.Capacity > 0 {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	}

	var claimer pipeline.Claimer = store.NewClaimer(a.backend, a.owner, cfg.Pipeline.ClaimLease)
	if cfg.Pipeline.ClaimBackend == "redis" {
		claimer = lease.NewRedisLease(rdb, a.owner, cfg.Pipeline.ClaimLease)
	}

	// A nil *TokenBucket must not reach llm as a non-nil Gate.
	var gate llm.Gate
	if cfg.RateLimit.Capacity > 0 {
		gate = ratelimit.NewTokenBucket(rdb, cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSec, cfg.RateLimit.TTL)
	}

	anthropic := llm.NewAnthropic(cfg.Anthropic.Endpoint, cfg.Anthropic.APIKey, cfg.Anthropic.Model, cfg.Anthropic.Timeout, gate, a.logger)
	grok := llm.NewGrok(cfg.Grok.Endpoint, cfg.Grok.APIKey, cfg.Grok.Model, cfg.Grok.Timeout, gate, a.logger)
	clients := []stage.Client{
		stage.NewRelevance(anthropic, cfg.Anthropic.Model, cfg.Relevance.RejectCategories, a.clock),
		stage.NewResearch(grok, cfg.Grok.Model, a.clock),
		stage.NewAnalysis(grok, cfg.Grok.Model, a.clock),
		stage.NewWriting(anthropic, cfg.Anthropic.Model, a.clock),
	}

	a.recorder = activity.NewRecorder(a.backend, a.logger)

	deps := pipeline.Deps{
		Store:    a.backend,
		Claimer:  claimer,
		Clients:  clients,
		Pacer:    ratelimit.NewSpacer(cfg.Pipeline.CallDelay),
		Activity: a.recorder,
		Clock:    a.clock,
		Logger:   a.logger,
	}
	if publish.Enabled(cfg.Publish) {
		pub, err := publish.New(ctx, cfg.Publish)
		if err != nil {
			return err
		}
		deps.Publisher = pub
	}

	runner, err := pipeline.New(pipeline.Config{
		MaxAttempts:    cfg.Pipeline.MaxAttempts,
		BatchSize:      cfg.Pipeline.BatchSize,
		Workers:        cfg.Pipeline.Workers,
		BackoffInitial: cfg.Pipeline.BackoffInitial,
		BackoffMax:     cfg.Pipeline.BackoffMax,
	}, deps)
	if err != nil {
		return fmt.Errorf("pipeline runner: %w", err)
	}
	a.runner = runner

	a.ingestor = ingest.New(cfg.Ingest, cfg.Sites, a.backend, nil, ratelimit.NewSpacer(cfg.Ingest.FetchDelay), a.clock, a.logger)
	return nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// IngestJob runs one ingestion pass.
func (a *App) IngestJob(ctx context.Context, _ <-chan struct{}) (scheduler.Report, error) {
	n, err := a.ingestor.DiscoverAndInsert(ctx)
	if err != nil {
		return scheduler.Report{Touched: n}, fmt.Errorf("%w: %w", ErrIngestion, err)
	}
	return scheduler.Report{Touched: n}, nil
}

// ProcessJob runs one processing cycle.
func (a *App) ProcessJob(ctx context.Context, stop <-chan struct{}) (scheduler.Report, error) {
	rep, err := a.runner.RunCycle(ctx, stop)
	return scheduler.Report{Touched: rep.Touched, Partial: rep.Partial}, err
}

// RunOnce runs job outside the scheduler and records it like a scheduled run.
func (a *App) RunOnce(ctx context.Context, job string) (scheduler.Report, error) {
	fn := a.ProcessJob
	if job == models.JobIngestion {
		fn = a.IngestJob
	}
	run := a.recorder.StartRun(ctx, job, a.clock.Now())
	rep, err := fn(ctx, nil)
	outcome := models.OutcomeSuccess
	switch {
	case err != nil:
		outcome = models.OutcomeError
	case rep.Partial:
		outcome = models.OutcomePartial
	}
	a.recorder.FinishRun(ctx, run, a.clock.Now(), outcome, rep.Touched, err)
	return rep, err
}

// Scheduler builds the recurring scheduler over both jobs.
func (a *App) Scheduler() (*scheduler.Scheduler, error) {
	s := a.cfg.Scheduler
	return scheduler.New(scheduler.Config{
		Tick:               s.Tick,
		IngestionInterval:  s.IngestionInterval,
		ProcessingInterval: s.ProcessingInterval,
		ErrorRetryDelay:    s.ErrorRetryDelay,
		ShutdownGrace:      s.ShutdownGrace,
	}, a.IngestJob, a.ProcessJob,
		scheduler.WithClock(a.clock),
		scheduler.WithActivity(a.recorder),
		scheduler.WithLogger(a.logger))
}

// StatusHandler serves the read-only status API.
func (a *App) StatusHandler() http.Handler {
	return api.New(a.backend).Router()
}

// Backend exposes the wired article store.
func (a *App) Backend() Backend { return a.backend }

// ownerID names this process in claims. RUNNER_ID overrides the generated one.
func ownerID() string {
	if id := os.Getenv("RUNNER_ID"); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "runner"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
