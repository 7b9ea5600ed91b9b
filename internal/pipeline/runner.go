package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"news-pipeline/internal/clock"
	"news-pipeline/internal/models"
	"news-pipeline/internal/stage"
	"news-pipeline/internal/store"
	"news-pipeline/internal/telemetry"
)

// ErrStoreUnavailable aborts a cycle when the article store cannot be read or written.
var ErrStoreUnavailable = errors.New("article store unavailable")

// ErrVendorUnavailable aborts a cycle when a vendor refuses our credentials.
// No article is charged an attempt for it.
var ErrVendorUnavailable = errors.New("stage vendor refused credentials")

// Store is the part of the article store the runner needs.
type Store interface {
	FetchPending(ctx context.Context, limit int, now time.Time) ([]models.Article, error)
	Get(ctx context.Context, id string) (models.Article, error)
	PersistTransition(ctx context.Context, t models.Transition) error
}

// Claimer marks an article in-flight so no two runners work on it at once.
type Claimer interface {
	TryAcquire(ctx context.Context, id string, now time.Time) (bool, error)
	Release(ctx context.Context, id string) error
}

// Pacer spaces consecutive stage calls.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Activity receives one event per stage call.
type Activity interface {
	RecordStage(ctx context.Context, ev models.StageEvent)
}

// Publisher stores finished articles. Optional.
type Publisher interface {
	Publish(ctx context.Context, a models.Article) error
}

// Config bounds one processing cycle.
type Config struct {
	MaxAttempts    int
	BatchSize      int // <= 0 means uncapped
	Workers        int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Deps are the runner's collaborators. Publisher may be nil.
type Deps struct {
	Store     Store
	Claimer   Claimer
	Clients   []stage.Client
	Pacer     Pacer
	Activity  Activity
	Publisher Publisher
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Report summarizes a cycle for the scheduler's run record.
type Report struct {
	Touched int
	Partial bool
}

// Runner advances pending articles through the four steps.
type Runner struct {
	cfg     Config
	deps    Deps
	clients map[models.Step]stage.Client
	logger  *slog.Logger
	jitter  func(n int64) int64
}

// New validates cfg and deps. Every step must have exactly one client.
func New(cfg Config, deps Deps) (*Runner, error) {
	var errs []error
	if cfg.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be at least 1, got %d", cfg.MaxAttempts))
	}
	if cfg.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", cfg.Workers))
	}
	if cfg.BackoffInitial < 0 || cfg.BackoffMax < 0 {
		errs = append(errs, errors.New("backoff durations must not be negative"))
	}
	if deps.Store == nil || deps.Claimer == nil || deps.Pacer == nil || deps.Activity == nil || deps.Clock == nil || deps.Logger == nil {
		errs = append(errs, errors.New("store, claimer, pacer, activity, clock and logger are required"))
	}
	clients := make(map[models.Step]stage.Client, len(models.Steps))
	for _, c := range deps.Clients {
		if _, dup := clients[c.Step()]; dup {
			errs = append(errs, fmt.Errorf("two clients registered for %s", c.Step()))
		}
		clients[c.Step()] = c
	}
	for _, step := range models.Steps {
		if clients[step] == nil {
			errs = append(errs, fmt.Errorf("no client for step %s", step))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Runner{
		cfg:     cfg,
		deps:    deps,
		clients: clients,
		logger:  deps.Logger.With("component", "runner"),
		jitter:  randInt63n,
	}, nil
}

// RunCycle selects pending articles and advances each as far as it can go.
// Closing stop ends the cycle between articles; in-flight articles finish.
func (r *Runner) RunCycle(ctx context.Context, stop <-chan struct{}) (Report, error) {
	now := r.deps.Clock.Now()
	articles, err := r.deps.Store.FetchPending(ctx, r.cfg.BatchSize, now)
	if err != nil {
		return Report{}, fmt.Errorf("fetch pending: %w: %w", ErrStoreUnavailable, err)
	}
	r.logger.Debug("cycle started", "selected", len(articles))

	var (
		mu  sync.Mutex
		rep Report
	)
	add := func(ar articleReport) {
		mu.Lock()
		defer mu.Unlock()
		if ar.touched {
			rep.Touched++
		}
		if ar.partial {
			rep.Partial = true
		}
	}

	if r.cfg.Workers == 1 {
		for _, a := range articles {
			if stopped(stop) {
				break
			}
			ar, err := r.processArticle(ctx, a.ID)
			add(ar)
			if err != nil {
				return rep, err
			}
		}
		return rep, nil
	}

	// A failing worker stops new articles from starting. Calls already in
	// flight keep ctx and finish on their own timeout.
	var (
		g       errgroup.Group
		aborted atomic.Bool
	)
	g.SetLimit(r.cfg.Workers)
	for _, a := range articles {
		if stopped(stop) || aborted.Load() {
			break
		}
		id := a.ID
		g.Go(func() error {
			if aborted.Load() {
				return nil
			}
			ar, err := r.processArticle(ctx, id)
			add(ar)
			if err != nil {
				aborted.Store(true)
			}
			return err
		})
	}
	err = g.Wait()
	return rep, err
}

type articleReport struct {
	touched bool
	partial bool
}

func (r *Runner) processArticle(ctx context.Context, id string) (articleReport, error) {
	var rep articleReport
	log := r.logger.With("article_id", id)

	ok, err := r.deps.Claimer.TryAcquire(ctx, id, r.deps.Clock.Now())
	if err != nil {
		return rep, fmt.Errorf("claim %s: %w: %w", id, ErrStoreUnavailable, err)
	}
	if !ok {
		log.Debug("article claimed elsewhere, skipping")
		r.deps.Activity.RecordStage(ctx, models.StageEvent{ArticleID: id, Outcome: models.EventSkipped, Detail: "claimed elsewhere", RecordedAt: r.deps.Clock.Now()})
		return rep, nil
	}
	telemetry.InFlightGauge.Inc()
	defer func() {
		telemetry.InFlightGauge.Dec()
		if err := r.deps.Claimer.Release(context.WithoutCancel(ctx), id); err != nil {
			log.Warn("release claim failed", "error", err)
		}
	}()

	a, err := r.deps.Store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("selected article disappeared")
		return rep, nil
	}
	if err != nil {
		return rep, fmt.Errorf("reload %s: %w: %w", id, ErrStoreUnavailable, err)
	}

	for !a.Stage.Terminal() {
		step, ok := models.NextStep(a.Stage)
		if !ok {
			return rep, fmt.Errorf("article %s has no step from stage %q", id, a.Stage)
		}
		if err := r.deps.Pacer.Wait(ctx); err != nil {
			return rep, err
		}

		start := r.deps.Clock.Now()
		result, callErr := r.clients[step].Invoke(ctx, a, a.StageResults)
		if callErr != nil && ctx.Err() != nil {
			// Shutdown cut the call short; the attempt is not counted.
			return rep, ctx.Err()
		}
		if se := stage.Classify(callErr); se != nil && se.Kind == stage.Unauthorized {
			log.Error("vendor refused credentials, aborting cycle", "step", step, "error", se)
			return rep, fmt.Errorf("%s on %s: %w: %w", step, id, ErrVendorUnavailable, callErr)
		}
		now := r.deps.Clock.Now()
		tr, ev := r.decide(a, step, result, callErr, now)
		ev.Duration = now.Sub(start)

		if err := r.deps.Store.PersistTransition(ctx, tr); err != nil {
			if errors.Is(err, store.ErrStaleTransition) {
				log.Warn("article changed underneath, skipping", "step", step, "error", err)
				ev.Outcome, ev.Detail = models.EventStale, err.Error()
				r.deps.Activity.RecordStage(ctx, ev)
				return rep, nil
			}
			return rep, fmt.Errorf("persist %s: %w: %w", id, ErrStoreUnavailable, err)
		}
		rep.touched = true
		r.deps.Activity.RecordStage(ctx, ev)

		switch tr.Kind {
		case models.TransitionRetry:
			log.Warn("stage failed, will retry", "step", step, "attempt", tr.AttemptCount, "next_attempt_at", tr.NextAttemptAt, "error", tr.LastError)
			rep.partial = true
			return rep, nil
		case models.TransitionFail:
			log.Error("article failed", "step", step, "attempt", tr.AttemptCount, "error", tr.LastError)
			rep.partial = true
			return rep, nil
		}

		results, err := a.StageResults.With(*tr.Result)
		if err != nil {
			return rep, fmt.Errorf("apply %s result to %s: %w", step, id, err)
		}
		a.StageResults = results
		a.Stage = tr.To
		a.AttemptCount = 0
		a.LastError = nil
		a.UpdatedAt = tr.At
		log.Info("stage completed", "step", step, "stage", a.Stage)
	}

	if a.Stage == models.StageWritten {
		r.publish(ctx, a)
	}
	return rep, nil
}

// decide maps one call outcome to exactly one transition and its event.
func (r *Runner) decide(a models.Article, step models.Step, result models.StageResult, callErr error, now time.Time) (models.Transition, models.StageEvent) {
	attempt := a.AttemptCount + 1
	tr := models.Transition{ArticleID: a.ID, Step: step, From: a.Stage, At: now}
	ev := models.StageEvent{ArticleID: a.ID, Step: step, Attempt: attempt, RecordedAt: now}

	if callErr == nil {
		if err := result.Validate(); err != nil || result.Step != step {
			if err == nil {
				err = fmt.Errorf("client for %s returned a %s result", step, result.Step)
			}
			callErr = stage.PermanentError("malformed result", err)
		}
	}

	if callErr == nil {
		tr.Kind, tr.Result = models.TransitionAdvance, &result
		tr.To, ev.Outcome = step.To(), models.EventAdvanced
		if step == models.StepRelevance && !result.Relevance.Relevant {
			tr.To, ev.Outcome, ev.Detail = models.StageRejected, models.EventRejected, result.Relevance.Category
		}
		return tr, ev
	}

	se := stage.Classify(callErr)
	if se.Kind == stage.RelevanceRejected && step == models.StepRelevance {
		rejected := models.NewRelevanceResult("", now, models.RelevanceResult{Relevant: false, Category: se.Reason, Reason: se.Reason})
		tr.Kind, tr.To, tr.Result = models.TransitionAdvance, models.StageRejected, &rejected
		ev.Outcome, ev.Detail = models.EventRejected, se.Reason
		return tr, ev
	}

	tr.AttemptCount = attempt
	tr.LastError = se.Error()
	ev.Detail = tr.LastError
	switch {
	case se.Kind == stage.Permanent || se.Kind == stage.RelevanceRejected:
		tr.Kind, tr.To, ev.Outcome = models.TransitionFail, models.StageFailed, models.EventFailed
	case attempt >= r.cfg.MaxAttempts:
		tr.Kind, tr.To, ev.Outcome = models.TransitionFail, models.StageFailed, models.EventFailed
		tr.LastError = fmt.Sprintf("exhausted %d attempts: %s", attempt, se.Error())
		ev.Detail = tr.LastError
	default:
		wait := backoffWithJitter(r.cfg.BackoffInitial, r.cfg.BackoffMax, attempt, r.jitter)
		if se.RetryAfter > wait {
			wait = se.RetryAfter
		}
		tr.Kind, tr.NextAttemptAt, ev.Outcome = models.TransitionRetry, now.Add(wait), models.EventRetry
	}
	return tr, ev
}

func (r *Runner) publish(ctx context.Context, a models.Article) {
	if r.deps.Publisher == nil {
		return
	}
	now := r.deps.Clock.Now()
	ev := models.StageEvent{ArticleID: a.ID, Step: models.StepWriting, Outcome: models.EventPublished, RecordedAt: now}
	if err := r.deps.Publisher.Publish(ctx, a); err != nil {
		r.logger.Error("publish failed", "article_id", a.ID, "error", err)
		ev.Outcome, ev.Detail = models.EventPublishFailed, err.Error()
	}
	r.deps.Activity.RecordStage(ctx, ev)
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
