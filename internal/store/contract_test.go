package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"news-pipeline/internal/models"
)

type contractStore interface {
	ClaimStore
	FetchPending(ctx context.Context, limit int, now time.Time) ([]models.Article, error)
	Get(ctx context.Context, id string) (models.Article, error)
	PersistTransition(ctx context.Context, t models.Transition) error
	InsertArticles(ctx context.Context, items []models.NewArticle, now time.Time) (int, error)
	KnownSources(ctx context.Context, ids []string) (map[string]bool, error)
	CountByStage(ctx context.Context) (map[models.Stage]int, error)
}

var (
	_ contractStore = (*Store)(nil)
	_ contractStore = (*Memory)(nil)
)

func runStoreContract(t *testing.T, s contractStore) {
	t.Helper()
	ctx := context.Background()
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	n, err := s.InsertArticles(ctx, []models.NewArticle{
		{SourceID: "src-a", Title: "A", URL: "https://example.com/a", Content: "alpha"},
		{SourceID: "src-b", Title: "B", URL: "https://example.com/b", Content: "beta"},
	}, t0)
	if err != nil || n != 2 {
		t.Fatalf("insert: n=%d err=%v", n, err)
	}
	n, err = s.InsertArticles(ctx, []models.NewArticle{
		{SourceID: "src-a", Title: "A again", URL: "https://example.com/a", Content: "alpha"},
	}, t0.Add(time.Minute))
	if err != nil || n != 0 {
		t.Fatalf("duplicate source should be skipped: n=%d err=%v", n, err)
	}
	known, err := s.KnownSources(ctx, []string{"src-a", "src-z"})
	if err != nil || !known["src-a"] || known["src-z"] {
		t.Fatalf("unexpected known sources %v err=%v", known, err)
	}

	pending, err := s.FetchPending(ctx, 1, t0)
	if err != nil || len(pending) != 1 {
		t.Fatalf("fetch pending: %v %v", pending, err)
	}
	a := pending[0]

	ok, err := s.TryAcquire(ctx, a.ID, "runner-1", t0, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, _ = s.TryAcquire(ctx, a.ID, "runner-2", t0.Add(time.Second), time.Minute)
	if ok {
		t.Fatalf("second acquire must fail while claim is live")
	}
	all, _ := s.FetchPending(ctx, 0, t0.Add(time.Second))
	for _, p := range all {
		if p.ID == a.ID {
			t.Fatalf("claimed article must not be selected")
		}
	}

	rel := models.NewRelevanceResult("m", t0, models.RelevanceResult{Relevant: true, Category: "politics"})
	advance := models.Transition{
		Kind: models.TransitionAdvance, ArticleID: a.ID, Step: models.StepRelevance,
		From: models.StagePending, To: models.StageRelevanceChecked, Result: &rel, At: t0.Add(2 * time.Second),
	}
	if err := s.PersistTransition(ctx, advance); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := s.PersistTransition(ctx, advance); !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("replayed advance should be stale, got %v", err)
	}

	retry := models.Transition{
		Kind: models.TransitionRetry, ArticleID: a.ID, Step: models.StepResearch,
		From: models.StageRelevanceChecked, AttemptCount: 1, LastError: "timeout",
		NextAttemptAt: t0.Add(time.Hour), At: t0.Add(3 * time.Second),
	}
	if err := s.PersistTransition(ctx, retry); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, err := s.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Stage != models.StageRelevanceChecked || got.AttemptCount != 1 || got.LastError == nil || *got.LastError != "timeout" {
		t.Fatalf("unexpected article after retry: %+v", got)
	}
	if !got.UpdatedAt.Equal(t0.Add(2 * time.Second)) {
		t.Fatalf("retry must not move updated_at, got %s", got.UpdatedAt)
	}
	if got.StageResults[models.StepRelevance].Relevance.Category != "politics" {
		t.Fatalf("relevance result not persisted: %+v", got.StageResults)
	}

	if err := s.Release(ctx, a.ID, "runner-2"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	ok, _ = s.TryAcquire(ctx, a.ID, "runner-2", t0.Add(4*time.Second), time.Minute)
	if ok {
		t.Fatalf("release by non-owner must not clear the claim")
	}
	if err := s.Release(ctx, a.ID, "runner-1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	soon, _ := s.FetchPending(ctx, 0, t0.Add(time.Minute))
	for _, p := range soon {
		if p.ID == a.ID {
			t.Fatalf("article in backoff must not be selected before next_attempt_at")
		}
	}

	fail := models.Transition{
		Kind: models.TransitionFail, ArticleID: a.ID, Step: models.StepResearch,
		From: models.StageRelevanceChecked, To: models.StageFailed, AttemptCount: 3,
		LastError: "exhausted", At: t0.Add(5 * time.Second),
	}
	if err := s.PersistTransition(ctx, fail); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, _ = s.Get(ctx, a.ID)
	if got.Stage != models.StageFailed || got.FailedStep == nil || *got.FailedStep != models.StepResearch {
		t.Fatalf("unexpected failed article: %+v", got)
	}
	ok, _ = s.TryAcquire(ctx, a.ID, "runner-1", t0.Add(2*time.Hour), time.Minute)
	if ok {
		t.Fatalf("terminal article must not be acquirable")
	}
	later, _ := s.FetchPending(ctx, 0, t0.Add(2*time.Hour))
	for _, p := range later {
		if p.ID == a.ID {
			t.Fatalf("failed article must never be selected again")
		}
	}

	counts, err := s.CountByStage(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[models.StageFailed] != 1 || counts[models.StagePending] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}

	if _, err := s.Get(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
