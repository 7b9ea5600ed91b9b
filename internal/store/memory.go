package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"news-pipeline/internal/models"
)

type memClaim struct {
	owner string
	until time.Time
}

// Memory is an in-process implementation with the same guard semantics as
// Store. It backs tests and the "memory" store setting.
type Memory struct {
	mu       sync.Mutex
	articles map[string]models.Article
	bySource map[string]string
	claims   map[string]memClaim
	runs     []models.JobRun
	events   []models.StageEvent
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		articles: make(map[string]models.Article),
		bySource: make(map[string]string),
		claims:   make(map[string]memClaim),
	}
}

// Seed stores fully formed articles as-is. Test helper.
func (m *Memory) Seed(articles ...models.Article) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range articles {
		if a.StageResults == nil {
			a.StageResults = models.StageResults{}
		}
		m.articles[a.ID] = a
		if a.SourceID != "" {
			m.bySource[a.SourceID] = a.ID
		}
	}
}

func (m *Memory) FetchPending(_ context.Context, limit int, now time.Time) ([]models.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Article
	for id, a := range m.articles {
		if a.Stage.Terminal() || a.NextAttemptAt.After(now) {
			continue
		}
		if c, ok := m.claims[id]; ok && !c.until.Before(now) {
			continue
		}
		out = append(out, cloneArticle(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Get(_ context.Context, id string) (models.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.articles[id]
	if !ok {
		return models.Article{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return cloneArticle(a), nil
}

func (m *Memory) TryAcquire(_ context.Context, id, owner string, now time.Time, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.articles[id]
	if !ok || a.Stage.Terminal() {
		return false, nil
	}
	if c, held := m.claims[id]; held && !c.until.Before(now) {
		return false, nil
	}
	m.claims[id] = memClaim{owner: owner, until: now.Add(lease)}
	return true, nil
}

func (m *Memory) Release(_ context.Context, id, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.claims[id]; ok && c.owner == owner {
		delete(m.claims, id)
	}
	return nil
}

func (m *Memory) PersistTransition(_ context.Context, t models.Transition) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid transition for %s: %w", t.ArticleID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.articles[t.ArticleID]
	if !ok || a.Stage != t.From {
		return fmt.Errorf("%s %s from %s: %w", t.Kind, t.ArticleID, t.From, ErrStaleTransition)
	}
	switch t.Kind {
	case models.TransitionAdvance:
		results, err := a.StageResults.With(*t.Result)
		if err != nil {
			return fmt.Errorf("%s %s: %w", t.Kind, t.ArticleID, ErrStaleTransition)
		}
		a.StageResults = results
		a.Stage = t.To
		a.AttemptCount = 0
		a.LastError = nil
		a.NextAttemptAt = t.At
		a.UpdatedAt = t.At
	case models.TransitionRetry:
		msg := t.LastError
		a.AttemptCount = t.AttemptCount
		a.LastError = &msg
		a.NextAttemptAt = t.NextAttemptAt
	case models.TransitionFail:
		msg := t.LastError
		step := t.Step
		a.Stage = models.StageFailed
		a.FailedStep = &step
		a.LastError = &msg
		a.AttemptCount = t.AttemptCount
		a.UpdatedAt = t.At
	}
	m.articles[a.ID] = a
	return nil
}

func (m *Memory) InsertArticles(_ context.Context, items []models.NewArticle, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, it := range items {
		if _, exists := m.bySource[it.SourceID]; exists {
			continue
		}
		id := uuid.NewString()
		m.articles[id] = models.Article{
			ID:            id,
			SourceID:      it.SourceID,
			Title:         it.Title,
			URL:           it.URL,
			Content:       it.Content,
			PublishedAt:   it.PublishedAt,
			Stage:         models.StagePending,
			StageResults:  models.StageResults{},
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		m.bySource[it.SourceID] = id
		inserted++
	}
	return inserted, nil
}

func (m *Memory) KnownSources(_ context.Context, ids []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool)
	for _, id := range ids {
		if _, ok := m.bySource[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (m *Memory) CountByStage(_ context.Context) (map[models.Stage]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[models.Stage]int)
	for _, a := range m.articles {
		out[a.Stage]++
	}
	return out, nil
}

func (m *Memory) InsertRun(_ context.Context, run models.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.ID == run.ID {
			return fmt.Errorf("insert run %s: duplicate id", run.ID)
		}
	}
	run.EndedAt = nil
	run.Outcome = ""
	run.Error = nil
	m.runs = append(m.runs, run)
	return nil
}

func (m *Memory) FinishRun(_ context.Context, run models.JobRun) error {
	if run.EndedAt == nil {
		return fmt.Errorf("finish run %s: missing end time", run.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.runs {
		if r.ID == run.ID && r.EndedAt == nil {
			r.EndedAt = run.EndedAt
			r.Outcome = run.Outcome
			r.Touched = run.Touched
			r.Error = run.Error
			m.runs[i] = r
		}
	}
	return nil
}

func (m *Memory) InsertStageEvent(_ context.Context, ev models.StageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *Memory) ListRuns(_ context.Context, limit int) ([]models.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.JobRun
	for i := len(m.runs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, m.runs[i])
	}
	return out, nil
}

func (m *Memory) ListStageEvents(_ context.Context, articleID string, limit int) ([]models.StageEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.StageEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		if articleID != "" && m.events[i].ArticleID != articleID {
			continue
		}
		out = append(out, m.events[i])
	}
	return out, nil
}

func cloneArticle(a models.Article) models.Article {
	results := make(models.StageResults, len(a.StageResults))
	for k, v := range a.StageResults {
		results[k] = v
	}
	a.StageResults = results
	return a
}
