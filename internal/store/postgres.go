package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"news-pipeline/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// FetchPending returns up to limit workable articles, oldest updated_at first.
func (s *Store) FetchPending(ctx context.Context, limit int, now time.Time) ([]models.Article, error) {
	sql, args, err := pendingQuery(limit, now)
	if err != nil {
		return nil, fmt.Errorf("build pending query: %w", err)
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var out []models.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending: %w", err)
	}
	return out, nil
}

// Get fetches one article by id.
func (s *Store) Get(ctx context.Context, id string) (models.Article, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Article{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+articleColumns+` FROM articles WHERE id = $1`, id)
	a, err := scanArticle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Article{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return a, err
}

// TryAcquire claims the article for owner until now+lease. It fails when
// another live claim exists or the article is terminal.
func (s *Store) TryAcquire(ctx context.Context, id, owner string, now time.Time, lease time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE articles
		SET claimed_by = $2, claimed_until = $3
		WHERE id = $1
		  AND stage <> ALL($4)
		  AND (claimed_until IS NULL OR claimed_until < $5)
	`, id, owner, now.Add(lease), terminalStageNames(), now)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release clears a claim held by owner.
func (s *Store) Release(ctx context.Context, id, owner string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE articles SET claimed_by = NULL, claimed_until = NULL
		WHERE id = $1 AND claimed_by = $2
	`, id, owner)
	if err != nil {
		return fmt.Errorf("release %s: %w", id, err)
	}
	return nil
}

// PersistTransition applies one guarded single-row update. A guard miss
// returns ErrStaleTransition.
func (s *Store) PersistTransition(ctx context.Context, t models.Transition) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid transition for %s: %w", t.ArticleID, err)
	}

	var (
		sql  string
		args []any
	)
	switch t.Kind {
	case models.TransitionAdvance:
		resultJSON, err := json.Marshal(t.Result)
		if err != nil {
			return fmt.Errorf("marshal %s result: %w", t.Step, err)
		}
		sql = `
			UPDATE articles
			SET stage = $2,
			    stage_results = stage_results || jsonb_build_object($3::text, $4::jsonb),
			    attempt_count = 0, last_error = NULL,
			    next_attempt_at = $5, updated_at = $5
			WHERE id = $1 AND stage = $6 AND NOT (stage_results ? $3::text)
		`
		args = []any{t.ArticleID, string(t.To), string(t.Step), resultJSON, t.At, string(t.From)}
	case models.TransitionRetry:
		sql = `
			UPDATE articles
			SET attempt_count = $2, last_error = $3, next_attempt_at = $4
			WHERE id = $1 AND stage = $5
		`
		args = []any{t.ArticleID, t.AttemptCount, t.LastError, t.NextAttemptAt, string(t.From)}
	case models.TransitionFail:
		sql = `
			UPDATE articles
			SET stage = $2, failed_step = $3, last_error = $4, attempt_count = $5, updated_at = $6
			WHERE id = $1 AND stage = $7
		`
		args = []any{t.ArticleID, string(models.StageFailed), string(t.Step), t.LastError, t.AttemptCount, t.At, string(t.From)}
	}

	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("persist %s %s: %w", t.Kind, t.ArticleID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s from %s: %w", t.Kind, t.ArticleID, t.From, ErrStaleTransition)
	}
	return nil
}

// InsertArticles adds new pending articles, skipping source ids already stored.
// It returns how many rows were inserted.
func (s *Store) InsertArticles(ctx context.Context, items []models.NewArticle, now time.Time) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	inserted := 0
	for _, it := range items {
		tag, err := tx.Exec(ctx, `
			INSERT INTO articles (id, source_id, title, url, content, published_at, stage, stage_results, attempt_count, next_attempt_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, '{}'::jsonb, 0, $8, $8, $8)
			ON CONFLICT (source_id) DO NOTHING
		`, uuid.NewString(), it.SourceID, it.Title, it.URL, it.Content, it.PublishedAt, string(models.StagePending), now)
		if err != nil {
			return 0, fmt.Errorf("insert article %s: %w", it.SourceID, err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// KnownSources returns the subset of ids already stored.
func (s *Store) KnownSources(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT source_id FROM articles WHERE source_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query known sources: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan source id: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// CountByStage returns article counts for every stage present.
func (s *Store) CountByStage(ctx context.Context) (map[models.Stage]int, error) {
	sql, args, err := stageCountQuery()
	if err != nil {
		return nil, fmt.Errorf("build stage count query: %w", err)
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("count by stage: %w", err)
	}
	defer rows.Close()
	out := make(map[models.Stage]int)
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, fmt.Errorf("scan stage count: %w", err)
		}
		out[models.Stage(stage)] = n
	}
	return out, rows.Err()
}

// InsertRun records the start of a job run.
func (s *Store) InsertRun(ctx context.Context, run models.JobRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_runs (id, job, started_at, touched) VALUES ($1, $2, $3, 0)
	`, run.ID, run.Job, run.StartedAt)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun finalizes a run once; later calls leave the row untouched.
func (s *Store) FinishRun(ctx context.Context, run models.JobRun) error {
	if run.EndedAt == nil {
		return fmt.Errorf("finish run %s: missing end time", run.ID)
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE job_runs SET ended_at = $2, outcome = $3, touched = $4, error = $5
		WHERE id = $1 AND ended_at IS NULL
	`, run.ID, *run.EndedAt, string(run.Outcome), run.Touched, run.Error)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", run.ID, err)
	}
	return nil
}

// InsertStageEvent appends one event row.
func (s *Store) InsertStageEvent(ctx context.Context, ev models.StageEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stage_events (article_id, step, outcome, attempt, duration_ms, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ArticleID, string(ev.Step), string(ev.Outcome), ev.Attempt, ev.Duration.Milliseconds(), emptyToNil(ev.Detail), ev.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert stage event %s: %w", ev.ArticleID, err)
	}
	return nil
}

// ListRuns returns the most recent job runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]models.JobRun, error) {
	sql, args, err := runsQuery(limit)
	if err != nil {
		return nil, fmt.Errorf("build runs query: %w", err)
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []models.JobRun
	for rows.Next() {
		var run models.JobRun
		var ended pgtype.Timestamptz
		var outcome, errText pgtype.Text
		if err := rows.Scan(&run.ID, &run.Job, &run.StartedAt, &ended, &outcome, &run.Touched, &errText); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if ended.Valid {
			t := ended.Time
			run.EndedAt = &t
		}
		run.Outcome = models.RunOutcome(outcome.String)
		run.Error = textPtr(errText)
		out = append(out, run)
	}
	return out, rows.Err()
}

// ListStageEvents returns recent events newest-first; articleID filters when set.
func (s *Store) ListStageEvents(ctx context.Context, articleID string, limit int) ([]models.StageEvent, error) {
	if articleID != "" {
		if _, err := uuid.Parse(articleID); err != nil {
			return nil, nil
		}
	}
	sql, args, err := eventsQuery(articleID, limit)
	if err != nil {
		return nil, fmt.Errorf("build events query: %w", err)
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []models.StageEvent
	for rows.Next() {
		var ev models.StageEvent
		var step, outcome string
		var durationMS int64
		var detail pgtype.Text
		if err := rows.Scan(&ev.ArticleID, &step, &outcome, &ev.Attempt, &durationMS, &detail, &ev.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Step = models.Step(step)
		ev.Outcome = models.EventOutcome(outcome)
		ev.Duration = time.Duration(durationMS) * time.Millisecond
		ev.Detail = detail.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanArticle(row pgx.Row) (models.Article, error) {
	var a models.Article
	var stage string
	var resultsJSON []byte
	var published pgtype.Timestamptz
	var lastErr, failedStep pgtype.Text

	if err := row.Scan(&a.ID, &a.SourceID, &a.Title, &a.URL, &a.Content, &published, &stage, &resultsJSON,
		&a.AttemptCount, &lastErr, &failedStep, &a.NextAttemptAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Article{}, err
		}
		return models.Article{}, fmt.Errorf("scan article: %w", err)
	}
	results, err := models.DecodeStageResults(resultsJSON)
	if err != nil {
		return models.Article{}, fmt.Errorf("article %s: %w", a.ID, err)
	}
	a.Stage = models.Stage(stage)
	a.StageResults = results
	a.LastError = textPtr(lastErr)
	if published.Valid {
		t := published.Time
		a.PublishedAt = &t
	}
	if failedStep.Valid {
		st := models.Step(failedStep.String)
		a.FailedStep = &st
	}
	return a, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
