package store

import (
	"time"

	sq "github.com/Masterminds/squirrel"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const articleColumns = "id, source_id, title, url, content, published_at, stage, stage_results, attempt_count, last_error, failed_step, next_attempt_at, created_at, updated_at"

// pendingQuery selects workable articles oldest-first. limit <= 0 means uncapped.
func pendingQuery(limit int, now time.Time) (string, []any, error) {
	q := psql.Select(articleColumns).
		From("articles").
		Where(sq.NotEq{"stage": terminalStageNames()}).
		Where(sq.LtOrEq{"next_attempt_at": now}).
		Where(sq.Or{sq.Eq{"claimed_until": nil}, sq.Lt{"claimed_until": now}}).
		OrderBy("updated_at ASC", "id ASC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return q.ToSql()
}

func stageCountQuery() (string, []any, error) {
	return psql.Select("stage", "COUNT(*)").From("articles").GroupBy("stage").ToSql()
}

func runsQuery(limit int) (string, []any, error) {
	q := psql.Select("id", "job", "started_at", "ended_at", "outcome", "touched", "error").
		From("job_runs").
		OrderBy("started_at DESC", "id DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return q.ToSql()
}

// eventsQuery lists stage events newest-first, optionally for one article.
func eventsQuery(articleID string, limit int) (string, []any, error) {
	q := psql.Select("article_id", "step", "outcome", "attempt", "duration_ms", "detail", "recorded_at").
		From("stage_events")
	if articleID != "" {
		q = q.Where(sq.Eq{"article_id": articleID})
	}
	q = q.OrderBy("recorded_at DESC", "id DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return q.ToSql()
}
