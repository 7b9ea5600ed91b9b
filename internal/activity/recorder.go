package activity

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"news-pipeline/internal/models"
	"news-pipeline/internal/telemetry"
)

// Writer persists activity rows. Implemented by the article stores.
type Writer interface {
	InsertRun(ctx context.Context, run models.JobRun) error
	FinishRun(ctx context.Context, run models.JobRun) error
	InsertStageEvent(ctx context.Context, ev models.StageEvent) error
}

// Recorder is the append-only activity sink. Write failures are logged and
// counted, never returned.
type Recorder struct {
	w      Writer
	logger *slog.Logger
}

func NewRecorder(w Writer, logger *slog.Logger) *Recorder {
	return &Recorder{w: w, logger: logger.With("component", "activity")}
}

// StartRun opens a job run record.
func (r *Recorder) StartRun(ctx context.Context, job string, at time.Time) models.JobRun {
	run := models.JobRun{ID: uuid.NewString(), Job: job, StartedAt: at}
	if err := r.w.InsertRun(ctx, run); err != nil {
		telemetry.ActivityWriteErrors.Inc()
		r.logger.Error("record run start failed", "job", job, "run_id", run.ID, "error", err)
	}
	return run
}

// FinishRun finalizes run. The returned record is what was written.
func (r *Recorder) FinishRun(ctx context.Context, run models.JobRun, end time.Time, outcome models.RunOutcome, touched int, runErr error) models.JobRun {
	run.EndedAt = &end
	run.Outcome = outcome
	run.Touched = touched
	if runErr != nil {
		msg := runErr.Error()
		run.Error = &msg
	}
	telemetry.JobRuns.WithLabelValues(run.Job, string(outcome)).Inc()
	telemetry.JobDuration.WithLabelValues(run.Job).Observe(end.Sub(run.StartedAt).Seconds())

	if err := r.w.FinishRun(ctx, run); err != nil {
		telemetry.ActivityWriteErrors.Inc()
		r.logger.Error("record run end failed", "job", run.Job, "run_id", run.ID, "error", err)
	}
	return run
}

// RecordStage appends one stage event.
func (r *Recorder) RecordStage(ctx context.Context, ev models.StageEvent) {
	telemetry.StageOutcomes.WithLabelValues(string(ev.Step), string(ev.Outcome)).Inc()
	switch ev.Outcome {
	case models.EventAdvanced, models.EventRejected, models.EventRetry, models.EventFailed:
		telemetry.StageDuration.WithLabelValues(string(ev.Step)).Observe(ev.Duration.Seconds())
	case models.EventPublishFailed:
		telemetry.PublishFailures.Inc()
	}
	if err := r.w.InsertStageEvent(ctx, ev); err != nil {
		telemetry.ActivityWriteErrors.Inc()
		r.logger.Error("record stage event failed", "article_id", ev.ArticleID, "step", ev.Step, "outcome", ev.Outcome, "error", err)
	}
}
