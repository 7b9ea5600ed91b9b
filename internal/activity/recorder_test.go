package activity

import (
	"context"
	"errors"
	"testing"
	"time"

	"news-pipeline/internal/logging"
	"news-pipeline/internal/models"
	"news-pipeline/internal/store"
)

type failingWriter struct{}

func (failingWriter) InsertRun(context.Context, models.JobRun) error { return errors.New("db down") }
func (failingWriter) FinishRun(context.Context, models.JobRun) error { return errors.New("db down") }
func (failingWriter) InsertStageEvent(context.Context, models.StageEvent) error {
	return errors.New("db down")
}

func TestRecorderRunLifecycle(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	rec := NewRecorder(mem, logging.Discard())

	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	run := rec.StartRun(ctx, models.JobProcessing, start)
	if run.ID == "" {
		t.Fatalf("run id not assigned")
	}
	done := rec.FinishRun(ctx, run, start.Add(time.Minute), models.OutcomePartial, 4, errors.New("one article failed"))
	if done.Error == nil || *done.Error != "one article failed" {
		t.Fatalf("error not captured: %+v", done)
	}

	runs, _ := mem.ListRuns(ctx, 10)
	if len(runs) != 1 || runs[0].Outcome != models.OutcomePartial || runs[0].Touched != 4 {
		t.Fatalf("unexpected stored runs %+v", runs)
	}
}

func TestRecorderStageEvent(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	rec := NewRecorder(mem, logging.Discard())
	rec.RecordStage(ctx, models.StageEvent{ArticleID: "a1", Step: models.StepResearch, Outcome: models.EventRetry, Attempt: 1, Duration: time.Second})

	events, _ := mem.ListStageEvents(ctx, "a1", 0)
	if len(events) != 1 || events[0].Outcome != models.EventRetry {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestRecorderSwallowsWriteErrors(t *testing.T) {
	ctx := context.Background()
	rec := NewRecorder(failingWriter{}, logging.Discard())
	run := rec.StartRun(ctx, models.JobIngestion, time.Now())
	rec.FinishRun(ctx, run, time.Now(), models.OutcomeSuccess, 0, nil)
	rec.RecordStage(ctx, models.StageEvent{ArticleID: "a1", Step: models.StepWriting, Outcome: models.EventAdvanced})
}
