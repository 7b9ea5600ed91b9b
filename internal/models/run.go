package models

import (
	"errors"
	"fmt"
	"time"
)

// Job names the two recurring scheduler jobs.
const (
	JobIngestion  = "ingestion"
	JobProcessing = "processing"
)

// RunOutcome is the final status of a job run.
type RunOutcome string

const (
	OutcomeSuccess RunOutcome = "success"
	OutcomePartial RunOutcome = "partial"
	OutcomeError   RunOutcome = "error"
)

// JobRun is an immutable record of one job invocation once EndedAt is set.
type JobRun struct {
	ID        string     `json:"id"`
	Job       string     `json:"job"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Outcome   RunOutcome `json:"outcome,omitempty"`
	Touched   int        `json:"touched"`
	Error     *string    `json:"error,omitempty"`
}

// EventOutcome classifies one stage event.
type EventOutcome string

const (
	EventAdvanced      EventOutcome = "advanced"
	EventRejected      EventOutcome = "rejected"
	EventRetry         EventOutcome = "retry"
	EventFailed        EventOutcome = "failed"
	EventStale         EventOutcome = "stale"
	EventSkipped       EventOutcome = "skipped"
	EventPublished     EventOutcome = "published"
	EventPublishFailed EventOutcome = "publish_failed"
)

// StageEvent is an append-only activity row for one stage call.
type StageEvent struct {
	ArticleID  string        `json:"article_id"`
	Step       Step          `json:"step"`
	Outcome    EventOutcome  `json:"outcome"`
	Attempt    int           `json:"attempt"`
	Duration   time.Duration `json:"duration"`
	Detail     string        `json:"detail,omitempty"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// TransitionKind selects how a Transition mutates an article row.
type TransitionKind string

const (
	// TransitionAdvance appends Result and moves to To, resetting attempts.
	TransitionAdvance TransitionKind = "advance"
	// TransitionRetry keeps the stage and records the failed attempt.
	TransitionRetry TransitionKind = "retry"
	// TransitionFail moves to the failed stage with a terminal reason.
	TransitionFail TransitionKind = "fail"
)

// Transition is one atomic single-row update of an article. From guards
// against concurrent or stale writers.
type Transition struct {
	Kind          TransitionKind
	ArticleID     string
	From          Stage
	To            Stage
	Step          Step
	Result        *StageResult
	AttemptCount  int
	LastError     string
	NextAttemptAt time.Time
	At            time.Time
}

// Validate checks that the transition is one the state machine allows.
func (t Transition) Validate() error {
	if t.ArticleID == "" {
		return errors.New("transition without article id")
	}
	if !t.Step.Valid() {
		return fmt.Errorf("transition for unknown step %q", t.Step)
	}
	if t.From != t.Step.From() {
		return fmt.Errorf("step %s cannot run from stage %s", t.Step, t.From)
	}
	switch t.Kind {
	case TransitionAdvance:
		if t.Result == nil {
			return fmt.Errorf("advance of %s without a result", t.Step)
		}
		if t.Result.Step != t.Step {
			return fmt.Errorf("advance of %s carries a %s result", t.Step, t.Result.Step)
		}
		if err := t.Result.Validate(); err != nil {
			return err
		}
		rejecting := t.Step == StepRelevance && t.To == StageRejected
		if t.To != t.Step.To() && !rejecting {
			return fmt.Errorf("step %s cannot advance to %s", t.Step, t.To)
		}
	case TransitionRetry:
		if t.AttemptCount < 1 {
			return fmt.Errorf("retry of %s with attempt count %d", t.Step, t.AttemptCount)
		}
	case TransitionFail:
		if t.To != StageFailed {
			return fmt.Errorf("fail transition must target %s, got %s", StageFailed, t.To)
		}
	default:
		return fmt.Errorf("unknown transition kind %q", t.Kind)
	}
	return nil
}
