package models

import (
	"fmt"
	"time"
)

// Stage enumerates the pipeline states persisted on every article.
type Stage string

const (
	StagePending          Stage = "pending"
	StageRelevanceChecked Stage = "relevance_checked"
	StageResearched       Stage = "researched"
	StageAnalyzed         Stage = "analyzed"
	StageWritten          Stage = "written"
	StageRejected         Stage = "rejected"
	StageFailed           Stage = "failed"
)

// TerminalStages are never selected for processing again.
var TerminalStages = []Stage{StageWritten, StageRejected, StageFailed}

// Terminal reports whether no further step applies to the stage.
func (s Stage) Terminal() bool {
	switch s {
	case StageWritten, StageRejected, StageFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StagePending, StageRelevanceChecked, StageResearched, StageAnalyzed,
		StageWritten, StageRejected, StageFailed:
		return true
	}
	return false
}

// Step names one call of the four-step pipeline. Step results are keyed by it.
type Step string

const (
	StepRelevance Step = "relevance"
	StepResearch  Step = "research"
	StepAnalysis  Step = "analysis"
	StepWriting   Step = "writing"
)

// Steps lists the pipeline in execution order.
var Steps = []Step{StepRelevance, StepResearch, StepAnalysis, StepWriting}

var stepTransitions = map[Step]struct{ from, to Stage }{
	StepRelevance: {StagePending, StageRelevanceChecked},
	StepResearch:  {StageRelevanceChecked, StageResearched},
	StepAnalysis:  {StageResearched, StageAnalyzed},
	StepWriting:   {StageAnalyzed, StageWritten},
}

// From is the stage an article must be in for the step to run.
func (s Step) From() Stage { return stepTransitions[s].from }

// To is the stage reached when the step succeeds.
func (s Step) To() Stage { return stepTransitions[s].to }

// Valid reports whether s is one of the four steps.
func (s Step) Valid() bool {
	_, ok := stepTransitions[s]
	return ok
}

// Index returns the position of the step in Steps, or -1.
func (s Step) Index() int {
	for i, st := range Steps {
		if st == s {
			return i
		}
	}
	return -1
}

// NextStep returns the step that runs from the given stage.
func NextStep(stage Stage) (Step, bool) {
	for _, st := range Steps {
		if st.From() == stage {
			return st, true
		}
	}
	return "", false
}

// completedSteps is how many steps an article in stage has finished.
func completedSteps(stage Stage) int {
	switch stage {
	case StagePending:
		return 0
	case StageRelevanceChecked, StageRejected:
		return 1
	case StageResearched:
		return 2
	case StageAnalyzed:
		return 3
	case StageWritten:
		return 4
	}
	return len(Steps)
}

// Article is the durable unit of work moving through the pipeline.
type Article struct {
	ID            string       `json:"id"`
	SourceID      string       `json:"source_id"`
	Title         string       `json:"title"`
	URL           string       `json:"url"`
	Content       string       `json:"content"`
	PublishedAt   *time.Time   `json:"published_at,omitempty"`
	Stage         Stage        `json:"stage"`
	StageResults  StageResults `json:"stage_results"`
	AttemptCount  int          `json:"attempt_count"`
	LastError     *string      `json:"last_error,omitempty"`
	FailedStep    *Step        `json:"failed_step,omitempty"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// CheckInvariants verifies that results exist only for steps the stage has
// already passed.
func (a Article) CheckInvariants() error {
	if !a.Stage.Valid() {
		return fmt.Errorf("article %s: unknown stage %q", a.ID, a.Stage)
	}
	done := completedSteps(a.Stage)
	for step := range a.StageResults {
		idx := step.Index()
		if idx < 0 {
			return fmt.Errorf("article %s: result for unknown step %q", a.ID, step)
		}
		if idx >= done {
			return fmt.Errorf("article %s: result for %s recorded while at %s", a.ID, step, a.Stage)
		}
	}
	return nil
}

// NewArticle is what ingestion hands to the store.
type NewArticle struct {
	SourceID    string
	Title       string
	URL         string
	Content     string
	PublishedAt *time.Time
}
