package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Schema versions understood by this binary, one per step payload.
const (
	RelevanceSchemaVersion = 1
	ResearchSchemaVersion  = 1
	AnalysisSchemaVersion  = 1
	WritingSchemaVersion   = 1
)

// StageResult is a tagged union: Step selects which payload is set.
type StageResult struct {
	Step          Step      `json:"step"`
	SchemaVersion int       `json:"schema_version"`
	Model         string    `json:"model,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`

	Relevance *RelevanceResult `json:"relevance,omitempty"`
	Research  *ResearchResult  `json:"research,omitempty"`
	Analysis  *AnalysisResult  `json:"analysis,omitempty"`
	Writing   *WritingResult   `json:"writing,omitempty"`
}

// RelevanceResult is the output of the relevance check.
type RelevanceResult struct {
	Relevant bool   `json:"relevant"`
	Category string `json:"category,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Raw      string `json:"raw,omitempty"`
}

// ResearchResult holds background findings for the article topic.
type ResearchResult struct {
	Topic        string `json:"topic"`
	Findings     string `json:"findings"`
	QualityRetry bool   `json:"quality_retry,omitempty"`
}

// AnalysisResult is the technical balance analysis.
type AnalysisResult struct {
	Text string `json:"text"`
}

// WritingResult is the final journalistic piece.
type WritingResult struct {
	Headline string `json:"headline"`
	Body     string `json:"body"`
}

// NewRelevanceResult wraps a relevance payload at the current schema version.
func NewRelevanceResult(model string, at time.Time, r RelevanceResult) StageResult {
	return StageResult{Step: StepRelevance, SchemaVersion: RelevanceSchemaVersion, Model: model, CompletedAt: at, Relevance: &r}
}

// NewResearchResult wraps a research payload at the current schema version.
func NewResearchResult(model string, at time.Time, r ResearchResult) StageResult {
	return StageResult{Step: StepResearch, SchemaVersion: ResearchSchemaVersion, Model: model, CompletedAt: at, Research: &r}
}

// NewAnalysisResult wraps an analysis payload at the current schema version.
func NewAnalysisResult(model string, at time.Time, r AnalysisResult) StageResult {
	return StageResult{Step: StepAnalysis, SchemaVersion: AnalysisSchemaVersion, Model: model, CompletedAt: at, Analysis: &r}
}

// NewWritingResult wraps a writing payload at the current schema version.
func NewWritingResult(model string, at time.Time, r WritingResult) StageResult {
	return StageResult{Step: StepWriting, SchemaVersion: WritingSchemaVersion, Model: model, CompletedAt: at, Writing: &r}
}

var errNoPayload = errors.New("stage result has no payload")

// Validate checks that exactly the payload named by Step is present and that
// its schema version is one this binary can read.
func (r StageResult) Validate() error {
	set := 0
	for _, present := range []bool{r.Relevance != nil, r.Research != nil, r.Analysis != nil, r.Writing != nil} {
		if present {
			set++
		}
	}
	if set == 0 {
		return fmt.Errorf("%s: %w", r.Step, errNoPayload)
	}
	if set > 1 {
		return fmt.Errorf("%s: stage result carries %d payloads", r.Step, set)
	}

	var ok bool
	var max int
	switch r.Step {
	case StepRelevance:
		ok, max = r.Relevance != nil, RelevanceSchemaVersion
	case StepResearch:
		ok, max = r.Research != nil, ResearchSchemaVersion
	case StepAnalysis:
		ok, max = r.Analysis != nil, AnalysisSchemaVersion
	case StepWriting:
		ok, max = r.Writing != nil, WritingSchemaVersion
	default:
		return fmt.Errorf("unknown step %q", r.Step)
	}
	if !ok {
		return fmt.Errorf("%s: payload does not match step", r.Step)
	}
	if r.SchemaVersion < 1 || r.SchemaVersion > max {
		return fmt.Errorf("%s: unsupported schema version %d", r.Step, r.SchemaVersion)
	}
	return nil
}

// StageResults maps each completed step to its output.
type StageResults map[Step]StageResult

// Get returns the result for step, if present.
func (s StageResults) Get(step Step) (StageResult, bool) {
	r, ok := s[step]
	return r, ok
}

// With returns a copy of s including r. An existing entry is never replaced.
func (s StageResults) With(r StageResult) (StageResults, error) {
	if _, exists := s[r.Step]; exists {
		return s, fmt.Errorf("result for %s already recorded", r.Step)
	}
	out := make(StageResults, len(s)+1)
	for k, v := range s {
		out[k] = v
	}
	out[r.Step] = r
	return out, nil
}

// DecodeStageResults parses the persisted JSON object and validates every entry.
func DecodeStageResults(raw []byte) (StageResults, error) {
	out := StageResults{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode stage results: %w", err)
	}
	for step, r := range out {
		if r.Step != step {
			return nil, fmt.Errorf("stage result keyed %s claims step %s", step, r.Step)
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	return out, nil
}
