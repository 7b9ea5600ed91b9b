package stage

import (
	"context"
	"fmt"

	"news-pipeline/internal/clock"
	"news-pipeline/internal/models"
)

const analysisPrompt = `Write a balanced technical analysis of the story below. Cover the facts all sides agree on, present every side, point out what the original report is missing, add the wider context and close with a balanced summary.
Write continuous prose without section headings.

Original text: %s
Research findings: %s`

// Analysis combines the article text with research findings.
type Analysis struct {
	llm   Completer
	model string
	clock clock.Clock
}

func NewAnalysis(llm Completer, model string, clk clock.Clock) *Analysis {
	return &Analysis{llm: llm, model: model, clock: clk}
}

func (s *Analysis) Step() models.Step { return models.StepAnalysis }

func (s *Analysis) Invoke(ctx context.Context, a models.Article, prior models.StageResults) (models.StageResult, error) {
	research, err := priorResult(prior, models.StepResearch)
	if err != nil {
		return models.StageResult{}, err
	}
	out, err := complete(ctx, s.llm, Prompt{
		User:        fmt.Sprintf(analysisPrompt, truncate(a.Content, 2000), research.Research.Findings),
		MaxTokens:   2000,
		Temperature: 0.3,
	})
	if err != nil {
		return models.StageResult{}, err
	}
	return models.NewAnalysisResult(modelName(out, s.model), s.clock.Now(), models.AnalysisResult{Text: out.Text}), nil
}
