package stage

import (
	"context"
	"fmt"
	"strings"

	"news-pipeline/internal/clock"
	"news-pipeline/internal/models"
)

const writingPrompt = `Turn this technical analysis into a readable news article for a general audience.
Start with a headline on its own line, then continuous prose with smooth transitions, no jargon and no section headings.

Technical analysis: %s`

// Writing turns the analysis into the final article.
type Writing struct {
	llm   Completer
	model string
	clock clock.Clock
}

func NewWriting(llm Completer, model string, clk clock.Clock) *Writing {
	return &Writing{llm: llm, model: model, clock: clk}
}

func (s *Writing) Step() models.Step { return models.StepWriting }

func (s *Writing) Invoke(ctx context.Context, a models.Article, prior models.StageResults) (models.StageResult, error) {
	analysis, err := priorResult(prior, models.StepAnalysis)
	if err != nil {
		return models.StageResult{}, err
	}
	out, err := complete(ctx, s.llm, Prompt{
		User:        fmt.Sprintf(writingPrompt, analysis.Analysis.Text),
		MaxTokens:   2000,
		Temperature: 0.4,
	})
	if err != nil {
		return models.StageResult{}, err
	}
	headline, body := splitHeadline(out.Text)
	if headline == "" {
		headline = a.Title
	}
	return models.NewWritingResult(modelName(out, s.model), s.clock.Now(), models.WritingResult{Headline: headline, Body: body}), nil
}

// splitHeadline takes the first non-empty line as the headline, stripped of
// markdown heading marks and surrounding quotes.
func splitHeadline(text string) (string, string) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i, line := range lines {
		h := strings.TrimSpace(line)
		if h == "" {
			continue
		}
		h = strings.TrimSpace(strings.TrimLeft(h, "#* "))
		h = strings.Trim(strings.TrimRight(h, "*"), `"`)
		body := strings.TrimSpace(strings.Join(lines[i+1:], "\n"))
		if body == "" {
			return "", strings.TrimSpace(text)
		}
		return h, body
	}
	return "", ""
}
