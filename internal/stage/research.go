package stage

import (
	"context"
	"fmt"
	"strings"

	"news-pipeline/internal/clock"
	"news-pipeline/internal/models"
)

const researchPrompt = `Research the following news topic using current, verifiable reporting.
List the sources you found, attribute every claim ("according to", "reported by"), and include facts the article leaves out.

Topic: %s
Article summary: %s`

const deepResearchPrompt = `Run a deeper search on: %s. You must cite real sources, naming the outlet or person for each claim.`

// minFindingsLen is the shortest research answer accepted without a retry.
const minFindingsLen = 150

var sourceIndicators = []string{
	"according to", "reported", "source", "stated", "told", "said", "statement", "http",
}

// Research gathers background for the article topic.
type Research struct {
	llm   Completer
	model string
	clock clock.Clock
}

func NewResearch(llm Completer, model string, clk clock.Clock) *Research {
	return &Research{llm: llm, model: model, clock: clk}
}

func (r *Research) Step() models.Step { return models.StepResearch }

// Invoke asks for research and, when the answer looks unsourced, asks once
// more with a stricter prompt. A failed second call keeps the first answer.
func (r *Research) Invoke(ctx context.Context, a models.Article, prior models.StageResults) (models.StageResult, error) {
	if _, err := priorResult(prior, models.StepRelevance); err != nil {
		return models.StageResult{}, err
	}
	topic := strings.TrimSpace(a.Title)
	if topic == "" {
		topic = truncate(a.Content, 120)
	}
	out, err := complete(ctx, r.llm, Prompt{
		User:        fmt.Sprintf(researchPrompt, topic, truncate(a.Content, 500)),
		MaxTokens:   1500,
		Temperature: 0.3,
	})
	if err != nil {
		return models.StageResult{}, err
	}

	res := models.ResearchResult{Topic: topic, Findings: out.Text}
	if !researchQualityOK(out.Text) {
		deeper, err := complete(ctx, r.llm, Prompt{
			User:        fmt.Sprintf(deepResearchPrompt, topic),
			MaxTokens:   1500,
			Temperature: 0.3,
		})
		if err == nil {
			res.Findings = deeper.Text
			res.QualityRetry = true
			out = deeper
		}
	}
	return models.NewResearchResult(modelName(out, r.model), r.clock.Now(), res), nil
}

func researchQualityOK(text string) bool {
	if len(text) < minFindingsLen {
		return false
	}
	lower := strings.ToLower(text)
	if strings.Contains(lower, "found nothing") || strings.Contains(lower, "could not find") {
		return false
	}
	for _, ind := range sourceIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}
