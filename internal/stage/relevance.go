package stage

import (
	"context"
	"fmt"
	"strings"

	"news-pipeline/internal/clock"
	"news-pipeline/internal/models"
)

const relevancePrompt = `Decide whether this news article concerns politics, security, public policy or society, and is worth an in-depth balanced analysis.
Routine items, sports, entertainment, business and economy news are not relevant.

Answer in exactly three lines:
RELEVANT: yes or no
CATEGORY: one word
REASON: one sentence

Title: %s
Content: %s`

// Relevance is the first step: it decides whether the article continues.
type Relevance struct {
	llm    Completer
	model  string
	reject []string
	clock  clock.Clock
}

// NewRelevance builds the relevance client. rejectCategories are matched
// case-insensitively against the category and, when the answer cannot be
// parsed, against the whole reply.
func NewRelevance(llm Completer, model string, rejectCategories []string, clk clock.Clock) *Relevance {
	reject := make([]string, 0, len(rejectCategories))
	for _, c := range rejectCategories {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			reject = append(reject, c)
		}
	}
	return &Relevance{llm: llm, model: model, reject: reject, clock: clk}
}

func (r *Relevance) Step() models.Step { return models.StepRelevance }

func (r *Relevance) Invoke(ctx context.Context, a models.Article, _ models.StageResults) (models.StageResult, error) {
	if strings.TrimSpace(a.Content) == "" && strings.TrimSpace(a.Title) == "" {
		return models.StageResult{}, PermanentError("article has no text", nil)
	}
	out, err := complete(ctx, r.llm, Prompt{
		User:        fmt.Sprintf(relevancePrompt, a.Title, truncate(a.Content, 2000)),
		MaxTokens:   200,
		Temperature: 0.1,
	})
	if err != nil {
		return models.StageResult{}, err
	}
	res := r.parse(out.Text)
	return models.NewRelevanceResult(modelName(out, r.model), r.clock.Now(), res), nil
}

func (r *Relevance) parse(text string) models.RelevanceResult {
	res := models.RelevanceResult{Raw: text}
	var verdict string
	for _, line := range strings.Split(text, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "RELEVANT":
			verdict = strings.ToLower(value)
		case "CATEGORY":
			res.Category = strings.ToLower(value)
		case "REASON":
			res.Reason = value
		}
	}

	switch {
	case strings.HasPrefix(verdict, "yes"):
		res.Relevant = !r.rejected(res.Category)
	case strings.HasPrefix(verdict, "no"):
		res.Relevant = false
	default:
		// Unparseable answer: fall back to scanning the reply for a rejected category.
		res.Relevant = true
		lower := strings.ToLower(text)
		for _, c := range r.reject {
			if strings.Contains(lower, c) {
				res.Relevant = false
				if res.Category == "" {
					res.Category = c
				}
				break
			}
		}
	}
	if res.Reason == "" {
		res.Reason = strings.TrimSpace(truncate(text, 200))
	}
	return res
}

func (r *Relevance) rejected(category string) bool {
	for _, c := range r.reject {
		if category == c {
			return true
		}
	}
	return false
}
