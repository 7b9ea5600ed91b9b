package stage

import (
	"context"
	"strings"
	"unicode/utf8"

	"news-pipeline/internal/models"
)

// Client performs one step for one article. Implementations are pure
// request/response and never touch the store.
type Client interface {
	Step() models.Step
	Invoke(ctx context.Context, article models.Article, prior models.StageResults) (models.StageResult, error)
}

// Prompt is one single-turn completion request.
type Prompt struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

// Completion is the text returned by a vendor.
type Completion struct {
	Text  string
	Model string
}

// Completer is implemented by the vendor transports in internal/llm.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (Completion, error)
}

func complete(ctx context.Context, c Completer, p Prompt) (Completion, error) {
	out, err := c.Complete(ctx, p)
	if err != nil {
		return Completion{}, Classify(err)
	}
	if strings.TrimSpace(out.Text) == "" {
		return Completion{}, TransientError("empty completion", nil)
	}
	return out, nil
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

func priorResult(prior models.StageResults, step models.Step) (models.StageResult, error) {
	r, ok := prior.Get(step)
	if !ok {
		return models.StageResult{}, PermanentError("missing "+string(step)+" result", nil)
	}
	if err := r.Validate(); err != nil {
		return models.StageResult{}, PermanentError("malformed "+string(step)+" result", err)
	}
	return r, nil
}

func modelName(c Completion, fallback string) string {
	if c.Model != "" {
		return c.Model
	}
	return fallback
}
