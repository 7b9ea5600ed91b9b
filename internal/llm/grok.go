package llm

import (
	"context"
	"log/slog"
	"time"

	"news-pipeline/internal/stage"
)

// Grok calls an OpenAI-compatible chat completions endpoint.
type Grok struct {
	transport
	model string
}

var _ stage.Completer = (*Grok)(nil)

// NewGrok builds a client. gate and logger may be nil.
func NewGrok(endpoint, apiKey, model string, timeout time.Duration, gate Gate, logger *slog.Logger) *Grok {
	return &Grok{transport: newTransport("grok", endpoint, apiKey, timeout, gate, logger), model: model}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *Grok) Complete(ctx context.Context, p stage.Prompt) (stage.Completion, error) {
	if err := c.requireKey(); err != nil {
		return stage.Completion{}, err
	}
	messages := make([]chatMessage, 0, 2)
	if p.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: p.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: p.User})

	var resp chatResponse
	err := c.post(ctx, map[string]string{"Authorization": "Bearer " + c.apiKey}, chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
	}, &resp)
	if err != nil {
		return stage.Completion{}, err
	}
	if len(resp.Choices) == 0 {
		return stage.Completion{}, stage.TransientError("grok returned no choices", nil)
	}
	model := resp.Model
	if model == "" {
		model = c.model
	}
	return stage.Completion{Text: resp.Choices[0].Message.Content, Model: model}, nil
}
