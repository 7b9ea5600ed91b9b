package llm

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"news-pipeline/internal/stage"
)

const anthropicVersion = "2023-06-01"

// Anthropic calls the Messages API.
type Anthropic struct {
	transport
	model string
}

var _ stage.Completer = (*Anthropic)(nil)

// NewAnthropic builds a client. gate and logger may be nil.
func NewAnthropic(endpoint, apiKey, model string, timeout time.Duration, gate Gate, logger *slog.Logger) *Anthropic {
	return &Anthropic{transport: newTransport("anthropic", endpoint, apiKey, timeout, gate, logger), model: model}
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (c *Anthropic) Complete(ctx context.Context, p stage.Prompt) (stage.Completion, error) {
	if err := c.requireKey(); err != nil {
		return stage.Completion{}, err
	}
	req := anthropicRequest{
		Model:       c.model,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
		System:      p.System,
		Messages:    []anthropicMessage{{Role: "user", Content: p.User}},
	}
	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicVersion,
	}
	var resp anthropicResponse
	if err := c.post(ctx, headers, req, &resp); err != nil {
		return stage.Completion{}, err
	}
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	model := resp.Model
	if model == "" {
		model = c.model
	}
	return stage.Completion{Text: b.String(), Model: model}, nil
}
