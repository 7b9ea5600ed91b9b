package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"news-pipeline/internal/ratelimit"
	"news-pipeline/internal/stage"
	"news-pipeline/internal/telemetry"
)

// Gate is an optional shared budget consulted before each vendor call.
type Gate interface {
	Allow(ctx context.Context, vendor string) (bool, float64, error)
	RetryAfter() time.Duration
}

var _ Gate = (*ratelimit.TokenBucket)(nil)

type transport struct {
	vendor     string
	endpoint   string
	apiKey     string
	httpClient *http.Client
	gate       Gate
	logger     *slog.Logger
	now        func() time.Time
}

func newTransport(vendor, endpoint, apiKey string, timeout time.Duration, gate Gate, logger *slog.Logger) transport {
	if logger == nil {
		logger = slog.Default()
	}
	return transport{
		vendor:     vendor,
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		gate:       gate,
		logger:     logger.With("component", "llm", "vendor", vendor),
		now:        time.Now,
	}
}

// requireKey reports a missing credential as a vendor-level refusal.
func (t *transport) requireKey() error {
	if t.apiKey == "" {
		return stage.UnauthorizedError(t.vendor+" api key not configured", nil)
	}
	return nil
}

func (t *transport) admit(ctx context.Context) error {
	if t.gate == nil {
		return nil
	}
	ok, _, err := t.gate.Allow(ctx, t.vendor)
	if err != nil {
		// Limiter errors fail open.
		telemetry.RateLimitErrors.WithLabelValues(t.vendor).Inc()
		t.logger.Warn("rate limiter unavailable, calling vendor anyway", "error", err)
		return nil
	}
	if !ok {
		telemetry.RateLimitRejects.WithLabelValues(t.vendor).Inc()
		return stage.RateLimitedError(t.vendor+" budget exhausted", t.gate.RetryAfter(), nil)
	}
	return nil
}

// post sends body as JSON and decodes a 2xx reply into out. Failures come
// back as classified stage errors.
func (t *transport) post(ctx context.Context, headers map[string]string, body, out any) error {
	if err := t.admit(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return stage.PermanentError("marshal request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return stage.PermanentError("new request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(t.vendor, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return classifyStatus(t.vendor, resp, strings.TrimSpace(string(snippet)), t.now())
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return stage.TransientError(t.vendor+" decode response", err)
	}
	return nil
}

func classifyTransportError(vendor string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return stage.TransientError(vendor+" timeout", err)
	}
	return stage.TransientError(vendor+" transport", err)
}

func classifyStatus(vendor string, resp *http.Response, snippet string, now time.Time) error {
	err := fmt.Errorf("%s error %s: %s", vendor, resp.Status, snippet)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return stage.RateLimitedError(vendor+" rate limited", parseRetryAfter(resp.Header.Get("Retry-After"), now), err)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return stage.UnauthorizedError(vendor+" refused credentials", err)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= http.StatusInternalServerError:
		return stage.TransientError(vendor+" unavailable", err)
	default:
		return stage.PermanentError(vendor+" rejected request", err)
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
