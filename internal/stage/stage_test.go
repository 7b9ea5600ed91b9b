package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"news-pipeline/internal/clock"
	"news-pipeline/internal/models"
)

type reply struct {
	text string
	err  error
}

type scriptedCompleter struct {
	replies []reply
	prompts []Prompt
}

func (s *scriptedCompleter) Complete(_ context.Context, p Prompt) (Completion, error) {
	s.prompts = append(s.prompts, p)
	if len(s.replies) == 0 {
		return Completion{}, errors.New("no scripted reply")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return Completion{Text: r.text, Model: "test-model"}, r.err
}

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func article() models.Article {
	return models.Article{ID: "a1", Title: "Cabinet approves reform", Content: strings.Repeat("ж", 3000)}
}

func TestRelevanceParsesVerdict(t *testing.T) {
	reject := []string{"sports", "Entertainment"}
	cases := []struct {
		reply    string
		relevant bool
		category string
	}{
		{"RELEVANT: yes\nCATEGORY: politics\nREASON: national policy", true, "politics"},
		{"RELEVANT: no\nCATEGORY: sports\nREASON: match report", false, "sports"},
		{"RELEVANT: yes\nCATEGORY: Entertainment\nREASON: celebrity", false, "entertainment"},
		{"This piece is mostly about sports results.", false, "sports"},
		{"A story about parliament.", true, ""},
	}
	for _, tc := range cases {
		llm := &scriptedCompleter{replies: []reply{{text: tc.reply}}}
		c := NewRelevance(llm, "haiku", reject, clock.NewFake(t0))
		res, err := c.Invoke(context.Background(), article(), nil)
		if err != nil {
			t.Fatalf("%q: unexpected error %v", tc.reply, err)
		}
		if err := res.Validate(); err != nil {
			t.Fatalf("invalid result: %v", err)
		}
		if res.Relevance.Relevant != tc.relevant || res.Relevance.Category != tc.category {
			t.Fatalf("%q: got relevant=%v category=%q", tc.reply, res.Relevance.Relevant, res.Relevance.Category)
		}
		if !res.CompletedAt.Equal(t0) {
			t.Fatalf("completed at should come from the clock, got %s", res.CompletedAt)
		}
	}
}

func TestRelevanceTruncatesContent(t *testing.T) {
	llm := &scriptedCompleter{replies: []reply{{text: "RELEVANT: yes"}}}
	c := NewRelevance(llm, "haiku", nil, clock.NewFake(t0))
	if _, err := c.Invoke(context.Background(), article(), nil); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if n := strings.Count(llm.prompts[0].User, "ж"); n != 2000 {
		t.Fatalf("expected 2000 content chars in prompt, got %d", n)
	}
}

func TestEmptyCompletionIsTransient(t *testing.T) {
	llm := &scriptedCompleter{replies: []reply{{text: "  "}}}
	c := NewRelevance(llm, "haiku", nil, clock.NewFake(t0))
	_, err := c.Invoke(context.Background(), article(), nil)
	if Classify(err).Kind != Transient {
		t.Fatalf("expected transient, got %v", err)
	}
}

func TestVendorErrorKeepsClassification(t *testing.T) {
	limited := RateLimitedError("429", 30*time.Second, nil)
	llm := &scriptedCompleter{replies: []reply{{err: limited}}}
	c := NewRelevance(llm, "haiku", nil, clock.NewFake(t0))
	_, err := c.Invoke(context.Background(), article(), nil)
	se := Classify(err)
	if se.Kind != RateLimited || se.RetryAfter != 30*time.Second {
		t.Fatalf("expected rate limited with retry-after, got %+v", se)
	}
}

func relevanceDone() models.StageResults {
	return models.StageResults{
		models.StepRelevance: models.NewRelevanceResult("m", t0, models.RelevanceResult{Relevant: true}),
	}
}

func TestResearchRetriesLowQuality(t *testing.T) {
	good := "According to Reuters, the cabinet met on Sunday. " + strings.Repeat("More sourced detail. ", 10)
	llm := &scriptedCompleter{replies: []reply{{text: "I found nothing."}, {text: good}}}
	c := NewResearch(llm, "grok", clock.NewFake(t0))
	res, err := c.Invoke(context.Background(), article(), relevanceDone())
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !res.Research.QualityRetry || res.Research.Findings != good {
		t.Fatalf("expected retried findings, got %+v", res.Research)
	}
	if res.Research.Topic != "Cabinet approves reform" {
		t.Fatalf("topic should be the title, got %q", res.Research.Topic)
	}
	if len(llm.prompts) != 2 {
		t.Fatalf("expected two calls, got %d", len(llm.prompts))
	}
}

func TestResearchKeepsFirstAnswerWhenRetryFails(t *testing.T) {
	llm := &scriptedCompleter{replies: []reply{{text: "short"}, {err: errors.New("boom")}}}
	c := NewResearch(llm, "grok", clock.NewFake(t0))
	res, err := c.Invoke(context.Background(), article(), relevanceDone())
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Research.Findings != "short" || res.Research.QualityRetry {
		t.Fatalf("expected first findings kept, got %+v", res.Research)
	}
}

func TestResearchAcceptsSourcedAnswer(t *testing.T) {
	good := fmt.Sprintf("The minister said in a statement %s", strings.Repeat("with context ", 20))
	llm := &scriptedCompleter{replies: []reply{{text: good}}}
	c := NewResearch(llm, "grok", clock.NewFake(t0))
	res, err := c.Invoke(context.Background(), article(), relevanceDone())
	if err != nil || res.Research.QualityRetry {
		t.Fatalf("unexpected retry or error: %+v %v", res.Research, err)
	}
}

func TestMissingPriorResultIsPermanent(t *testing.T) {
	clk := clock.NewFake(t0)
	llm := &scriptedCompleter{}
	clients := []Client{NewResearch(llm, "g", clk), NewAnalysis(llm, "g", clk), NewWriting(llm, "a", clk)}
	for _, c := range clients {
		_, err := c.Invoke(context.Background(), article(), models.StageResults{})
		if Classify(err).Kind != Permanent {
			t.Fatalf("%s: expected permanent error, got %v", c.Step(), err)
		}
	}
	if len(llm.prompts) != 0 {
		t.Fatalf("no vendor call expected on malformed input")
	}
}

func TestAnalysisAndWriting(t *testing.T) {
	clk := clock.NewFake(t0)
	prior := relevanceDone()
	prior[models.StepResearch] = models.NewResearchResult("g", t0, models.ResearchResult{Topic: "t", Findings: "FINDINGS"})

	llm := &scriptedCompleter{replies: []reply{{text: "balanced analysis"}}}
	res, err := NewAnalysis(llm, "grok", clk).Invoke(context.Background(), article(), prior)
	if err != nil {
		t.Fatalf("analysis: %v", err)
	}
	if !strings.Contains(llm.prompts[0].User, "FINDINGS") {
		t.Fatalf("analysis prompt must include research findings")
	}
	prior[models.StepAnalysis] = res

	llm = &scriptedCompleter{replies: []reply{{text: "\n## **Reform passes**\n\nThe cabinet approved...\nSecond paragraph."}}}
	w, err := NewWriting(llm, "sonnet", clk).Invoke(context.Background(), article(), prior)
	if err != nil {
		t.Fatalf("writing: %v", err)
	}
	if w.Writing.Headline != "Reform passes" {
		t.Fatalf("unexpected headline %q", w.Writing.Headline)
	}
	if !strings.HasPrefix(w.Writing.Body, "The cabinet approved") {
		t.Fatalf("unexpected body %q", w.Writing.Body)
	}
}

func TestSplitHeadlineSingleLine(t *testing.T) {
	h, b := splitHeadline("just one paragraph")
	if h != "" || b != "just one paragraph" {
		t.Fatalf("got %q / %q", h, b)
	}
}

func TestClassify(t *testing.T) {
	if Classify(nil) != nil {
		t.Fatalf("nil error must classify to nil")
	}
	wrapped := fmt.Errorf("call: %w", PermanentError("bad request", nil))
	if Classify(wrapped).Kind != Permanent {
		t.Fatalf("wrapped classification lost")
	}
	if Classify(context.DeadlineExceeded).Kind != Transient {
		t.Fatalf("deadline should be transient")
	}
	if Classify(errors.New("weird")).Kind != Transient {
		t.Fatalf("unclassified should be transient")
	}
}
