package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesPipelineMetrics(t *testing.T) {
	StageOutcomes.WithLabelValues("relevance", "advanced").Inc()
	JobRuns.WithLabelValues("processing", "success").Inc()

	h := Handler()
	_ = Handler() // second call must not re-register

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)
	for _, want := range []string{
		`pipeline_stage_outcomes_total{outcome="advanced",step="relevance"}`,
		`pipeline_job_runs_total{job="processing",outcome="success"}`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}
