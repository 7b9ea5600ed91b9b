package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	StageOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_stage_outcomes_total", Help: "Stage calls by step and outcome"}, []string{"step", "outcome"})
	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Latency of stage client calls",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"step"})
	JobRuns     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_job_runs_total", Help: "Scheduler job runs by job and outcome"}, []string{"job", "outcome"})
	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_job_duration_seconds",
		Help:    "Wall time of scheduler job runs",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"job"})
	ArticlesIngested    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_articles_ingested_total", Help: "New articles inserted by ingestion"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_articles_inflight", Help: "Articles currently claimed by this runner"})
	RateLimitRejects    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_rate_limit_rejects_total", Help: "Vendor calls refused by the local token bucket"}, []string{"vendor"})
	RateLimitErrors     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_rate_limit_errors_total", Help: "Token bucket lookups that failed and were let through"}, []string{"vendor"})
	PublishFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_publish_failures_total", Help: "Written articles that could not be published"})
	UngracefulShutdowns = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_ungraceful_shutdowns_total", Help: "Shutdowns that cancelled in-flight work after the grace period"})
	ActivityWriteErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_activity_write_errors_total", Help: "Activity log rows that failed to persist"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			StageOutcomes,
			StageDuration,
			JobRuns,
			JobDuration,
			ArticlesIngested,
			InFlightGauge,
			RateLimitRejects,
			RateLimitErrors,
			PublishFailures,
			UngracefulShutdowns,
			ActivityWriteErrors,
		)
	})
	return promhttp.Handler()
}
