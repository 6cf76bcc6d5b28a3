// Package metrics exposes Prometheus collectors for the import pipeline and
// the HTTP layer in front of it.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JonMunkholm/bulkimport/internal/core"
)

const namespace = "bulkimport"

// Metrics holds the collectors. It implements core.JobObserver so finished
// jobs are counted without the pipeline knowing about Prometheus.
type Metrics struct {
	registry *prometheus.Registry

	jobsFinished *prometheus.CounterVec
	rows         *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	throughput   *prometheus.HistogramVec

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var _ core.JobObserver = (*Metrics)(nil)

// New creates the collectors on a private registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Import jobs that reached a terminal phase.",
		}, []string{"schema", "phase", "error_code"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Rows processed by finished jobs, by outcome.",
		}, []string{"schema", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from job start to terminal phase.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		}, []string{"schema", "phase"}),
		throughput: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_throughput_rows_per_second",
			Help:      "Smoothed parse throughput at the end of each job.",
			Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
		}, []string{"schema"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests partitioned by status code, method and route.",
		}, []string{"code", "method", "path"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Time spent on the request partitioned by status code, method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"code", "method", "path"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobsFinished,
		m.rows,
		m.jobDuration,
		m.throughput,
		m.requests,
		m.latency,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WatchLimiter registers gauges that read the job limiter on every scrape.
// Call it once, after the service exists.
func (m *Metrics) WatchLimiter(status func() core.JobLimiterStatus) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Import jobs currently holding a processing slot.",
		}, func() float64 { return float64(status().Active) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_max_concurrent",
			Help:      "Configured processing slots.",
		}, func() float64 { return float64(status().MaxConcurrent) }),
	)
}

// JobFinished implements core.JobObserver.
func (m *Metrics) JobFinished(_ context.Context, job *core.ImportJob) {
	schema := job.SchemaType
	m.jobsFinished.WithLabelValues(schema, string(job.Phase), job.ErrorCode).Inc()

	m.rows.WithLabelValues(schema, "parsed").Add(float64(job.RowsParsed))
	m.rows.WithLabelValues(schema, "created").Add(float64(job.RowsCreated))
	m.rows.WithLabelValues(schema, "updated").Add(float64(job.RowsUpdated))
	m.rows.WithLabelValues(schema, "failed").Add(float64(job.RowsFailed))
	m.rows.WithLabelValues(schema, "duplicate").Add(float64(job.DuplicatesRemoved))

	if job.StartedAt != nil && job.FinishedAt != nil {
		m.jobDuration.WithLabelValues(schema, string(job.Phase)).
			Observe(job.FinishedAt.Sub(*job.StartedAt).Seconds())
	}
	if job.ThroughputRPS > 0 {
		m.throughput.WithLabelValues(schema).Observe(job.ThroughputRPS)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records request counts and latency by chi route pattern.
// Streaming routes are recorded when the stream ends.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		rctx := chi.RouteContext(r.Context())
		if rctx == nil {
			return
		}
		path := rctx.RoutePattern()
		if path == "" {
			path = "unmatched"
		}
		code := strconv.Itoa(ww.Status())
		m.requests.WithLabelValues(code, r.Method, path).Inc()
		m.latency.WithLabelValues(code, r.Method, path).Observe(time.Since(start).Seconds())
	})
}
