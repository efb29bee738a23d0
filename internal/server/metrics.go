package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the server's collectors on a private registry,
// so several servers in one process do not collide.
type metrics struct {
	registry    *prometheus.Registry
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	completions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	reads       prometheus.Counter
	streams     prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wizardsync",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wizardsync",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wizardsync",
			Name:      "step_completions_total",
			Help:      "Accepted step completions by step.",
		}, []string{"step"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wizardsync",
			Name:      "step_rejections_total",
			Help:      "Rejected step completions by reason.",
		}, []string{"reason"}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wizardsync",
			Name:      "progress_reads_total",
			Help:      "Progress records served.",
		}),
		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wizardsync",
			Name:      "progress_streams",
			Help:      "Open progress watch streams.",
		}),
	}
	m.registry.MustRegister(
		m.requests, m.duration, m.completions,
		m.rejections, m.reads, m.streams,
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// instrument records request count and latency per route
// pattern. Requests that match no route share one label.
func (m *metrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(
			route, strconv.Itoa(sw.status),
		).Inc()
		m.duration.WithLabelValues(route).Observe(
			time.Since(start).Seconds(),
		)
	})
}

// statusWriter captures the response status. It forwards
// Flush so progress streams keep working behind it.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
