package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RefreshRuns     *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	RecordsLoaded   prometheus.Gauge
	RowsDropped     prometheus.Counter
	ValuesCoerced   prometheus.Counter
	TotalMismatches prometheus.Gauge
	LastSuccess     prometheus.Gauge
	EventsPublished *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
}

// New registers every collector on a fresh registry, plus the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RefreshRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "licencias_refresh_runs_total",
			Help: "Pipeline runs by outcome",
		}, []string{"outcome"}), // outcome: "success", "error", "rejected"

		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "licencias_refresh_stage_duration_seconds",
			Help:    "Duration of each pipeline stage",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),

		RecordsLoaded: f.NewGauge(prometheus.GaugeOpts{
			Name: "licencias_records_loaded",
			Help: "Records in the current load generation",
		}),

		RowsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "licencias_rows_dropped_total",
			Help: "Source rows dropped for a blank department or municipality",
		}),

		ValuesCoerced: f.NewCounter(prometheus.CounterOpts{
			Name: "licencias_values_coerced_total",
			Help: "Numeric source values repaired to a non-negative integer",
		}),

		TotalMismatches: f.NewGauge(prometheus.GaugeOpts{
			Name: "licencias_total_mismatches",
			Help: "Records of the current generation whose source total differs from the component sum",
		}),

		LastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Name: "licencias_last_success_timestamp_seconds",
			Help: "Unix time of the last successful load",
		}),

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "licencias_events_published_total",
			Help: "Load events handed to the broker by outcome",
		}, []string{"outcome"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "licencias_http_requests_total",
			Help: "HTTP requests by route, method and status",
		}, []string{"route", "method", "status"}),

		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "licencias_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// IncRefresh counts a pipeline run outcome.
func (m *Metrics) IncRefresh(outcome string) {
	if m != nil {
		m.RefreshRuns.WithLabelValues(outcome).Inc()
	}
}

// ObserveStage records how long a pipeline stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m != nil {
		m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// RecordLoad publishes the counters of a successful load.
func (m *Metrics) RecordLoad(records, dropped, coerced, mismatches int, at time.Time) {
	if m == nil {
		return
	}
	m.RecordsLoaded.Set(float64(records))
	m.RowsDropped.Add(float64(dropped))
	m.ValuesCoerced.Add(float64(coerced))
	m.TotalMismatches.Set(float64(mismatches))
	m.LastSuccess.Set(float64(at.Unix()))
}

// IncEvent counts an event publication outcome.
func (m *Metrics) IncEvent(outcome string) {
	if m != nil {
		m.EventsPublished.WithLabelValues(outcome).Inc()
	}
}

// Middleware records request counts and latency labelled by the chi route
// pattern, so /licencias/7 and /licencias/8 share one series.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.HTTPDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
