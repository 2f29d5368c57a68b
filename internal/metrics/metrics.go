package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Observation results.
const (
	ObservationIgnored    = "ignored"
	ObservationMiss       = "miss"
	ObservationNoMAC      = "no_mac"
	ObservationIncomplete = "incomplete"
	ObservationCached     = "cached"
	ObservationDropped    = "dropped"
)

// Active read outcomes.
const (
	ReadOK      = "ok"
	ReadTimeout = "timeout"
	ReadError   = "error"
)

// Metrics holds the gateway collectors. All methods are safe on a nil
// receiver so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	observations   *prometheus.CounterVec
	activeReads    *prometheus.CounterVec
	activeReadTime prometheus.Histogram
	cacheEntries   prometheus.Gauge
	samplesWritten *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		observations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "switchbot_observations_total",
			Help: "Advertisements handled by the scan pipeline, by result.",
		}, []string{"result"}),
		activeReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "switchbot_active_reads_total",
			Help: "GATT meter reads by outcome.",
		}, []string{"outcome"}),
		activeReadTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "switchbot_active_read_duration_seconds",
			Help:    "Duration of GATT meter reads including connect.",
			Buckets: prometheus.DefBuckets,
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "switchbot_cache_entries",
			Help: "Sensors currently held in the reading cache.",
		}),
		samplesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "switchbot_samples_written_total",
			Help: "Samples handed to sinks, by sink and status.",
		}, []string{"sink", "status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.observations,
		m.activeReads,
		m.activeReadTime,
		m.cacheEntries,
		m.samplesWritten,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Observation(result string) {
	if m == nil {
		return
	}
	m.observations.WithLabelValues(result).Inc()
}

func (m *Metrics) ActiveRead(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.activeReads.WithLabelValues(outcome).Inc()
	m.activeReadTime.Observe(d.Seconds())
}

func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}

func (m *Metrics) SampleWritten(sink string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.samplesWritten.WithLabelValues(sink, status).Inc()
}
