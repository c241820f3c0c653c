package httpx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var histogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

// Metrics holds the collectors exported on /metrics.
type Metrics struct {
	registry       *prometheus.Registry
	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	rateLimitHits  *prometheus.CounterVec
	deviceStarts   *prometheus.CounterVec
	devicePolls    *prometheus.CounterVec
	deviceDecided  *prometheus.CounterVec
}

// NewMetrics registers collectors on a private registry. subscribers, when
// non-nil, is exported as the live stream subscriber gauge.
func NewMetrics(subscribers func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agent",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent",
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route", "key"}),
		deviceStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent",
			Subsystem: "device",
			Name:      "authorizations_total",
			Help:      "Device authorization requests by result",
		}, []string{"result"}),
		devicePolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent",
			Subsystem: "device",
			Name:      "token_polls_total",
			Help:      "Token endpoint polls by outcome",
		}, []string{"outcome"}),
		deviceDecided: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent",
			Subsystem: "device",
			Name:      "decisions_total",
			Help:      "Approve and deny attempts by decision and result",
		}, []string{"decision", "result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestTotal, m.requestLatency, m.rateLimitHits,
		m.deviceStarts, m.devicePolls, m.deviceDecided,
	)
	if subscribers != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "agent",
			Subsystem: "device",
			Name:      "stream_subscribers",
			Help:      "Connected device event subscribers",
		}, func() float64 { return float64(subscribers()) }))
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) recordRequest(method, route string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestLatency.With(labels).Observe(duration.Seconds())
}

func (m *Metrics) recordRateLimitHit(route, key string) {
	m.rateLimitHits.With(prometheus.Labels{"route": route, "key": key}).Inc()
}

func (m *Metrics) recordDeviceStart(result string) {
	m.deviceStarts.WithLabelValues(result).Inc()
}

func (m *Metrics) recordPoll(outcome string) {
	m.devicePolls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) recordDecision(decision, result string) {
	m.deviceDecided.WithLabelValues(decision, result).Inc()
}
