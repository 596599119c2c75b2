// Package metrics exposes Prometheus collectors for the claim service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	claimSubmissions *prometheus.CounterVec
	claimDecisions   *prometheus.CounterVec
	realtimeEvents   *prometheus.CounterVec
	openChannels     prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		claimSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lostfound",
			Name:      "claim_submissions_total",
			Help:      "Claim submissions by outcome.",
		}, []string{"outcome"}),
		claimDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lostfound",
			Name:      "claim_decisions_total",
			Help:      "Claim decisions by verdict.",
		}, []string{"decision"}),
		realtimeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lostfound",
			Name:      "realtime_events_total",
			Help:      "Realtime events seen by item channels, by outcome.",
		}, []string{"outcome"}),
		openChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lostfound",
			Name:      "realtime_open_channels",
			Help:      "Item channels currently open.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lostfound",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lostfound",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.claimSubmissions,
		m.claimDecisions,
		m.realtimeEvents,
		m.openChannels,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ClaimSubmitted(outcome string) {
	if m == nil {
		return
	}
	m.claimSubmissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ClaimDecided(decision string) {
	if m == nil {
		return
	}
	m.claimDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) RealtimeEvent(outcome string) {
	if m == nil {
		return
	}
	m.realtimeEvents.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ChannelOpened() {
	if m == nil {
		return
	}
	m.openChannels.Inc()
}

func (m *Metrics) ChannelClosed() {
	if m == nil {
		return
	}
	m.openChannels.Dec()
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
