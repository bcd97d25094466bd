// Package metrics holds the Prometheus collectors of a server process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "roomcast"

// Metrics is safe to use through a nil pointer, which records nothing.
type Metrics struct {
	reg *prometheus.Registry

	connections prometheus.Gauge
	frames      *prometheus.CounterVec
	fanout      *prometheus.CounterVec
	presence    *prometheus.CounterVec
	rateLimited prometheus.Counter
	messages    prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_frames_total",
			Help:      "Inbound frames by type.",
		}, []string{"type"}),
		fanout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_events_total",
			Help:      "Fanout bus events by outcome.",
		}, []string{"event"}),
		presence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_diffs_total",
			Help:      "Presence diffs emitted by kind and source.",
		}, []string{"kind", "source"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_frames_total",
			Help:      "Inbound frames rejected by the per-connection limiter.",
		}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_stored_total",
			Help:      "Chat messages persisted.",
		}),
	}
	m.reg.MustRegister(
		m.connections, m.frames, m.fanout, m.presence, m.rateLimited, m.messages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) Frame(typ string) {
	if m != nil {
		m.frames.WithLabelValues(typ).Inc()
	}
}

// Fanout events.
const (
	Published  = "published"
	Received   = "received"
	Suppressed = "suppressed"
	Dropped    = "dropped"
)

func (m *Metrics) Fanout(event string) {
	if m != nil {
		m.fanout.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) PresenceDiff(kind, source string) {
	if m != nil {
		m.presence.WithLabelValues(kind, source).Inc()
	}
}

func (m *Metrics) RateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}

func (m *Metrics) MessageStored() {
	if m != nil {
		m.messages.Inc()
	}
}

// Collectors exposes the vectors for tests.
func (m *Metrics) Collectors() (frames, fanout, presence *prometheus.CounterVec) {
	return m.frames, m.fanout, m.presence
}
