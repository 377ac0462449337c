// Package metrics exposes delivery and presence counters for Prometheus scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatline"

// Metrics groups every collector the server updates. A nil *Metrics is valid
// and records nothing, so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	MessagesSent      prometheus.Counter
	MessagesDelivered prometheus.Counter
	MessagesDropped   prometheus.Counter
	SendRejected      *prometheus.CounterVec
	Receipts          *prometheus.CounterVec
	OnlineUsers       prometheus.Gauge
	Connections       prometheus.Gauge
	HandlerPanics     prometheus.Counter
}

// New creates the collectors on a private registry, plus Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_sent_total",
			Help: "Messages persisted and acknowledged to their sender.",
		}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_delivered_total",
			Help: "receive_message events handed to a live connection.",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total",
			Help: "Outbound events dropped because the connection was full or closed.",
		}),
		SendRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "send_rejected_total",
			Help: "send_message requests rejected, by reason.",
		}, []string{"reason"}),
		Receipts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "receipts_total",
			Help: "Delivery and read acknowledgments that advanced a message.",
		}, []string{"status"}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "online_users",
			Help: "Users with a live registered connection.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections",
			Help: "Open WebSocket connections, registered or not.",
		}),
		HandlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "handler_panics_total",
			Help: "Event handlers that panicked and were recovered.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.MessagesSent, m.MessagesDelivered, m.MessagesDropped, m.SendRejected,
		m.Receipts, m.OnlineUsers, m.Connections, m.HandlerPanics,
	)
	return m
}

// Handler returns an http.Handler for Prometheus scraping
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncSent() {
	if m != nil {
		m.MessagesSent.Inc()
	}
}

func (m *Metrics) IncDelivered() {
	if m != nil {
		m.MessagesDelivered.Inc()
	}
}

func (m *Metrics) IncDropped() {
	if m != nil {
		m.MessagesDropped.Inc()
	}
}

func (m *Metrics) IncRejected(reason string) {
	if m != nil {
		m.SendRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncReceipt(status string) {
	if m != nil {
		m.Receipts.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) SetOnline(n int) {
	if m != nil {
		m.OnlineUsers.Set(float64(n))
	}
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) IncPanic() {
	if m != nil {
		m.HandlerPanics.Inc()
	}
}
