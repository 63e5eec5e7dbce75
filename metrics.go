package chatsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the coordinator. A nil *Metrics records nothing.
type Metrics struct {
	sends           *prometheus.CounterVec
	sendLatency     prometheus.Histogram
	inbound         *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	fetchErrors     *prometheus.CounterVec
	unread          prometheus.Gauge
	connected       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_sends_total",
				Help: "Messages sent, by result",
			},
			[]string{"result"},
		),
		sendLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chatsync_send_latency_seconds",
				Help:    "Time from optimistic insert to send confirmation or failure",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30},
			},
		),
		inbound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_inbound_events_total",
				Help: "Realtime events received, by event name",
			},
			[]string{"event"},
		),
		reconciliations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_reconciliations_total",
				Help: "Re-sync passes against the backend, by trigger",
			},
			[]string{"source"},
		),
		fetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_fetch_errors_total",
				Help: "Failed backend calls, by operation",
			},
			[]string{"op"},
		),
		unread: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatsync_unread_messages",
				Help: "Global unread message count",
			},
		),
		connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatsync_transport_connected",
				Help: "1 while the realtime channel is connected",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.sends, m.sendLatency, m.inbound, m.reconciliations,
			m.fetchErrors, m.unread, m.connected)
	}
	return m
}

func (m *Metrics) observeSend(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(result).Inc()
	m.sendLatency.Observe(d.Seconds())
}

func (m *Metrics) inboundEvent(event string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(event).Inc()
}

func (m *Metrics) reconciled(source string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(source).Inc()
}

func (m *Metrics) fetchError(op string) {
	if m == nil {
		return
	}
	m.fetchErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) setUnread(n int) {
	if m == nil {
		return
	}
	m.unread.Set(float64(n))
}

func (m *Metrics) setConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}
