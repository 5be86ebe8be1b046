package pbui

import (
	"github.com/prometheus/client_golang/prometheus"
)

// clientMetrics holds the per-client collectors registered by WithMetrics.
// A nil *clientMetrics records nothing.
type clientMetrics struct {
	connectAttempts    *prometheus.CounterVec
	reconnects         prometheus.Counter
	reconnectExhausted prometheus.Counter
	events             *prometheus.CounterVec
	status             prometheus.Gauge
	cacheNotifications *prometheus.CounterVec
	heartbeats         *prometheus.CounterVec
}

func newClientMetrics(reg prometheus.Registerer) *clientMetrics {
	m := &clientMetrics{
		connectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pbui_connect_attempts_total",
				Help: "Total number of connect attempts by result",
			},
			[]string{"result"},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pbui_reconnects_scheduled_total",
				Help: "Total number of scheduled reconnect attempts",
			},
		),
		reconnectExhausted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pbui_reconnects_exhausted_total",
				Help: "Total number of times the reconnect budget ran out",
			},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pbui_events_total",
				Help: "Total number of events dispatched by name",
			},
			[]string{"event"},
		),
		status: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pbui_connection_status",
				Help: "Connection status (0 = disconnected, 1 = connecting, 2 = connected, 3 = reconnecting)",
			},
		),
		cacheNotifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pbui_state_notifications_total",
				Help: "Total number of state cache change notifications by key",
			},
			[]string{"key"},
		),
		heartbeats: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pbui_heartbeats_total",
				Help: "Total number of heartbeat pings by result",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		m.connectAttempts,
		m.reconnects,
		m.reconnectExhausted,
		m.events,
		m.status,
		m.cacheNotifications,
		m.heartbeats,
	)
	return m
}

func (m *clientMetrics) connectResult(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.connectAttempts.WithLabelValues("error").Inc()
		return
	}
	m.connectAttempts.WithLabelValues("success").Inc()
}

func (m *clientMetrics) reconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *clientMetrics) reconnectGaveUp() {
	if m == nil {
		return
	}
	m.reconnectExhausted.Inc()
}

func (m *clientMetrics) event(name EventName) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(name)).Inc()
}

func (m *clientMetrics) setStatus(s ConnectionStatus) {
	if m == nil {
		return
	}
	m.status.Set(float64(s))
}

func (m *clientMetrics) notified(key string) {
	if m == nil {
		return
	}
	m.cacheNotifications.WithLabelValues(key).Inc()
}

func (m *clientMetrics) heartbeat(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.heartbeats.WithLabelValues("error").Inc()
		return
	}
	m.heartbeats.WithLabelValues("ok").Inc()
}
