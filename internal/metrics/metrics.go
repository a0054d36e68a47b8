// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "aero_webrtc_lobby_relay"

// Event names used as the `event` label of the events counter.
const (
	EventHostConnected   = "host_connected"
	EventLobbyAnnounced  = "lobby_announced"
	EventLobbyReplaced   = "lobby_replaced"
	EventLobbyRejected   = "lobby_rejected"
	EventClientJoined    = "client_joined"
	EventJoinNotFound    = "join_lobby_not_found"
	EventMessageRelayed  = "message_relayed"
	EventRoutingMiss     = "routing_miss"
	EventDestinationGone = "destination_gone"
	EventReceiverLagged  = "receiver_lagged"
	EventProtocolError   = "protocol_error"
	EventRateLimited     = "rate_limited"
	EventIdleTimeout     = "idle_timeout"
	EventUpgradeFailed   = "upgrade_failed"
	EventOriginRejected  = "origin_rejected"
	EventPanicRecovered  = "panic_recovered"
)

// Connection roles used as the `role` label.
const (
	RoleHost   = "host"
	RoleClient = "client"
)

type Metrics struct {
	registry    *prometheus.Registry
	events      *prometheus.CounterVec
	connections *prometheus.GaugeVec
	duration    *prometheus.HistogramVec
}

// New registers the relay collectors, plus the Go runtime and process
// collectors, on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Internal event counters.",
		}, []string{"event"}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Open signaling WebSocket connections.",
		}, []string{"role"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of signaling WebSocket connections.",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 3600, 4 * 3600},
		}, []string{"role", "outcome"}),
	}
	reg.MustRegister(
		m.events,
		m.connections,
		m.duration,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Inc(event string) { m.Add(event, 1) }

func (m *Metrics) Add(event string, n uint64) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event).Add(float64(n))
}

// Get returns the current value of an event counter.
func (m *Metrics) Get(event string) uint64 {
	if m == nil {
		return 0
	}
	var out dto.Metric
	if err := m.events.WithLabelValues(event).Write(&out); err != nil {
		return 0
	}
	return uint64(out.GetCounter().GetValue())
}

// ConnectionOpened records a new connection and returns a function that
// records its end. The returned function must be called exactly once.
func (m *Metrics) ConnectionOpened(role string) func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.connections.WithLabelValues(role).Inc()
	return func(outcome string) {
		m.connections.WithLabelValues(role).Dec()
		m.duration.WithLabelValues(role, outcome).Observe(time.Since(start).Seconds())
	}
}

// RegisterLobbyStats exports the lobby and client counts reported by stats
// as gauges evaluated at scrape time.
func (m *Metrics) RegisterLobbyStats(stats func() (lobbies, clients int)) {
	if m == nil || stats == nil {
		return
	}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_lobbies",
			Help:      "Lobbies currently announced.",
		}, func() float64 {
			lobbies, _ := stats()
			return float64(lobbies)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_lobby_clients",
			Help:      "Clients currently attached to a lobby.",
		}, func() float64 {
			_, clients := stats()
			return float64(clients)
		}),
	)
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
