package p2pnet

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all custom parley Prometheus metrics.
// Uses an isolated prometheus.Registry so parley metrics don't collide
// with the global default registry. Each test gets its own Metrics instance.
type Metrics struct {
	Registry *prometheus.Registry

	// Dial metrics (connect = user-initiated, direct = upgrade attempts)
	DialTotal           *prometheus.CounterVec
	DialDurationSeconds *prometheus.HistogramVec

	// Relay-to-direct upgrade outcomes
	UpgradeTotal           *prometheus.CounterVec
	UpgradeDurationSeconds prometheus.Histogram

	// Hole punch metrics (DCUtR tracer)
	HolePunchTotal           *prometheus.CounterVec
	HolePunchDurationSeconds *prometheus.HistogramVec

	// Sessions by state (connected_relay, direct, upgrade_pending, lost)
	Sessions *prometheus.GaugeVec

	// Chat envelopes
	ChatMessagesTotal  *prometheus.CounterVec
	EnvelopeDropsTotal *prometheus.CounterVec

	// Voice calls
	VoiceCallsTotal  *prometheus.CounterVec
	VoiceChunksTotal *prometheus.CounterVec

	// Relay reservations made by this node
	RelayReservationsTotal *prometheus.CounterVec

	// Discovery and probing
	STUNProbeTotal      *prometheus.CounterVec
	MDNSDiscoveredTotal *prometheus.CounterVec
	DHTLookupsTotal     *prometheus.CounterVec

	// Global address changes seen by the network monitor
	NetworkChangesTotal *prometheus.CounterVec

	// Daemon API metrics
	DaemonRequestsTotal          *prometheus.CounterVec
	DaemonRequestDurationSeconds *prometheus.HistogramVec

	// Build info
	BuildInfo *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all collectors registered
// on an isolated registry. The version and goVersion are recorded as labels
// on the parley_info gauge.
func NewMetrics(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		DialTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_dial_total",
				Help: "Total number of dial attempts by kind and result.",
			},
			[]string{"kind", "result"},
		),
		DialDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_dial_duration_seconds",
				Help:    "Duration of dial attempts in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
			},
			[]string{"kind"},
		),

		UpgradeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_upgrade_total",
				Help: "Relay-to-direct upgrade attempts by result.",
			},
			[]string{"result"},
		),
		UpgradeDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parley_upgrade_duration_seconds",
				Help:    "Time from advert to verified direct connection.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
		),

		HolePunchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_holepunch_total",
				Help: "Total number of hole punch attempts.",
			},
			[]string{"result"},
		),
		HolePunchDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_holepunch_duration_seconds",
				Help:    "Duration of hole punch attempts in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
			},
			[]string{"result"},
		),

		Sessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "parley_sessions",
				Help: "Number of peer sessions by state.",
			},
			[]string{"state"},
		),

		ChatMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_chat_messages_total",
				Help: "Chat messages by direction.",
			},
			[]string{"direction"},
		),
		EnvelopeDropsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_envelope_drops_total",
				Help: "Inbound envelopes dropped by reason.",
			},
			[]string{"reason"},
		),

		VoiceCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_voice_calls_total",
				Help: "Voice call lifecycle events.",
			},
			[]string{"event"},
		),
		VoiceChunksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_voice_chunks_total",
				Help: "Audio chunks by direction.",
			},
			[]string{"direction"},
		),

		RelayReservationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_relay_reservations_total",
				Help: "Relay reservation attempts by result.",
			},
			[]string{"result"},
		),

		STUNProbeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_stun_probe_total",
				Help: "Total number of STUN probe attempts.",
			},
			[]string{"result"},
		),
		MDNSDiscoveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_mdns_discovered_total",
				Help: "Total mDNS discovery events by result.",
			},
			[]string{"result"},
		),
		DHTLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_dht_lookups_total",
				Help: "DHT peer lookups by result.",
			},
			[]string{"result"},
		),

		NetworkChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_network_changes_total",
				Help: "Global address changes by IP family.",
			},
			[]string{"family"},
		),

		DaemonRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_daemon_requests_total",
				Help: "Total number of daemon API requests.",
			},
			[]string{"method", "path", "status"},
		),
		DaemonRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_daemon_request_duration_seconds",
				Help:    "Duration of daemon API requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "parley_info",
				Help: "Build information for the running parley instance.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		m.DialTotal,
		m.DialDurationSeconds,
		m.UpgradeTotal,
		m.UpgradeDurationSeconds,
		m.HolePunchTotal,
		m.HolePunchDurationSeconds,
		m.Sessions,
		m.ChatMessagesTotal,
		m.EnvelopeDropsTotal,
		m.VoiceCallsTotal,
		m.VoiceChunksTotal,
		m.RelayReservationsTotal,
		m.STUNProbeTotal,
		m.MDNSDiscoveredTotal,
		m.DHTLookupsTotal,
		m.NetworkChangesTotal,
		m.DaemonRequestsTotal,
		m.DaemonRequestDurationSeconds,
		m.BuildInfo,
	)

	// Always 1, labels carry the data.
	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)

	return m
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
