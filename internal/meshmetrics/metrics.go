// Package meshmetrics holds the node's Prometheus metrics. Uses an isolated
// prometheus.Registry so meshnode metrics never collide with the global
// default registry; each test gets its own Metrics instance.
package meshmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all custom meshnode Prometheus collectors.
type Metrics struct {
	Registry *prometheus.Registry

	// Gossip metrics
	GossipMessagesTotal      *prometheus.CounterVec
	GossipDuplicateDropTotal prometheus.Counter
	GossipForwardsTotal      prometheus.Counter

	// Gradient table metrics
	GradientEntries        prometheus.Gauge
	GradientEvictionsTotal prometheus.Counter

	// Embedding metrics
	EmbeddingFailuresTotal prometheus.Counter

	// Transport metrics
	TransportSendsTotal *prometheus.CounterVec
	ConnectedPeers      prometheus.Gauge
	NetworkChangeTotal  prometheus.Counter

	// Build info
	BuildInfo *prometheus.GaugeVec
}

// New creates a Metrics instance with all collectors registered on an
// isolated registry. version and goVersion are recorded as labels on the
// meshnode_info gauge.
func New(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()

	// Standard Go runtime + process metrics
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		GossipMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshnode_gossip_messages_total",
				Help: "Total gossip envelopes handled, by message type and outcome.",
			},
			[]string{"type", "outcome"},
		),
		GossipDuplicateDropTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "meshnode_gossip_duplicate_drop_total",
				Help: "Total envelopes silently dropped for a replayed nonce.",
			},
		),
		GossipForwardsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "meshnode_gossip_forwards_total",
				Help: "Total envelopes re-forwarded to fan-out peers.",
			},
		),

		GradientEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "meshnode_gradient_entries",
				Help: "Current number of gradient table entries.",
			},
		),
		GradientEvictionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "meshnode_gradient_evictions_total",
				Help: "Total entries evicted from the gradient table under capacity pressure.",
			},
		),

		EmbeddingFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "meshnode_embedding_failures_total",
				Help: "Total embedding computations that failed and dropped their input.",
			},
		),

		TransportSendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshnode_transport_sends_total",
				Help: "Total send attempts, by transport class and result.",
			},
			[]string{"class", "result"},
		),
		ConnectedPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "meshnode_connected_peers",
				Help: "Number of peers with a live connection pool.",
			},
		),
		NetworkChangeTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "meshnode_network_changes_total",
				Help: "Total local interface changes that triggered a transport re-probe.",
			},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meshnode_info",
				Help: "Build information about the running meshnode.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		m.GossipMessagesTotal,
		m.GossipDuplicateDropTotal,
		m.GossipForwardsTotal,
		m.GradientEntries,
		m.GradientEvictionsTotal,
		m.EmbeddingFailuresTotal,
		m.TransportSendsTotal,
		m.ConnectedPeers,
		m.NetworkChangeTotal,
		m.BuildInfo,
	)
	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)
	return m
}

// Handler returns the HTTP handler serving this registry in the Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
