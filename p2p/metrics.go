package p2p

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Coordinator- and registry-level instrumentation, mirroring the shape of
// the reference networkMetrics singleton: a handful of gauges/counters,
// registered exactly once regardless of how many Coordinators exist in a
// process (tests construct several).
var (
	metricsOnce sync.Once

	connectedPeers          prometheus.Gauge
	hostsStoreSize          prometheus.Gauge
	handshakeCompletedTotal prometheus.Counter
	handshakeFailedTotal    prometheus.Counter
	dialFailedTotal         prometheus.Counter
	acceptFailedTotal       prometheus.Counter

	pendingRegistrySize    prometheus.Gauge
	pendingRegistryExpired prometheus.Counter
)

func init() {
	ensureMetrics()
}

func ensureMetrics() {
	metricsOnce.Do(func() {
		connectedPeers = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "libbitcoin_p2p_connected_peers",
			Help: "Number of channels currently in the Connection Registry.",
		})
		hostsStoreSize = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "libbitcoin_p2p_hosts_size",
			Help: "Number of addresses currently in the Hosts Store.",
		})
		handshakeCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "libbitcoin_p2p_handshakes_completed_total",
			Help: "Number of channels promoted to Active after a successful version/verack exchange.",
		})
		handshakeFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "libbitcoin_p2p_handshakes_failed_total",
			Help: "Number of channels stopped before promotion, including self-connections.",
		})
		dialFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "libbitcoin_p2p_dials_failed_total",
			Help: "Number of outbound dial attempts that failed to connect.",
		})
		acceptFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "libbitcoin_p2p_accepts_rejected_total",
			Help: "Number of inbound connections rejected before the version handshake, by limit or blacklist.",
		})
		pendingRegistrySize = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "libbitcoin_p2p_pending_nonces",
			Help: "Number of handshake nonces currently tracked by the Pending Registry.",
		})
		pendingRegistryExpired = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "libbitcoin_p2p_pending_nonces_expired_total",
			Help: "Number of Pending Registry entries swept by TTL rather than explicit Unpend.",
		})
		prometheus.MustRegister(
			connectedPeers,
			hostsStoreSize,
			handshakeCompletedTotal,
			handshakeFailedTotal,
			dialFailedTotal,
			acceptFailedTotal,
			pendingRegistrySize,
			pendingRegistryExpired,
		)
	})
}
