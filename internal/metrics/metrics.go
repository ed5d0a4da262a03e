// Package metrics declares the Prometheus collectors the gateway exposes on
// its admin HTTP mux, adapted from the teacher's internal/middleware/metrics.go
// but scoped to this gateway's L4 passthrough semantics: no method/status
// labels exist here because nothing above TCP is ever inspected.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vipgate_connections_total",
			Help: "Total inbound connections accepted, by destination app IP",
		},
		[]string{"app_ip"},
	)

	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vipgate_active_connections",
			Help: "Currently proxying connections, by destination app IP",
		},
		[]string{"app_ip"},
	)

	BytesProxied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vipgate_bytes_proxied_total",
			Help: "Bytes copied between inbound and outbound halves",
		},
		[]string{"direction"},
	)

	TargetSelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vipgate_target_selections_total",
			Help: "Balancer selections per upstream target",
		},
		[]string{"app_ip", "target_ip"},
	)

	RedirectorMapEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vipgate_redirector_map_entries",
			Help: "Number of virtual IPs currently installed in the eBPF ips map",
		},
	)

	UpgradeHandoffs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vipgate_upgrade_handoffs_total",
			Help: "Completed hot-upgrade descriptor handoffs",
		},
	)

	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vipgate_errors_total",
			Help: "Errors encountered, by kind",
		},
		[]string{"kind"},
	)
)

// ConnStats adapts the counters above to the proxy.Stats interface, scoped
// to a single connection's lifetime so AddBytes doesn't need an app label
// threaded through every call.
type ConnStats struct{}

func (ConnStats) AddBytes(direction string, n int64) {
	BytesProxied.WithLabelValues(direction).Add(float64(n))
}
