// internal/metrics/prom.go
// Package metrics centralises Prometheus metric registration for gsfleet.
// It exposes typed collectors and helper update functions so that callers
// stay import-cycle-free, and registers with the global
// prometheus.DefaultRegisterer, which an embedding process can expose via
// its own /metrics HTTP handler.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// Account-socket pool -----------------------------------------------------
	AccountSockets = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gsfleet",
		Subsystem: "wsocket",
		Name:      "account_sockets",
		Help:      "Current number of open account WebSocket instances.",
	})

	Subscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gsfleet",
		Subsystem: "wsocket",
		Name:      "subscriptions",
		Help:      "Current number of active channel subscriptions across all account sockets.",
	})

	MigrationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gsfleet",
		Subsystem: "wsocket",
		Name:      "migrations_total",
		Help:      "Total number of routine account-socket migrations completed.",
	})

	RecoveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gsfleet",
		Subsystem: "wsocket",
		Name:      "recoveries_total",
		Help:      "Total number of abnormal-close recoveries performed.",
	})

	RPCLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gsfleet",
		Subsystem: "wsocket",
		Name:      "rpc_latency_seconds",
		Help:      "Round-trip latency of account-socket RPC requests.",
		Buckets:   prometheus.DefBuckets,
	})

	RPCRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gsfleet",
		Subsystem: "wsocket",
		Name:      "rpc_retries_total",
		Help:      "Total number of account-socket RPC requests that were retried.",
	})

	// Group/server fleet -------------------------------------------------------
	ManagedGroups = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gsfleet",
		Subsystem: "fleet",
		Name:      "managed_groups",
		Help:      "Current number of groups under management.",
	})

	ManagedServers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gsfleet",
		Subsystem: "fleet",
		Name:      "managed_servers",
		Help:      "Current number of servers under management across all groups.",
	})

	ConnectedServers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gsfleet",
		Subsystem: "fleet",
		Name:      "connected_servers",
		Help:      "Current number of servers in the Connected state.",
	})

	HeartbeatMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gsfleet",
		Subsystem: "fleet",
		Name:      "heartbeat_misses_total",
		Help:      "Total number of missed server heartbeats observed.",
	})

	ConsoleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gsfleet",
		Subsystem: "fleet",
		Name:      "console_connections",
		Help:      "Current number of open per-server console connections.",
	})

	// REST gateway -------------------------------------------------------------
	APIRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gsfleet",
		Subsystem: "restapi",
		Name:      "requests_total",
		Help:      "Total REST requests issued, labelled by operation and outcome.",
	}, []string{"operation", "outcome"})
)

// Register exports all metrics; safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			AccountSockets,
			Subscriptions,
			MigrationsTotal,
			RecoveriesTotal,
			RPCLatencySeconds,
			RPCRetriesTotal,
			ManagedGroups,
			ManagedServers,
			ConnectedServers,
			HeartbeatMissesTotal,
			ConsoleConnections,
			APIRequestsTotal,
		)
	})
}
