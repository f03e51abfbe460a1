// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetauth_sync_requests_total",
		Help: "Sync requests by command and resulting status.",
	}, []string{"command", "status"})

	TrustGateSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleetauth_trust_gate_seconds",
		Help:    "Latency of trust gate verification calls.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
	}, []string{"outcome"})

	HostsPruned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetauth_hosts_pruned_total",
		Help: "Hosts deleted by the pruner, by reason.",
	}, []string{"reason"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetauth_rate_limited_total",
		Help: "Requests rejected by the rate limiter, by bucket.",
	}, []string{"bucket"})

	SecretsMigrated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetauth_secrets_migrated_total",
		Help: "Plaintext secrets wrapped by the envelope migrator, by table.",
	}, []string{"table"})
)
