package relayer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "relayer"

var relayLatencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

var (
	// RelayRequestsTotal counts finished relay requests by outcome.
	RelayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "relay_requests_total",
			Help:      "Relay requests by outcome",
		},
		[]string{"outcome"},
	)

	RelayDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "relay_duration_seconds",
			Help:      "Time from request receipt to response, by outcome",
			Buckets:   relayLatencyBuckets,
		},
		[]string{"outcome"},
	)

	BroadcastRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "broadcast_retries_total",
			Help:      "Broadcast attempts repeated after a transport failure",
		},
	)

	RateLimitErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limit_store_errors_total",
			Help:      "Rate limit store failures; the request is let through",
		},
	)

	// BalanceLamports is refreshed by the health monitor.
	BalanceLamports = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "balance_lamports",
			Help:      "Fee payer balance in lamports",
		},
	)

	RPCUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "rpc_up",
			Help:      "1 when the last health check reached the RPC node",
		},
	)
)

const (
	outcomeSuccess          = "success"
	outcomeInvalid          = "invalid"
	outcomeSimulationFailed = "simulation_failed"
	outcomeBroadcastFailed  = "broadcast_failed"
	outcomeRPCError         = "rpc_error"
	outcomeRateLimited      = "rate_limited"
	outcomeDenied           = "denied"
)
