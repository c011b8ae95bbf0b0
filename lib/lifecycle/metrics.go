package lifecycle

import "github.com/go-i2p/tunsvc/lib/metrics"

// Tunnel lifecycle metrics
var (
	// StartsTotal counts tunnels that reached Active.
	StartsTotal = metrics.NewCounter(
		"tunsvc_tunnel_starts_total",
		"Total tunnels established",
	)
	// StartFailures counts failed start requests by kind (config, establish, stopped).
	StartFailures = metrics.NewCounterVec(
		"tunsvc_tunnel_start_failures_total",
		"Total failed tunnel start requests by kind",
		"kind",
	)
	// StopsTotal counts teardowns by reason.
	StopsTotal = metrics.NewCounterVec(
		"tunsvc_tunnel_stops_total",
		"Total tunnel teardowns by reason",
		"reason",
	)
	// RevokesTotal counts revoke requests, including those with no tunnel.
	RevokesTotal = metrics.NewCounter(
		"tunsvc_tunnel_revokes_total",
		"Total tunnel revoke requests",
	)
	// TunnelActive is 1 while a tunnel is active.
	TunnelActive = metrics.NewGauge(
		"tunsvc_tunnel_active",
		"Whether a tunnel is active (1=yes, 0=no)",
	)
	// EstablishLatency tracks how long tunnel builds take.
	EstablishLatency = metrics.NewHistogram(
		"tunsvc_tunnel_establish_duration_seconds",
		"Time spent building a tunnel",
		metrics.DefaultLatencyBuckets,
	)
)

// NewEstablishTimer starts timing a tunnel build.
func NewEstablishTimer() *metrics.Timer {
	return metrics.NewTimer(EstablishLatency)
}
