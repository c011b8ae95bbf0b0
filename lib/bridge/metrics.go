package bridge

import "github.com/go-i2p/tunsvc/lib/metrics"

// Socket protection metrics
var (
	// ProtectsTotal counts sockets successfully protected.
	ProtectsTotal = metrics.NewCounter(
		"tunsvc_protect_success_total",
		"Total sockets exempted from the tunnel",
	)
	// ProtectsFailed counts failed protect requests by reason.
	ProtectsFailed = metrics.NewCounterVec(
		"tunsvc_protect_failed_total",
		"Total failed protect requests by reason",
		"reason",
	)
	// TunnelRegistered is 1 while a protector is registered.
	TunnelRegistered = metrics.NewGauge(
		"tunsvc_protect_available",
		"Whether a tunnel is registered for socket protection (1=yes, 0=no)",
	)
)
