package engine

import "github.com/go-i2p/tunsvc/lib/metrics"

// Packet engine metrics
var (
	// PacketsRead counts packets taken from the tunnel device.
	PacketsRead = metrics.NewCounter(
		"tunsvc_engine_packets_read_total",
		"Total packets read from the tunnel device",
	)
	// PacketsWritten counts packets injected into the tunnel device.
	PacketsWritten = metrics.NewCounter(
		"tunsvc_engine_packets_written_total",
		"Total packets written to the tunnel device",
	)
	// BytesRead counts payload bytes read from the tunnel device.
	BytesRead = metrics.NewCounter(
		"tunsvc_engine_bytes_read_total",
		"Total bytes read from the tunnel device",
	)
	// AttachFailures counts tunnels the engine could not attach to.
	AttachFailures = metrics.NewCounter(
		"tunsvc_engine_attach_failures_total",
		"Total failed attempts to attach to a tunnel device",
	)
	// DeviceAttached is 1 while the engine holds a tunnel device.
	DeviceAttached = metrics.NewGauge(
		"tunsvc_engine_attached",
		"Whether the packet engine is attached to a tunnel (1=yes, 0=no)",
	)
)
