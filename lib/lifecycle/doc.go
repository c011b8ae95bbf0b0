// Package lifecycle owns the tunnel's lifecycle.
//
// A Machine accepts start intents, validates and builds them through a
// tunnel.Facility, publishes the active tunnel to a bridge.Registry for
// socket protection, and notifies an EventSink when a tunnel starts or
// stops. At most one tunnel exists per machine.
//
// Basic usage:
//
//	sink := lifecycle.NewChannelSink(16)
//	m := lifecycle.New(facility, lifecycle.WithSink(sink))
//	info, err := m.Start(tunnel.Payload{Routes: []string{"0.0.0.0/0"}})
//	if err != nil {
//		return err
//	}
//	defer m.Destroy()
//
//	for ev := range sink.Events() {
//		fmt.Println(ev.Name, ev.Data)
//	}
package lifecycle
