// Package tunnel turns a declarative start intent into a live tunnel
// interface.
//
// Validate checks a Payload and produces a Config; Build drives a Facility
// through the builder sequence (session, blocking mode, addresses, MTU,
// DNS servers, routes, disallowed applications, metered hint, establish)
// and returns the resulting Handle.
//
//	cfg, err := tunnel.Validate(payload)
//	if err != nil {
//		return err // wraps errors.ErrConfiguration
//	}
//	h, err := tunnel.Build(facility, "tunsvc", cfg)
package tunnel
