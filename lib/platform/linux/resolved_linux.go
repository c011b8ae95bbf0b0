//go:build linux

package linux

import (
	"fmt"
	"net/netip"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"
)

const (
	resolvedDest    = "org.freedesktop.resolve1"
	resolvedPath    = dbus.ObjectPath("/org/freedesktop/resolve1")
	resolvedManager = "org.freedesktop.resolve1.Manager"
)

// dnsConfigurator applies per-link DNS settings.
type dnsConfigurator interface {
	SetLinkDNS(ifindex int, servers []netip.Addr) error
	RevertLink(ifindex int) error
}

// resolvedDNS talks to systemd-resolved over the system bus.
type resolvedDNS struct {
	obj dbus.BusObject
}

func newResolvedDNS() (*resolvedDNS, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return &resolvedDNS{obj: conn.Object(resolvedDest, resolvedPath)}, nil
}

type resolvedAddress struct {
	Family  int32
	Address []byte
}

type resolvedDomain struct {
	Domain      string
	RoutingOnly bool
}

// SetLinkDNS sets the link's servers and makes it the default route for
// all lookups ("~.").
func (r *resolvedDNS) SetLinkDNS(ifindex int, servers []netip.Addr) error {
	addrs := make([]resolvedAddress, 0, len(servers))
	for _, s := range servers {
		family := int32(unix.AF_INET)
		if s.Is6() && !s.Is4In6() {
			family = unix.AF_INET6
		}
		addrs = append(addrs, resolvedAddress{Family: family, Address: s.Unmap().AsSlice()})
	}

	if err := r.obj.Call(resolvedManager+".SetLinkDNS", 0, int32(ifindex), addrs).Err; err != nil {
		return fmt.Errorf("SetLinkDNS: %w", err)
	}
	domains := []resolvedDomain{{Domain: ".", RoutingOnly: true}}
	if err := r.obj.Call(resolvedManager+".SetLinkDomains", 0, int32(ifindex), domains).Err; err != nil {
		return fmt.Errorf("SetLinkDomains: %w", err)
	}
	return nil
}

// RevertLink drops every setting made for the link.
func (r *resolvedDNS) RevertLink(ifindex int) error {
	if err := r.obj.Call(resolvedManager+".RevertLink", 0, int32(ifindex)).Err; err != nil {
		return fmt.Errorf("RevertLink: %w", err)
	}
	return nil
}
