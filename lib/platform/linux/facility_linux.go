//go:build linux

package linux

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	apperrors "github.com/go-i2p/tunsvc/lib/errors"
	"github.com/go-i2p/tunsvc/lib/tunnel"
)

// netlinker is the subset of *netlink.Handle the facility uses.
type netlinker interface {
	LinkByName(name string) (netlink.Link, error)
	LinkSetMTU(link netlink.Link, mtu int) error
	LinkSetUp(link netlink.Link) error
	AddrAdd(link netlink.Link, addr *netlink.Addr) error
	RouteAdd(route *netlink.Route) error
	RuleAdd(rule *netlink.Rule) error
	RuleDel(rule *netlink.Rule) error
}

// pending is builder state accumulated before Establish.
type pending struct {
	session  string
	blocking bool
	addrs    []netip.Prefix
	mtu      int
	dns      []netip.Addr
	routes   []netip.Prefix
	uids     []uint32
	apps     []string
}

// Facility is the Linux tunnel facility. Builder calls accumulate state;
// Establish creates and configures the interface.
type Facility struct {
	mu      sync.Mutex
	cfg     Config
	pending pending

	nl        netlinker
	dns       dnsConfigurator
	open      func(name string, blocking bool) (int, string, error)
	closeFD   func(fd int) error
	setMark   func(fd int, mark uint32) error
	lookupUID func(id string) (uint32, error)

	closeNL func()
}

var _ tunnel.Facility = (*Facility)(nil)

// New creates a Linux facility. It needs CAP_NET_ADMIN to establish
// tunnels and protect sockets, not to be constructed.
func New(cfg Config) (*Facility, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrConfiguration, err)
	}

	h, err := netlink.NewHandle()
	if err != nil {
		return nil, fmt.Errorf("netlink handle: %w", err)
	}

	f := &Facility{
		cfg:       cfg,
		nl:        h,
		open:      openTUN,
		closeFD:   unix.Close,
		setMark:   setSocketMark,
		lookupUID: lookupUID,
		closeNL:   h.Close,
	}

	if cfg.ResolvedDNS {
		r, err := newResolvedDNS()
		if err != nil {
			log.WithError(err).Warn("systemd-resolved unavailable, DNS servers will only be recorded")
		} else {
			f.dns = r
		}
	}

	log.WithField("table", cfg.Table).
		WithField("fwmark", cfg.FwMark).
		WithField("resolvedDNS", f.dns != nil).
		Debug("Linux tunnel facility created")
	return f, nil
}

// Close releases the netlink handle.
func (f *Facility) Close() error {
	if f.closeNL != nil {
		f.closeNL()
	}
	return nil
}

// SetSession implements tunnel.Facility.
func (f *Facility) SetSession(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending.session = name
	return nil
}

// SetBlocking implements tunnel.Facility.
func (f *Facility) SetBlocking(blocking bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending.blocking = blocking
	return nil
}

// AddAddress implements tunnel.Facility.
func (f *Facility) AddAddress(prefix netip.Prefix) error {
	if !prefix.IsValid() {
		return fmt.Errorf("invalid address %s", prefix)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending.addrs = append(f.pending.addrs, prefix)
	return nil
}

// SetMTU implements tunnel.Facility.
func (f *Facility) SetMTU(mtu int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending.mtu = mtu
	return nil
}

// AddDNSServer implements tunnel.Facility.
func (f *Facility) AddDNSServer(addr netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending.dns = append(f.pending.dns, addr)
	return nil
}

// AddRoute implements tunnel.Facility.
func (f *Facility) AddRoute(prefix netip.Prefix) error {
	if !prefix.IsValid() {
		return fmt.Errorf("invalid route %s", prefix)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending.routes = append(f.pending.routes, prefix)
	return nil
}

// AddDisallowedApplication implements tunnel.Facility. The identifier is
// a local user name or a numeric uid.
func (f *Facility) AddDisallowedApplication(id string) error {
	uid, err := f.lookupUID(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending.uids = append(f.pending.uids, uid)
	f.pending.apps = append(f.pending.apps, id)
	return nil
}

// SupportsUnmetered implements tunnel.Facility. Linux has no metered hint.
func (f *Facility) SupportsUnmetered() bool {
	return false
}

// SetMetered implements tunnel.Facility.
func (f *Facility) SetMetered(bool) error {
	return fmt.Errorf("metered hint: %w", apperrors.ErrUnsupported)
}

// Reset implements tunnel.Facility.
func (f *Facility) Reset() {
	f.mu.Lock()
	f.pending = pending{}
	f.mu.Unlock()
}

// Establish implements tunnel.Facility. On failure everything created so
// far is removed again.
func (f *Facility) Establish() (tunnel.Handle, error) {
	f.mu.Lock()
	p := f.pending
	f.pending = pending{}
	f.mu.Unlock()

	name := InterfaceName(p.session, f.cfg.InterfaceName)
	fd, actual, err := f.open(name, p.blocking)
	if err != nil {
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
			err = fmt.Errorf("%w: %w", apperrors.ErrPermission, err)
		}
		return nil, err
	}

	h := &Handle{
		fd:      fd,
		name:    actual,
		nl:      f.nl,
		dns:     f.dns,
		closeFD: f.closeFD,
	}

	if err := f.configure(h, p); err != nil {
		if cerr := h.Close(); cerr != nil {
			log.WithError(cerr).Warn("Rollback after failed establish was incomplete")
		}
		return nil, err
	}

	log.WithField("interface", actual).
		WithField("fd", fd).
		WithField("routes", len(p.routes)).
		WithField("excludedApps", len(p.apps)).
		Info("TUN interface configured")
	return h, nil
}

func (f *Facility) configure(h *Handle, p pending) error {
	link, err := f.nl.LinkByName(h.name)
	if err != nil {
		return fmt.Errorf("lookup link %s: %w", h.name, err)
	}
	h.ifindex = link.Attrs().Index

	for _, a := range p.addrs {
		if err := f.nl.AddrAdd(link, interfaceAddr(a)); err != nil {
			return fmt.Errorf("add address %s: %w", a, err)
		}
	}
	if p.mtu > 0 {
		if err := f.nl.LinkSetMTU(link, p.mtu); err != nil {
			return fmt.Errorf("set mtu %d: %w", p.mtu, err)
		}
	}
	if err := f.nl.LinkSetUp(link); err != nil {
		return fmt.Errorf("set link up: %w", err)
	}

	for _, r := range p.routes {
		if err := f.nl.RouteAdd(tunnelRoute(h.ifindex, f.cfg.Table, r)); err != nil {
			return fmt.Errorf("add route %s: %w", r, err)
		}
	}

	for _, rule := range policyRules(f.cfg, p.uids) {
		if err := f.nl.RuleAdd(rule); err != nil {
			return fmt.Errorf("add rule %s: %w", rule, err)
		}
		h.rules = append(h.rules, rule)
	}

	if len(p.dns) > 0 {
		if f.dns == nil {
			log.WithField("servers", p.dns).Debug("DNS servers recorded, no resolver configured")
		} else if err := f.dns.SetLinkDNS(h.ifindex, p.dns); err != nil {
			log.WithError(err).Warn("Failed to push DNS servers to systemd-resolved")
		} else {
			h.dnsSet = true
		}
	}
	return nil
}

// Protect implements tunnel.Facility by marking the socket so the policy
// rule skips the tunnel table.
func (f *Facility) Protect(fd int) (bool, error) {
	if err := f.setMark(fd, f.cfg.FwMark); err != nil {
		return false, err
	}
	return true, nil
}

func setSocketMark(fd int, mark uint32) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, int(mark)); err != nil {
		return fmt.Errorf("setsockopt SO_MARK: %w", err)
	}
	return nil
}

// Handle is an established Linux tunnel.
type Handle struct {
	mu      sync.Mutex
	fd      int
	name    string
	ifindex int
	rules   []*netlink.Rule
	dnsSet  bool
	closed  bool

	nl      netlinker
	dns     dnsConfigurator
	closeFD func(fd int) error
}

// FD implements tunnel.Handle.
func (h *Handle) FD() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return -1
	}
	return h.fd
}

// Name implements tunnel.Handle.
func (h *Handle) Name() string {
	return h.name
}

// Close removes the policy rules, reverts DNS and closes the device.
// Routes go away with the interface. Idempotent.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	var errs []error
	for i := len(h.rules) - 1; i >= 0; i-- {
		if err := h.nl.RuleDel(h.rules[i]); err != nil {
			errs = append(errs, fmt.Errorf("delete rule %s: %w", h.rules[i], err))
		}
	}
	h.rules = nil

	if h.dnsSet && h.dns != nil {
		if err := h.dns.RevertLink(h.ifindex); err != nil {
			errs = append(errs, err)
		}
	}

	if err := h.closeFD(h.fd); err != nil {
		errs = append(errs, fmt.Errorf("close fd: %w", err))
	}

	log.WithField("interface", h.name).Debug("TUN interface closed")
	return errors.Join(errs...)
}
