package tunnel

import (
	"fmt"
	"net/netip"

	apperrors "github.com/go-i2p/tunsvc/lib/errors"
	"github.com/go-i2p/tunsvc/lib/validation"
)

// Defaults applied to absent payload fields.
const (
	DefaultMTU         = 1500
	DefaultIPv4Address = "10.126.126.1/24"
)

// IPv6Address is attached to every tunnel.
var IPv6Address = netip.MustParsePrefix("fd00::1/128")

// Config is a validated tunnel configuration.
type Config struct {
	MTU            int
	IPv4Address    netip.Prefix
	IPv6Address    netip.Prefix
	DNSServers     []netip.Addr
	Routes         []netip.Prefix
	DisallowedApps []string
}

// Validate turns a start intent into a Config. It performs no I/O.
// All field errors are collected; the returned error wraps
// apperrors.ErrConfiguration and every *validation.Result found.
func Validate(p Payload) (Config, error) {
	cfg := Config{
		MTU:         DefaultMTU,
		IPv6Address: IPv6Address,
	}
	var errs validation.Errors

	ipv4 := DefaultIPv4Address
	if p.IPv4Address != nil {
		ipv4 = *p.IPv4Address
	}
	if prefix, err := validation.IPv4Prefix(KeyIPv4Address, ipv4); err != nil {
		errs.Add(err)
	} else {
		cfg.IPv4Address = prefix
	}

	if p.MTU != nil {
		if err := validation.MTU(KeyMTU, *p.MTU); err != nil {
			errs.Add(err)
		} else {
			cfg.MTU = *p.MTU
		}
	}

	for i, s := range p.DNS {
		addr, err := validation.Addr(indexed(KeyDNS, i), s)
		if err != nil {
			errs.Add(err)
			continue
		}
		cfg.DNSServers = append(cfg.DNSServers, addr)
	}

	seenRoutes := make(map[netip.Prefix]struct{}, len(p.Routes))
	for i, s := range p.Routes {
		prefix, err := validation.Network(indexed(KeyRoutes, i), s)
		if err != nil {
			errs.Add(err)
			continue
		}
		if _, dup := seenRoutes[prefix]; dup {
			continue
		}
		seenRoutes[prefix] = struct{}{}
		cfg.Routes = append(cfg.Routes, prefix)
	}

	seenApps := make(map[string]struct{}, len(p.DisallowedApps))
	for i, app := range p.DisallowedApps {
		if err := validation.AppID(indexed(KeyDisallowedApps, i), app); err != nil {
			errs.Add(err)
			continue
		}
		if _, dup := seenApps[app]; dup {
			continue
		}
		seenApps[app] = struct{}{}
		cfg.DisallowedApps = append(cfg.DisallowedApps, app)
	}

	if errs.HasErrors() {
		return Config{}, fmt.Errorf("%w: %w", apperrors.ErrConfiguration, errs)
	}
	return cfg, nil
}

// Payload renders the configuration back into its wire form.
func (c Config) Payload() Payload {
	p := Payload{
		IPv4Address: String(c.IPv4Address.String()),
		MTU:         Int(c.MTU),
	}
	for _, a := range c.DNSServers {
		p.DNS = append(p.DNS, a.String())
	}
	for _, r := range c.Routes {
		p.Routes = append(p.Routes, r.String())
	}
	p.DisallowedApps = append(p.DisallowedApps, c.DisallowedApps...)
	return p
}

func indexed(key string, i int) string {
	return fmt.Sprintf("%s[%d]", key, i)
}
