// Package linux implements the tunnel facility on Linux.
//
// A TUN device is created through /dev/net/tun, configured over netlink,
// and isolated with policy routing: every route the tunnel carries lives in
// a dedicated table, and a rule sends all traffic without the protect mark
// to that table. Protecting a socket sets the mark so its traffic bypasses
// the tunnel. Disallowed applications are local users whose traffic is
// pinned to the main table by uid.
package linux

import (
	"fmt"

	"github.com/go-i2p/tunsvc/lib/validation"
)

// Defaults for policy routing.
const (
	DefaultTable        = 0x7e7e
	DefaultFwMark       = 0x7e7e
	DefaultRulePriority = 5200

	// maxRulePriority leaves room for the three rules placed at
	// RulePriority, +1 and +2.
	maxRulePriority = 32000
	reservedTables  = 255
)

// Config configures the Linux facility.
type Config struct {
	// InterfaceName is the interface name or a kernel template such as
	// "tunsvc%d". Empty derives a template from the session name.
	InterfaceName string `toml:"interface_name"`
	// Table is the routing table holding tunnel routes.
	Table int `toml:"table"`
	// FwMark marks protected sockets.
	FwMark uint32 `toml:"fwmark"`
	// RulePriority is the priority of the first policy rule.
	RulePriority int `toml:"rule_priority"`
	// ResolvedDNS pushes DNS servers to systemd-resolved.
	ResolvedDNS bool `toml:"resolved_dns"`
}

// DefaultConfig returns the default Linux facility configuration.
func DefaultConfig() Config {
	return Config{
		Table:        DefaultTable,
		FwMark:       DefaultFwMark,
		RulePriority: DefaultRulePriority,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs validation.Errors
	if c.InterfaceName != "" {
		errs.Add(validation.MaxLength("linux.interface_name", c.InterfaceName, maxInterfaceName))
	}
	if c.Table <= reservedTables {
		errs.Add(validation.NewResult("linux.table",
			fmt.Sprintf("must be above %d (reserved tables)", reservedTables),
			validation.ErrOutOfRange))
	}
	if c.FwMark == 0 {
		errs.Add(validation.NewResult("linux.fwmark", "must be non-zero", validation.ErrOutOfRange))
	}
	errs.Add(validation.IntRange("linux.rule_priority", c.RulePriority, 1, maxRulePriority))
	if errs.HasErrors() {
		return errs
	}
	return nil
}
