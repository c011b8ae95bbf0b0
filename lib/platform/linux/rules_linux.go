//go:build linux

package linux

import (
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// policyRules returns, in install order:
//
//	priority+0: uidrange <uid> lookup main   (one per disallowed uid, both families)
//	priority+1: lookup main suppress_prefixlength 0
//	priority+2: not fwmark <mark> lookup <table>
//
// Excluded users and LAN routes resolve through main; everything else
// without the mark falls through to the tunnel table.
func policyRules(cfg Config, uids []uint32) []*netlink.Rule {
	var rules []*netlink.Rule
	for _, family := range []int{unix.AF_INET, unix.AF_INET6} {
		for _, uid := range uids {
			r := netlink.NewRule()
			r.Family = family
			r.Priority = cfg.RulePriority
			r.Table = unix.RT_TABLE_MAIN
			r.UIDRange = netlink.NewRuleUIDRange(uid, uid)
			rules = append(rules, r)
		}

		suppress := netlink.NewRule()
		suppress.Family = family
		suppress.Priority = cfg.RulePriority + 1
		suppress.Table = unix.RT_TABLE_MAIN
		suppress.SuppressPrefixlen = 0
		rules = append(rules, suppress)

		mask := uint32(0xffffffff)
		mark := netlink.NewRule()
		mark.Family = family
		mark.Priority = cfg.RulePriority + 2
		mark.Table = cfg.Table
		mark.Mark = cfg.FwMark
		mark.Mask = &mask
		mark.Invert = true
		rules = append(rules, mark)
	}
	return rules
}

// tunnelRoute builds a link-scoped route for prefix in the tunnel table.
func tunnelRoute(linkIndex, table int, prefix netip.Prefix) *netlink.Route {
	return &netlink.Route{
		LinkIndex: linkIndex,
		Dst:       ipNet(prefix.Masked()),
		Table:     table,
		Scope:     netlink.SCOPE_LINK,
	}
}

// interfaceAddr builds the netlink address for prefix.
func interfaceAddr(prefix netip.Prefix) *netlink.Addr {
	return &netlink.Addr{IPNet: ipNet(prefix)}
}

func ipNet(prefix netip.Prefix) *net.IPNet {
	addr := prefix.Addr()
	return &net.IPNet{
		IP:   net.IP(addr.AsSlice()),
		Mask: net.CIDRMask(prefix.Bits(), addr.BitLen()),
	}
}
