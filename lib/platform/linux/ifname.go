package linux

import "strings"

// maxInterfaceName is IFNAMSIZ minus the terminating NUL.
const maxInterfaceName = 15

// InterfaceName returns the name requested from the kernel. An explicit
// name wins; otherwise the session name is reduced to [a-z0-9-] and given
// a "%d" suffix so the kernel picks the next free unit.
func InterfaceName(session, explicit string) string {
	if explicit != "" {
		return explicit
	}

	var b strings.Builder
	for _, r := range strings.ToLower(session) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		}
	}
	base := b.String()
	if base == "" {
		base = "tun"
	}
	if len(base) > maxInterfaceName-2 {
		base = base[:maxInterfaceName-2]
	}
	return base + "%d"
}
