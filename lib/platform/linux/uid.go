package linux

import (
	"fmt"
	"os/user"
	"strconv"
)

// lookupUID resolves a disallowed application identifier: a numeric uid or
// a local user name.
func lookupUID(id string) (uint32, error) {
	if n, err := strconv.ParseUint(id, 10, 32); err == nil {
		return uint32(n), nil
	}
	u, err := user.Lookup(id)
	if err != nil {
		return 0, fmt.Errorf("resolve application %q: %w", id, err)
	}
	n, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("resolve application %q: uid %q: %w", id, u.Uid, err)
	}
	return uint32(n), nil
}
