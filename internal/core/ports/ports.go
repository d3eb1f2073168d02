// Package ports implements free-port selection for site stacks.
//
// The walk itself is pure: liveness checks arrive as a Probe callback and
// registry state as a used-port set, so callers decide how to observe the
// host and the allocation logic stays testable without sockets.
package ports

import (
	"errors"
	"fmt"
)

// Ceiling is the last usable TCP port.
const Ceiling = 65534

// DefaultRangeStart is where allocation walks begin unless configured
// otherwise.
const DefaultRangeStart = 9080

// ErrExhausted is returned when the walk reaches the ceiling before
// finding enough free ports.
var ErrExhausted = errors.New("port range exhausted")

// Range is an inclusive host-port interval.
type Range struct {
	Start int
	End   int
}

// DefaultRange returns the standard allocation interval.
func DefaultRange() Range {
	return Range{Start: DefaultRangeStart, End: Ceiling}
}

// Valid reports whether the range is usable.
func (r Range) Valid() bool {
	return r.Start > 0 && r.End <= Ceiling+1 && r.Start <= r.End
}

// Probe reports whether something is already listening on a port. A true
// result disqualifies the port.
type Probe func(port int) bool

// Allocate walks the range from Start upward and returns the first count
// ports that are free: the probe finds no listener and the port is not in
// the used set. Callers must hold the process-wide reservation lock
// across both this call and the registry write that records the result,
// otherwise two concurrent allocations can agree on the same port.
func Allocate(r Range, count int, used map[int]bool, probe Probe) ([]int, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid port range %d-%d", r.Start, r.End)
	}
	if count <= 0 {
		return nil, fmt.Errorf("port count must be positive, got %d", count)
	}

	found := make([]int, 0, count)
	for port := r.Start; port <= r.End && len(found) < count; port++ {
		if used[port] {
			continue
		}
		if probe != nil && probe(port) {
			continue
		}
		found = append(found, port)
	}

	if len(found) < count {
		return nil, fmt.Errorf("%w: needed %d free ports in %d-%d, found %d",
			ErrExhausted, count, r.Start, r.End, len(found))
	}

	return found, nil
}

// ValidatePort checks that a port number is in the valid TCP range.
func ValidatePort(port int) error {
	if port < 1 || port > Ceiling+1 {
		return fmt.Errorf("port %d out of range 1-%d", port, Ceiling+1)
	}
	return nil
}
