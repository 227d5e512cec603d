package ports

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// ErrNoFreePort is returned when the configured range is exhausted. It is
// fatal to the requesting start; the allocator never retries on its own.
var ErrNoFreePort = errors.New("no free port in configured range")

// Allocator hands out TCP ports from a fixed range. A port stays reserved
// until Release, which callers must only invoke after the owning process is
// confirmed terminated; handing a port to a new process while the old one
// is still shutting down is how listeners collide.
type Allocator struct {
	mu       sync.Mutex
	min, max int
	excluded map[int]struct{}
	inUse    map[int]string // port -> owner workload name
	rotor    int            // next candidate, reduces immediate reuse
}

// New builds an allocator for [min, max]. Ports listed in excluded are
// never handed out.
func New(min, max int, excluded []int) (*Allocator, error) {
	if min <= 0 || max > 65535 || min > max {
		return nil, fmt.Errorf("invalid port range %d-%d", min, max)
	}
	ex := make(map[int]struct{}, len(excluded))
	for _, p := range excluded {
		ex[p] = struct{}{}
	}
	return &Allocator{min: min, max: max, excluded: ex, inUse: make(map[int]string), rotor: min}, nil
}

// Allocate reserves a free port for owner. OS-level availability is
// verified with a transient probe bind, since an external process may hold
// a port this allocator never handed out.
func (a *Allocator) Allocate(owner string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	span := a.max - a.min + 1
	for i := 0; i < span; i++ {
		p := a.rotor + i
		if p > a.max {
			p = a.min + (p - a.max - 1)
		}
		if a.reservable(p) {
			a.inUse[p] = owner
			a.rotor = p + 1
			if a.rotor > a.max {
				a.rotor = a.min
			}
			return p, nil
		}
	}
	return 0, ErrNoFreePort
}

// AllocatePreferred tries the given port first so restarts keep their
// address, falling back to any free port when it is taken.
func (a *Allocator) AllocatePreferred(owner string, port int) (int, error) {
	if port >= a.min && port <= a.max {
		a.mu.Lock()
		if a.reservable(port) {
			a.inUse[port] = owner
			a.mu.Unlock()
			return port, nil
		}
		a.mu.Unlock()
	}
	return a.Allocate(owner)
}

// Reserve marks a port as held by owner without probing, used when
// adopting a still-live process discovered at boot.
func (a *Allocator) Reserve(owner string, port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.inUse[port]; ok && cur != owner {
		return fmt.Errorf("port %d already reserved by %s", port, cur)
	}
	a.inUse[port] = owner
	return nil
}

// Release returns a port to the pool.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.inUse, port)
	a.mu.Unlock()
}

// Owner reports which workload holds a port.
func (a *Allocator) Owner(port int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.inUse[port]
	return o, ok
}

// InUseCount returns the number of reserved ports.
func (a *Allocator) InUseCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}

// Contains reports whether the port falls inside the managed range.
func (a *Allocator) Contains(port int) bool { return port >= a.min && port <= a.max }

// ScanForeign probes the managed range for listeners on ports this
// allocator never handed out. Such listeners belong to processes outside
// our control; callers report them but must not signal anything, since
// there is no provenance tying the port to a pid we own.
func (a *Allocator) ScanForeign() []int {
	a.mu.Lock()
	min, max := a.min, a.max
	skip := make(map[int]struct{}, len(a.inUse)+len(a.excluded))
	for p := range a.inUse {
		skip[p] = struct{}{}
	}
	for p := range a.excluded {
		skip[p] = struct{}{}
	}
	a.mu.Unlock()
	var foreign []int
	for p := min; p <= max; p++ {
		if _, ok := skip[p]; ok {
			continue
		}
		if !probeBind(p) {
			foreign = append(foreign, p)
		}
	}
	return foreign
}

// reservable is called with the lock held. The probe bind is transient; the
// small window between probe and the workload's own bind is acceptable
// because everything inside the range goes through this allocator.
func (a *Allocator) reservable(p int) bool {
	if _, ok := a.excluded[p]; ok {
		return false
	}
	if _, ok := a.inUse[p]; ok {
		return false
	}
	return probeBind(p)
}

func probeBind(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
