package portpool

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// ErrNoPortAvailable is returned by Acquire when every port in the range is
// occupied. It is an expected condition under load, not a fatal error.
var ErrNoPortAvailable = errors.New("no port available in pool")

// Pool hands out ports from a fixed ascending range [start, end].
// Freedom is always re-derived from a bind test; the only in-memory state is
// the set of ports reserved by an Acquire whose owner has not yet released it.
type Pool struct {
	start int
	end   int
	host  string

	mu       sync.Mutex
	reserved map[int]struct{}
}

// New returns a pool over [start, end] that bind-tests on host.
// An empty host binds on all interfaces.
func New(start, end int, host string) (*Pool, error) {
	if start <= 0 || end > 65535 || start > end {
		return nil, fmt.Errorf("invalid port range %d-%d", start, end)
	}
	return &Pool{start: start, end: end, host: host, reserved: make(map[int]struct{})}, nil
}

// Range returns the inclusive bounds of the pool.
func (p *Pool) Range() (int, int) { return p.start, p.end }

// Contains reports whether port lies inside the pool range.
func (p *Pool) Contains(port int) bool { return port >= p.start && port <= p.end }

// Size is the number of ports in the pool.
func (p *Pool) Size() int { return p.end - p.start + 1 }

// IsFree reports whether a local bind to port succeeds right now.
func (p *Pool) IsFree(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(p.host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// Acquire reserves and returns the lowest port that is not excluded, not
// reserved by another caller, and bindable. The caller must Release the port
// once its ownership is persisted elsewhere (or the launch failed).
func (p *Pool) Acquire(exclude ...int) (int, error) {
	skip := toSet(exclude)
	p.mu.Lock()
	defer p.mu.Unlock()
	for port := p.start; port <= p.end; port++ {
		if _, ok := skip[port]; ok {
			continue
		}
		if _, ok := p.reserved[port]; ok {
			continue
		}
		if !p.IsFree(port) {
			continue
		}
		p.reserved[port] = struct{}{}
		return port, nil
	}
	return 0, ErrNoPortAvailable
}

// Release drops the in-memory reservation for port. It is a hint only.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	delete(p.reserved, port)
	p.mu.Unlock()
}

// Available lists ports that are currently bindable, unreserved and not excluded.
func (p *Pool) Available(exclude ...int) []int {
	skip := toSet(exclude)
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, p.Size())
	for port := p.start; port <= p.end; port++ {
		if _, ok := skip[port]; ok {
			continue
		}
		if _, ok := p.reserved[port]; ok {
			continue
		}
		if p.IsFree(port) {
			out = append(out, port)
		}
	}
	return out
}

func toSet(ports []int) map[int]struct{} {
	m := make(map[int]struct{}, len(ports))
	for _, p := range ports {
		m[p] = struct{}{}
	}
	return m
}
