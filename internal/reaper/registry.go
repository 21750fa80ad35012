package reaper

import (
	"sync"
	"time"
)

// Entry is a child process the reaper is responsible for.
type Entry struct {
	PID       int
	Key       string
	Port      int
	StartedAt time.Time
}

// Registry is the set of PIDs the reaper may wait on. PIDs outside it are
// never waited on, so children spawned by other parts of the host process
// keep their exit status.
type Registry struct {
	mu    sync.Mutex
	byPID map[int]Entry
}

func NewRegistry() *Registry {
	return &Registry{byPID: make(map[int]Entry)}
}

// Track registers e; an existing entry for the same PID is replaced.
func (r *Registry) Track(e Entry) {
	r.mu.Lock()
	r.byPID[e.PID] = e
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPID)
}

// collect runs try on every tracked PID under the lock and removes the ones
// that reaped, repeating until a full pass finds nothing new.
func (r *Registry) collect(try func(pid int) (Exit, bool)) []Exit {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Exit
	for {
		found := false
		for pid, e := range r.byPID {
			ex, ok := try(pid)
			if !ok {
				continue
			}
			ex.Entry = e
			out = append(out, ex)
			delete(r.byPID, pid)
			found = true
		}
		if !found {
			return out
		}
	}
}
