package metrics

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	serverCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "cpu_percent",
			Help:      "CPU usage of a running render server.",
		}, []string{"key"},
	)
	serverMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of a running render server.",
		}, []string{"key"},
	)
)

// Usage is a resource sample for one render server.
type Usage struct {
	Key        string  `json:"key"`
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryRSS  uint64  `json:"memory_rss"`
	NumThreads int32   `json:"num_threads"`
}

// ResourceSampler samples CPU and memory of render servers and keeps the
// per-key gauges in step with the set of running servers.
type ResourceSampler struct {
	mu    sync.Mutex
	procs map[string]*process.Process // reused so CPUPercent has a previous sample
	last  map[string]Usage
}

func NewResourceSampler() *ResourceSampler {
	return &ResourceSampler{procs: map[string]*process.Process{}, last: map[string]Usage{}}
}

// Sample measures every key->pid in running. Keys no longer running are
// dropped from the gauges.
func (s *ResourceSampler) Sample(ctx context.Context, running map[string]int) map[string]Usage {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, p := range s.procs {
		if pid, ok := running[key]; !ok || int32(pid) != p.Pid {
			delete(s.procs, key)
			delete(s.last, key)
			serverCPU.DeleteLabelValues(key)
			serverMemory.DeleteLabelValues(key)
		}
	}

	for key, pid := range running {
		p, ok := s.procs[key]
		if !ok {
			np, err := process.NewProcessWithContext(ctx, int32(pid))
			if err != nil {
				continue
			}
			p = np
			s.procs[key] = p
		}
		u := Usage{Key: key, PID: p.Pid}
		if cpu, err := p.PercentWithContext(ctx, 0); err == nil {
			u.CPUPercent = cpu
		}
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			u.MemoryRSS = mem.RSS
		}
		if n, err := p.NumThreadsWithContext(ctx); err == nil {
			u.NumThreads = n
		}
		s.last[key] = u
		if regOK.Load() {
			serverCPU.WithLabelValues(key).Set(u.CPUPercent)
			serverMemory.WithLabelValues(key).Set(float64(u.MemoryRSS))
		}
	}

	out := make(map[string]Usage, len(s.last))
	for k, v := range s.last {
		out[k] = v
	}
	return out
}

// Last returns the most recent sample for key.
func (s *ResourceSampler) Last(key string) (Usage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.last[key]
	return u, ok
}
