package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncLaunch("ok")
	IncLaunch("early_exit")
	IncReuse()
	IncStop("explicit")
	ObserveLaunchDuration(1.25)
	IncPoolExhausted()
	SetPorts(2, 8)
	IncReaped()
	AddSwept("dead", 2)
	RecordStateTransition("starting", "running")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"renderd_server_launches_total":          false,
		"renderd_server_reuses_total":            false,
		"renderd_server_stops_total":             false,
		"renderd_server_launch_duration_seconds": false,
		"renderd_server_state_transitions_total": false,
		"renderd_pool_exhausted_total":           false,
		"renderd_pool_ports_in_use":              false,
		"renderd_pool_ports_available":           false,
		"renderd_reaper_exits_total":             false,
		"renderd_cleaner_swept_total":            false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHelpersNoopBeforeRegister(t *testing.T) {
	prev := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(prev)

	if Enabled() {
		t.Fatalf("Enabled should be false")
	}
	// none of these may panic
	IncLaunch("ok")
	IncStop("reaped")
	SetPorts(1, 1)
	AddSwept("stale", 3)
	RecordStateTransition("running", "stopped")
}

func TestHandlerServesMetrics(t *testing.T) {
	// Handler serves the default registry, so register there regardless of earlier tests.
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncLaunch("ok")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "renderd_server_launches_total") {
		t.Fatalf("metrics output missing launches_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncLaunch("ok")
			IncReuse()
			IncStop("explicit")
		}()
	}
	wg.Wait()
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestResourceSamplerTracksRunningSet(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}

	s := NewResourceSampler()
	self := os.Getpid()
	got := s.Sample(context.Background(), map[string]int{"self": self, "gone": 1 << 30})
	u, ok := got["self"]
	if !ok {
		t.Fatalf("missing sample for self: %+v", got)
	}
	if int(u.PID) != self || u.MemoryRSS == 0 {
		t.Fatalf("unexpected sample %+v", u)
	}
	if _, ok := got["gone"]; ok {
		t.Fatalf("nonexistent pid should not be sampled")
	}
	if _, ok := s.Last("self"); !ok {
		t.Fatalf("Last should return the sample")
	}

	// the key leaves the running set and its gauges go with it
	got = s.Sample(context.Background(), map[string]int{})
	if len(got) != 0 {
		t.Fatalf("expected no samples, got %+v", got)
	}
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range mfs {
		if mf.GetName() == "renderd_server_memory_rss_bytes" && len(mf.GetMetric()) != 0 {
			t.Fatalf("stale gauge left for removed key")
		}
	}
}
