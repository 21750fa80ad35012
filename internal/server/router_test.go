package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/renderd/internal/launcher"
	"github.com/loykin/renderd/internal/metrics"
	"github.com/loykin/renderd/internal/store"
	"github.com/loykin/renderd/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSupervisor keeps records in memory and lets tests inject errors.
type fakeSupervisor struct {
	mu       sync.Mutex
	recs     map[string]store.Record
	nextPort int
	ensure   error
	maxAge   time.Duration
	released []int
}

func newFake() *fakeSupervisor {
	return &fakeSupervisor{recs: map[string]store.Record{}, nextPort: 11111}
}

func (f *fakeSupervisor) Ensure(_ context.Context, key, casePath string) (supervisor.EnsureResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensure != nil {
		if errors.Is(f.ensure, context.DeadlineExceeded) {
			return supervisor.EnsureResult{}, f.ensure
		}
		return supervisor.EnsureResult{Status: store.StatusError, ErrorMessage: f.ensure.Error()}, f.ensure
	}
	if r, ok := f.recs[key]; ok && r.Status == store.StatusRunning {
		return supervisor.EnsureResult{Status: store.StatusRunning, Port: r.Port, PID: r.PID, Reused: true, Record: &r}, nil
	}
	r := store.Record{Key: key, Port: f.nextPort, PID: 4000 + f.nextPort, CasePath: casePath, Status: store.StatusRunning, StartedAt: time.Now()}
	f.nextPort++
	f.recs[key] = r
	return supervisor.EnsureResult{Status: store.StatusRunning, Port: r.Port, PID: r.PID, Record: &r}, nil
}

func (f *fakeSupervisor) Stop(_ context.Context, key string) (supervisor.StopResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recs[key]
	if !ok {
		err := fmt.Errorf("stop %q: %w", key, store.ErrNotFound)
		return supervisor.StopResult{Status: supervisor.StopFailure, Message: err.Error()}, err
	}
	r.Status = store.StatusStopped
	f.recs[key] = r
	return supervisor.StopResult{Status: supervisor.StopSuccess, Message: "stopped"}, nil
}

func (f *fakeSupervisor) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.recs, key)
	return nil
}

func (f *fakeSupervisor) Touch(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recs[key]
	if !ok {
		return store.ErrNotFound
	}
	r.LastActivity = time.Now()
	f.recs[key] = r
	return nil
}

func (f *fakeSupervisor) List(context.Context) (supervisor.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := supervisor.Listing{PortRange: [2]int{11111, 11116}}
	for _, r := range f.recs {
		l.Records = append(l.Records, supervisor.Entry{Record: r, Alive: r.Status == store.StatusRunning})
	}
	l.TotalCount = len(l.Records)
	return l, nil
}

func (f *fakeSupervisor) Get(_ context.Context, key string) (store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recs[key]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	return r, nil
}

func (f *fakeSupervisor) CleanupDead(context.Context) ([]string, error) { return nil, nil }

func (f *fakeSupervisor) CleanupInactive(_ context.Context, maxAge time.Duration) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxAge = maxAge
	return []string{"idle"}, nil
}

func (f *fakeSupervisor) ForceReleasePort(_ context.Context, port int) (bool, error) {
	if port < 11111 || port > 11116 {
		return false, fmt.Errorf("force release %d: %w", port, supervisor.ErrPortOutOfRange)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, port)
	return true, nil
}

func setupRouter(t *testing.T, base string, opts ...Option) (http.Handler, *fakeSupervisor) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := newFake()
	return NewRouter(f, base, opts...).Handler(), f
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestEnsureStartsThenReuses(t *testing.T) {
	h, _ := setupRouter(t, "/api/")

	rec := doReq(t, h, http.MethodPost, "/api/ensure", EnsureRequest{Key: "task-1", CasePath: "/data/case1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[supervisor.EnsureResult](t, rec)
	assert.Equal(t, store.StatusRunning, first.Status)
	assert.Equal(t, 11111, first.Port)
	assert.False(t, first.Reused)

	rec = doReq(t, h, http.MethodPost, "/api/ensure", EnsureRequest{Key: "task-1", CasePath: "/data/case1"})
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[supervisor.EnsureResult](t, rec)
	assert.True(t, second.Reused)
	assert.Equal(t, first.PID, second.PID)
}

func TestEnsureBadInput(t *testing.T) {
	h, _ := setupRouter(t, "")
	cases := []struct {
		name string
		body any
	}{
		{"missing key", EnsureRequest{CasePath: "/data/x"}},
		{"relative case path", EnsureRequest{Key: "k", CasePath: "data/x"}},
		{"traversal", EnsureRequest{Key: "k", CasePath: "/data/../etc"}},
		{"missing case path", EnsureRequest{Key: "k"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doReq(t, h, http.MethodPost, "/ensure", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/ensure", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnsureErrorStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"pool exhausted", fmt.Errorf("ensure %q: %w", "k", supervisor.ErrPoolExhausted), http.StatusConflict},
		{"launch failed", &launcher.LaunchError{Kind: launcher.KindEarlyExit, Port: 11111, Stderr: "boom", ExitCode: 1}, http.StatusUnprocessableEntity},
		{"invalid key", fmt.Errorf("%w: too long", supervisor.ErrInvalidKey), http.StatusBadRequest},
		{"store", &supervisor.StoreError{Op: "upsert", Key: "k", Err: errors.New("disk full")}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, f := setupRouter(t, "")
			f.ensure = tc.err
			rec := doReq(t, h, http.MethodPost, "/ensure", EnsureRequest{Key: "k", CasePath: "/data/k"})
			require.Equal(t, tc.code, rec.Code, rec.Body.String())
			res := decode[supervisor.EnsureResult](t, rec)
			assert.Equal(t, store.StatusError, res.Status)
			assert.NotEmpty(t, res.ErrorMessage)
		})
	}

	h, f := setupRouter(t, "")
	f.ensure = fmt.Errorf("lock: %w", context.DeadlineExceeded)
	rec := doReq(t, h, http.MethodPost, "/ensure", EnsureRequest{Key: "k", CasePath: "/data/k"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, decode[errorResp](t, rec).Error, "deadline")
}

func TestStopAndTouch(t *testing.T) {
	h, f := setupRouter(t, "")
	rec := doReq(t, h, http.MethodPost, "/stop", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doReq(t, h, http.MethodPost, "/touch", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/stop?key=ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, supervisor.StopFailure, decode[supervisor.StopResult](t, rec).Status)

	rec = doReq(t, h, http.MethodPost, "/touch?key=ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	doReq(t, h, http.MethodPost, "/ensure", EnsureRequest{Key: "a/b c", CasePath: "/data/a"})
	rec = doReq(t, h, http.MethodPost, "/touch?key=a%2Fb+c", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, f.recs["a/b c"].LastActivity.IsZero())

	rec = doReq(t, h, http.MethodPost, "/stop?key=a%2Fb+c", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, supervisor.StopSuccess, decode[supervisor.StopResult](t, rec).Status)
	assert.Equal(t, store.StatusStopped, f.recs["a/b c"].Status)
}

func TestServersListGetRemove(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	doReq(t, h, http.MethodPost, "/api/ensure", EnsureRequest{Key: "one", CasePath: "/data/1"})
	doReq(t, h, http.MethodPost, "/api/ensure", EnsureRequest{Key: "two", CasePath: "/data/2"})

	rec := doReq(t, h, http.MethodGet, "/api/servers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	l := decode[supervisor.Listing](t, rec)
	assert.Equal(t, 2, l.TotalCount)
	assert.Equal(t, [2]int{11111, 11116}, l.PortRange)

	rec = doReq(t, h, http.MethodGet, "/api/servers/two", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	r := decode[store.Record](t, rec)
	assert.Equal(t, "/data/2", r.CasePath)
	assert.Equal(t, 11112, r.Port)

	rec = doReq(t, h, http.MethodGet, "/api/servers/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doReq(t, h, http.MethodDelete, "/api/servers/two", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodGet, "/api/servers/two", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCleanupEndpoints(t *testing.T) {
	h, f := setupRouter(t, "", WithInactiveAfter(45*time.Minute))

	rec := doReq(t, h, http.MethodPost, "/cleanup/dead", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"keys":[]}`, string(bytes.TrimSpace(rec.Body.Bytes())), "empty sweeps encode as an empty list")

	rec = doReq(t, h, http.MethodPost, "/cleanup/inactive", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 45*time.Minute, f.maxAge)
	assert.Equal(t, []string{"idle"}, decode[KeysResp](t, rec).Keys)

	rec = doReq(t, h, http.MethodPost, "/cleanup/inactive?max_age=90s", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 90*time.Second, f.maxAge)

	for _, bad := range []string{"soon", "-1h", "0s"} {
		rec = doReq(t, h, http.MethodPost, "/cleanup/inactive?max_age="+bad, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestReleasePort(t *testing.T) {
	h, f := setupRouter(t, "")
	rec := doReq(t, h, http.MethodPost, "/ports/11113/release", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ReleaseResp{Port: 11113, Released: true}, decode[ReleaseResp](t, rec))
	assert.Equal(t, []int{11113}, f.released)

	rec = doReq(t, h, http.MethodPost, "/ports/abc/release", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doReq(t, h, http.MethodPost, "/ports/80/release", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	require.NoError(t, metrics.Register(prometheus.DefaultRegisterer))
	h, _ := setupRouter(t, "/api")
	doReq(t, h, http.MethodPost, "/api/ensure", EnsureRequest{Key: "m", CasePath: "/data/m"})
	rec := doReq(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "renderd_pool_exhausted_total")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("x: %w", store.ErrNotFound)))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(fmt.Errorf("wrap: %w", &launcher.LaunchError{Kind: launcher.KindBinaryNotFound})))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(context.Canceled))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("other")))
}

func TestNewServer(t *testing.T) {
	srv := NewServer("127.0.0.1:0", "/x", newFake())
	require.NotNil(t, srv.Handler)
	assert.Equal(t, "127.0.0.1:0", srv.Addr)
	require.NoError(t, srv.Close())
}
