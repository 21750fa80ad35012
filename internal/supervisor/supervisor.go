// Package supervisor keeps at most one render server per owner key running
// on a port from a small pool, and reconciles the record store against the
// processes that actually exist.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/loykin/renderd/internal/history"
	"github.com/loykin/renderd/internal/launcher"
	"github.com/loykin/renderd/internal/metrics"
	"github.com/loykin/renderd/internal/portpool"
	"github.com/loykin/renderd/internal/reaper"
	"github.com/loykin/renderd/internal/store"
)

const (
	DefaultInactiveAfter     = 2 * time.Hour
	DefaultInactiveInterval  = time.Hour
	DefaultReconcileInterval = 30 * time.Second

	maxKeyLen = 255
)

// Config wires a Supervisor. Pool, Store, Launcher and Checker are required.
type Config struct {
	Pool     *portpool.Pool
	Store    store.Store
	Launcher Launcher
	Checker  Checker
	History  *history.Recorder

	StopTimeout time.Duration
	// InactiveAfter is the idle age the periodic sweep stops servers at.
	// Zero selects DefaultInactiveAfter; negative disables the sweep.
	InactiveAfter     time.Duration
	InactiveInterval  time.Duration
	ReconcileInterval time.Duration
	ReapPollInterval  time.Duration

	// Notifier feeds the reaper. Nil installs a SIGCHLD listener.
	Notifier reaper.Notifier
	Logger   *slog.Logger
}

type Supervisor struct {
	cfg     Config
	pool    *portpool.Pool
	st      store.Store
	launch  Launcher
	check   Checker
	hist    *history.Recorder
	locks   *keyLock
	reg     *reaper.Registry
	reaper  *reaper.Reaper
	notify  reaper.Notifier
	cleaner *Cleaner
	sampler *metrics.ResourceSampler
	log     *slog.Logger

	closeOnce sync.Once
}

func New(cfg Config) (*Supervisor, error) {
	switch {
	case cfg.Pool == nil:
		return nil, errors.New("supervisor: port pool is required")
	case cfg.Store == nil:
		return nil, errors.New("supervisor: store is required")
	case cfg.Launcher == nil:
		return nil, errors.New("supervisor: launcher is required")
	case cfg.Checker == nil:
		return nil, errors.New("supervisor: identity checker is required")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = launcher.DefaultStopTimeout
	}
	if cfg.InactiveAfter == 0 {
		cfg.InactiveAfter = DefaultInactiveAfter
	}
	if cfg.InactiveInterval <= 0 {
		cfg.InactiveInterval = DefaultInactiveInterval
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultReconcileInterval
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "supervisor")
	notify := cfg.Notifier
	if notify == nil {
		notify = reaper.NewSignalNotifier()
	}

	s := &Supervisor{
		cfg:     cfg,
		pool:    cfg.Pool,
		st:      cfg.Store,
		launch:  cfg.Launcher,
		check:   cfg.Checker,
		hist:    cfg.History,
		locks:   newKeyLock(),
		reg:     reaper.NewRegistry(),
		notify:  notify,
		sampler: metrics.NewResourceSampler(),
		log:     log,
	}
	s.reaper = reaper.New(s.reg, notify, s.onExit, cfg.ReapPollInterval, log)
	s.cleaner = &Cleaner{
		st:          s.st,
		pool:        s.pool,
		launch:      s.launch,
		check:       s.check,
		hist:        s.hist,
		locks:       s.locks,
		stopTimeout: cfg.StopTimeout,
		log:         log,
	}
	return s, nil
}

// Ensure returns a running render server for key bound to caseDir, reusing
// the recorded one when its process still validates, else starting a fresh
// one on the lowest free port.
func (s *Supervisor) Ensure(ctx context.Context, key, caseDir string) (EnsureResult, error) {
	if err := validateKey(key); err != nil {
		return EnsureResult{Status: store.StatusError, ErrorMessage: err.Error()}, err
	}
	caseDir, err := cleanCasePath(caseDir)
	if err != nil {
		return EnsureResult{Status: store.StatusError, ErrorMessage: err.Error()}, err
	}

	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return EnsureResult{}, err
	}
	defer unlock()

	rec, err := s.st.Get(ctx, key)
	switch {
	case err == nil:
		if rec.Status == store.StatusRunning && s.valid(rec) {
			return s.reuse(ctx, rec), nil
		}
		if rec.Status.Active() {
			if err := s.invalidate(ctx, rec); err != nil {
				return EnsureResult{}, err
			}
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return EnsureResult{}, storeErr("get", key, err)
	}

	if _, err := s.cleaner.sweepDead(ctx, key); err != nil {
		s.log.Warn("dead sweep before allocation failed", "key", key, "error", err)
	}

	var (
		exclude  []int
		lastErr  error
		lastPort int
	)
	// an early exit or a lost persist race is retried once elsewhere
	for attempt := 0; attempt < 2; attempt++ {
		port, err := s.acquire(ctx, exclude)
		if errors.Is(err, portpool.ErrNoPortAvailable) {
			if lastErr != nil {
				break
			}
			metrics.IncPoolExhausted()
			s.log.Info("port pool exhausted", "key", key)
			return EnsureResult{Status: store.StatusError, ErrorMessage: ErrPoolExhausted.Error()},
				fmt.Errorf("ensure %q: %w", key, ErrPoolExhausted)
		}
		if err != nil {
			return EnsureResult{}, err
		}
		res, err := s.start(ctx, key, caseDir, port)
		if err == nil {
			return res, nil
		}
		exclude = append(exclude, port)
		if errors.Is(err, store.ErrPortInUse) {
			s.log.Warn("port taken by another key during launch, retrying", "key", key, "port", port)
			lastErr, lastPort = err, port
			continue
		}
		var se *StoreError
		if errors.As(err, &se) {
			return EnsureResult{}, err
		}
		lastErr, lastPort = err, port
		var le *launcher.LaunchError
		if !errors.As(err, &le) || !le.Retryable() {
			break
		}
		s.log.Warn("render server exited during startup, retrying on another port", "key", key, "port", port, "error", err)
	}

	return s.fail(ctx, key, caseDir, lastPort, lastErr)
}

// acquire reserves the lowest free pool port that no running record holds.
// The running set is read after the reservation: a key that finished its
// Ensure just before has already released its reservation, and its server may
// not have bound the port yet.
func (s *Supervisor) acquire(ctx context.Context, exclude []int) (int, error) {
	skip := append([]int(nil), exclude...)
	for {
		port, err := s.pool.Acquire(skip...)
		if err != nil {
			return 0, err
		}
		running, err := s.st.ListByStatus(ctx, store.StatusRunning)
		if err != nil {
			s.pool.Release(port)
			return 0, storeErr("list", "", err)
		}
		if !holdsPort(running, port) {
			return port, nil
		}
		s.pool.Release(port)
		skip = append(skip, port)
	}
}

func holdsPort(recs []store.Record, port int) bool {
	for _, r := range recs {
		if r.Port == port {
			return true
		}
	}
	return false
}

func (s *Supervisor) reuse(ctx context.Context, rec store.Record) EnsureResult {
	now := time.Now().UTC()
	if err := s.st.Touch(ctx, rec.Key, now); err != nil {
		s.log.Debug("touch on reuse failed", "key", rec.Key, "error", err)
	} else {
		rec.LastActivity = now
	}
	metrics.IncReuse()
	s.hist.Record(ctx, history.NewEvent(history.EventReused, rec, ""))
	s.log.Debug("reusing render server", "key", rec.Key, "pid", rec.PID, "port", rec.Port)
	return EnsureResult{Status: store.StatusRunning, Port: rec.Port, PID: rec.PID, Reused: true, Record: &rec}
}

// invalidate marks an active record whose process failed validation stopped.
func (s *Supervisor) invalidate(ctx context.Context, rec store.Record) error {
	msg := "process no longer valid"
	changed, err := s.st.MarkStopped(ctx, rec.Key, rec.PID, msg)
	if err != nil {
		return storeErr("mark_stopped", rec.Key, err)
	}
	if changed {
		metrics.IncStop("stale")
		metrics.RecordStateTransition(string(rec.Status), string(store.StatusStopped))
		rec.Status = store.StatusStopped
		s.hist.Record(ctx, history.NewEvent(history.EventStale, rec, msg))
		s.log.Info("recorded render server is gone", "key", rec.Key, "pid", rec.PID, "port", rec.Port)
	}
	return nil
}

// start launches on an already reserved port. Launch failures come back as
// *launcher.LaunchError (or a context error); persistence failures as *StoreError.
func (s *Supervisor) start(ctx context.Context, key, caseDir string, port int) (EnsureResult, error) {
	defer s.pool.Release(port)

	pending := store.Record{Key: key, Port: port, CasePath: caseDir, Status: store.StatusStarting}
	if err := s.st.Upsert(ctx, pending); err != nil {
		return EnsureResult{}, storeErr("upsert", key, err)
	}

	began := time.Now()
	h, err := s.launch.Start(ctx, key, port, caseDir)
	if err != nil {
		return EnsureResult{}, err
	}
	metrics.ObserveLaunchDuration(time.Since(began).Seconds())

	s.reg.Track(reaper.Entry{PID: h.PID, Key: key, Port: port, StartedAt: h.StartedAt})
	// the child may already have exited before it was tracked
	s.reaper.Kick()

	now := time.Now().UTC()
	rec := store.Record{
		Key:          key,
		Port:         port,
		PID:          h.PID,
		CasePath:     caseDir,
		Status:       store.StatusRunning,
		StartedAt:    h.StartedAt.UTC(),
		LastActivity: now,
	}
	if err := s.st.Upsert(context.WithoutCancel(ctx), rec); err != nil {
		// nothing would own the process; do not leak it
		if terr := s.launch.Terminate(h.PID, s.cfg.StopTimeout); terr != nil {
			s.log.Error("terminate after failed persist", "key", key, "pid", h.PID, "error", terr)
		}
		return EnsureResult{}, storeErr("upsert", key, err)
	}

	metrics.IncLaunch("ok")
	metrics.RecordStateTransition(string(store.StatusStarting), string(store.StatusRunning))
	s.hist.Record(ctx, history.NewEvent(history.EventStarted, rec, ""))
	s.log.Info("render server started", "key", key, "pid", h.PID, "port", port, "case_path", caseDir)
	return EnsureResult{Status: store.StatusRunning, Port: port, PID: h.PID, Record: &rec}, nil
}

// fail persists an error record for a launch that did not survive.
func (s *Supervisor) fail(ctx context.Context, key, caseDir string, port int, cause error) (EnsureResult, error) {
	kind := "error"
	var le *launcher.LaunchError
	if errors.As(cause, &le) {
		kind = string(le.Kind)
	}
	metrics.IncLaunch(kind)

	rec := store.Record{
		Key:          key,
		Port:         port,
		CasePath:     caseDir,
		Status:       store.StatusError,
		ErrorMessage: cause.Error(),
	}
	if err := s.st.Upsert(context.WithoutCancel(ctx), rec); err != nil {
		return EnsureResult{}, errors.Join(cause, storeErr("upsert", key, err))
	}
	metrics.RecordStateTransition(string(store.StatusStarting), string(store.StatusError))
	s.hist.Record(ctx, history.NewEvent(history.EventLaunchFailed, rec, ""))
	s.log.Warn("render server launch failed", "key", key, "port", port, "kind", kind, "error", cause)
	return EnsureResult{Status: store.StatusError, Port: port, ErrorMessage: rec.ErrorMessage, Record: &rec}, cause
}

// Stop terminates the process group of key's server and records it stopped,
// even when the kill fails. Stopping a stopped key succeeds.
func (s *Supervisor) Stop(ctx context.Context, key string) (StopResult, error) {
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return StopResult{Status: StopFailure, Message: err.Error()}, err
	}
	defer unlock()
	return s.stopLocked(ctx, key)
}

func (s *Supervisor) stopLocked(ctx context.Context, key string) (StopResult, error) {
	rec, err := s.st.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		msg := fmt.Sprintf("no render server recorded for %q", key)
		return StopResult{Status: StopFailure, Message: msg}, fmt.Errorf("stop %q: %w", key, store.ErrNotFound)
	}
	if err != nil {
		err = storeErr("get", key, err)
		return StopResult{Status: StopFailure, Message: err.Error()}, err
	}
	if !rec.Status.Active() {
		return StopResult{Status: StopSuccess, Message: "already " + string(rec.Status)}, nil
	}

	msg := "stopped by owner"
	var killErr error
	if s.valid(rec) {
		killErr = s.launch.Terminate(rec.PID, s.cfg.StopTimeout)
		// the reaper collects the exit status of our own children
		s.reaper.Kick()
	} else if rec.PID > 0 {
		msg = "stopped by owner; process already gone"
	}
	if killErr != nil {
		msg = "stop failed: " + killErr.Error()
	}

	from := rec.Status
	rec.Status = store.StatusStopped
	rec.ErrorMessage = msg
	if err := s.st.Upsert(context.WithoutCancel(ctx), rec); err != nil {
		err = storeErr("upsert", key, err)
		return StopResult{Status: StopFailure, Message: err.Error()}, errors.Join(killErr, err)
	}
	metrics.IncStop("explicit")
	metrics.RecordStateTransition(string(from), string(store.StatusStopped))
	s.hist.Record(ctx, history.NewEvent(history.EventStopped, rec, msg))

	if killErr != nil {
		s.log.Error("render server could not be killed", "key", key, "pid", rec.PID, "error", killErr)
		return StopResult{Status: StopFailure, Message: msg}, killErr
	}
	s.log.Info("render server stopped", "key", key, "pid", rec.PID, "port", rec.Port)
	return StopResult{Status: StopSuccess, Message: msg}, nil
}

// List returns every record with a live-validity flag computed now.
func (s *Supervisor) List(ctx context.Context) (Listing, error) {
	recs, err := s.st.ListAll(ctx)
	if err != nil {
		return Listing{}, storeErr("list", "", err)
	}
	out := Listing{Records: make([]Entry, 0, len(recs)), TotalCount: len(recs)}
	var held []int
	for _, r := range recs {
		alive := r.Status.Active() && s.valid(r)
		out.Records = append(out.Records, Entry{Record: r, Alive: alive})
		if r.Status == store.StatusRunning {
			held = append(held, r.Port)
		}
	}
	out.AvailablePorts = s.pool.Available(held...)
	start, end := s.pool.Range()
	out.PortRange = [2]int{start, end}
	metrics.SetPorts(len(held), len(out.AvailablePorts))
	return out, nil
}

// Get returns the record for key.
func (s *Supervisor) Get(ctx context.Context, key string) (store.Record, error) {
	rec, err := s.st.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return store.Record{}, fmt.Errorf("render server %q: %w", key, store.ErrNotFound)
	}
	return rec, storeErr("get", key, err)
}

// Touch records caller activity so the inactive sweep leaves key alone.
func (s *Supervisor) Touch(ctx context.Context, key string) error {
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	err = s.st.Touch(ctx, key, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("touch %q: %w", key, store.ErrNotFound)
	}
	return storeErr("touch", key, err)
}

// Remove stops key's server if needed and deletes its record. This is the
// only path that deletes records. Removing an unknown key is a no-op.
func (s *Supervisor) Remove(ctx context.Context, key string) error {
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := s.st.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeErr("get", key, err)
	}
	if rec.Status.Active() {
		if _, err := s.stopLocked(ctx, key); err != nil {
			var se *StoreError
			if errors.As(err, &se) {
				return err
			}
			// unkillable: the record is stopped, deletion still proceeds
			s.log.Warn("remove: stop reported an error", "key", key, "error", err)
		}
	}
	if err := s.st.Delete(ctx, key); err != nil {
		return storeErr("delete", key, err)
	}
	s.hist.Record(ctx, history.NewEvent(history.EventRemoved, rec, ""))
	s.log.Info("render server record removed", "key", key)
	return nil
}

// CleanupDead marks records whose process fails validation stopped.
func (s *Supervisor) CleanupDead(ctx context.Context) ([]string, error) {
	return s.cleaner.SweepDead(ctx)
}

// CleanupInactive stops servers idle for longer than maxAge.
func (s *Supervisor) CleanupInactive(ctx context.Context, maxAge time.Duration) ([]string, error) {
	return s.cleaner.SweepInactive(ctx, maxAge)
}

// ForceReleasePort kills whatever holds port outside normal tracking.
func (s *Supervisor) ForceReleasePort(ctx context.Context, port int) (bool, error) {
	return s.cleaner.ForceReleasePort(ctx, port)
}

// Run reconciles the store with the OS, then reaps exits and sweeps on the
// configured intervals until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	if keys, err := s.cleaner.SweepDead(ctx); err != nil {
		s.log.Warn("startup reconciliation failed", "error", err)
	} else if len(keys) > 0 {
		s.log.Info("startup reconciliation stopped stale records", "count", len(keys), "keys", keys)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.reaper.Run(ctx)
	}()

	reconcile := time.NewTicker(s.cfg.ReconcileInterval)
	defer reconcile.Stop()
	inactive := time.NewTicker(s.cfg.InactiveInterval)
	defer inactive.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-reconcile.C:
			// servers adopted from a previous run are not our children and only show up here
			if _, err := s.cleaner.SweepDead(ctx); err != nil {
				s.log.Warn("periodic dead sweep failed", "error", err)
			}
			s.sample(ctx)
		case <-inactive.C:
			if s.cfg.InactiveAfter < 0 {
				continue
			}
			if _, err := s.cleaner.SweepInactive(ctx, s.cfg.InactiveAfter); err != nil {
				s.log.Warn("inactive sweep failed", "error", err)
			}
		}
	}
}

func (s *Supervisor) sample(ctx context.Context) {
	if !metrics.Enabled() {
		return
	}
	recs, err := s.st.ListByStatus(ctx, store.StatusRunning)
	if err != nil {
		return
	}
	running := make(map[string]int, len(recs))
	held := make([]int, 0, len(recs))
	for _, r := range recs {
		if r.PID > 0 {
			running[r.Key] = r.PID
		}
		held = append(held, r.Port)
	}
	s.sampler.Sample(ctx, running)
	metrics.SetPorts(len(held), len(s.pool.Available(held...)))
}

// onExit runs on the reaper goroutine for every reaped child.
func (s *Supervisor) onExit(ex reaper.Exit) {
	metrics.IncReaped()
	ctx := context.Background()
	unlock := s.locks.Hold(ex.Key)
	defer unlock()

	msg := "render server exited: " + ex.Describe()
	changed, err := s.st.MarkStopped(ctx, ex.Key, ex.Entry.PID, msg)
	if err != nil {
		s.log.Error("reaper could not update record", "key", ex.Key, "pid", ex.Entry.PID, "error", err)
		return
	}
	if !changed {
		return
	}
	metrics.IncStop("reaped")
	metrics.RecordStateTransition(string(store.StatusRunning), string(store.StatusStopped))
	s.hist.Record(ctx, history.Event{
		Type:    history.EventReaped,
		Key:     ex.Key,
		Port:    ex.Port,
		PID:     ex.Entry.PID,
		Status:  store.StatusStopped,
		Message: msg,
	})
}

// Close stops listening for child exits and closes the history sinks and
// store handed to New.
func (s *Supervisor) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.notify.Stop()
		s.log.Debug("supervisor closing", "tracked_children", s.reg.Len())
		err = errors.Join(s.hist.Close(), s.st.Close())
	})
	return err
}

func (s *Supervisor) valid(r store.Record) bool {
	return r.PID > 0 && s.check.ValidateSince(r.PID, r.Port, r.StartedAt)
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(key) > maxKeyLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidKey, maxKeyLen)
	}
	if strings.IndexFunc(key, unicode.IsControl) >= 0 {
		return fmt.Errorf("%w: control characters", ErrInvalidKey)
	}
	return nil
}

func cleanCasePath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCasePath)
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: NUL byte", ErrInvalidCasePath)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCasePath, err)
	}
	return abs, nil
}
