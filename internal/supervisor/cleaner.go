package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/renderd/internal/history"
	"github.com/loykin/renderd/internal/metrics"
	"github.com/loykin/renderd/internal/portpool"
	"github.com/loykin/renderd/internal/store"
)

// Cleaner invalidates records whose process is gone, idle, or that hold a
// port something else occupies. Keys currently locked by another operation
// are skipped; every write goes through store.MarkStopped so a sweep never
// overwrites a newer state.
type Cleaner struct {
	st          store.Store
	pool        *portpool.Pool
	launch      Launcher
	check       Checker
	hist        *history.Recorder
	locks       *keyLock
	stopTimeout time.Duration
	log         *slog.Logger
}

// SweepDead marks every starting or running record whose process fails
// identity validation stopped and returns their keys.
func (c *Cleaner) SweepDead(ctx context.Context) ([]string, error) {
	return c.sweepDead(ctx, "")
}

// sweepDead skips the key its caller already holds.
func (c *Cleaner) sweepDead(ctx context.Context, skip string) ([]string, error) {
	recs, err := c.active(ctx)
	if err != nil {
		return nil, err
	}
	var swept []string
	for _, r := range recs {
		if r.Key == skip {
			continue
		}
		unlock, ok := c.locks.TryLock(r.Key)
		if !ok {
			continue
		}
		if r.PID > 0 && c.check.ValidateSince(r.PID, r.Port, r.StartedAt) {
			unlock()
			continue
		}
		msg := "stale: process no longer valid"
		if r.PID == 0 {
			msg = "stale: launch never completed"
		}
		changed, err := c.st.MarkStopped(ctx, r.Key, r.PID, msg)
		unlock()
		if err != nil {
			return swept, storeErr("mark_stopped", r.Key, err)
		}
		if changed {
			swept = append(swept, r.Key)
			metrics.IncStop("stale")
			metrics.RecordStateTransition(string(r.Status), string(store.StatusStopped))
			r.Status = store.StatusStopped
			c.hist.Record(ctx, history.NewEvent(history.EventStale, r, msg))
			c.log.Info("stale render server record stopped", "key", r.Key, "pid", r.PID, "port", r.Port)
		}
	}
	metrics.AddSwept("dead", len(swept))
	return swept, nil
}

// SweepInactive stops servers whose last activity is older than maxAge,
// whether or not their process is alive.
func (c *Cleaner) SweepInactive(ctx context.Context, maxAge time.Duration) ([]string, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("inactive sweep: max age must be positive, got %s", maxAge)
	}
	recs, err := c.active(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-maxAge)
	var swept []string
	for _, r := range recs {
		if !lastSeen(r).Before(cutoff) {
			continue
		}
		unlock, ok := c.locks.TryLock(r.Key)
		if !ok {
			continue
		}
		// re-read: a caller may have touched the key since the listing
		cur, err := c.st.Get(ctx, r.Key)
		if err != nil || !cur.Status.Active() || !lastSeen(cur).Before(cutoff) || cur.PID != r.PID {
			unlock()
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return swept, storeErr("get", r.Key, err)
			}
			continue
		}
		if cur.PID > 0 && c.check.ValidateSince(cur.PID, cur.Port, cur.StartedAt) {
			if err := c.launch.Terminate(cur.PID, c.stopTimeout); err != nil {
				c.log.Error("inactive render server could not be killed", "key", cur.Key, "pid", cur.PID, "error", err)
			}
		}
		msg := fmt.Sprintf("inactive for more than %s", maxAge)
		changed, err := c.st.MarkStopped(ctx, cur.Key, cur.PID, msg)
		unlock()
		if err != nil {
			return swept, storeErr("mark_stopped", cur.Key, err)
		}
		if changed {
			swept = append(swept, cur.Key)
			metrics.IncStop("inactive")
			metrics.RecordStateTransition(string(cur.Status), string(store.StatusStopped))
			cur.Status = store.StatusStopped
			c.hist.Record(ctx, history.NewEvent(history.EventInactive, cur, msg))
			c.log.Info("inactive render server stopped", "key", cur.Key, "pid", cur.PID, "port", cur.Port, "idle_since", lastSeen(cur))
		}
	}
	metrics.AddSwept("inactive", len(swept))
	return swept, nil
}

// ForceReleasePort terminates every process bound to port, tracked or not,
// and stops any running record that claims it. It reports whether anything
// was released.
func (c *Cleaner) ForceReleasePort(ctx context.Context, port int) (bool, error) {
	if !c.pool.Contains(port) {
		return false, fmt.Errorf("force release %d: %w", port, ErrPortOutOfRange)
	}

	var errs []error
	released, killed := false, 0
	for _, pid := range c.check.FindByPort(port) {
		c.log.Warn("force-releasing port", "port", port, "pid", pid)
		if err := c.launch.Terminate(pid, c.stopTimeout); err != nil {
			errs = append(errs, err)
			continue
		}
		killed++
		released = true
	}

	running, err := c.st.ListByStatus(ctx, store.StatusRunning)
	if err != nil {
		return released, errors.Join(append(errs, storeErr("list", "", err))...)
	}
	msg := fmt.Sprintf("port %d force-released", port)
	for _, r := range running {
		if r.Port != port {
			continue
		}
		unlock, err := c.locks.Lock(ctx, r.Key)
		if err != nil {
			errs = append(errs, err)
			break
		}
		changed, err := c.st.MarkStopped(ctx, r.Key, r.PID, msg)
		unlock()
		if err != nil {
			errs = append(errs, storeErr("mark_stopped", r.Key, err))
			continue
		}
		if changed {
			released = true
			metrics.RecordStateTransition(string(r.Status), string(store.StatusStopped))
			metrics.IncStop("port_released")
			r.Status = store.StatusStopped
			c.hist.Record(ctx, history.NewEvent(history.EventPortReleased, r, msg))
		}
	}
	if killed > 0 {
		c.hist.Record(ctx, history.Event{Type: history.EventPortReleased, Port: port, Message: fmt.Sprintf("%s, %d process(es) terminated", msg, killed)})
	}
	return released, errors.Join(errs...)
}

func (c *Cleaner) active(ctx context.Context) ([]store.Record, error) {
	all, err := c.st.ListAll(ctx)
	if err != nil {
		return nil, storeErr("list", "", err)
	}
	out := all[:0]
	for _, r := range all {
		if r.Status.Active() {
			out = append(out, r)
		}
	}
	return out, nil
}

func lastSeen(r store.Record) time.Time {
	switch {
	case !r.LastActivity.IsZero():
		return r.LastActivity
	case !r.StartedAt.IsZero():
		return r.StartedAt
	}
	return r.UpdatedAt
}
