// Package storetest runs the same behavioral checks against every
// store.Store backend.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loykin/renderd/internal/store"
)

// Run exercises s, which must have an empty schema already ensured.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("get missing: expected ErrNotFound, got %v", err)
	}

	started := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	rec := store.Record{
		Key:       "case-a",
		Port:      11111,
		PID:       4321,
		CasePath:  "/cases/a",
		Status:    store.StatusRunning,
		StartedAt: started,
	}
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.Get(ctx, "case-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Port != 11111 || got.PID != 4321 || got.CasePath != "/cases/a" || got.Status != store.StatusRunning {
		t.Fatalf("unexpected record: %+v", got)
	}
	if d := got.StartedAt.Sub(started); d > time.Millisecond || d < -time.Millisecond {
		t.Fatalf("started_at round trip: got %v want %v", got.StartedAt, started)
	}
	if !got.LastActivity.IsZero() || got.ErrorMessage != "" || got.UpdatedAt.IsZero() {
		t.Fatalf("nullable fields mishandled: %+v", got)
	}

	// a second running record on the same port violates the port invariant
	dup := rec
	dup.Key = "case-b"
	dup.PID = 9999
	if err := s.Upsert(ctx, dup); !errors.Is(err, store.ErrPortInUse) {
		t.Fatalf("expected ErrPortInUse, got %v", err)
	}
	// a stopped record may share the port
	dup.Status = store.StatusStopped
	dup.PID = 0
	if err := s.Upsert(ctx, dup); err != nil {
		t.Fatalf("stopped upsert on shared port: %v", err)
	}
	gotB, err := s.Get(ctx, "case-b")
	if err != nil || gotB.PID != 0 {
		t.Fatalf("pid 0 should round-trip as NULL: %+v err=%v", gotB, err)
	}

	// touch
	at := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.Touch(ctx, "case-a", at); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, _ = s.Get(ctx, "case-a")
	if d := got.LastActivity.Sub(at); d > time.Millisecond || d < -time.Millisecond {
		t.Fatalf("last_activity = %v want %v", got.LastActivity, at)
	}
	if err := s.Touch(ctx, "nope", at); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("touch missing: expected ErrNotFound, got %v", err)
	}

	// listing
	all, err := s.ListAll(ctx)
	if err != nil || len(all) != 2 || all[0].Key != "case-a" || all[1].Key != "case-b" {
		t.Fatalf("list all: %v %+v", err, all)
	}
	running, err := s.ListByStatus(ctx, store.StatusRunning)
	if err != nil || len(running) != 1 || running[0].Key != "case-a" {
		t.Fatalf("list running: %v %+v", err, running)
	}

	// compare-and-set stop: wrong pid is ignored
	changed, err := s.MarkStopped(ctx, "case-a", 1, "exit status 1")
	if err != nil || changed {
		t.Fatalf("mark stopped with stale pid changed=%v err=%v", changed, err)
	}
	changed, err = s.MarkStopped(ctx, "case-a", 4321, "exit status 0")
	if err != nil || !changed {
		t.Fatalf("mark stopped changed=%v err=%v", changed, err)
	}
	got, _ = s.Get(ctx, "case-a")
	if got.Status != store.StatusStopped || got.ErrorMessage != "exit status 0" {
		t.Fatalf("after mark stopped: %+v", got)
	}
	// idempotent
	changed, err = s.MarkStopped(ctx, "case-a", 4321, "again")
	if err != nil || changed {
		t.Fatalf("second mark stopped changed=%v err=%v", changed, err)
	}
	got, _ = s.Get(ctx, "case-a")
	if got.ErrorMessage != "exit status 0" {
		t.Fatalf("second mark stopped must not overwrite message: %q", got.ErrorMessage)
	}

	// starting records without a pid can be stopped by pid 0
	if err := s.Upsert(ctx, store.Record{Key: "case-c", Port: 11112, CasePath: "/c", Status: store.StatusStarting}); err != nil {
		t.Fatalf("upsert starting: %v", err)
	}
	if changed, err := s.MarkStopped(ctx, "case-c", 0, ""); err != nil || !changed {
		t.Fatalf("mark stopped pid-less changed=%v err=%v", changed, err)
	}

	// port freed by the stop can be taken by another running record
	dup.Status = store.StatusRunning
	dup.PID = 5555
	if err := s.Upsert(ctx, dup); err != nil {
		t.Fatalf("reuse freed port: %v", err)
	}

	// invalid records never reach the backend
	if err := s.Upsert(ctx, store.Record{Key: "bad", Port: 0, Status: store.StatusRunning}); err == nil {
		t.Fatalf("expected validation error")
	}

	// delete is idempotent
	if err := s.Delete(ctx, "case-a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "case-a"); err != nil {
		t.Fatalf("delete twice: %v", err)
	}
	if _, err := s.Get(ctx, "case-a"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
