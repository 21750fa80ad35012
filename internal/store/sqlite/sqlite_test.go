package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/loykin/renderd/internal/store"
	"github.com/loykin/renderd/internal/store/storetest"
)

func TestSQLiteStoreContract(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	storetest.Run(t, db)
}

func TestSQLiteFilePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "renderd.db")
	ctx := context.Background()

	db, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	// schema creation is idempotent
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema twice: %v", err)
	}
	rec := store.Record{Key: "k", Port: 11111, PID: 42, CasePath: "/c", Status: store.StatusRunning}
	if err := db.Upsert(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	_ = db.Close()

	db2, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = db2.Close() })
	got, err := db2.Get(ctx, "k")
	if err != nil || got.PID != 42 || got.Status != store.StatusRunning {
		t.Fatalf("after reopen: %+v err=%v", got, err)
	}
}

func TestNewRejectsEmptyPath(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
