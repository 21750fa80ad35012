package factory

import (
	"testing"

	pg "github.com/loykin/renderd/internal/store/postgres"
	sq "github.com/loykin/renderd/internal/store/sqlite"
)

func TestFactoryDSNSelection(t *testing.T) {
	if _, err := NewFromDSN(""); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
	// sql.Open does not connect, so a postgres DSN yields a handle without a server
	for _, dsn := range []string{"postgres://user@localhost/db", "PostgreSQL://user@localhost/db"} {
		s, err := NewFromDSN(dsn)
		if err != nil {
			t.Fatalf("%s: %v", dsn, err)
		}
		if _, ok := s.(*pg.DB); !ok {
			t.Fatalf("%s: expected postgres store, got %T", dsn, s)
		}
		_ = s.Close()
	}
	for _, dsn := range []string{"sqlite://:memory:", ":memory:", "sqlite://" + t.TempDir() + "/a.db", t.TempDir() + "/b.db"} {
		s, err := NewFromDSN(dsn)
		if err != nil {
			t.Fatalf("%s: %v", dsn, err)
		}
		if _, ok := s.(*sq.DB); !ok {
			t.Fatalf("%s: expected sqlite store, got %T", dsn, s)
		}
		_ = s.Close()
	}
}
