package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/renderd/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
type DB struct {
	db *sql.DB
}

var _ store.Store = (*DB)(nil)

// New opens a SQLite database at path. The pool is limited to a single
// connection so writes serialize in-process and ":memory:" stays one database.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(1)
	// busy timeout helps when another process holds a short lock
	if _, err := d.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("sqlite pragma: %w", err)
	}
	if p != ":memory:" {
		_, _ = d.Exec("PRAGMA journal_mode=WAL;")
	}
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS render_servers(
			key TEXT PRIMARY KEY,
			port INTEGER NOT NULL,
			pid INTEGER NULL,
			case_path TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP NULL,
			last_activity TIMESTAMP NULL,
			error_message TEXT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_render_servers_running_port ON render_servers(port) WHERE status = 'running';`,
		`CREATE INDEX IF NOT EXISTS idx_render_servers_status ON render_servers(status);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Get(ctx context.Context, key string) (store.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+store.Columns+` FROM render_servers WHERE key = ?;`, key)
	return store.ScanRecord(row)
}

func (s *DB) Upsert(ctx context.Context, rec store.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO render_servers(key, port, pid, case_path, status, started_at, last_activity, error_message, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			port=excluded.port,
			pid=excluded.pid,
			case_path=excluded.case_path,
			status=excluded.status,
			started_at=excluded.started_at,
			last_activity=excluded.last_activity,
			error_message=excluded.error_message,
			updated_at=excluded.updated_at;`,
		rec.Key, rec.Port, store.NullPID(rec.PID), rec.CasePath, string(rec.Status),
		store.NullTime(rec.StartedAt), store.NullTime(rec.LastActivity), store.NullString(rec.ErrorMessage),
		time.Now().UTC())
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("upsert %s port %d: %w", rec.Key, rec.Port, store.ErrPortInUse)
	}
	return err
}

func (s *DB) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM render_servers WHERE key = ?;`, key)
	return err
}

func (s *DB) ListAll(ctx context.Context) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+store.Columns+` FROM render_servers ORDER BY key;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return store.ScanRecords(rows)
}

func (s *DB) ListByStatus(ctx context.Context, status store.Status) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+store.Columns+` FROM render_servers WHERE status = ? ORDER BY key;`, string(status))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return store.ScanRecords(rows)
}

func (s *DB) MarkStopped(ctx context.Context, key string, pid int, msg string) (bool, error) {
	q := `UPDATE render_servers
		SET status = 'stopped', error_message = ?, updated_at = ?
		WHERE key = ? AND status IN ('starting', 'running') AND `
	args := []any{store.NullString(msg), time.Now().UTC(), key}
	if pid > 0 {
		q += `pid = ?;`
		args = append(args, pid)
	} else {
		q += `pid IS NULL;`
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *DB) Touch(ctx context.Context, key string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE render_servers SET last_activity = ?, updated_at = ? WHERE key = ?;`,
		at.UTC(), time.Now().UTC(), key)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}
