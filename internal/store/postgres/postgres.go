package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/renderd/internal/store"
)

const uniqueViolation = "23505"

type DB struct {
	db *sql.DB
}

var _ store.Store = (*DB)(nil)

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS render_servers(
			key TEXT PRIMARY KEY,
			port INTEGER NOT NULL,
			pid INTEGER NULL,
			case_path TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NULL,
			last_activity TIMESTAMPTZ NULL,
			error_message TEXT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_render_servers_running_port ON render_servers(port) WHERE status = 'running';`,
		`CREATE INDEX IF NOT EXISTS idx_render_servers_status ON render_servers(status);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Get(ctx context.Context, key string) (store.Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+store.Columns+` FROM render_servers WHERE key = $1;`, key)
	return store.ScanRecord(row)
}

func (p *DB) Upsert(ctx context.Context, rec store.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO render_servers(key, port, pid, case_path, status, started_at, last_activity, error_message, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT(key) DO UPDATE SET
			port=EXCLUDED.port,
			pid=EXCLUDED.pid,
			case_path=EXCLUDED.case_path,
			status=EXCLUDED.status,
			started_at=EXCLUDED.started_at,
			last_activity=EXCLUDED.last_activity,
			error_message=EXCLUDED.error_message,
			updated_at=EXCLUDED.updated_at;`,
		rec.Key, rec.Port, store.NullPID(rec.PID), rec.CasePath, string(rec.Status),
		store.NullTime(rec.StartedAt), store.NullTime(rec.LastActivity), store.NullString(rec.ErrorMessage),
		time.Now().UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("upsert %s port %d: %w", rec.Key, rec.Port, store.ErrPortInUse)
	}
	return err
}

func (p *DB) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM render_servers WHERE key = $1;`, key)
	return err
}

func (p *DB) ListAll(ctx context.Context) ([]store.Record, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+store.Columns+` FROM render_servers ORDER BY key;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return store.ScanRecords(rows)
}

func (p *DB) ListByStatus(ctx context.Context, status store.Status) ([]store.Record, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+store.Columns+` FROM render_servers WHERE status = $1 ORDER BY key;`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return store.ScanRecords(rows)
}

func (p *DB) MarkStopped(ctx context.Context, key string, pid int, msg string) (bool, error) {
	q := `UPDATE render_servers
		SET status = 'stopped', error_message = $1, updated_at = $2
		WHERE key = $3 AND status IN ('starting', 'running') AND `
	args := []any{store.NullString(msg), time.Now().UTC(), key}
	if pid > 0 {
		q += `pid = $4;`
		args = append(args, pid)
	} else {
		q += `pid IS NULL;`
	}
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *DB) Touch(ctx context.Context, key string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE render_servers SET last_activity = $1, updated_at = $2 WHERE key = $3;`,
		at.UTC(), time.Now().UTC(), key)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}
