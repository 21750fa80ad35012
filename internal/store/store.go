package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("record not found")
	// ErrPortInUse is returned by Upsert when another running record already
	// holds the port.
	ErrPortInUse = errors.New("port held by another running record")
)

// Status is the lifecycle state of a render server record.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusStopped, StatusError:
		return true
	}
	return false
}

// Active reports whether a process is believed to exist for the record.
func (s Status) Active() bool { return s == StatusStarting || s == StatusRunning }

// Record is one row per owner key.
// PID 0, zero times and an empty ErrorMessage are stored as NULL.
// UpdatedAt is set by the store on every write.
type Record struct {
	Key          string    `json:"key"`
	Port         int       `json:"port"`
	PID          int       `json:"pid,omitempty"`
	CasePath     string    `json:"case_path"`
	Status       Status    `json:"status"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	LastActivity time.Time `json:"last_activity,omitzero"`
	ErrorMessage string    `json:"error_message,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitzero"`
}

// Validate checks the fields every backend relies on.
func (r Record) Validate() error {
	if r.Key == "" {
		return errors.New("record key is empty")
	}
	if r.Port <= 0 || r.Port > 65535 {
		return fmt.Errorf("record %s: invalid port %d", r.Key, r.Port)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("record %s: invalid status %q", r.Key, r.Status)
	}
	return nil
}

// Store persists render server records. Every method is a single atomic
// statement against the backend.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Get(ctx context.Context, key string) (Record, error)
	Upsert(ctx context.Context, rec Record) error
	Delete(ctx context.Context, key string) error
	ListAll(ctx context.Context) ([]Record, error)
	ListByStatus(ctx context.Context, status Status) ([]Record, error)
	// MarkStopped moves key to stopped only while it is still starting or
	// running with the given pid. It reports whether a row changed.
	MarkStopped(ctx context.Context, key string, pid int, msg string) (bool, error)
	// Touch records caller activity; ErrNotFound when the key is absent.
	Touch(ctx context.Context, key string, at time.Time) error
	Close() error
}

// Table is the persisted table name.
const Table = "render_servers"

// Columns lists the selected columns in ScanRecord order.
const Columns = "key, port, pid, case_path, status, started_at, last_activity, error_message, updated_at"

// RowScanner is satisfied by *sql.Row and *sql.Rows.
type RowScanner interface {
	Scan(dest ...any) error
}

// ScanRecord reads one row selected with Columns.
func ScanRecord(s RowScanner) (Record, error) {
	var (
		r        Record
		pid      sql.NullInt64
		started  sql.NullTime
		activity sql.NullTime
		msg      sql.NullString
		status   string
	)
	if err := s.Scan(&r.Key, &r.Port, &pid, &r.CasePath, &status, &started, &activity, &msg, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	r.Status = Status(status)
	r.PID = int(pid.Int64)
	if started.Valid {
		r.StartedAt = started.Time.UTC()
	}
	if activity.Valid {
		r.LastActivity = activity.Time.UTC()
	}
	r.ErrorMessage = msg.String
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

// ScanRecords drains rows into records.
func ScanRecords(rows *sql.Rows) ([]Record, error) {
	out := make([]Record, 0)
	for rows.Next() {
		r, err := ScanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// NullPID maps 0 to NULL.
func NullPID(pid int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(pid), Valid: pid > 0}
}

// NullTime maps the zero time to NULL and stores UTC otherwise.
func NullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// NullString maps "" to NULL.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
