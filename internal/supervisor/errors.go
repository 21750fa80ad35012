package supervisor

import (
	"errors"
	"fmt"

	"github.com/loykin/renderd/internal/portpool"
)

var (
	// ErrPoolExhausted means every port is held by a valid running server.
	// No record is written; the caller decides whether to queue or fail.
	ErrPoolExhausted = fmt.Errorf("render server pool exhausted: %w", portpool.ErrNoPortAvailable)

	ErrInvalidKey      = errors.New("invalid owner key")
	ErrInvalidCasePath = errors.New("invalid case path")
	// ErrPortOutOfRange is returned by ForceReleasePort for ports outside the pool.
	ErrPortOutOfRange = errors.New("port outside the configured pool")
)

// StoreError is a persistence failure. It is always surfaced, since a lost
// write can leak a running process.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Key: key, Err: err}
}
