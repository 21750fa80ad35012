package launcher

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a launch failure.
type Kind string

const (
	KindBinaryNotFound Kind = "binary_not_found"
	KindCaseDirMissing Kind = "case_dir_missing"
	KindEarlyExit      Kind = "early_exit"
	KindSpawnFailed    Kind = "spawn_failed"
)

var (
	ErrBinaryNotFound = errors.New("render server binary not found")
	ErrCaseDirMissing = errors.New("case directory missing")
	ErrEarlyExit      = errors.New("render server exited during startup")
	ErrSpawnFailed    = errors.New("render server spawn failed")

	// ErrUnkillable is returned by Terminate when the process group survives SIGKILL.
	ErrUnkillable = errors.New("process survived SIGKILL")
)

// LaunchError carries enough detail (port, captured stderr, exit code) for a
// caller to decide between retry and abort.
type LaunchError struct {
	Kind     Kind
	Key      string
	Port     int
	CaseDir  string
	Stderr   string
	ExitCode int
	Err      error
}

func (e *LaunchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "launch %s on port %d: %s", e.Key, e.Port, e.sentinel().Error())
	if e.Kind == KindEarlyExit {
		fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		fmt.Fprintf(&b, ": %s", s)
	}
	return b.String()
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Is lets errors.Is match the kind sentinels.
func (e *LaunchError) Is(target error) bool { return target == e.sentinel() }

// Retryable reports whether retrying with the same inputs could succeed.
// Only an early exit qualifies, typically a lost port race.
func (e *LaunchError) Retryable() bool { return e.Kind == KindEarlyExit }

func (e *LaunchError) sentinel() error {
	switch e.Kind {
	case KindBinaryNotFound:
		return ErrBinaryNotFound
	case KindCaseDirMissing:
		return ErrCaseDirMissing
	case KindEarlyExit:
		return ErrEarlyExit
	default:
		return ErrSpawnFailed
	}
}
