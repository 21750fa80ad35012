package supervisor

import (
	"context"
	"time"

	"github.com/loykin/renderd/internal/launcher"
	"github.com/loykin/renderd/internal/store"
)

// Launcher starts and terminates render servers.
type Launcher interface {
	Start(ctx context.Context, key string, port int, caseDir string) (launcher.Handle, error)
	Terminate(pid int, timeout time.Duration) error
}

// Checker decides whether a pid is still the render server that was launched.
type Checker interface {
	Validate(pid, port int) bool
	ValidateSince(pid, port int, startedAt time.Time) bool
	FindByPort(port int) []int
}

// EnsureResult answers Ensure. Status is running or error.
type EnsureResult struct {
	Status       store.Status  `json:"status"`
	Port         int           `json:"port,omitempty"`
	PID          int           `json:"pid,omitempty"`
	Reused       bool          `json:"reused"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Record       *store.Record `json:"record,omitempty"`
}

type StopStatus string

const (
	StopSuccess StopStatus = "success"
	StopFailure StopStatus = "failure"
)

type StopResult struct {
	Status  StopStatus `json:"status"`
	Message string     `json:"message"`
}

// Entry is a stored record plus whether its process is actually alive right now.
type Entry struct {
	store.Record
	Alive bool `json:"alive"`
}

type Listing struct {
	Records        []Entry `json:"records"`
	TotalCount     int     `json:"total_count"`
	AvailablePorts []int   `json:"available_ports"`
	PortRange      [2]int  `json:"port_range"`
}
