package client

import "time"

// EnsureRequest is the body of POST /ensure.
type EnsureRequest struct {
	Key      string `json:"key"`
	CasePath string `json:"case_path"`
}

// Record is one render server record as stored by the daemon.
type Record struct {
	Key          string    `json:"key"`
	Port         int       `json:"port"`
	PID          int       `json:"pid,omitempty"`
	CasePath     string    `json:"case_path"`
	Status       string    `json:"status"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	LastActivity time.Time `json:"last_activity,omitzero"`
	ErrorMessage string    `json:"error_message,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitzero"`
}

// EnsureResult reports the running server for a key, or why none runs.
type EnsureResult struct {
	Status       string  `json:"status"`
	Port         int     `json:"port,omitempty"`
	PID          int     `json:"pid,omitempty"`
	Reused       bool    `json:"reused"`
	ErrorMessage string  `json:"error_message,omitempty"`
	Record       *Record `json:"record,omitempty"`
}

type StopResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Entry is a record plus the daemon's liveness verdict for its process.
type Entry struct {
	Record
	Alive bool `json:"alive"`
}

type Listing struct {
	Records        []Entry `json:"records"`
	TotalCount     int     `json:"total_count"`
	AvailablePorts []int   `json:"available_ports"`
	PortRange      [2]int  `json:"port_range"`
}

type keysResponse struct {
	Keys []string `json:"keys"`
}

type releaseResponse struct {
	Port     int  `json:"port"`
	Released bool `json:"released"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
