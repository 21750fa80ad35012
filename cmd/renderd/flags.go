package main

import "time"

// GlobalFlags are persistent across subcommands.
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags select and configure the daemon connection.
type APIFlags struct {
	URL      string
	Timeout  time.Duration
	Insecure bool
	CACert   string
}

type EnsureFlags struct {
	Key      string
	CasePath string
}

type KeyFlags struct {
	Key string
}

type ListFlags struct {
	JSON bool
}

type CleanupFlags struct {
	MaxAge time.Duration
}

type ReleaseFlags struct {
	Port int
}

type ServeFlags struct {
	ConfigPath string
	Listen     string
}
