// Package config loads the renderd daemon configuration from a TOML file
// with RENDERD_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/renderd/internal/env"
	"github.com/loykin/renderd/internal/launcher"
	"github.com/loykin/renderd/internal/logger"
	"github.com/loykin/renderd/internal/supervisor"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: ports.start is RENDERD_PORTS_START.
const EnvPrefix = "RENDERD"

const (
	DefaultPortStart = 11111
	DefaultPortEnd   = 11116
	DefaultHost      = "127.0.0.1"
	DefaultBinary    = "pvserver"
	DefaultListen    = "127.0.0.1:8089"
	DefaultStoreDSN  = "sqlite://renderd.db"
	DefaultLockFile  = "renderd.lock"
)

// Config is the top-level TOML structure.
type Config struct {
	Ports        PortsConfig        `mapstructure:"ports"`
	RenderServer RenderServerConfig `mapstructure:"render_server"`
	Cleanup      CleanupConfig      `mapstructure:"cleanup"`
	Store        StoreConfig        `mapstructure:"store"`
	History      HistoryConfig      `mapstructure:"history"`
	Server       ServerConfig       `mapstructure:"server"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Log          logger.SlogConfig  `mapstructure:"log"`
	LockFile     string             `mapstructure:"lock_file"`
}

type PortsConfig struct {
	Start int    `mapstructure:"start"`
	End   int    `mapstructure:"end"`
	Host  string `mapstructure:"host"`
}

type RenderServerConfig struct {
	Binary      string        `mapstructure:"binary"`
	Flags       []string      `mapstructure:"flags"`
	StartWindow time.Duration `mapstructure:"start_window"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	// Env entries (KEY=VALUE) override EnvFiles; both are added on top of
	// the daemon's own environment.
	Env      []string          `mapstructure:"env"`
	EnvFiles []string          `mapstructure:"env_files"`
	Log      logger.FileConfig `mapstructure:"log"`
}

// CleanupConfig drives the periodic sweeps. A negative InactiveAfter
// disables the inactive sweep.
type CleanupConfig struct {
	InactiveAfter     time.Duration `mapstructure:"inactive_after"`
	Interval          time.Duration `mapstructure:"interval"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// HistoryConfig lists sink DSNs; see history/factory for the schemes.
type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

type ServerConfig struct {
	Listen   string    `mapstructure:"listen"`
	BasePath string    `mapstructure:"base_path"`
	TLS      TLSConfig `mapstructure:"tls"`
}

// TLSConfig enables HTTPS for the API. Either CertFile and KeyFile are set,
// or Dir holds tls.crt and tls.key (generated when AutoGenerate is on).
type TLSConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	Hosts        []string `mapstructure:"hosts"`
	ValidDays    int      `mapstructure:"valid_days"`
	MinVersion   string   `mapstructure:"min_version"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	v := newViper()
	var c Config
	// defaults only; cannot fail
	_ = v.Unmarshal(&c)
	return &c
}

// Load reads path (TOML) when non-empty, applies RENDERD_* environment
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if path != "" {
		c.resolvePaths(filepath.Dir(path))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// every key needs a default so AutomaticEnv reaches it during Unmarshal
	v.SetDefault("ports.start", DefaultPortStart)
	v.SetDefault("ports.end", DefaultPortEnd)
	v.SetDefault("ports.host", DefaultHost)

	v.SetDefault("render_server.binary", DefaultBinary)
	v.SetDefault("render_server.flags", []string{})
	v.SetDefault("render_server.start_window", launcher.DefaultStartWindow)
	v.SetDefault("render_server.stop_timeout", launcher.DefaultStopTimeout)
	v.SetDefault("render_server.env", []string{})
	v.SetDefault("render_server.env_files", []string{})
	v.SetDefault("render_server.log.dir", "")
	v.SetDefault("render_server.log.stdout", "")
	v.SetDefault("render_server.log.stderr", "")
	v.SetDefault("render_server.log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("render_server.log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("render_server.log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("render_server.log.compress", false)

	v.SetDefault("cleanup.inactive_after", supervisor.DefaultInactiveAfter)
	v.SetDefault("cleanup.interval", supervisor.DefaultInactiveInterval)
	v.SetDefault("cleanup.reconcile_interval", supervisor.DefaultReconcileInterval)

	v.SetDefault("store.dsn", DefaultStoreDSN)
	v.SetDefault("history.sinks", []string{})

	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.hosts", []string{})
	v.SetDefault("server.tls.valid_days", 365)
	v.SetDefault("server.tls.min_version", "1.2")
	v.SetDefault("metrics.enabled", false)

	v.SetDefault("log.level", string(logger.LevelInfo))
	v.SetDefault("log.format", string(logger.FormatText))
	v.SetDefault("log.color", true)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.source", false)
	v.SetDefault("log.path", "")

	v.SetDefault("lock_file", DefaultLockFile)
	return v
}

// resolvePaths makes relative file paths relative to the config file.
func (c *Config) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.LockFile = abs(c.LockFile)
	c.Log.Path = abs(c.Log.Path)
	c.RenderServer.Log.Dir = abs(c.RenderServer.Log.Dir)
	c.RenderServer.Log.StdoutPath = abs(c.RenderServer.Log.StdoutPath)
	c.RenderServer.Log.StderrPath = abs(c.RenderServer.Log.StderrPath)
	c.Server.TLS.CertFile = abs(c.Server.TLS.CertFile)
	c.Server.TLS.KeyFile = abs(c.Server.TLS.KeyFile)
	c.Server.TLS.Dir = abs(c.Server.TLS.Dir)
	for i, f := range c.RenderServer.EnvFiles {
		c.RenderServer.EnvFiles[i] = abs(f)
	}
	if rest, ok := strings.CutPrefix(c.Store.DSN, "sqlite://"); ok && rest != ":memory:" {
		c.Store.DSN = "sqlite://" + abs(rest)
	}
}

// Validate checks ranges and required values.
func (c *Config) Validate() error {
	var errs []error
	if c.Ports.Start < 1 || c.Ports.End > 65535 || c.Ports.Start > c.Ports.End {
		errs = append(errs, fmt.Errorf("ports: invalid range %d-%d", c.Ports.Start, c.Ports.End))
	}
	if strings.TrimSpace(c.RenderServer.Binary) == "" {
		errs = append(errs, errors.New("render_server.binary is required"))
	}
	if c.RenderServer.StartWindow < 0 {
		errs = append(errs, fmt.Errorf("render_server.start_window must not be negative, got %s", c.RenderServer.StartWindow))
	}
	if c.RenderServer.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("render_server.stop_timeout must be positive, got %s", c.RenderServer.StopTimeout))
	}
	for _, f := range c.RenderServer.Flags {
		if strings.HasPrefix(f, launcher.PortFlag) {
			errs = append(errs, fmt.Errorf("render_server.flags: %s is set per launch", launcher.PortFlag))
			break
		}
	}
	if c.Cleanup.InactiveAfter >= 0 && c.Cleanup.Interval <= 0 {
		errs = append(errs, fmt.Errorf("cleanup.interval must be positive, got %s", c.Cleanup.Interval))
	}
	if c.Cleanup.ReconcileInterval <= 0 {
		errs = append(errs, fmt.Errorf("cleanup.reconcile_interval must be positive, got %s", c.Cleanup.ReconcileInterval))
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path must start with '/', got %q", c.Server.BasePath))
	}
	if t := c.Server.TLS; t.Enabled && t.Dir == "" && (t.CertFile == "" || t.KeyFile == "") {
		errs = append(errs, errors.New("server.tls: set cert_file and key_file, or dir"))
	}
	return errors.Join(errs...)
}

// LauncherConfig maps the render_server section onto launcher.Config,
// composing env_files and env.
func (c *Config) LauncherConfig() (launcher.Config, error) {
	rs := c.RenderServer
	vars, err := env.Compose(rs.EnvFiles, rs.Env)
	if err != nil {
		return launcher.Config{}, err
	}
	return launcher.Config{
		Binary:      rs.Binary,
		Flags:       append([]string(nil), rs.Flags...),
		StartWindow: rs.StartWindow,
		Env:         vars,
		Log:         rs.Log,
	}, nil
}

// LoggerConfig returns the daemon logger settings.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{Slog: c.Log, File: c.RenderServer.Log}
}
