package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/renderd/internal/launcher"
	"github.com/loykin/renderd/internal/logger"
	"github.com/loykin/renderd/internal/supervisor"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "renderd.toml")
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return p
}

func TestDefaults(t *testing.T) {
	c := Default()
	if c.Ports.Start != DefaultPortStart || c.Ports.End != DefaultPortEnd || c.Ports.Host != DefaultHost {
		t.Fatalf("unexpected ports: %+v", c.Ports)
	}
	if c.RenderServer.Binary != DefaultBinary {
		t.Fatalf("binary = %q", c.RenderServer.Binary)
	}
	if c.RenderServer.StartWindow != launcher.DefaultStartWindow || c.RenderServer.StopTimeout != launcher.DefaultStopTimeout {
		t.Fatalf("unexpected timing: %+v", c.RenderServer)
	}
	if c.Cleanup.InactiveAfter != supervisor.DefaultInactiveAfter || c.Cleanup.Interval != supervisor.DefaultInactiveInterval {
		t.Fatalf("unexpected cleanup: %+v", c.Cleanup)
	}
	if c.RenderServer.Log.MaxSizeMB != logger.DefaultMaxSizeMB {
		t.Fatalf("max size = %d", c.RenderServer.Log.MaxSizeMB)
	}
	if c.Log.Level != logger.LevelInfo {
		t.Fatalf("level = %q", c.Log.Level)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadFull(t *testing.T) {
	p := writeConfig(t, `
lock_file = "run/renderd.lock"

[ports]
start = 12000
end = 12003
host = "0.0.0.0"

[render_server]
binary = "/opt/paraview/bin/pvserver"
flags = ["--force-offscreen-rendering", "--multi-clients"]
start_window = "1500ms"
stop_timeout = "8s"
env = ["DISPLAY="]

[render_server.log]
dir = "logs"
max_size_mb = 50
compress = true

[cleanup]
inactive_after = "30m"
interval = "5m"
reconcile_interval = "10s"

[store]
dsn = "postgres://u:p@db/renderd"

[history]
sinks = ["sqlite://history.db", "opensearch://search:9200/renders"]

[server]
listen = ":9000"
base_path = "/render"

[server.tls]
enabled = true
dir = "certs"
auto_generate = true
hosts = ["render.local", "10.0.0.5"]

[metrics]
enabled = true

[log]
level = "debug"
format = "json"
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	dir := filepath.Dir(p)
	if c.Ports != (PortsConfig{Start: 12000, End: 12003, Host: "0.0.0.0"}) {
		t.Fatalf("ports: %+v", c.Ports)
	}
	rs := c.RenderServer
	if rs.Binary != "/opt/paraview/bin/pvserver" || len(rs.Flags) != 2 || rs.Flags[1] != "--multi-clients" {
		t.Fatalf("render server: %+v", rs)
	}
	if rs.StartWindow != 1500*time.Millisecond || rs.StopTimeout != 8*time.Second {
		t.Fatalf("timing: %s %s", rs.StartWindow, rs.StopTimeout)
	}
	if rs.Log.Dir != filepath.Join(dir, "logs") || rs.Log.MaxSizeMB != 50 || !rs.Log.Compress {
		t.Fatalf("render log: %+v", rs.Log)
	}
	if rs.Log.MaxBackups != logger.DefaultMaxBackups {
		t.Fatalf("unset key should keep default, got %d", rs.Log.MaxBackups)
	}
	if c.Cleanup != (CleanupConfig{InactiveAfter: 30 * time.Minute, Interval: 5 * time.Minute, ReconcileInterval: 10 * time.Second}) {
		t.Fatalf("cleanup: %+v", c.Cleanup)
	}
	if c.Store.DSN != "postgres://u:p@db/renderd" {
		t.Fatalf("store: %q", c.Store.DSN)
	}
	if len(c.History.Sinks) != 2 {
		t.Fatalf("sinks: %v", c.History.Sinks)
	}
	if c.Server.Listen != ":9000" || c.Server.BasePath != "/render" || !c.Metrics.Enabled {
		t.Fatalf("server: %+v metrics: %+v", c.Server, c.Metrics)
	}
	if tl := c.Server.TLS; !tl.Enabled || tl.Dir != filepath.Join(dir, "certs") || len(tl.Hosts) != 2 || tl.ValidDays != 365 || tl.MinVersion != "1.2" {
		t.Fatalf("tls: %+v", tl)
	}
	if c.Log.Level != logger.LevelDebug || c.Log.Format != logger.FormatJSON {
		t.Fatalf("log: %+v", c.Log)
	}
	if c.LockFile != filepath.Join(dir, "run", "renderd.lock") {
		t.Fatalf("lock file not resolved: %q", c.LockFile)
	}
}

func TestLoadResolvesSQLitePath(t *testing.T) {
	p := writeConfig(t, "[store]\ndsn = \"sqlite://state/renderd.db\"\n")
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := "sqlite://" + filepath.Join(filepath.Dir(p), "state", "renderd.db")
	if c.Store.DSN != want {
		t.Fatalf("dsn = %q, want %q", c.Store.DSN, want)
	}

	p = writeConfig(t, "[store]\ndsn = \"sqlite://:memory:\"\n")
	if c, err = Load(p); err != nil || c.Store.DSN != "sqlite://:memory:" {
		t.Fatalf("memory dsn changed: %q %v", c.Store.DSN, err)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	p := writeConfig(t, "[ports]\nstart = 12000\nend = 12005\n")
	t.Setenv("RENDERD_PORTS_END", "12001")
	t.Setenv("RENDERD_RENDER_SERVER_STOP_TIMEOUT", "3s")
	t.Setenv("RENDERD_METRICS_ENABLED", "true")
	t.Setenv("RENDERD_HISTORY_SINKS", "sqlite://a.db,sqlite://b.db")
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Ports.Start != 12000 || c.Ports.End != 12001 {
		t.Fatalf("ports: %+v", c.Ports)
	}
	if c.RenderServer.StopTimeout != 3*time.Second || !c.Metrics.Enabled {
		t.Fatalf("env not applied: %+v", c)
	}
	if len(c.History.Sinks) != 2 || c.History.Sinks[1] != "sqlite://b.db" {
		t.Fatalf("sinks: %v", c.History.Sinks)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("RENDERD_RENDER_SERVER_BINARY", "/usr/bin/true")
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.RenderServer.Binary != "/usr/bin/true" || c.LockFile != DefaultLockFile {
		t.Fatalf("unexpected: %+v", c)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := Load(writeConfig(t, "[ports\nstart=1")); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := Load(writeConfig(t, "[ports]\nstart = \"abc\"\n")); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := Load(writeConfig(t, "[render_server]\nstop_timeout = \"soon\"\n")); err == nil {
		t.Fatal("expected duration error")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"inverted range", func(c *Config) { c.Ports.Start, c.Ports.End = 9, 5 }, "invalid range"},
		{"port zero", func(c *Config) { c.Ports.Start = 0 }, "invalid range"},
		{"port too high", func(c *Config) { c.Ports.End = 70000 }, "invalid range"},
		{"no binary", func(c *Config) { c.RenderServer.Binary = " " }, "binary is required"},
		{"negative window", func(c *Config) { c.RenderServer.StartWindow = -time.Second }, "start_window"},
		{"zero stop timeout", func(c *Config) { c.RenderServer.StopTimeout = 0 }, "stop_timeout"},
		{"port flag in flags", func(c *Config) { c.RenderServer.Flags = []string{"--server-port=1"} }, "set per launch"},
		{"zero interval", func(c *Config) { c.Cleanup.Interval = 0 }, "cleanup.interval"},
		{"zero reconcile", func(c *Config) { c.Cleanup.ReconcileInterval = 0 }, "reconcile_interval"},
		{"no dsn", func(c *Config) { c.Store.DSN = "" }, "store.dsn"},
		{"relative base path", func(c *Config) { c.Server.BasePath = "api" }, "base_path"},
		{"tls without source", func(c *Config) { c.Server.TLS.Enabled = true }, "server.tls"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mutate(c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error containing %q, got %v", tc.want, err)
			}
		})
	}

	c := Default()
	c.Cleanup.InactiveAfter = -1
	c.Cleanup.Interval = 0
	if err := c.Validate(); err != nil {
		t.Fatalf("disabled inactive sweep needs no interval: %v", err)
	}
}

func TestLauncherConfig(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "render.env")
	if err := os.WriteFile(envFile, []byte("MESA_GL_VERSION_OVERRIDE=3.3\nDISPLAY=:0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := Default()
	c.RenderServer.Binary = "/opt/pv/pvserver"
	c.RenderServer.Flags = []string{"--force-offscreen-rendering"}
	c.RenderServer.EnvFiles = []string{envFile}
	c.RenderServer.Env = []string{"DISPLAY="}
	lc, err := c.LauncherConfig()
	if err != nil {
		t.Fatalf("launcher config: %v", err)
	}
	if lc.Binary != "/opt/pv/pvserver" || lc.StartWindow != launcher.DefaultStartWindow {
		t.Fatalf("unexpected: %+v", lc)
	}
	want := "DISPLAY=,MESA_GL_VERSION_OVERRIDE=3.3"
	if got := strings.Join(lc.Env, ","); got != want {
		t.Fatalf("env = %q, want %q", got, want)
	}
	lc.Flags[0] = "mutated"
	if c.RenderServer.Flags[0] != "--force-offscreen-rendering" {
		t.Fatal("LauncherConfig must copy flags")
	}

	c.RenderServer.EnvFiles = []string{filepath.Join(dir, "missing.env")}
	if _, err := c.LauncherConfig(); err == nil {
		t.Fatal("expected error for missing env file")
	}
}
