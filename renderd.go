// Package renderd supervises render-server processes: one server per owner
// key, each on its own port from a small pool, with a persistent record of
// what should be running reconciled against what actually is.
//
// Embedders build a Daemon from a Config and either call Serve or drive the
// Supervisor directly and mount Handler into their own HTTP stack.
package renderd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/labstack/echo/v4"
	"github.com/loykin/renderd/internal/config"
	histfactory "github.com/loykin/renderd/internal/history/factory"
	"github.com/loykin/renderd/internal/identity"
	"github.com/loykin/renderd/internal/launcher"
	"github.com/loykin/renderd/internal/metrics"
	"github.com/loykin/renderd/internal/portpool"
	"github.com/loykin/renderd/internal/reaper"
	"github.com/loykin/renderd/internal/server"
	"github.com/loykin/renderd/internal/store"
	storefactory "github.com/loykin/renderd/internal/store/factory"
	"github.com/loykin/renderd/internal/supervisor"
	tlsutil "github.com/loykin/renderd/internal/tls"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
type (
	Config       = config.Config
	Record       = store.Record
	Status       = store.Status
	EnsureResult = supervisor.EnsureResult
	StopResult   = supervisor.StopResult
	Listing      = supervisor.Listing
	Entry        = supervisor.Entry
	Supervisor   = supervisor.Supervisor
)

const (
	StatusStarting = store.StatusStarting
	StatusRunning  = store.StatusRunning
	StatusStopped  = store.StatusStopped
	StatusError    = store.StatusError
)

var (
	ErrPoolExhausted   = supervisor.ErrPoolExhausted
	ErrNotFound        = store.ErrNotFound
	ErrInvalidKey      = supervisor.ErrInvalidKey
	ErrInvalidCasePath = supervisor.ErrInvalidCasePath
	ErrBinaryNotFound  = launcher.ErrBinaryNotFound
	ErrCaseDirMissing  = launcher.ErrCaseDirMissing
	ErrEarlyExit       = launcher.ErrEarlyExit

	// ErrAlreadyRunning means another daemon holds the lock file.
	ErrAlreadyRunning = errors.New("renderd: another daemon holds the lock file")
)

// LoadConfig reads a TOML config with RENDERD_* overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config { return config.Default() }

// Options tune Open beyond what the config file carries.
type Options struct {
	Logger *slog.Logger
	// Notifier replaces the SIGCHLD listener; tests use reaper.ChanNotifier.
	Notifier reaper.Notifier
	// ReapPollInterval backs up the notifier with periodic reaping.
	ReapPollInterval time.Duration
}

// Daemon is a configured supervisor plus the resources it owns.
type Daemon struct {
	cfg  *Config
	sup  *supervisor.Supervisor
	lock *flock.Flock
	tls  *tls.Config
	log  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open acquires the lock file, opens the record store and history sinks,
// and builds the supervisor. It does not start background loops; call Serve
// or Supervisor().Run.
func Open(cfg *Config, opts Options) (d *Daemon, err error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	var lock *flock.Flock
	if cfg.LockFile != "" {
		if lock, err = acquireLock(cfg.LockFile); err != nil {
			return nil, err
		}
		defer func() {
			if err != nil {
				_ = lock.Unlock()
			}
		}()
	}

	tc, err := tlsutil.Setup(cfg.Server.TLS)
	if err != nil {
		return nil, fmt.Errorf("server tls: %w", err)
	}

	lc, err := cfg.LauncherConfig()
	if err != nil {
		return nil, fmt.Errorf("render server config: %w", err)
	}
	pool, err := portpool.New(cfg.Ports.Start, cfg.Ports.End, cfg.Ports.Host)
	if err != nil {
		return nil, err
	}

	st, err := storefactory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("store schema: %w", err)
	}

	hist, err := histfactory.NewRecorder(cfg.History.Sinks, log)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("history sinks: %w", err)
	}

	sup, err := supervisor.New(supervisor.Config{
		Pool:              pool,
		Store:             st,
		Launcher:          launcher.New(lc, log),
		Checker:           identity.New(lc.Binary, launcher.PortFlag, log),
		History:           hist,
		StopTimeout:       cfg.RenderServer.StopTimeout,
		InactiveAfter:     cfg.Cleanup.InactiveAfter,
		InactiveInterval:  cfg.Cleanup.Interval,
		ReconcileInterval: cfg.Cleanup.ReconcileInterval,
		ReapPollInterval:  opts.ReapPollInterval,
		Notifier:          opts.Notifier,
		Logger:            log,
	})
	if err != nil {
		_ = hist.Close()
		_ = st.Close()
		return nil, err
	}
	log.Info("renderd ready",
		"ports", fmt.Sprintf("%d-%d", cfg.Ports.Start, cfg.Ports.End),
		"binary", lc.Binary,
		"store", storeKind(cfg.Store.DSN),
		"history_sinks", hist.Len())
	return &Daemon{cfg: cfg, sup: sup, lock: lock, tls: tc, log: log}, nil
}

func acquireLock(path string) (*flock.Flock, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("lock dir: %w", err)
		}
	}
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, path)
	}
	return fl, nil
}

// Config returns the configuration the daemon was opened with.
func (d *Daemon) Config() *Config { return d.cfg }

// Supervisor returns the underlying supervisor for direct calls.
func (d *Daemon) Supervisor() *Supervisor { return d.sup }

func (d *Daemon) Ensure(ctx context.Context, key, casePath string) (EnsureResult, error) {
	return d.sup.Ensure(ctx, key, casePath)
}

func (d *Daemon) Stop(ctx context.Context, key string) (StopResult, error) {
	return d.sup.Stop(ctx, key)
}

func (d *Daemon) List(ctx context.Context) (Listing, error) { return d.sup.List(ctx) }

func (d *Daemon) Remove(ctx context.Context, key string) error { return d.sup.Remove(ctx, key) }

// Handler returns the JSON API rooted at the configured base path.
func (d *Daemon) Handler() http.Handler {
	return server.NewRouter(d.sup, d.cfg.Server.BasePath, d.routerOptions()...).Handler()
}

// NewHTTPServer returns an http.Server for the configured listen address,
// with TLSConfig set when server.tls is enabled.
func (d *Daemon) NewHTTPServer() *http.Server {
	srv := server.NewServer(d.cfg.Server.Listen, d.cfg.Server.BasePath, d.sup, d.routerOptions()...)
	srv.TLSConfig = d.tls
	return srv
}

// MountEcho serves the API from an existing Echo instance under the
// configured base path.
func (d *Daemon) MountEcho(e *echo.Echo) {
	h := echo.WrapHandler(d.Handler())
	base := d.cfg.Server.BasePath
	e.Any(base, h)
	e.Any(base+"/*", h)
}

func (d *Daemon) routerOptions() []server.Option {
	opts := []server.Option{server.WithLogger(d.log)}
	if d.cfg.Cleanup.InactiveAfter > 0 {
		opts = append(opts, server.WithInactiveAfter(d.cfg.Cleanup.InactiveAfter))
	}
	return opts
}

// Serve runs the supervisor loops and the HTTP API until ctx is done, then
// shuts the listener down gracefully. Running render servers are left
// alone; the next daemon adopts them.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := d.NewHTTPServer()
	errCh := make(chan error, 1)
	go func() {
		d.log.Info("http api listening", "addr", srv.Addr, "base_path", d.cfg.Server.BasePath, "tls", srv.TLSConfig != nil)
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = d.sup.Run(ctx)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		serveErr = errors.Join(serveErr, err)
	}
	<-runDone
	return serveErr
}

// Close releases the store, history sinks and lock file.
func (d *Daemon) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.sup.Close()
		if d.lock != nil {
			d.closeErr = errors.Join(d.closeErr, d.lock.Unlock())
		}
	})
	return d.closeErr
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

func storeKind(dsn string) string {
	if scheme, _, ok := strings.Cut(dsn, "://"); ok {
		return scheme
	}
	return "sqlite"
}
