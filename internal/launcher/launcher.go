// Package launcher spawns render-server processes in their own process group
// and decides, within a short startup window, whether the launch succeeded.
//
// Launched processes are never waited on through os/exec. The caller hands
// the PID to a reaper once Start returns; until then the launcher reaps an
// early exit itself.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/loykin/renderd/internal/logger"
	"golang.org/x/sys/unix"
)

const (
	DefaultStartWindow = time.Second
	DefaultStopTimeout = 5 * time.Second

	pollInterval = 20 * time.Millisecond
	killGrace    = 2 * time.Second
	drainWait    = 500 * time.Millisecond
)

// PortFlag is the argument a render server uses to select its port.
const PortFlag = "--server-port"

// Config describes the render-server binary and how it is started.
type Config struct {
	Binary      string
	Flags       []string
	StartWindow time.Duration
	Env         []string
	Log         logger.FileConfig
	// StderrTailBytes bounds the stderr kept in memory for diagnostics.
	StderrTailBytes int
}

// Handle identifies a launched render server.
type Handle struct {
	Key       string
	PID       int
	Port      int
	CaseDir   string
	StartedAt time.Time
	Args      []string
}

// Launcher starts and terminates render servers.
type Launcher struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Launcher {
	if cfg.StartWindow < 0 {
		cfg.StartWindow = 0
	}
	if log == nil {
		log = slog.Default()
	}
	return &Launcher{cfg: cfg, log: log}
}

// Binary returns the configured render-server binary.
func (l *Launcher) Binary() string { return l.cfg.Binary }

// Args returns the argument vector (without argv[0]) used for port.
func (l *Launcher) Args(port int) []string {
	args := make([]string, 0, len(l.cfg.Flags)+1)
	args = append(args, PortFlag+"="+strconv.Itoa(port))
	return append(args, l.cfg.Flags...)
}

// Start spawns the render server for key on port inside caseDir and waits out
// the startup window. On success the process is alive and unreaped; the
// caller owns reaping from here on.
func (l *Launcher) Start(ctx context.Context, key string, port int, caseDir string) (Handle, error) {
	fail := func(kind Kind, err error) (Handle, error) {
		return Handle{}, &LaunchError{Kind: kind, Key: key, Port: port, CaseDir: caseDir, ExitCode: -1, Err: err}
	}

	path, err := exec.LookPath(l.cfg.Binary)
	if err != nil {
		return fail(KindBinaryNotFound, err)
	}
	if fi, err := os.Stat(caseDir); err != nil {
		return fail(KindCaseDirMissing, err)
	} else if !fi.IsDir() {
		return fail(KindCaseDirMissing, fmt.Errorf("%s is not a directory", caseDir))
	}

	args := l.Args(port)
	cmd := exec.Command(path, args...) // #nosec G204 binary comes from operator config
	cmd.Dir = caseDir
	if len(l.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), l.cfg.Env...)
	}
	setProcessGroup(cmd)

	tail, stderrDone, closeParent, err := l.wireOutput(cmd, key)
	if err != nil {
		return fail(KindSpawnFailed, err)
	}
	if err := cmd.Start(); err != nil {
		closeParent(true)
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return fail(KindBinaryNotFound, err)
		}
		return fail(KindSpawnFailed, err)
	}
	closeParent(false)

	pid := cmd.Process.Pid
	startedAt := time.Now()
	// The reaper waits by pid; drop the os.Process handle so nothing else does.
	_ = cmd.Process.Release()

	l.log.Debug("render server spawned", "key", key, "pid", pid, "port", port, "case_dir", caseDir)

	info, exited, err := l.watchStartup(ctx, pid)
	if err != nil {
		_ = l.Terminate(pid, killGrace)
		TryReap(pid)
		return Handle{}, err
	}
	if exited {
		select {
		case <-stderrDone:
		case <-time.After(drainWait):
		}
		le := &LaunchError{
			Kind:     KindEarlyExit,
			Key:      key,
			Port:     port,
			CaseDir:  caseDir,
			Stderr:   tail.String(),
			ExitCode: info.ExitCode,
		}
		if info.Signal != "" {
			le.Err = errors.New(info.Describe())
		}
		l.log.Warn("render server exited during startup", "key", key, "pid", pid, "port", port, "exit", info.Describe())
		return Handle{}, le
	}

	return Handle{Key: key, PID: pid, Port: port, CaseDir: caseDir, StartedAt: startedAt, Args: args}, nil
}

// watchStartup polls the child for the startup window. exited is true when it
// terminated (and was reaped) before the window elapsed.
func (l *Launcher) watchStartup(ctx context.Context, pid int) (ExitInfo, bool, error) {
	deadline := time.Now().Add(l.cfg.StartWindow)
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		if info, ok := TryReap(pid); ok {
			return info, true, nil
		}
		if !time.Now().Before(deadline) {
			return ExitInfo{}, false, nil
		}
		select {
		case <-ctx.Done():
			return ExitInfo{}, false, ctx.Err()
		case <-t.C:
		}
	}
}

// wireOutput attaches pipes for stdout/stderr. stderr always feeds the
// in-memory tail; both streams also go to rotated files when configured.
// closeParent releases the parent's copies of the write ends after Start.
func (l *Launcher) wireOutput(cmd *exec.Cmd, key string) (*tailBuffer, <-chan struct{}, func(failed bool), error) {
	tail := newTail(l.cfg.StderrTailBytes)
	var outFile, errFile io.WriteCloser
	if l.cfg.Log.Enabled() {
		var err error
		outFile, errFile, err = l.cfg.Log.Writers(key)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, nil, err
	}
	cmd.Stdin = null

	er, ew, err := os.Pipe()
	if err != nil {
		_ = null.Close()
		return nil, nil, nil, err
	}
	cmd.Stderr = ew

	var outR, ow *os.File
	if outFile != nil {
		outR, ow, err = os.Pipe()
		if err != nil {
			_ = null.Close()
			_ = er.Close()
			_ = ew.Close()
			return nil, nil, nil, err
		}
		cmd.Stdout = ow
	} else {
		cmd.Stdout = null
	}

	stderrDone := make(chan struct{})
	closeParent := func(failed bool) {
		_ = null.Close()
		_ = ew.Close()
		if ow != nil {
			_ = ow.Close()
		}
		if failed {
			_ = er.Close()
			if outR != nil {
				_ = outR.Close()
			}
			if outFile != nil {
				_ = outFile.Close()
			}
			if errFile != nil {
				_ = errFile.Close()
			}
			close(stderrDone)
			return
		}
		var errSink io.Writer = tail
		if errFile != nil {
			errSink = io.MultiWriter(tail, errFile)
		}
		go pump(er, errSink, errFile, stderrDone)
		if outR != nil {
			go pump(outR, outFile, outFile, make(chan struct{}))
		}
	}
	return tail, stderrDone, closeParent, nil
}

// Terminate stops the process group led by pid: SIGTERM, up to timeout for
// exit, then SIGKILL. It returns ErrUnkillable only if the process is still
// alive after SIGKILL. A pid that is already gone is not an error.
func (l *Launcher) Terminate(pid int, timeout time.Duration) error {
	if !Alive(pid) {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	if err := signalGroup(pid, unix.SIGTERM); err != nil {
		l.log.Debug("sigterm failed", "pid", pid, "error", err)
	}
	if waitGone(pid, timeout) {
		return nil
	}
	l.log.Warn("render server ignored SIGTERM, escalating", "pid", pid, "timeout", timeout)
	if err := signalGroup(pid, unix.SIGKILL); err != nil {
		l.log.Debug("sigkill failed", "pid", pid, "error", err)
	}
	if waitGone(pid, killGrace) {
		return nil
	}
	return fmt.Errorf("pid %d: %w", pid, ErrUnkillable)
}

func waitGone(pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if !Alive(pid) {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}
