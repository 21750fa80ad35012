//go:build unix

package launcher

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// Alive reports whether pid exists and is not a zombie.
// EPERM from kill(0) still means the process exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := unix.Kill(pid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	return !isZombie(pid)
}

// isZombie returns true if /proc/<pid>/status reports state Z. Platforms
// without procfs report false; kill(0) is then the only signal.
func isZombie(pid int) bool {
	if runtime.GOOS != "linux" {
		return false
	}
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// ExitInfo describes a reaped child.
type ExitInfo struct {
	PID      int
	ExitCode int    // -1 when killed by a signal or unknown
	Signal   string // empty unless signaled
}

// Describe renders the exit status for a record's error message.
func (e ExitInfo) Describe() string {
	if e.Signal != "" {
		return "terminated by signal " + e.Signal
	}
	if e.ExitCode < 0 {
		return "exited (status unknown)"
	}
	return "exit status " + strconv.Itoa(e.ExitCode)
}

// TryReap performs a non-blocking wait on pid. It returns ok=true once the
// child has terminated and was reaped here, or if it is no longer our child
// (someone else reaped it), in which case ExitCode is -1.
func TryReap(pid int) (ExitInfo, bool) {
	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.ECHILD) {
			return ExitInfo{PID: pid, ExitCode: -1}, true
		}
		if err != nil || wpid == 0 {
			return ExitInfo{}, false
		}
		return exitInfo(pid, ws), true
	}
}

func exitInfo(pid int, ws unix.WaitStatus) ExitInfo {
	info := ExitInfo{PID: pid, ExitCode: -1}
	switch {
	case ws.Exited():
		info.ExitCode = ws.ExitStatus()
	case ws.Signaled():
		info.Signal = ws.Signal().String()
	}
	return info
}

// signalGroup signals the process group led by pid, falling back to the pid
// itself when it no longer leads a group.
func signalGroup(pid int, sig unix.Signal) error {
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	err := unix.Kill(pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
