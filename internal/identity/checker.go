// Package identity decides whether a stored PID still belongs to the render
// server this system launched. PIDs are recycled by the OS, so existence
// alone proves nothing: the executable and its port argument must match too.
//
// Every check is advisory. Inspection errors (permissions, a process that
// vanished mid-check) make the answer false; nothing here returns an error.
package identity

import (
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	gopsnet "github.com/shirou/gopsutil/v4/net"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// StartTolerance absorbs the coarse resolution of OS process start times.
const StartTolerance = 2 * time.Second

// linux truncates comm to 15 bytes
const commLen = 15

// Checker validates render-server processes against the configured binary
// and port flag.
type Checker struct {
	binary   string
	portFlag string
	log      *slog.Logger
}

// New returns a checker for processes started from binary whose port is
// selected with portFlag (e.g. "--server-port").
func New(binary, portFlag string, log *slog.Logger) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{binary: filepath.Base(binary), portFlag: portFlag, log: log}
}

// Validate reports whether pid exists, is not a zombie, runs the configured
// binary, and (if port > 0) was told to bind port.
func (c *Checker) Validate(pid, port int) bool {
	p, ok := c.inspect(pid)
	if !ok {
		return false
	}
	args, err := p.CmdlineSlice()
	if err != nil || len(args) == 0 {
		c.log.Debug("identity: cmdline unreadable", "pid", pid, "error", err)
		return false
	}
	return c.matches(p, args, port)
}

// ValidateSince is Validate plus a start-time check: a process that started
// after startedAt (beyond StartTolerance) is a reused PID.
func (c *Checker) ValidateSince(pid, port int, startedAt time.Time) bool {
	if !c.Validate(pid, port) {
		return false
	}
	if startedAt.IsZero() {
		return true
	}
	st := ProcStartTime(pid)
	if st.IsZero() {
		// unknown start time; identity already matched
		return true
	}
	if st.After(startedAt.Add(StartTolerance)) {
		c.log.Debug("identity: pid reused", "pid", pid, "proc_start", st, "recorded_start", startedAt)
		return false
	}
	return true
}

// FindByPort returns PIDs that listen on port or run the configured binary
// with port on their command line. The calling process is never included.
func (c *Checker) FindByPort(port int) []int {
	self := int32(os.Getpid())
	found := map[int32]struct{}{}

	if conns, err := gopsnet.Connections("tcp"); err == nil {
		for _, cs := range conns {
			if cs.Status == "LISTEN" && int(cs.Laddr.Port) == port && cs.Pid > 0 && cs.Pid != self {
				found[cs.Pid] = struct{}{}
			}
		}
	} else {
		c.log.Debug("identity: connection scan failed", "port", port, "error", err)
	}

	if procs, err := gopsproc.Processes(); err == nil {
		for _, p := range procs {
			if p.Pid == self {
				continue
			}
			args, err := p.CmdlineSlice()
			if err != nil || len(args) == 0 {
				continue
			}
			if c.identityMatches(p, args) && c.claimsPort(args, port) {
				found[p.Pid] = struct{}{}
			}
		}
	}

	out := make([]int, 0, len(found))
	for pid := range found {
		out = append(out, int(pid))
	}
	slices.Sort(out)
	return out
}

// inspect returns the process if it exists and is not a zombie.
func (c *Checker) inspect(pid int) (*gopsproc.Process, bool) {
	if pid <= 0 {
		return nil, false
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return nil, false
	}
	status, err := p.Status()
	if err != nil {
		c.log.Debug("identity: status unreadable", "pid", pid, "error", err)
		return nil, false
	}
	if slices.Contains(status, gopsproc.Zombie) {
		return nil, false
	}
	return p, true
}

func (c *Checker) matches(p *gopsproc.Process, args []string, port int) bool {
	if !c.identityMatches(p, args) {
		c.log.Debug("identity: binary mismatch", "pid", p.Pid, "want", c.binary, "args", args)
		return false
	}
	if port > 0 && !c.claimsPort(args, port) {
		c.log.Debug("identity: port mismatch", "pid", p.Pid, "port", port, "args", args)
		return false
	}
	return true
}

// identityMatches accepts the executable name, argv[0], or argv[1] (scripts
// run through an interpreter) when its basename equals the binary.
func (c *Checker) identityMatches(p *gopsproc.Process, args []string) bool {
	if name, err := p.Name(); err == nil && nameMatches(name, c.binary) {
		return true
	}
	for i := 0; i < len(args) && i < 2; i++ {
		if filepath.Base(args[i]) == c.binary {
			return true
		}
	}
	return false
}

func nameMatches(name, binary string) bool {
	if name == binary {
		return true
	}
	return len(name) == commLen && strings.HasPrefix(binary, name)
}

// claimsPort matches "<flag>=N" and "<flag> N".
func (c *Checker) claimsPort(args []string, port int) bool {
	return ArgsClaimPort(args, c.portFlag, port)
}

// ArgsClaimPort reports whether args select port through flag in either the
// "--flag=N" or "--flag N" style.
func ArgsClaimPort(args []string, flag string, port int) bool {
	want := strconv.Itoa(port)
	for i, a := range args {
		if a == flag+"="+want {
			return true
		}
		if a == flag && i+1 < len(args) && args[i+1] == want {
			return true
		}
	}
	return false
}
