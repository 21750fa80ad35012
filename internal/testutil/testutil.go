// Package testutil holds helpers shared by package tests: free port ranges and
// a stand-in render-server executable.
package testutil

import (
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"testing"
)

var (
	rangeMu   sync.Mutex
	nextProbe = 42000
)

// FreePortRange returns the first port of n consecutive ports on 127.0.0.1 that
// are bindable right now. Successive calls in one test binary never overlap.
func FreePortRange(t testing.TB, n int) int {
	t.Helper()
	rangeMu.Lock()
	defer rangeMu.Unlock()
	for start := nextProbe; start+n < 60000; start++ {
		ok := true
		for p := start; p < start+n; p++ {
			ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p)))
			if err != nil {
				ok = false
				start = p
				break
			}
			_ = ln.Close()
		}
		if ok {
			nextProbe = start + n + 1
			return start
		}
	}
	t.Fatalf("no run of %d free ports found", n)
	return 0
}

// serverScript idles until signalled. It ignores its arguments so the argv seen
// by identity checks is exactly what the launcher passed.
const serverScript = `#!/bin/sh
trap 'exit 0' TERM INT
while true; do
  sleep 1 &
  wait $!
done
`

// crashScript writes to stderr and exits non-zero, like a server losing a port race.
const crashScript = `#!/bin/sh
echo "bind failed: address already in use" >&2
exit 3
`

// stubbornScript ignores SIGTERM so stop paths must escalate to SIGKILL.
const stubbornScript = `#!/bin/sh
trap '' TERM
while true; do
  sleep 1
done
`

// FakeServer writes an idle render-server stand-in named name into a temp dir
// and returns its absolute path.
func FakeServer(t testing.TB, name string) string {
	return writeScript(t, name, serverScript)
}

// CrashingServer writes a stand-in that exits immediately with stderr output.
func CrashingServer(t testing.TB, name string) string {
	return writeScript(t, name, crashScript)
}

// StubbornServer writes a stand-in that ignores SIGTERM.
func StubbornServer(t testing.TB, name string) string {
	return writeScript(t, name, stubbornScript)
}

// RequireUnix skips the test on platforms without process groups and /bin/sh.
func RequireUnix(t testing.TB) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix-only test")
	}
}

func writeScript(t testing.TB, name, body string) string {
	t.Helper()
	RequireUnix(t)
	dir := t.TempDir()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o755); err != nil { // #nosec G306 executable test fixture
		t.Fatalf("write script: %v", err)
	}
	return p
}
