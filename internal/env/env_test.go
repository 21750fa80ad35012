package env

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), ".env")
	data := "A=1\n# comment\n\nexport B = two\nC=\"quoted value\"\n"
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := LoadFile(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m["A"] != "1" || m["B"] != "two" || m["C"] != "quoted value" {
		t.Fatalf("unexpected vars: %+v", m)
	}
}

func TestLoadFileErrors(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing file")
	}
	p := filepath.Join(t.TempDir(), "bad.env")
	if err := os.WriteFile(p, []byte("NOEQUALS\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadFile(p)
	if err == nil || !strings.Contains(err.Error(), ":1:") {
		t.Fatalf("expected line-numbered error, got %v", err)
	}
}

func TestComposePrecedenceAndExpansion(t *testing.T) {
	t.Setenv("RENDERD_ENV_TEST_HOME", "/opt/solver")
	dir := t.TempDir()
	f1 := filepath.Join(dir, "a.env")
	f2 := filepath.Join(dir, "b.env")
	if err := os.WriteFile(f1, []byte("LEVEL=file1\nLIB=${RENDERD_ENV_TEST_HOME}/lib\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(f2, []byte("LEVEL=file2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := Compose([]string{f1, f2}, []string{"PATH_EXTRA=${LIB}:/usr/lib", "PRICE=$5"})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	// single pass: PATH_EXTRA sees LIB unexpanded
	want := []string{
		"LEVEL=file2",
		"LIB=/opt/solver/lib",
		"PATH_EXTRA=${RENDERD_ENV_TEST_HOME}/lib:/usr/lib",
		"PRICE=$5",
	}
	if strings.Join(out, "\n") != strings.Join(want, "\n") {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestComposeRejectsMalformedPair(t *testing.T) {
	if _, err := Compose(nil, []string{"=x"}); err == nil {
		t.Fatal("expected error for empty key")
	}
	if _, err := Compose(nil, []string{"JUSTKEY"}); err == nil {
		t.Fatal("expected error for missing '='")
	}
}
