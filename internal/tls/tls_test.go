package tls

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/loykin/renderd/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	c, err := Setup(config.TLSConfig{})
	if err != nil || c != nil {
		t.Fatalf("disabled tls: got %v, %v", c, err)
	}
}

func TestSetupAutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")
	c, err := Setup(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true, Hosts: []string{"localhost", "127.0.0.1"}})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if c.MinVersion != tls.VersionTLS12 {
		t.Fatalf("min version = %x", c.MinVersion)
	}
	for _, f := range []string{CertFile, KeyFile, CACertFile} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Fatalf("%s not written: %v", f, err)
		}
	}
	cert, err := c.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil {
		t.Fatalf("get certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(leaf.IPAddresses) != 1 || leaf.DNSNames[0] != "localhost" {
		t.Fatalf("unexpected SANs: %v %v", leaf.DNSNames, leaf.IPAddresses)
	}

	// existing pair is reused, not regenerated
	before, _ := os.ReadFile(filepath.Join(dir, CertFile))
	if _, err := Setup(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true}); err != nil {
		t.Fatal(err)
	}
	after, _ := os.ReadFile(filepath.Join(dir, CertFile))
	if string(before) != string(after) {
		t.Fatal("certificate was regenerated")
	}
}

func TestSetupErrors(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]config.TLSConfig{
		"no source":     {Enabled: true},
		"missing files": {Enabled: true, Dir: dir},
		"bad version":   {Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.0"},
		"garbage pair":  {Enabled: true, CertFile: writeFile(t, dir, "c.pem"), KeyFile: writeFile(t, dir, "k.pem")},
	}
	for name, cfg := range cases {
		if _, err := Setup(cfg); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestSafeReadFile(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "ok.pem")
	if _, err := safeReadFile(dir, p); err != nil {
		t.Fatalf("inside dir: %v", err)
	}
	if _, err := safeReadFile(dir, filepath.Join(dir, "..", "escape.pem")); err == nil {
		t.Fatal("expected error for path outside base dir")
	}
}

func writeFile(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("not a pem"), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}
