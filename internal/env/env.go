// Package env composes the extra environment variables handed to render
// servers from dotenv files and inline KEY=VALUE entries.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Vars map[string]string

// LoadFile parses a dotenv file: KEY=VALUE lines, blank lines and lines
// starting with # are ignored, an optional leading "export " is dropped.
func LoadFile(path string) (Vars, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("env file %s: %w", path, err)
	}
	m := make(Vars)
	for n, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("env file %s:%d: expected KEY=VALUE", path, n+1)
		}
		m[k] = unquote(strings.TrimSpace(v))
	}
	return m, nil
}

// Compose merges files in order, then the inline pairs, and expands ${VAR}
// references against the composed set with the OS environment as fallback.
// The result is sorted by key.
func Compose(files, pairs []string) ([]string, error) {
	m := make(Vars)
	for _, f := range files {
		fv, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		for k, v := range fv {
			m[k] = v
		}
	}
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("env entry %q: expected KEY=VALUE", kv)
		}
		m[k] = v
	}
	return m.List(), nil
}

// List returns the expanded variables as sorted KEY=VALUE pairs.
func (m Vars) List() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m.expand(m[k]))
	}
	return out
}

// expand replaces ${VAR} once; a bare $ is left alone.
func (m Vars) expand(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		b.WriteString(s[:i])
		name := s[i+2 : i+2+j]
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(os.Getenv(name))
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}
