// Package env composes the environment handed to spawned nodes.
package env

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env holds operator-defined variables on top of an optional OS base.
// The zero value is usable and inherits nothing.
type Env struct {
	Var  Var // global variables (K->V)
	base Var
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS uses the teller's own environment as the base.
func (e *Env) FromOS() *Env {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := split(kv); ok {
			base[k] = v
		}
	}
	e.base = base
	return e
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// SetPairs applies "K=V" entries; malformed entries are skipped.
func (e *Env) SetPairs(pairs []string) {
	for _, kv := range pairs {
		if k, v, ok := split(kv); ok {
			e.Set(k, v)
		}
	}
}

// LoadFile applies a .env file: KEY=VALUE lines, # comments, no quoting.
func (e *Env) LoadFile(path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("env file: %w", err)
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := split(line); ok {
			e.Set(strings.TrimSpace(k), strings.TrimSpace(v))
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

// Merge composes the final environment, sorted by key:
// base, then global overrides, then extra "K=V" entries. ${VAR}
// references are expanded once against the composed map.
func (e *Env) Merge(extra ...string) []string {
	m := make(Var, len(e.base)+len(e.Var)+len(extra))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		m[k] = v
	}
	for _, kv := range extra {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}

func split(kv string) (string, string, bool) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return "", "", false
	}
	return k, v, true
}
