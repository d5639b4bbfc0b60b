package env

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toMap(pairs []string) map[string]string {
	m := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	return m
}

func TestMerge_Precedence(t *testing.T) {
	e := New()
	e.base = Var{"A": "base", "B": "base"}
	e.Set("B", "global")
	e.Set("C", "global")
	m := toMap(e.Merge("C=extra", "D=extra"))
	assert.Equal(t, map[string]string{"A": "base", "B": "global", "C": "extra", "D": "extra"}, m)
}

func TestMerge_SortedAndExpanded(t *testing.T) {
	e := New()
	e.SetPairs([]string{"HOME_DIR=/srv", "DATA=${HOME_DIR}/data", "bad", "=x"})
	out := e.Merge("LOGS=${HOME_DIR}/logs")
	assert.Equal(t, []string{"DATA=/srv/data", "HOME_DIR=/srv", "LOGS=/srv/logs"}, out)
}

func TestMerge_ZeroValue(t *testing.T) {
	var e Env
	assert.Equal(t, []string{"X=1"}, e.Merge("X=1"))
}

func TestFromOS(t *testing.T) {
	t.Setenv("BANCO_ENV_TEST", "yes")
	m := toMap(New().FromOS().Merge())
	assert.Equal(t, "yes", m["BANCO_ENV_TEST"])
}

func TestLoadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(p, []byte("A=1\n# comment\n\n B = two \nnoequals\n"), 0o600))
	e := New()
	require.NoError(t, e.LoadFile(p))
	assert.Equal(t, Var{"A": "1", "B": "two"}, e.Var)

	assert.Error(t, e.LoadFile(filepath.Join(t.TempDir(), "missing")))
}

// FuzzMerge checks that Merge never emits malformed pairs.
func FuzzMerge(f *testing.F) {
	f.Add("A=1\nB=${A}-x", "C=${B}-y")
	f.Add("FOO=bar", "FOO=${FOO}")
	f.Add("X=$Y", "Y=${X}")

	f.Fuzz(func(t *testing.T, global, extra string) {
		e := New()
		e.SetPairs(strings.Split(global, "\n"))
		out := e.Merge(strings.Split(extra, "\n")...)
		seen := make(map[string]bool, len(out))
		for _, kv := range out {
			k, _, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				t.Fatalf("bad pair: %q", kv)
			}
			if seen[k] {
				t.Fatalf("duplicate key %q", k)
			}
			seen[k] = true
		}
	})
}
