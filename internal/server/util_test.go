package server

import (
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestNormalizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
		{"/a//b/", "/a/b"},
	}
	for _, c := range cases {
		if got := normalizeBase(c.in); got != c.want {
			t.Fatalf("normalizeBase(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestIsCleanAbsPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix paths")
	}
	for _, p := range []string{"/bin/true", "/usr/local/bin/node-a"} {
		if !isCleanAbsPath(p) {
			t.Fatalf("expected %q to be accepted", p)
		}
	}
	for _, p := range []string{"", "bin/true", "/bin/../etc", "/bin//true", "/bin/./true", "/bin/"} {
		if isCleanAbsPath(p) {
			t.Fatalf("expected %q to be rejected", p)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { writeJSON(c, 201, map[string]any{"a": "<b>"}) })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	if rec.Code != 201 {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content-type: %s", ct)
	}
	if !strings.Contains(rec.Body.String(), "<b>") {
		t.Fatalf("html escaped: %s", rec.Body.String())
	}
}

func FuzzIsCleanAbsPath(f *testing.F) {
	for _, s := range []string{"/safe/absolute/path", "", "/", "relative/path", "/path/../traversal", "/path/./current", "/path//double"} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, p string) {
		ok := isCleanAbsPath(p)
		if ok && filepath.Clean(p) != p {
			t.Errorf("accepted unclean path %q", p)
		}
		if ok && strings.Contains(p, string(filepath.Separator)+".."+string(filepath.Separator)) {
			t.Errorf("accepted traversal %q", p)
		}
	})
}

func FuzzNormalizeBase(f *testing.F) {
	for _, s := range []string{"", "/", "api", "/api/", " x ", "//a//"} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, in string) {
		out := normalizeBase(in)
		if out == "" {
			return
		}
		if !strings.HasPrefix(out, "/") || strings.HasSuffix(out, "/") {
			t.Errorf("normalizeBase(%q) = %q", in, out)
		}
	})
}
