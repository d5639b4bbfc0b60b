package server

import (
	"encoding/json"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

// normalizeBase turns " api/ " into "/api"; empty and "/" mount at the root.
func normalizeBase(bp string) string {
	bp = path.Clean("/" + strings.TrimSpace(bp))
	if bp == "/" {
		return ""
	}
	return bp
}

// isCleanAbsPath accepts only absolute paths that filepath.Clean leaves
// untouched, so no "..", "." or doubled separators reach the supervisor.
func isCleanAbsPath(p string) bool {
	return p != "" && filepath.IsAbs(p) && filepath.Clean(p) == p
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json; charset=utf-8")
	c.Status(code)
	enc := json.NewEncoder(c.Writer)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
