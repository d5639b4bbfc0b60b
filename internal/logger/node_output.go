package logger

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// NodeOutput describes where a node's stdout and stderr go.
// With Dir set, files are Dir/<name>.stdout.log and Dir/<name>.stderr.log.
// With Dir empty both writers are nil and the caller discards output.
type NodeOutput struct {
	Dir        string `mapstructure:"log_dir"`
	MaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	MaxBackups int    `mapstructure:"log_max_backups"`
	MaxAgeDays int    `mapstructure:"log_max_age_days"`
	Compress   bool   `mapstructure:"log_compress"`
}

// Writers returns rotating writers for the named node.
func (c NodeOutput) Writers(name string) (io.WriteCloser, io.WriteCloser) {
	if c.Dir == "" {
		return nil, nil
	}
	stem := fileStem(name)
	return c.rotating(filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", stem))),
		c.rotating(filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", stem)))
}

// fileStem keeps a node name inside Dir: separators and ".." become "_".
func fileStem(name string) string {
	stem := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(name)
	if stem == "" || stem == "." {
		return "_"
	}
	return stem
}

func (c NodeOutput) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}
