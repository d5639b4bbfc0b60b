// Package config loads the teller's TOML configuration through viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/banco/internal/env"
	"github.com/loykin/banco/internal/heartbeat"
	"github.com/loykin/banco/internal/logger"
	"github.com/loykin/banco/internal/metrics"
	"github.com/loykin/banco/internal/node"
	"github.com/loykin/banco/internal/rpc"
	tlsx "github.com/loykin/banco/internal/tls"
	"github.com/loykin/banco/internal/wire"
)

// EnvPrefix prefixes environment overrides: BANCO_SERVER_SOCKET,
// BANCO_HEARTBEAT_STALENESS_TIMEOUT and so on.
const EnvPrefix = "BANCO"

type Config struct {
	Server    rpc.Config       `mapstructure:"server"`
	Heartbeat heartbeat.Config `mapstructure:"heartbeat"`
	Nodes     NodesConfig      `mapstructure:"nodes"`
	Log       logger.Config    `mapstructure:"log"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	HTTP      HTTPConfig       `mapstructure:"http"`
	History   HistoryConfig    `mapstructure:"history"`

	// Environment shared by every node, applied in this order: the
	// teller's own environment when UseOSEnv, EnvFiles, then Env.
	UseOSEnv bool     `mapstructure:"use_os_env"`
	EnvFiles []string `mapstructure:"env_files"`
	Env      []string `mapstructure:"env"`

	// Boot lists nodes started when the teller comes up.
	Boot []NodeEntry `mapstructure:"node"`
}

type NodesConfig struct {
	Output    logger.NodeOutput `mapstructure:",squash"`
	StopGrace time.Duration     `mapstructure:"stop_grace"`
}

type MetricsConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	Listen  string              `mapstructure:"listen"`
	Usage   metrics.UsageConfig `mapstructure:",squash"`
}

type HTTPConfig struct {
	Enabled  bool        `mapstructure:"enabled"`
	Listen   string      `mapstructure:"listen"`
	BasePath string      `mapstructure:"base_path"`
	TLS      tlsx.Config `mapstructure:"tls"`
}

type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	DSNs    []string `mapstructure:"dsns"`
	Buffer  int      `mapstructure:"buffer"`
}

type NodeEntry struct {
	Name           string `mapstructure:"name"`
	ExecutablePath string `mapstructure:"executable_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.socket", rpc.DefaultSocketPath)
	v.SetDefault("server.max_frame_bytes", wire.DefaultMaxFrame)

	v.SetDefault("heartbeat.staleness_timeout", heartbeat.DefaultStalenessTimeout)
	v.SetDefault("heartbeat.sweep_interval", heartbeat.DefaultSweepInterval)

	v.SetDefault("nodes.log_dir", "")
	v.SetDefault("nodes.log_max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("nodes.log_max_backups", logger.DefaultMaxBackups)
	v.SetDefault("nodes.log_max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("nodes.log_compress", false)
	v.SetDefault("nodes.stop_grace", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("metrics.usage", false)
	v.SetDefault("metrics.usage_interval", 10*time.Second)

	v.SetDefault("http.enabled", false)
	v.SetDefault("http.listen", "127.0.0.1:8080")
	v.SetDefault("http.base_path", "/api")
	v.SetDefault("http.tls.enabled", false)
	v.SetDefault("http.tls.cert_file", "")
	v.SetDefault("http.tls.key_file", "")
	v.SetDefault("http.tls.dir", "")
	v.SetDefault("http.tls.auto_generate", false)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsns", []string{})
	v.SetDefault("history.buffer", 256)

	v.SetDefault("use_os_env", true)
	v.SetDefault("env_files", []string{})
	v.SetDefault("env", []string{})
}

// Load reads path (TOML) on top of the defaults and applies BANCO_*
// environment overrides. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default is Load("") without environment overrides.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.SocketPath) == "" {
		errs = append(errs, errors.New("server.socket must not be empty"))
	}
	if c.Server.MaxFrameBytes <= 0 {
		errs = append(errs, errors.New("server.max_frame_bytes must be positive"))
	}
	if c.Heartbeat.StalenessTimeout <= 0 {
		errs = append(errs, errors.New("heartbeat.staleness_timeout must be positive"))
	}
	if c.Heartbeat.SweepInterval <= 0 {
		errs = append(errs, errors.New("heartbeat.sweep_interval must be positive"))
	}
	if c.Heartbeat.SweepInterval > 0 && c.Heartbeat.StalenessTimeout > 0 &&
		c.Heartbeat.SweepInterval >= c.Heartbeat.StalenessTimeout {
		errs = append(errs, fmt.Errorf("heartbeat.sweep_interval (%s) must be shorter than staleness_timeout (%s)",
			c.Heartbeat.SweepInterval, c.Heartbeat.StalenessTimeout))
	}
	if c.Nodes.StopGrace <= 0 {
		errs = append(errs, errors.New("nodes.stop_grace must be positive"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Metrics.Usage.Enabled && c.Metrics.Usage.Interval <= 0 {
		errs = append(errs, errors.New("metrics.usage_interval must be positive"))
	}
	for _, v := range []string{c.HTTP.TLS.MinVersion, c.HTTP.TLS.MaxVersion} {
		if !tlsx.ValidVersion(v) {
			errs = append(errs, fmt.Errorf("http.tls: unknown TLS version %q", v))
		}
	}
	if c.History.Enabled && len(c.History.DSNs) == 0 {
		errs = append(errs, errors.New("history.enabled requires at least one dsn"))
	}
	seen := make(map[string]bool, len(c.Boot))
	for i, n := range c.Boot {
		if err := n.toNode().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("node[%d]: %w", i, err))
			continue
		}
		if seen[n.Name] {
			errs = append(errs, fmt.Errorf("node[%d]: duplicate name %q", i, n.Name))
		}
		seen[n.Name] = true
	}
	return errors.Join(errs...)
}

func (n NodeEntry) toNode() node.Node {
	return node.Node{Name: n.Name, ExecutablePath: n.ExecutablePath}
}

// BootNodes returns the [[node]] entries in file order.
func (c *Config) BootNodes() []node.Node {
	out := make([]node.Node, 0, len(c.Boot))
	for _, n := range c.Boot {
		out = append(out, n.toNode())
	}
	return out
}

// NodeEnv composes the environment shared by all nodes.
func (c *Config) NodeEnv() (*env.Env, error) {
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	}
	for _, f := range c.EnvFiles {
		if err := e.LoadFile(f); err != nil {
			return nil, err
		}
	}
	e.SetPairs(c.Env)
	return e, nil
}
