package main

import (
	"time"

	"github.com/loykin/banco/internal/config"
)

const defaultTimeout = 10 * time.Second

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	Socket     string
	APIUrl     string
	Timeout    time.Duration
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

// StartFlags holds flags for nodes start.
type StartFlags struct {
	Name string
	Path string
}

// ListFlags holds flags for nodes list.
type ListFlags struct {
	JSON bool
}

// HeartbeatFlags holds flags for the heartbeat command.
type HeartbeatFlags struct {
	Watch    bool
	Interval time.Duration
}

// socketPath resolves the socket: --socket, then the config file and
// BANCO_* environment, then the built-in default.
func (g *GlobalFlags) socketPath() (string, error) {
	if g.Socket != "" {
		return g.Socket, nil
	}
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return "", err
	}
	return cfg.Server.SocketPath, nil
}

// apiURL resolves the admin endpoint: --api-url, else the [http] section
// of the config.
func (g *GlobalFlags) apiURL() (string, error) {
	if g.APIUrl != "" {
		return g.APIUrl, nil
	}
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return "", err
	}
	scheme := "http"
	if cfg.HTTP.TLS.Enabled {
		scheme = "https"
	}
	return scheme + "://" + cfg.HTTP.Listen + cfg.HTTP.BasePath, nil
}
