package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/loykin/banco/internal/logger"
	"github.com/loykin/banco/internal/supervisor"
)

// DefaultHeartbeatInterval stays well inside the teller's default
// staleness timeout.
const DefaultHeartbeatInterval = 5 * time.Second

// Heartbeater is the node side of liveness: it keeps a connection to the
// teller and sends a heartbeat every interval, redialing when the
// connection drops.
type Heartbeater struct {
	Name     string
	Socket   string
	Interval time.Duration
	Logger   *slog.Logger
}

// HeartbeaterFromEnv builds a Heartbeater from the variables a teller sets
// on every node it spawns.
func HeartbeaterFromEnv(interval time.Duration) (*Heartbeater, error) {
	name := os.Getenv(supervisor.EnvNodeName)
	sock := os.Getenv(supervisor.EnvTellerSocket)
	if name == "" || sock == "" {
		return nil, fmt.Errorf("%s and %s must be set", supervisor.EnvNodeName, supervisor.EnvTellerSocket)
	}
	return &Heartbeater{Name: name, Socket: sock, Interval: interval}, nil
}

// Run blocks until ctx is done. The first heartbeat goes out as soon as
// the connection is up.
func (h *Heartbeater) Run(ctx context.Context) error {
	interval := h.Interval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	log := h.Logger
	if log == nil {
		log = logger.Discard()
	}
	log = log.With("node", h.Name)

	t := time.NewTicker(interval)
	defer t.Stop()

	var c *Client
	defer func() {
		if c != nil {
			_ = c.Close()
		}
	}()
	for {
		if c == nil {
			var err error
			if c, err = Dial(ctx, h.Socket, WithLogger(log)); err != nil {
				log.Warn("teller unreachable", "socket", h.Socket, "err", err)
				c = nil
			}
		}
		if c != nil {
			if err := c.SendHeartbeat(ctx, h.Name); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				log.Warn("heartbeat failed, reconnecting", "err", err)
				_ = c.Close()
				c = nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
