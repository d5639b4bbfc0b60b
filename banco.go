// Package banco is the embeddable surface of the teller: node types, the
// configuration loader, the daemon and the node-side client.
package banco

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/banco/internal/config"
	"github.com/loykin/banco/internal/metrics"
	"github.com/loykin/banco/internal/node"
	"github.com/loykin/banco/internal/teller"
	"github.com/loykin/banco/pkg/client"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Node = node.Node

type Status = node.Status

type Config = config.Config

type Service = teller.Service

type ListNodesResponse = teller.ListNodesResponse

type Client = client.Client

type Heartbeater = client.Heartbeater

type SpawnError = node.SpawnError

var (
	ErrNodeAlreadyExists = node.ErrNodeAlreadyExists
	ErrFailedToSpawn     = node.ErrFailedToSpawn
	ErrNodeNotFound      = node.ErrNodeNotFound
	ErrNodeActive        = node.ErrNodeActive
	ErrInvalidNode       = node.ErrInvalidNode
)

func Initialising() Status { return node.Initialising() }

func Running() Status { return node.Running() }

func Stopped(crashed bool) Status { return node.Stopped(crashed) }

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func DefaultConfig() *Config { return config.Default() }

// Dial connects to a teller's IPC socket.
func Dial(ctx context.Context, socket string) (*Client, error) {
	return client.Dial(ctx, socket)
}

// HeartbeaterFromEnv is what a node calls at startup to keep itself alive
// in the teller's eyes.
var HeartbeaterFromEnv = client.HeartbeaterFromEnv

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

func MetricsHandler() http.Handler { return metrics.Handler() }
