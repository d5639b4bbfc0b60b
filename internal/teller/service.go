package teller

import (
	"context"

	"github.com/loykin/banco/internal/node"
)

// ListNodesResponse is a consistent snapshot of the registry.
type ListNodesResponse struct {
	Nodes map[string]node.Node `json:"nodes"`
}

// Service is the control surface exposed to nodes and operators over IPC.
type Service interface {
	// ListNodes returns every registered node with its current status.
	ListNodes(ctx context.Context) (ListNodesResponse, error)
	// StartNode registers n and spawns its executable. The status carried
	// by n is ignored. It returns once the spawn attempt has finished.
	StartNode(ctx context.Context, n node.Node) error
	// Heartbeat records that the named node is alive. It never fails and
	// unknown names are ignored.
	Heartbeat(ctx context.Context, name string)
}
