package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/banco/internal/node"
	"github.com/loykin/banco/internal/registry"
	"github.com/loykin/banco/internal/rpc"
	"github.com/loykin/banco/internal/teller"
)

// fakeTeller implements server.Control and so teller.Service.
type fakeTeller struct {
	mu    sync.Mutex
	nodes map[string]node.Node
	beats []string
}

func newFakeTeller() *fakeTeller { return &fakeTeller{nodes: make(map[string]node.Node)} }

func (f *fakeTeller) ListNodes(context.Context) (teller.ListNodesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]node.Node, len(f.nodes))
	for k, v := range f.nodes {
		out[k] = v
	}
	return teller.ListNodesResponse{Nodes: out}, nil
}

func (f *fakeTeller) StartNode(_ context.Context, n node.Node) error {
	if err := n.Validate(); err != nil {
		return err
	}
	if n.ExecutablePath == "/nonexistent" {
		return node.SpawnFailed(os.ErrNotExist)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[n.Name]; ok {
		return node.ErrNodeAlreadyExists
	}
	n.Status = node.Initialising()
	f.nodes[n.Name] = n
	return nil
}

func (f *fakeTeller) Heartbeat(_ context.Context, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beats = append(f.beats, name)
	if n, ok := f.nodes[name]; ok && n.Status.Kind() == node.KindInitialising {
		n.Status = node.Running()
		f.nodes[name] = n
	}
}

func (f *fakeTeller) RemoveNode(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[name]
	if !ok {
		return fmt.Errorf("%w: %s", node.ErrNodeNotFound, name)
	}
	if n.Status.Live() {
		return fmt.Errorf("%w: %s is %s", node.ErrNodeActive, name, n.Status)
	}
	delete(f.nodes, name)
	return nil
}

func (f *fakeTeller) Describe(name string) (registry.Info, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[name]
	if !ok {
		return registry.Info{}, false
	}
	return registry.Info{Node: n, EntryID: "entry-" + name, PID: 4242, StartedAt: time.Unix(0, 0).UTC()}, true
}

func (f *fakeTeller) set(name string, st node.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.nodes[name]
	n.Status = st
	f.nodes[name] = n
}

func (f *fakeTeller) beatCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := 0
	for _, b := range f.beats {
		if b == name {
			c++
		}
	}
	return c
}

// socketPath stays short; unix socket paths are limited to ~104 bytes.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "bcl")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "t.sock")
}

func startRPC(t *testing.T, svc teller.Service, sock string) *rpc.Server {
	t.Helper()
	srv, err := rpc.Listen(rpc.Config{SocketPath: sock}, svc)
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(context.Background())
	}()
	t.Cleanup(func() {
		_ = srv.Close()
		<-done
	})
	return srv
}
