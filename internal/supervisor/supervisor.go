package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/banco/internal/env"
	"github.com/loykin/banco/internal/logger"
	"github.com/loykin/banco/internal/node"
	"github.com/loykin/banco/internal/process"
	"github.com/loykin/banco/internal/registry"
)

// Environment handed to every node so it can find its way back.
const (
	EnvNodeName     = "BANCO_NODE_NAME"
	EnvTellerSocket = "BANCO_TELLER_SOCKET"
)

type Config struct {
	SocketPath string
	Output     logger.NodeOutput
	// Env is the environment shared by all nodes. nil inherits the
	// teller's own environment.
	Env *env.Env
	// WaitDelay bounds the output drain after a node exits while a forked
	// child still holds its pipes. Zero uses process.DefaultWaitDelay.
	WaitDelay time.Duration
}

// Supervisor owns process creation and the per-process exit watch.
// It never restarts anything.
type Supervisor struct {
	cfg Config
	log *slog.Logger
	wg  sync.WaitGroup
}

func New(cfg Config, log *slog.Logger) *Supervisor {
	if log == nil {
		log = logger.Discard()
	}
	if cfg.Env == nil {
		cfg.Env = env.New().FromOS()
	}
	return &Supervisor{cfg: cfg, log: log}
}

// Spawn starts the node's executable. OS failures come back as
// *node.SpawnError. On success a watcher goroutine owns the wait and calls
// onExit exactly once after the process is reaped.
func (s *Supervisor) Spawn(n node.Node, onExit func(process.Exit)) (registry.Handle, error) {
	vars := s.cfg.Env.Merge(EnvNodeName+"="+n.Name, EnvTellerSocket+"="+s.cfg.SocketPath)
	p, err := process.Start(process.Spec{
		Name:      n.Name,
		Path:      n.ExecutablePath,
		Env:       vars,
		Output:    s.cfg.Output,
		WaitDelay: s.cfg.WaitDelay,
	})
	if err != nil {
		return nil, node.SpawnFailed(err)
	}
	s.log.Debug("process spawned", "node", n.Name, "pid", p.PID())
	s.wg.Add(1)
	go s.watch(p, onExit)
	return p, nil
}

func (s *Supervisor) watch(p *process.Process, onExit func(process.Exit)) {
	defer s.wg.Done()
	ex, err := p.Wait()
	if err != nil {
		s.log.Error("wait on node process", "node", p.Name(), "pid", p.PID(), "err", err)
		return
	}
	if ex.Crashed() {
		s.log.Warn("node process exited abnormally", "node", p.Name(), "pid", p.PID(), "exit_code", ex.Code, "err", ex.Err)
	} else {
		s.log.Info("node process exited", "node", p.Name(), "pid", p.PID())
	}
	if onExit != nil {
		onExit(ex)
	}
}

// Wait blocks until every watcher has returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
