package teller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/banco/internal/heartbeat"
	"github.com/loykin/banco/internal/logger"
	"github.com/loykin/banco/internal/node"
	"github.com/loykin/banco/internal/registry"
	"github.com/loykin/banco/internal/supervisor"
)

type Config struct {
	Heartbeat  heartbeat.Config
	Supervisor supervisor.Config
	// StopGrace is the SIGTERM to SIGKILL window for Remove and Shutdown.
	StopGrace time.Duration
}

// Teller is the control plane: a registry fed by a process supervisor and
// a heartbeat monitor.
type Teller struct {
	reg *registry.Registry
	mon *heartbeat.Monitor
	sup *supervisor.Supervisor
	log *slog.Logger
}

var _ Service = (*Teller)(nil)

type options struct {
	log       *slog.Logger
	observers []registry.Observer
	monOpts   []heartbeat.Option
	spawner   registry.Spawner
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithObserver subscribes o to registry lifecycle events. o runs under the
// registry lock and must not block.
func WithObserver(ob registry.Observer) Option {
	return func(o *options) { o.observers = append(o.observers, ob) }
}

// WithHeartbeatOptions passes extra options to the heartbeat monitor.
func WithHeartbeatOptions(opts ...heartbeat.Option) Option {
	return func(o *options) { o.monOpts = append(o.monOpts, opts...) }
}

// WithSpawner replaces the OS process supervisor.
func WithSpawner(sp registry.Spawner) Option {
	return func(o *options) { o.spawner = sp }
}

func New(cfg Config, opts ...Option) *Teller {
	o := options{log: logger.Discard()}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = logger.Discard()
	}
	t := &Teller{log: o.log}
	t.sup = supervisor.New(cfg.Supervisor, o.log.With("component", "supervisor"))
	sp := o.spawner
	if sp == nil {
		sp = t.sup
	}

	// The monitor needs the registry and the registry notifies the
	// monitor; the indirection breaks the cycle.
	var mon *heartbeat.Monitor
	regOpts := []registry.Option{
		registry.WithLogger(o.log.With("component", "registry")),
		registry.WithStopGrace(cfg.StopGrace),
		registry.WithObserver(func(ev registry.Event) { mon.Observe(ev) }),
	}
	for _, ob := range o.observers {
		regOpts = append(regOpts, registry.WithObserver(ob))
	}
	t.reg = registry.New(sp, regOpts...)
	monOpts := append([]heartbeat.Option{heartbeat.WithLogger(o.log.With("component", "heartbeat"))}, o.monOpts...)
	mon = heartbeat.New(t.reg, cfg.Heartbeat, monOpts...)
	t.mon = mon
	return t
}

func (t *Teller) ListNodes(ctx context.Context) (ListNodesResponse, error) {
	if err := ctx.Err(); err != nil {
		return ListNodesResponse{}, err
	}
	return ListNodesResponse{Nodes: t.reg.List()}, nil
}

func (t *Teller) StartNode(_ context.Context, n node.Node) error {
	n.Status = node.Initialising()
	return t.reg.RegisterAndSpawn(n)
}

func (t *Teller) Heartbeat(_ context.Context, name string) {
	t.mon.Heartbeat(name)
}

// RemoveNode forgets a stopped node so its name can be reused.
func (t *Teller) RemoveNode(name string) error {
	return t.reg.Remove(name)
}

// Describe returns the registry details for one node.
func (t *Teller) Describe(name string) (registry.Info, bool) {
	return t.reg.Describe(name)
}

// Processes maps node names to PIDs of processes still running.
func (t *Teller) Processes() map[string]int {
	return t.reg.Processes()
}

// StartAll starts every node in order and joins the failures.
func (t *Teller) StartAll(ctx context.Context, nodes []node.Node) error {
	var errs []error
	for _, n := range nodes {
		if err := t.StartNode(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("start %s: %w", n.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Run drives the staleness sweep until ctx is canceled.
func (t *Teller) Run(ctx context.Context) error {
	return t.mon.Run(ctx)
}

// Shutdown terminates every live node and waits for the exit watchers.
func (t *Teller) Shutdown(ctx context.Context) error {
	t.log.Info("shutting down nodes")
	if err := t.reg.Shutdown(ctx); err != nil {
		return fmt.Errorf("terminate nodes: %w", err)
	}
	if err := t.sup.Wait(ctx); err != nil {
		return fmt.Errorf("wait for watchers: %w", err)
	}
	return nil
}

// Monitor exposes the liveness table.
func (t *Teller) Monitor() *heartbeat.Monitor { return t.mon }
