package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/banco/internal/logger"
	"github.com/loykin/banco/internal/node"
	"github.com/loykin/banco/internal/process"
)

const defaultStopGrace = 5 * time.Second

// Handle is the registry's view of a spawned OS process.
type Handle interface {
	PID() int
	Done() <-chan struct{}
	Terminate(grace time.Duration)
}

// Spawner creates the OS process for a node. onExit must be invoked at most
// once, from a goroutine other than the Spawn caller, when the process has
// been reaped.
type Spawner interface {
	Spawn(n node.Node, onExit func(process.Exit)) (Handle, error)
}

type entry struct {
	id        string
	node      node.Node
	handle    Handle // nil once reaped
	pid       int
	startedAt time.Time
}

// Registry is the authoritative table of nodes. One mutex guards every
// mutation and every snapshot.
type Registry struct {
	mu        sync.Mutex
	entries   map[string]*entry
	spawner   Spawner
	observers []Observer
	stopGrace time.Duration
	log       *slog.Logger
	now       func() time.Time
}

type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithObserver adds an observer for applied lifecycle events.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// WithStopGrace sets the SIGTERM to SIGKILL window used by Remove and Shutdown.
func WithStopGrace(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.stopGrace = d
		}
	}
}

func New(sp Spawner, opts ...Option) *Registry {
	r := &Registry{
		entries:   make(map[string]*entry),
		spawner:   sp,
		stopGrace: defaultStopGrace,
		log:       logger.Discard(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterAndSpawn inserts n as Initialising after its process started.
// The uniqueness check, the spawn and the insert run under the registry
// lock, so concurrent calls for one name have exactly one winner. On spawn
// failure the registry is left untouched.
func (r *Registry) RegisterAndSpawn(n node.Node) error {
	if err := n.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[n.Name]; ok {
		return node.ErrNodeAlreadyExists
	}
	id := uuid.NewString()
	h, err := r.spawner.Spawn(n, r.exitReporter(n.Name, id))
	if err != nil {
		r.log.Warn("spawn failed", "node", n.Name, "path", n.ExecutablePath, "err", err)
		r.notify(Event{Type: EventSpawnFailed, Node: n, Cause: CauseSpawn, Err: err, At: r.now()})
		return err
	}
	n.Status = node.Initialising()
	e := &entry{id: id, node: n, handle: h, pid: h.PID(), startedAt: r.now()}
	r.entries[n.Name] = e
	r.log.Info("node started", "node", n.Name, "pid", e.pid, "entry", id)
	r.notify(Event{Type: EventStarted, Node: n, Previous: node.Initialising(), EntryID: id, PID: e.pid, Cause: CauseSpawn, At: e.startedAt})
	return nil
}

// List returns a deep copy of all nodes.
func (r *Registry) List() map[string]node.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]node.Node, len(r.entries))
	for name, e := range r.entries {
		out[name] = e.node
	}
	return out
}

func (r *Registry) Get(name string) (node.Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return node.Node{}, false
	}
	return e.node, true
}

// Info is an operator view of an entry.
type Info struct {
	Node      node.Node `json:"node"`
	EntryID   string    `json:"entry_id"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Reaped    bool      `json:"reaped"`
}

// Describe returns the entry details for name.
func (r *Registry) Describe(name string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return Info{}, false
	}
	return Info{Node: e.node, EntryID: e.id, PID: e.pid, StartedAt: e.startedAt, Reaped: e.handle == nil}, true
}

// Processes maps node names to the PIDs of processes not yet reaped.
// A stale node whose process is still alive is included.
func (r *Registry) Processes() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.entries))
	for name, e := range r.entries {
		if e.handle != nil {
			out[name] = e.pid
		}
	}
	return out
}

// MarkRunning promotes an Initialising node. It reports whether a
// transition happened.
func (r *Registry) MarkRunning(name string) bool {
	return r.MarkRunningEntry(name, "")
}

// MarkStopped moves a live node to Stopped. Already stopped or unknown
// names are a no-op.
func (r *Registry) MarkStopped(name string, crashed bool) bool {
	return r.MarkStoppedEntry(name, "", crashed)
}

// MarkRunningEntry is MarkRunning bound to one entry identity: a report
// about an entry that has since been removed and replaced under the same
// name is dropped. An empty id matches any entry.
func (r *Registry) MarkRunningEntry(name, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lookup(name, id)
	if e == nil {
		return false
	}
	return r.transition(e, node.Running(), CauseHeartbeat, 0)
}

// MarkStoppedEntry is MarkStopped bound to one entry identity.
func (r *Registry) MarkStoppedEntry(name, id string, crashed bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lookup(name, id)
	if e == nil {
		return false
	}
	return r.transition(e, node.Stopped(crashed), CauseReported, 0)
}

// lookup returns the entry for name when id is empty or matches it.
// Caller holds r.mu.
func (r *Registry) lookup(name, id string) *entry {
	e, ok := r.entries[name]
	if !ok || (id != "" && e.id != id) {
		if ok {
			r.log.Debug("report for replaced entry dropped", "node", name, "entry", id, "current", e.id)
		}
		return nil
	}
	return e
}

// Remove drops a stopped entry so the name can be reused. A process that
// is still alive behind a stopped entry (declared stale) is terminated; its
// watcher reaps it and the late exit report is discarded.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", node.ErrNodeNotFound, name)
	}
	if e.node.Status.Live() {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", node.ErrNodeActive, name, e.node.Status)
	}
	delete(r.entries, name)
	h := e.handle
	r.notify(Event{Type: EventRemoved, Node: e.node, Previous: e.node.Status, EntryID: e.id, PID: e.pid, Cause: CauseOperator, At: r.now()})
	r.mu.Unlock()

	r.log.Info("node removed", "node", name, "entry", e.id)
	if h != nil {
		r.log.Warn("terminating process of removed node", "node", name, "pid", e.pid)
		go h.Terminate(r.stopGrace)
	}
	return nil
}

// Shutdown terminates every process still owned by the registry and waits
// until they are reaped or ctx ends.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	handles := make([]Handle, 0, len(r.entries))
	for _, e := range r.entries {
		if e.handle != nil {
			handles = append(handles, e.handle)
		}
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h Handle) {
			defer wg.Done()
			h.Terminate(r.stopGrace)
		}(h)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exitReporter binds an exit report to one entry identity so a process
// outliving its entry never touches a newer entry with the same name.
func (r *Registry) exitReporter(name, id string) func(process.Exit) {
	return func(ex process.Exit) {
		r.mu.Lock()
		defer r.mu.Unlock()
		e, ok := r.entries[name]
		if !ok || e.id != id {
			return
		}
		e.handle = nil
		if !r.transition(e, node.Stopped(ex.Crashed()), CauseExit, ex.Code) {
			r.log.Debug("process reaped", "node", name, "pid", e.pid, "exit_code", ex.Code)
		}
	}
}

// transition applies next to e when the state machine allows it.
// Caller holds r.mu.
func (r *Registry) transition(e *entry, next node.Status, cause Cause, exitCode int) bool {
	prev := e.node.Status
	if !prev.CanTransition(next) {
		return false
	}
	e.node.Status = next
	typ := EventRunning
	if next.IsStopped() {
		typ = EventStopped
	}
	lvl := slog.LevelInfo
	if next.Crashed() {
		lvl = slog.LevelWarn
	}
	r.log.Log(context.Background(), lvl, "node status changed",
		"node", e.node.Name, "from", prev.String(), "to", next.String(), "cause", string(cause), "pid", e.pid)
	r.notify(Event{Type: typ, Node: e.node, Previous: prev, EntryID: e.id, PID: e.pid, Cause: cause, ExitCode: exitCode, At: r.now()})
	return true
}

// notify runs observers. Caller holds r.mu.
func (r *Registry) notify(ev Event) {
	for _, o := range r.observers {
		o(ev)
	}
}
