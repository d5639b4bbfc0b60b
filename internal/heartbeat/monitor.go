package heartbeat

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/banco/internal/logger"
	"github.com/loykin/banco/internal/registry"
)

const (
	DefaultStalenessTimeout = 30 * time.Second
	DefaultSweepInterval    = 5 * time.Second
)

// Registry is the part of the node registry the monitor drives. Reports
// carry the entry id the record was tracked for, so a verdict about an
// old entry never lands on a newer one reusing the name.
type Registry interface {
	MarkRunningEntry(name, entryID string) bool
	MarkStoppedEntry(name, entryID string, crashed bool) bool
}

type Config struct {
	StalenessTimeout time.Duration `mapstructure:"staleness_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
}

func (c Config) withDefaults() Config {
	if c.StalenessTimeout <= 0 {
		c.StalenessTimeout = DefaultStalenessTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

type record struct {
	entryID  string
	lastSeen time.Time
	promoted bool
}

// Monitor keeps the liveness table. It has its own lock and never holds it
// while calling into the registry, so heartbeats do not contend with
// spawn or list traffic.
type Monitor struct {
	mu      sync.Mutex
	records map[string]*record

	reg     Registry
	cfg     Config
	now     func() time.Time
	log     *slog.Logger
	onBeat  func(name string, known bool)
	onStale func(name string, silence time.Duration)
}

type Option func(*Monitor)

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.log = l
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithHooks installs callbacks for every heartbeat and every stale
// detection. Either may be nil.
func WithHooks(onBeat func(name string, known bool), onStale func(name string, silence time.Duration)) Option {
	return func(m *Monitor) {
		m.onBeat = onBeat
		m.onStale = onStale
	}
}

func New(reg Registry, cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		records: make(map[string]*record),
		reg:     reg,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		log:     logger.Discard(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Monitor) Config() Config { return m.cfg }

// Track starts (or restarts) liveness tracking for one entry of name with
// last_seen at.
func (m *Monitor) Track(name, entryID string, at time.Time) {
	m.mu.Lock()
	m.records[name] = &record{entryID: entryID, lastSeen: at}
	m.mu.Unlock()
}

// Forget drops the liveness record for name when it belongs to entryID.
// An empty entryID drops whatever is tracked.
func (m *Monitor) Forget(name, entryID string) {
	m.mu.Lock()
	if rec, ok := m.records[name]; ok && (entryID == "" || rec.entryID == entryID) {
		delete(m.records, name)
	}
	m.mu.Unlock()
}

// Observe keeps the table in step with the registry: a started node is
// tracked from its spawn time, a stopped or removed one is forgotten.
// It satisfies registry.Observer.
func (m *Monitor) Observe(ev registry.Event) {
	switch ev.Type {
	case registry.EventStarted:
		m.Track(ev.Node.Name, ev.EntryID, m.now())
	case registry.EventStopped, registry.EventRemoved:
		m.Forget(ev.Node.Name, ev.EntryID)
	}
}

// Heartbeat records that name is alive. Unknown names are ignored.
// The first heartbeat of a tracked node promotes it to Running.
// It reports whether name was tracked.
func (m *Monitor) Heartbeat(name string) bool {
	m.mu.Lock()
	rec, ok := m.records[name]
	if !ok {
		m.mu.Unlock()
		if m.onBeat != nil {
			m.onBeat(name, false)
		}
		return false
	}
	rec.lastSeen = m.now()
	promote := !rec.promoted
	rec.promoted = true
	id := rec.entryID
	m.mu.Unlock()

	if m.onBeat != nil {
		m.onBeat(name, true)
	}
	if promote {
		m.reg.MarkRunningEntry(name, id)
	}
	return true
}

// LastSeen returns the last recorded heartbeat (or spawn time) for name.
func (m *Monitor) LastSeen(name string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	if !ok {
		return time.Time{}, false
	}
	return rec.lastSeen, true
}

// Tracked returns the names currently in the liveness table, sorted.
func (m *Monitor) Tracked() []string {
	m.mu.Lock()
	names := make([]string, 0, len(m.records))
	for name := range m.records {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)
	return names
}

// SweepOnce declares every node silent for longer than the staleness
// timeout as crashed and returns their names.
func (m *Monitor) SweepOnce(now time.Time) []string {
	type stale struct {
		name    string
		entryID string
		silence time.Duration
	}
	var found []stale
	m.mu.Lock()
	for name, rec := range m.records {
		if d := now.Sub(rec.lastSeen); d > m.cfg.StalenessTimeout {
			found = append(found, stale{name: name, entryID: rec.entryID, silence: d})
			delete(m.records, name)
		}
	}
	m.mu.Unlock()

	names := make([]string, 0, len(found))
	for _, s := range found {
		m.log.Warn("node stopped heartbeating", "node", s.name, "silence", s.silence.String(), "timeout", m.cfg.StalenessTimeout.String())
		if m.onStale != nil {
			m.onStale(s.name, s.silence)
		}
		m.reg.MarkStoppedEntry(s.name, s.entryID, true)
		names = append(names, s.name)
	}
	sort.Strings(names)
	return names
}

// Run sweeps every SweepInterval until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	t := time.NewTicker(m.cfg.SweepInterval)
	defer t.Stop()
	m.log.Debug("heartbeat monitor started", "timeout", m.cfg.StalenessTimeout.String(), "sweep", m.cfg.SweepInterval.String())
	for {
		select {
		case <-ctx.Done():
			m.log.Debug("heartbeat monitor stopped")
			return nil
		case <-t.C:
			m.SweepOnce(m.now())
		}
	}
}
