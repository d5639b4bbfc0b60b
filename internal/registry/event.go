package registry

import (
	"time"

	"github.com/loykin/banco/internal/node"
)

// EventType is the kind of lifecycle change the registry applied.
type EventType string

const (
	EventStarted     EventType = "start"
	EventSpawnFailed EventType = "spawn_failed"
	EventRunning     EventType = "running"
	EventStopped     EventType = "stop"
	EventRemoved     EventType = "remove"
)

// Cause records who drove a transition.
type Cause string

const (
	CauseSpawn     Cause = "spawn"
	CauseHeartbeat Cause = "heartbeat"
	CauseExit      Cause = "exit"
	CauseReported  Cause = "reported" // MarkStopped from outside, e.g. staleness
	CauseOperator  Cause = "operator"
)

// Event describes one applied change. Node carries the state after it.
type Event struct {
	Type     EventType
	Node     node.Node
	Previous node.Status
	EntryID  string
	PID      int
	Cause    Cause
	ExitCode int
	Err      error
	At       time.Time
}

// Observer receives events while the registry lock is held, in the order
// they were applied. It must not block and must not call back into the
// registry.
type Observer func(Event)
