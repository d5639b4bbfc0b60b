package history

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/banco/internal/registry"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"
	EventRunning EventType = "running"
	EventStop    EventType = "stop"
	EventRemove  EventType = "remove"
)

// Event is one node lifecycle change exported to external systems.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Node       string    `json:"node"`
	EntryID    string    `json:"entry_id"`
	PID        int       `json:"pid"`
	Status     string    `json:"status"`
	Crashed    bool      `json:"crashed"`
	Cause      string    `json:"cause"`
	ExitCode   int       `json:"exit_code"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// FromRegistry converts a registry event. Spawn failures have no entry and
// are not part of the history.
func FromRegistry(ev registry.Event) (Event, bool) {
	var typ EventType
	switch ev.Type {
	case registry.EventStarted:
		typ = EventStart
	case registry.EventRunning:
		typ = EventRunning
	case registry.EventStopped:
		typ = EventStop
	case registry.EventRemoved:
		typ = EventRemove
	default:
		return Event{}, false
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		OccurredAt: at.UTC(),
		Node:       ev.Node.Name,
		EntryID:    ev.EntryID,
		PID:        ev.PID,
		Status:     ev.Node.Status.Label(),
		Crashed:    ev.Node.Status.Crashed(),
		Cause:      string(ev.Cause),
		ExitCode:   ev.ExitCode,
	}, true
}
