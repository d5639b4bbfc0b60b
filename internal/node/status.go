package node

import (
	"encoding/json"
	"fmt"
)

// Kind enumerates the variants of Status.
type Kind uint8

const (
	KindInitialising Kind = iota
	KindRunning
	KindStopped
)

func (k Kind) String() string {
	switch k {
	case KindInitialising:
		return "Initialising"
	case KindRunning:
		return "Running"
	case KindStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "Initialising":
		return KindInitialising, nil
	case "Running":
		return KindRunning, nil
	case "Stopped":
		return KindStopped, nil
	}
	return 0, fmt.Errorf("unknown node status %q", s)
}

// Status is a closed sum type: Initialising, Running or Stopped{crashed}.
// The zero value is Initialising. The crashed flag only exists on Stopped;
// the constructors are the only way to build a value.
type Status struct {
	kind    Kind
	crashed bool
}

func Initialising() Status { return Status{kind: KindInitialising} }

func Running() Status { return Status{kind: KindRunning} }

func Stopped(crashed bool) Status { return Status{kind: KindStopped, crashed: crashed} }

// FromParts rebuilds a Status from its serialized pieces. crashed is
// dropped for variants other than Stopped.
func FromParts(k Kind, crashed bool) (Status, error) {
	switch k {
	case KindInitialising:
		return Initialising(), nil
	case KindRunning:
		return Running(), nil
	case KindStopped:
		return Stopped(crashed), nil
	}
	return Status{}, fmt.Errorf("unknown node status kind %d", uint8(k))
}

func (s Status) Kind() Kind { return s.kind }

// Crashed reports whether a Stopped node stopped abnormally.
// It is always false for the other variants.
func (s Status) Crashed() bool { return s.kind == KindStopped && s.crashed }

func (s Status) IsStopped() bool { return s.kind == KindStopped }

// Live reports whether the node is still Initialising or Running.
func (s Status) Live() bool { return s.kind != KindStopped }

// CanTransition reports whether moving from s to next respects the
// Initialising -> Running -> Stopped ordering. Stopped is terminal.
func (s Status) CanTransition(next Status) bool {
	switch s.kind {
	case KindInitialising:
		return next.kind == KindRunning || next.kind == KindStopped
	case KindRunning:
		return next.kind == KindStopped
	default:
		return false
	}
}

// Label is a flat lowercase rendering used for metrics labels and logs.
func (s Status) Label() string {
	switch s.kind {
	case KindInitialising:
		return "initialising"
	case KindRunning:
		return "running"
	case KindStopped:
		if s.crashed {
			return "crashed"
		}
		return "stopped"
	}
	return "unknown"
}

func (s Status) String() string {
	if s.kind == KindStopped {
		return fmt.Sprintf("Stopped{crashed: %t}", s.crashed)
	}
	return s.kind.String()
}

type statusJSON struct {
	Kind    string `json:"kind"`
	Crashed *bool  `json:"crashed,omitempty"`
}

func (s Status) MarshalJSON() ([]byte, error) {
	out := statusJSON{Kind: s.kind.String()}
	if s.kind == KindStopped {
		c := s.crashed
		out.Crashed = &c
	}
	return json.Marshal(out)
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var in statusJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	if in.Kind == "" {
		*s = Initialising()
		return nil
	}
	k, err := ParseKind(in.Kind)
	if err != nil {
		return err
	}
	crashed := in.Crashed != nil && *in.Crashed
	st, err := FromParts(k, crashed)
	if err != nil {
		return err
	}
	*s = st
	return nil
}
