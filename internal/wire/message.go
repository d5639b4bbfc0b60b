package wire

import (
	"errors"
	"fmt"

	"github.com/loykin/banco/internal/node"
)

type Op string

const (
	OpListNodes Op = "list_nodes"
	OpStartNode Op = "start_node"
	OpHeartbeat Op = "heartbeat"
)

// Status is the tagged-union form of node.Status.
type Status struct {
	Kind    string `codec:"kind"`
	Crashed bool   `codec:"crashed"`
}

type Node struct {
	Name           string `codec:"name"`
	ExecutablePath string `codec:"executable_path"`
	Status         Status `codec:"status"`
}

type Request struct {
	ID   uint64 `codec:"id"`
	Op   Op     `codec:"op"`
	Node *Node  `codec:"node,omitempty"`
	Name string `codec:"name,omitempty"`
}

// RequestID recovers the id of a request whose body does not decode, so
// the error reply can still be matched by the caller. It returns 0 when
// the payload is not a map carrying an id.
func RequestID(payload []byte) uint64 {
	var head struct {
		ID uint64 `codec:"id"`
	}
	if Unmarshal(payload, &head) != nil {
		return 0
	}
	return head.ID
}

type Response struct {
	ID    uint64          `codec:"id"`
	Nodes map[string]Node `codec:"nodes,omitempty"`
	Error *Error          `codec:"error,omitempty"`
}

type ErrorKind string

const (
	KindNodeAlreadyExists ErrorKind = "NodeAlreadyExists"
	KindFailedToSpawn     ErrorKind = "FailedToSpawn"
	KindInvalidNode       ErrorKind = "InvalidNode"
	KindInternal          ErrorKind = "Internal"
)

// ErrInternal is what a client sees for an Internal error kind, e.g. an
// unknown op or a malformed request.
var ErrInternal = errors.New("internal teller error")

type Error struct {
	Kind   ErrorKind `codec:"kind"`
	Reason string    `codec:"reason,omitempty"`
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Reason
}

// ErrorFrom maps a service error onto the wire. nil maps to nil.
func ErrorFrom(err error) *Error {
	if err == nil {
		return nil
	}
	var se *node.SpawnError
	switch {
	case errors.Is(err, node.ErrNodeAlreadyExists):
		return &Error{Kind: KindNodeAlreadyExists}
	case errors.As(err, &se):
		return &Error{Kind: KindFailedToSpawn, Reason: se.Reason}
	case errors.Is(err, node.ErrFailedToSpawn):
		return &Error{Kind: KindFailedToSpawn, Reason: err.Error()}
	case errors.Is(err, node.ErrInvalidNode):
		return &Error{Kind: KindInvalidNode, Reason: err.Error()}
	default:
		return &Error{Kind: KindInternal, Reason: err.Error()}
	}
}

// Err maps a wire error back to the sentinel the service returned, so
// errors.Is works across the socket.
func (e *Error) Err() error {
	if e == nil {
		return nil
	}
	switch e.Kind {
	case KindNodeAlreadyExists:
		return node.ErrNodeAlreadyExists
	case KindFailedToSpawn:
		return &node.SpawnError{Reason: e.Reason}
	case KindInvalidNode:
		return fmt.Errorf("%w: %s", node.ErrInvalidNode, e.Reason)
	default:
		return fmt.Errorf("%w: %s", ErrInternal, e.Error())
	}
}

func FromStatus(s node.Status) Status {
	return Status{Kind: s.Kind().String(), Crashed: s.Crashed()}
}

func (s Status) ToStatus() (node.Status, error) {
	if s.Kind == "" {
		return node.Initialising(), nil
	}
	k, err := node.ParseKind(s.Kind)
	if err != nil {
		return node.Status{}, err
	}
	return node.FromParts(k, s.Crashed)
}

func FromNode(n node.Node) Node {
	return Node{Name: n.Name, ExecutablePath: n.ExecutablePath, Status: FromStatus(n.Status)}
}

func (n Node) ToNode() (node.Node, error) {
	st, err := n.Status.ToStatus()
	if err != nil {
		return node.Node{}, fmt.Errorf("node %q: %w", n.Name, err)
	}
	return node.Node{Name: n.Name, ExecutablePath: n.ExecutablePath, Status: st}, nil
}

func FromNodes(in map[string]node.Node) map[string]Node {
	out := make(map[string]Node, len(in))
	for k, v := range in {
		out[k] = FromNode(v)
	}
	return out
}

func ToNodes(in map[string]Node) (map[string]node.Node, error) {
	out := make(map[string]node.Node, len(in))
	for k, v := range in {
		n, err := v.ToNode()
		if err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, nil
}
