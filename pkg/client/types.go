package client

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/banco/internal/node"
)

// StartRequest is the body of POST /nodes.
type StartRequest struct {
	Name           string `json:"name"`
	ExecutablePath string `json:"executable_path"`
}

// NodeInfo mirrors the admin API's per-node view.
type NodeInfo struct {
	Node      node.Node `json:"node"`
	EntryID   string    `json:"entry_id"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Reaped    bool      `json:"reaped"`
}

type listResponse struct {
	Nodes map[string]node.Node `json:"nodes"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is a non-2xx reply. errors.Is matches the node sentinel the
// status code stands for.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch e.StatusCode {
	case http.StatusConflict:
		if strings.Contains(e.Message, node.ErrNodeAlreadyExists.Error()) {
			return target == node.ErrNodeAlreadyExists
		}
		return target == node.ErrNodeActive
	case http.StatusUnprocessableEntity:
		return target == node.ErrFailedToSpawn
	case http.StatusNotFound:
		return target == node.ErrNodeNotFound
	case http.StatusBadRequest:
		return target == node.ErrInvalidNode
	}
	return false
}

// IsAPIError reports whether err came back from the admin API with code.
func IsAPIError(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}
