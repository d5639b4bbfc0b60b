package node

import (
	"fmt"
	"strings"
)

// Node is the teller's view of one managed process.
// Name and ExecutablePath never change for the lifetime of a registry entry.
type Node struct {
	Name           string `json:"name"`
	ExecutablePath string `json:"executable_path"`
	Status         Status `json:"status"`
}

// Validate checks the fields a caller must supply to start a node.
// Status is ignored on input.
func (n Node) Validate() error {
	if strings.TrimSpace(n.Name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalidNode)
	}
	if strings.ContainsAny(n.Name, "\x00\n") {
		return fmt.Errorf("%w: name contains control characters", ErrInvalidNode)
	}
	if strings.TrimSpace(n.ExecutablePath) == "" {
		return fmt.Errorf("%w: executable_path required", ErrInvalidNode)
	}
	return nil
}
