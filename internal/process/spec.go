package process

import (
	"time"

	"github.com/loykin/banco/internal/logger"
)

// DefaultWaitDelay bounds how long Wait keeps draining output pipes after
// the process itself has exited.
const DefaultWaitDelay = 250 * time.Millisecond

// Spec describes one process launch. Path is executed directly, without a
// shell and without arguments.
type Spec struct {
	Name   string
	Path   string
	Env    []string // full child environment; nil inherits the parent's
	Output logger.NodeOutput
	// WaitDelay limits Wait once the process exited while a forked child
	// still holds its stdout or stderr. Zero means DefaultWaitDelay.
	WaitDelay time.Duration
}
