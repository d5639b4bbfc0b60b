package node

import "errors"

var (
	ErrNodeAlreadyExists = errors.New("node already exists")
	ErrFailedToSpawn     = errors.New("failed to spawn node")
	ErrNodeNotFound      = errors.New("node not found")
	ErrNodeActive        = errors.New("node is not stopped")
	ErrInvalidNode       = errors.New("invalid node")
)

// SpawnError carries the OS diagnostic for a rejected process creation.
// errors.Is(err, ErrFailedToSpawn) holds for every SpawnError.
type SpawnError struct {
	Reason string
}

func (e *SpawnError) Error() string { return "failed to spawn node: " + e.Reason }

func (e *SpawnError) Is(target error) bool { return target == ErrFailedToSpawn }

// SpawnFailed wraps an OS-level error into a SpawnError.
func SpawnFailed(err error) error {
	if err == nil {
		return nil
	}
	return &SpawnError{Reason: err.Error()}
}
