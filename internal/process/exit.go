package process

import "time"

// Exit describes how a process ended.
type Exit struct {
	Code      int // -1 when terminated by a signal
	Err       error
	StoppedAt time.Time
}

// Crashed reports an abnormal end: non-zero status, a signal, or a wait failure.
func (e Exit) Crashed() bool { return e.Err != nil || e.Code != 0 }
