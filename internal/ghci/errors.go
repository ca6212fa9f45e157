package ghci

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrProcessNotRunning indicates no live interpreter process is tracked.
	ErrProcessNotRunning = errors.New("ghci process not running")
	// ErrWriteFailed indicates a statement could not be written to stdin.
	ErrWriteFailed = errors.New("write to ghci failed")
	// ErrStopTimeout indicates the interpreter did not exit in time after :quit.
	ErrStopTimeout = errors.New("ghci did not exit in time")
)

// StopTimeoutError reports which process failed to exit. Its handle has
// already been discarded so a later start spawns a fresh process.
type StopTimeoutError struct {
	Identity string
	PID      int
	Timeout  time.Duration
}

func (e *StopTimeoutError) Error() string {
	return fmt.Sprintf("timeout: process %d (%s) did not exit within %s", e.PID, e.Identity, e.Timeout)
}

// Is enables errors.Is checks against ErrStopTimeout.
func (e *StopTimeoutError) Is(target error) bool {
	if target == ErrStopTimeout {
		return true
	}
	_, ok := target.(*StopTimeoutError)
	return ok
}
