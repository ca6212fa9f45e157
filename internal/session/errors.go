package session

import (
	"errors"
	"fmt"
)

var (
	// ErrBootFileUnreadable indicates the resolved boot script could not be read.
	ErrBootFileUnreadable = errors.New("boot file unreadable")
	// ErrSessionNotReady indicates readiness could not be reached for an evaluation.
	ErrSessionNotReady = errors.New("session not ready")
	// ErrSessionStopped fails requests still waiting when the session stops.
	ErrSessionStopped = errors.New("session stopped")
	// ErrCapabilityNegotiationFailed is reported in capability-failed events. The
	// base session stays usable, so it is never returned to callers.
	ErrCapabilityNegotiationFailed = errors.New("capability negotiation failed")
)

// BootFileError reports which boot script failed to load.
type BootFileError struct {
	Path string
	Err  error
}

func (e *BootFileError) Error() string {
	return fmt.Sprintf("read boot file %s: %v", e.Path, e.Err)
}

// Unwrap exposes the underlying read error.
func (e *BootFileError) Unwrap() error {
	return e.Err
}

// Is enables errors.Is checks against ErrBootFileUnreadable.
func (e *BootFileError) Is(target error) bool {
	if target == ErrBootFileUnreadable {
		return true
	}
	_, ok := target.(*BootFileError)
	return ok
}
