package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidalcycles/tidald/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Session lifecycle states.
const (
	Uninitialized     = "uninitialized"
	CapabilityLoading = "capability_loading"
	BootingScript     = "booting_script"
	Negotiating       = "negotiating"
	Ready             = "ready"
	Failed            = "failed"
)

// Every state may also return to Uninitialized; see isAllowed.
var allowedTransitions = map[string]map[string]struct{}{
	Uninitialized: {
		CapabilityLoading: {},
		BootingScript:     {},
		Failed:            {},
	},
	CapabilityLoading: {
		BootingScript: {},
		Failed:        {},
	},
	BootingScript: {
		Negotiating: {},
		Ready:       {},
		Failed:      {},
	},
	Negotiating: {
		Ready:  {},
		Failed: {},
	},
}

// Recorder observes committed transitions.
type Recorder interface {
	RecordTransition(record TransitionRecord)
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithRecorder registers an observer for committed transitions.
func WithRecorder(recorder Recorder) Option {
	return func(machine *Machine) {
		machine.recorder = recorder
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	SessionID string
	FromState string
	ToState   string
	Reason    string
	Timestamp time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	SessionID string
	FromState string
	ToState   string
	Reason    string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for session lifecycle"
	}
	return fmt.Sprintf(
		"cannot transition session %q from %q to %q: %s",
		e.SessionID,
		e.FromState,
		e.ToState,
		reason,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Machine tracks the current session state and validates each move against
// the lifecycle table.
type Machine struct {
	sessionID string
	tracer    trace.Tracer
	recorder  Recorder
	now       func() time.Time

	mu      sync.Mutex
	current string
	history []TransitionRecord
}

// NewMachine builds a machine starting in Uninitialized.
func NewMachine(sessionID string, options ...Option) *Machine {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = "default"
	}

	machine := &Machine{
		sessionID: sessionID,
		tracer:    otel.Tracer("tidald/state"),
		now:       time.Now,
		current:   Uninitialized,
		history:   []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	return machine
}

// Current returns the state the session is in.
func (m *Machine) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition validates and commits a move from the current state to toState.
func (m *Machine) Transition(ctx context.Context, toState, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	normalizedReason := strings.TrimSpace(reason)
	toState = strings.TrimSpace(toState)

	m.mu.Lock()
	fromState := m.current
	m.mu.Unlock()

	ctx, span := m.tracer.Start(ctx, "session.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()
	span.SetAttributes(
		attribute.String("session_id", m.sessionID),
		attribute.String("from_state", fromState),
		attribute.String("to_state", toState),
		attribute.String("reason", normalizedReason),
	)

	if toState == "" {
		err := errors.New("target state must not be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if !isAllowed(fromState, toState) {
		invariants.CheckStateTransitionLegal(
			ctx,
			"state.machine.transition",
			"session",
			fromState,
			toState,
			false,
		)
		err := &IllegalTransitionError{
			SessionID: m.sessionID,
			FromState: fromState,
			ToState:   toState,
			Reason:    "illegal transition for session lifecycle",
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	record := TransitionRecord{
		SessionID: m.sessionID,
		FromState: fromState,
		ToState:   toState,
		Reason:    normalizedReason,
		Timestamp: m.now().UTC(),
	}

	m.mu.Lock()
	m.current = toState
	m.history = append(m.history, record)
	m.mu.Unlock()

	if m.recorder != nil {
		m.recorder.RecordTransition(record)
	}
	span.SetStatus(codes.Ok, "state transition committed")
	return nil
}

// Reset returns the session to Uninitialized. It is a no-op when the
// session is already there.
func (m *Machine) Reset(ctx context.Context, reason string) error {
	if m.Current() == Uninitialized {
		return nil
	}
	return m.Transition(ctx, Uninitialized, reason)
}

// History returns transition records captured by this machine.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

func isAllowed(fromState, toState string) bool {
	if toState == Uninitialized {
		return fromState != Uninitialized
	}
	nextStates, ok := allowedTransitions[fromState]
	if !ok {
		return false
	}
	_, ok = nextStates[toState]
	return ok
}
