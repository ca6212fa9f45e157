package invariants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantStateTransitionLegal requires session transitions to follow the lifecycle table.
	InvariantStateTransitionLegal = "state_transition_legal"
	// InvariantReadyBeforeWrite requires evaluations to reach a booted interpreter.
	InvariantReadyBeforeWrite = "ready_before_write"
	// InvariantPendingOutputBounded requires unterminated reply frames to stay under the pending cap.
	InvariantPendingOutputBounded = "pending_output_bounded"
)

const (
	// SeverityWarn is used for non-fatal invariant violations.
	SeverityWarn = "warn"
	// SeverityError is used for fatal invariant violations.
	SeverityError = "error"
)

var invariantChecksEnabled atomic.Bool

func init() {
	invariantChecksEnabled.Store(true)
}

// ViolationDetails captures invariant violation context for telemetry events.
type ViolationDetails struct {
	WhatInvariant string
	WhereDetected string
	WhyViolated   string
	StackTrace    string
	Additional    map[string]string
}

// SetEnabled globally enables or disables invariant checks.
func SetEnabled(enabled bool) {
	invariantChecksEnabled.Store(enabled)
}

// Enabled reports whether invariant checks are currently enabled.
func Enabled() bool {
	return invariantChecksEnabled.Load()
}

// InvariantViolation emits an invariant.violation telemetry event on the active span.
// If the context has no active span, a short synthetic span is created for observability.
func InvariantViolation(
	ctx context.Context,
	invariantName string,
	severity string,
	details ViolationDetails,
) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	invariantName = strings.TrimSpace(invariantName)
	if invariantName == "" {
		invariantName = "unknown_invariant"
	}
	severity = normalizeSeverity(severity)

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", invariantName),
		attribute.String("severity", severity),
		attribute.String("what_invariant", strings.TrimSpace(details.WhatInvariant)),
		attribute.String("where_detected", strings.TrimSpace(details.WhereDetected)),
		attribute.String("why_violated", strings.TrimSpace(details.WhyViolated)),
	}
	if stack := strings.TrimSpace(details.StackTrace); stack != "" {
		attrs = append(attrs, attribute.String("stack_trace", stack))
	}

	if len(details.Additional) > 0 {
		keys := make([]string, 0, len(details.Additional))
		for key := range details.Additional {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := strings.TrimSpace(details.Additional[key])
			if value == "" {
				continue
			}
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	tracedCtx, temporarySpan := otel.Tracer("tidald/invariants").Start(ctx, "invariant.violation")
	defer temporarySpan.End()
	temporarySpan.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
	_ = tracedCtx
}

// CheckReadyBeforeWrite validates the ready_before_write invariant: the
// session is Ready and booted against the identity it is about to write to.
func CheckReadyBeforeWrite(
	ctx context.Context,
	whereDetected string,
	sessionState string,
	bootedIdentity string,
	currentIdentity string,
) bool {
	if sessionState == "ready" && bootedIdentity != "" && bootedIdentity == currentIdentity {
		return true
	}
	InvariantViolation(ctx, InvariantReadyBeforeWrite, SeverityError, ViolationDetails{
		WhatInvariant: "statements are written only to a booted interpreter",
		WhereDetected: whereDetected,
		WhyViolated: fmt.Sprintf(
			"state=%s booted_identity=%q current_identity=%q",
			sessionState,
			bootedIdentity,
			currentIdentity,
		),
		Additional: map[string]string{
			"session_state":    strings.TrimSpace(sessionState),
			"booted_identity":  strings.TrimSpace(bootedIdentity),
			"current_identity": strings.TrimSpace(currentIdentity),
		},
	})
	return false
}

// CheckPendingOutputBounded validates the pending_output_bounded invariant.
func CheckPendingOutputBounded(ctx context.Context, whereDetected string, pendingBytes, maxPending int) bool {
	if maxPending <= 0 || pendingBytes <= maxPending {
		return true
	}
	InvariantViolation(ctx, InvariantPendingOutputBounded, SeverityWarn, ViolationDetails{
		WhatInvariant: "unterminated reply frame stays under the pending output cap",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("pending_bytes=%d exceeded max_pending=%d", pendingBytes, maxPending),
		Additional: map[string]string{
			"pending_bytes": fmt.Sprintf("%d", pendingBytes),
			"max_pending":   fmt.Sprintf("%d", maxPending),
		},
	})
	return false
}

// CheckStateTransitionLegal validates the state_transition_legal invariant.
func CheckStateTransitionLegal(
	ctx context.Context,
	whereDetected string,
	entityType string,
	fromState string,
	toState string,
	legal bool,
) bool {
	if legal {
		return true
	}
	InvariantViolation(ctx, InvariantStateTransitionLegal, SeverityError, ViolationDetails{
		WhatInvariant: "state machine transition is legal",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("illegal transition for entity=%s from=%s to=%s", entityType, fromState, toState),
		Additional: map[string]string{
			"entity_type": strings.TrimSpace(entityType),
			"from_state":  strings.TrimSpace(fromState),
			"to_state":    strings.TrimSpace(toState),
		},
	})
	return false
}

func normalizeSeverity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case SeverityWarn:
		return SeverityWarn
	case SeverityError:
		return SeverityError
	default:
		return SeverityError
	}
}
