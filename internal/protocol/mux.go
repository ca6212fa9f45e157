package protocol

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"
	"github.com/tidalcycles/tidald/internal/telemetry/invariants"
)

// Deliverer receives routed frames.
type Deliverer interface {
	Deliver(frame Frame) bool
}

// Mux routes interpreter stdout to the waiters registered on a correlator.
type Mux struct {
	scanner *Scanner
	target  Deliverer
	logger  *log.Logger
}

// NewMux builds a multiplexer feeding frames to target. maxPending bounds an
// unterminated frame; zero keeps DefaultMaxPending.
func NewMux(target Deliverer, logger *log.Logger, maxPending int) (*Mux, error) {
	if target == nil {
		return nil, errors.New("frame target is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	mux := &Mux{
		target: target,
		logger: logger.With("component", "protocol"),
	}
	mux.scanner = NewScanner(
		WithMaxPending(maxPending),
		WithMalformedHandler(func(payload string) {
			mux.logger.Warn("dropping reply frame without id", "payload", payload)
		}),
		WithOverflowHandler(func(discarded int) {
			mux.logger.Warn("discarding unterminated reply frame", "bytes", discarded)
			invariants.CheckPendingOutputBounded(context.Background(), "protocol.Mux", discarded, maxPending)
		}),
	)
	return mux, nil
}

// HandleOutput consumes one stdout chunk. Chunks must arrive in stream order.
func (m *Mux) HandleOutput(chunk string) {
	for _, frame := range m.scanner.Feed(chunk) {
		if !m.target.Deliver(frame) {
			m.logger.Debug("no waiter for reply frame", "id", frame.ID)
		}
	}
}

// Reset drops partially received output, e.g. after the process changed.
func (m *Mux) Reset() {
	m.scanner.Reset()
}
