package protocol

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/tidalcycles/tidald/internal/telemetry"
)

// DefaultRequestTimeout bounds how long Send waits for a reply frame.
const DefaultRequestTimeout = 5 * time.Second

var (
	// ErrRequestTimeout indicates no reply frame arrived before the deadline.
	ErrRequestTimeout = errors.New("timed out waiting for reply")
	// ErrCorrelatorClosed indicates pending requests were abandoned on teardown.
	ErrCorrelatorClosed = errors.New("request correlator closed")
)

// RequestTimeoutError identifies the request that timed out.
type RequestTimeoutError struct {
	ID      string
	Payload string
	Timeout time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s while waiting for reply to %s: %s", e.Timeout, e.ID, e.Payload)
}

// Is enables errors.Is checks against ErrRequestTimeout.
func (e *RequestTimeoutError) Is(target error) bool {
	if target == ErrRequestTimeout {
		return true
	}
	_, ok := target.(*RequestTimeoutError)
	return ok
}

// LineWriter sends one statement line to the interpreter.
type LineWriter interface {
	WriteLine(ctx context.Context, line string) error
}

// RequestFormatter builds the statement that asks the interpreter to answer
// payload in a frame tagged with id.
type RequestFormatter func(id string, payload string) string

// FormatRequest is the default wrapper understood by the capability module.
func FormatRequest(id string, payload string) string {
	return fmt.Sprintf("answerMe %q $ (%s)", id, payload)
}

// CorrelatorOption configures a Correlator.
type CorrelatorOption func(*Correlator)

// WithRequestFormatter overrides the request wrapper statement.
func WithRequestFormatter(formatter RequestFormatter) CorrelatorOption {
	return func(c *Correlator) {
		if formatter != nil {
			c.format = formatter
		}
	}
}

// WithDefaultTimeout sets the timeout used when Send receives a zero timeout.
func WithDefaultTimeout(timeout time.Duration) CorrelatorOption {
	return func(c *Correlator) {
		if timeout > 0 {
			c.defaultTimeout = timeout
		}
	}
}

type reply struct {
	body string
	err  error
}

// Correlator turns the one-way statement channel into request/response calls
// by tagging each request with a fresh id and waiting for the matching frame.
type Correlator struct {
	writer         LineWriter
	format         RequestFormatter
	defaultTimeout time.Duration

	mu      sync.Mutex
	next    uint64
	waiters map[string]chan reply
}

// NewCorrelator constructs a correlator writing requests through writer.
func NewCorrelator(writer LineWriter, options ...CorrelatorOption) (*Correlator, error) {
	if writer == nil {
		return nil, errors.New("line writer is required")
	}
	correlator := &Correlator{
		writer:         writer,
		format:         FormatRequest,
		defaultTimeout: DefaultRequestTimeout,
		waiters:        map[string]chan reply{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(correlator)
	}
	return correlator, nil
}

// NextID returns a fresh session-local id. Ids strictly increase.
func (c *Correlator) NextID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextIDLocked()
}

func (c *Correlator) nextIDLocked() string {
	id := strconv.FormatUint(c.next, 10)
	c.next++
	return id
}

// Send writes a tagged request for payload and waits for its reply body.
//
// A zero timeout uses the correlator default. The call fails with a
// *RequestTimeoutError no earlier than timeout when no matching frame has
// been delivered, and with ctx.Err() when ctx ends first.
func (c *Correlator) Send(ctx context.Context, payload string, timeout time.Duration) (string, error) {
	if c == nil {
		return "", errors.New("correlator is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	slot := make(chan reply, 1)
	c.mu.Lock()
	id := c.nextIDLocked()
	c.waiters[id] = slot
	c.mu.Unlock()

	ctx, span := telemetry.StartRequest(ctx, telemetry.RequestInfo{
		Operation: "correlated_request",
		ID:        id,
		Payload:   payload,
		Timeout:   timeout,
	})
	body, err := c.await(ctx, span, id, payload, slot, timeout)
	span.End(body, err)
	return body, err
}

func (c *Correlator) await(
	ctx context.Context,
	span *telemetry.Request,
	id string,
	payload string,
	slot chan reply,
	timeout time.Duration,
) (string, error) {
	if err := c.writer.WriteLine(ctx, c.format(id, payload)); err != nil {
		c.abandon(id)
		return "", fmt.Errorf("send request %s: %w", id, err)
	}
	span.RecordWritten()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case got := <-slot:
		return got.body, got.err
	case <-timer.C:
		if got, delivered := c.settle(id, slot); delivered {
			return got.body, got.err
		}
		return "", &RequestTimeoutError{ID: id, Payload: payload, Timeout: timeout}
	case <-ctx.Done():
		if got, delivered := c.settle(id, slot); delivered {
			return got.body, got.err
		}
		return "", fmt.Errorf("wait for reply to %s: %w", id, ctx.Err())
	}
}

// Deliver resolves the waiter registered for frame.ID. It reports false when
// nobody is waiting, in which case the frame is dropped.
func (c *Correlator) Deliver(frame Frame) bool {
	c.mu.Lock()
	slot, ok := c.waiters[frame.ID]
	if ok {
		delete(c.waiters, frame.ID)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	slot <- reply{body: frame.Body}
	return true
}

// FailAll resolves every pending request with err.
func (c *Correlator) FailAll(err error) {
	if err == nil {
		err = ErrCorrelatorClosed
	}
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = map[string]chan reply{}
	c.mu.Unlock()

	for _, slot := range waiters {
		slot <- reply{err: err}
	}
}

// Pending returns the number of requests still awaiting a reply.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *Correlator) abandon(id string) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

// settle deregisters id after the caller stopped waiting. If a reply won the
// race and is already in the slot, that reply is returned instead.
func (c *Correlator) settle(id string, slot chan reply) (reply, bool) {
	c.mu.Lock()
	_, stillWaiting := c.waiters[id]
	if stillWaiting {
		delete(c.waiters, id)
	}
	c.mu.Unlock()

	if stillWaiting {
		return reply{}, false
	}
	return <-slot, true
}
