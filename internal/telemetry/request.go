package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

// RequestInfo describes one correlated interpreter request.
type RequestInfo struct {
	Operation string
	ID        string
	Payload   string
	Timeout   time.Duration
}

// Request tracks one ghci.request span lifecycle.
type Request struct {
	span      trace.Span
	startedAt time.Time

	mu    sync.Mutex
	ended bool
}

type requestContextKey struct{}

// StartRequest starts a ghci.request span and returns a context carrying the tracker.
func StartRequest(ctx context.Context, info RequestInfo) (context.Context, *Request) {
	if ctx == nil {
		ctx = context.Background()
	}

	attrs := []attribute.KeyValue{
		attribute.String("request_id", normalizeOrUnknown(info.ID)),
		attribute.String("payload_hash", hashPayload(info.Payload)),
		attribute.Int("payload_bytes", len(info.Payload)),
	}
	if info.Timeout > 0 {
		attrs = append(attrs, attribute.Int64("timeout_ms", info.Timeout.Milliseconds()))
	}
	if operation := strings.TrimSpace(info.Operation); operation != "" {
		attrs = append(attrs, attribute.String("operation", operation))
	}

	spanCtx, span := otel.Tracer("tidald/telemetry/request").Start(
		ctx,
		"ghci.request",
		trace.WithAttributes(attrs...),
	)
	request := &Request{span: span, startedAt: time.Now()}
	return context.WithValue(spanCtx, requestContextKey{}, request), request
}

// RequestFromContext returns the request tracker if one exists on the context.
func RequestFromContext(ctx context.Context) *Request {
	if ctx == nil {
		return nil
	}
	request, ok := ctx.Value(requestContextKey{}).(*Request)
	if !ok {
		return nil
	}
	return request
}

// RecordWritten marks the moment the wrapper statement reached stdin.
func (r *Request) RecordWritten() {
	if r == nil || r.span == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return
	}
	r.span.AddEvent("ghci.request.written")
}

// End finalizes the span with latency and reply size. Later calls are ignored.
func (r *Request) End(reply string, err error) {
	if r == nil || r.span == nil {
		return
	}

	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return
	}
	r.ended = true
	r.mu.Unlock()

	latencyMS := time.Since(r.startedAt).Milliseconds()
	if latencyMS < 0 {
		latencyMS = 0
	}
	r.span.SetAttributes(
		attribute.Int64("latency_ms", latencyMS),
		attribute.Int("reply_bytes", len(reply)),
	)

	if err != nil {
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, truncateMessage(err.Error()))
	} else {
		r.span.SetStatus(codes.Ok, "reply received")
	}
	r.span.End()
}

func hashPayload(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func truncateMessage(input string) string {
	trimmed := strings.TrimSpace(input)
	if len(trimmed) > maxErrorMessageBytes {
		return trimmed[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return trimmed
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
