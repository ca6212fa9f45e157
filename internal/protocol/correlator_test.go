package protocol

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"
)

var requestPattern = regexp.MustCompile(`^answerMe "(\d+)" \$ \((.*)\)$`)

func TestNextIDStrictlyIncreases(t *testing.T) {
	t.Parallel()

	correlator, err := NewCorrelator(&recordingWriter{})
	if err != nil {
		t.Fatalf("new correlator: %v", err)
	}

	previous := -1
	for i := 0; i < 50; i++ {
		id, err := strconv.Atoi(correlator.NextID())
		if err != nil {
			t.Fatalf("id is not decimal: %v", err)
		}
		if id <= previous {
			t.Fatalf("id %d not greater than previous %d", id, previous)
		}
		previous = id
	}
}

func TestSendWritesTaggedRequestAndResolvesWithReply(t *testing.T) {
	t.Parallel()

	writer := &recordingWriter{}
	correlator, err := NewCorrelator(writer)
	if err != nil {
		t.Fatalf("new correlator: %v", err)
	}
	writer.onWrite = func(line string) {
		match := requestPattern.FindStringSubmatch(line)
		if match == nil {
			t.Errorf("request line %q does not match wrapper", line)
			return
		}
		go correlator.Deliver(Frame{ID: match[1], Body: "reply:" + match[2]})
	}

	body, err := correlator.Send(context.Background(), `"ping"`, time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if body != `reply:"ping"` {
		t.Fatalf("body = %q, want reply:\"ping\"", body)
	}
	if lines := writer.lines(); len(lines) != 1 || lines[0] != `answerMe "0" $ ("ping")` {
		t.Fatalf("written lines = %q", lines)
	}
	if correlator.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", correlator.Pending())
	}
}

func TestSendRoutesConcurrentRepliesByIDRegardlessOfOrder(t *testing.T) {
	t.Parallel()

	writer := &recordingWriter{}
	correlator, err := NewCorrelator(writer)
	if err != nil {
		t.Fatalf("new correlator: %v", err)
	}

	const requests = 20
	var wg sync.WaitGroup
	results := make([]string, requests)
	errs := make([]error, requests)
	for i := 0; i < requests; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = correlator.Send(context.Background(), fmt.Sprintf("payload-%d", i), 2*time.Second)
		}()
	}

	lines := waitForLines(t, writer, requests)
	for i := len(lines) - 1; i >= 0; i-- {
		match := requestPattern.FindStringSubmatch(lines[i])
		if match == nil {
			t.Fatalf("request line %q does not match wrapper", lines[i])
		}
		if !correlator.Deliver(Frame{ID: match[1], Body: match[2]}) {
			t.Fatalf("deliver %s reported no waiter", match[1])
		}
	}
	wg.Wait()

	for i := 0; i < requests; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d: %v", i, errs[i])
		}
		if want := fmt.Sprintf("payload-%d", i); results[i] != want {
			t.Fatalf("request %d body = %q, want %q", i, results[i], want)
		}
	}
}

func TestSendTimesOutNoEarlierThanTimeoutAndDropsLateReply(t *testing.T) {
	t.Parallel()

	writer := &recordingWriter{}
	correlator, err := NewCorrelator(writer)
	if err != nil {
		t.Fatalf("new correlator: %v", err)
	}

	timeout := 80 * time.Millisecond
	started := time.Now()
	_, err = correlator.Send(context.Background(), "slow", timeout)
	elapsed := time.Since(started)

	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("error = %v, want ErrRequestTimeout", err)
	}
	var timeoutErr *RequestTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("error = %T, want *RequestTimeoutError", err)
	}
	if timeoutErr.ID != "0" || timeoutErr.Payload != "slow" {
		t.Fatalf("timeout error = %+v, want id 0 payload slow", timeoutErr)
	}
	if elapsed < timeout {
		t.Fatalf("timed out after %s, before %s", elapsed, timeout)
	}
	if correlator.Pending() != 0 {
		t.Fatalf("pending = %d, want waiter removed", correlator.Pending())
	}
	if correlator.Deliver(Frame{ID: "0", Body: "late"}) {
		t.Fatal("late frame was delivered to a timed out request")
	}
}

func TestSendDoesNotResolveFromOtherIDs(t *testing.T) {
	t.Parallel()

	writer := &recordingWriter{}
	correlator, err := NewCorrelator(writer)
	if err != nil {
		t.Fatalf("new correlator: %v", err)
	}
	writer.onWrite = func(string) {
		go func() {
			correlator.Deliver(Frame{ID: "99", Body: "stray"})
			correlator.Deliver(Frame{ID: "", Body: "empty"})
		}()
	}

	_, err = correlator.Send(context.Background(), "x", 60*time.Millisecond)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("error = %v, want timeout when only foreign ids arrive", err)
	}
}

func TestSendReturnsWriteErrorAndDeregisters(t *testing.T) {
	t.Parallel()

	writer := &recordingWriter{err: errors.New("broken pipe")}
	correlator, err := NewCorrelator(writer)
	if err != nil {
		t.Fatalf("new correlator: %v", err)
	}

	_, err = correlator.Send(context.Background(), "x", time.Second)
	if err == nil || !errors.Is(err, writer.err) {
		t.Fatalf("error = %v, want wrapped write error", err)
	}
	if correlator.Pending() != 0 {
		t.Fatalf("pending = %d, want 0 after failed write", correlator.Pending())
	}
}

func TestSendHonoursContextCancellation(t *testing.T) {
	t.Parallel()

	correlator, err := NewCorrelator(&recordingWriter{})
	if err != nil {
		t.Fatalf("new correlator: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err = correlator.Send(ctx, "x", 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if correlator.Pending() != 0 {
		t.Fatalf("pending = %d, want 0 after cancellation", correlator.Pending())
	}
}

func TestFailAllResolvesPendingRequests(t *testing.T) {
	t.Parallel()

	correlator, err := NewCorrelator(&recordingWriter{})
	if err != nil {
		t.Fatalf("new correlator: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, sendErr := correlator.Send(context.Background(), "x", 5*time.Second)
		done <- sendErr
	}()
	waitForPending(t, correlator, 1)

	correlator.FailAll(nil)

	select {
	case err := <-done:
		if !errors.Is(err, ErrCorrelatorClosed) {
			t.Fatalf("error = %v, want ErrCorrelatorClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return after FailAll")
	}
}

func TestCustomFormatterAndDefaultTimeout(t *testing.T) {
	t.Parallel()

	writer := &recordingWriter{}
	correlator, err := NewCorrelator(
		writer,
		WithRequestFormatter(func(id, payload string) string { return id + "<-" + payload }),
		WithDefaultTimeout(30*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new correlator: %v", err)
	}

	_, err = correlator.Send(context.Background(), "p", 0)
	var timeoutErr *RequestTimeoutError
	if !errors.As(err, &timeoutErr) || timeoutErr.Timeout != 30*time.Millisecond {
		t.Fatalf("error = %v, want timeout with default 30ms", err)
	}
	if lines := writer.lines(); len(lines) != 1 || lines[0] != "0<-p" {
		t.Fatalf("written lines = %q, want [0<-p]", lines)
	}
}

func TestNewCorrelatorRequiresWriter(t *testing.T) {
	t.Parallel()

	if _, err := NewCorrelator(nil); err == nil {
		t.Fatal("expected error for nil writer")
	}
}

func waitForPending(t *testing.T, correlator *Correlator, want int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if correlator.Pending() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("pending = %d, want %d", correlator.Pending(), want)
}

func waitForLines(t *testing.T, writer *recordingWriter, want int) []string {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if lines := writer.lines(); len(lines) == want {
			return lines
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("written lines = %d, want %d", len(writer.lines()), want)
	return nil
}

type recordingWriter struct {
	mu      sync.Mutex
	written []string
	err     error
	onWrite func(line string)
}

func (w *recordingWriter) WriteLine(_ context.Context, line string) error {
	if w.err != nil {
		return w.err
	}
	w.mu.Lock()
	w.written = append(w.written, line)
	hook := w.onWrite
	w.mu.Unlock()
	if hook != nil {
		hook(line)
	}
	return nil
}

func (w *recordingWriter) lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.written))
	copy(out, w.written)
	return out
}
