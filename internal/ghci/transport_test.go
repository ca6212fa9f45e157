package ghci

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/tidalcycles/tidald/internal/events"
)

func TestBuildCommandSelectsLauncherAndVerbosity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts Options
		want Command
	}{
		{
			name: "plain ghci quiet",
			opts: Options{Executable: "/opt/ghc/bin/ghci", WorkDir: "/work"},
			want: Command{Name: "/opt/ghc/bin/ghci", Args: []string{"-XOverloadedStrings", "-v0"}, Dir: "/work"},
		},
		{
			name: "default executable with output",
			opts: Options{ShowOutput: true},
			want: Command{Name: "ghci", Args: []string{"-XOverloadedStrings"}},
		},
		{
			name: "stack wrapper quiet",
			opts: Options{UseStack: true, Executable: "ignored"},
			want: Command{
				Name: "stack",
				Args: []string{"--silent", "ghci", "--ghci-options", "-XOverloadedStrings", "--ghci-options", "-v0"},
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := BuildCommand(tt.opts); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("command = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestStartIsIdempotentAndLogsIdentity(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	spawner := &fakeSpawner{}
	transport := New(Options{Spawner: spawner, Logger: log.New(&logs)})

	if got := transport.Identity(); got != "" {
		t.Fatalf("identity before start = %q, want empty", got)
	}
	if err := transport.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := transport.Identity()
	if err := transport.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}

	if spawner.count() != 1 {
		t.Fatalf("spawn count = %d, want 1", spawner.count())
	}
	if !strings.HasPrefix(first, "pid:1337-") {
		t.Fatalf("identity = %q, want pid:1337- prefix", first)
	}
	if transport.Identity() != first {
		t.Fatalf("identity changed without respawn: %q -> %q", first, transport.Identity())
	}
	if !strings.Contains(logs.String(), "ghci started") || !strings.Contains(logs.String(), first) {
		t.Fatalf("log output missing start message with identity: %q", logs.String())
	}
}

func TestStopWithoutProcessSucceedsWithoutWrites(t *testing.T) {
	t.Parallel()

	spawner := &fakeSpawner{}
	transport := New(Options{Spawner: spawner, Logger: quietLogger()})

	if err := transport.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if spawner.count() != 0 {
		t.Fatalf("spawn count = %d, want 0", spawner.count())
	}
}

func TestStartStopAndImplicitStartChangeIdentity(t *testing.T) {
	t.Parallel()

	spawner := &fakeSpawner{}
	transport := New(Options{Spawner: spawner, Logger: quietLogger()})

	if err := transport.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	id := transport.Identity()

	if err := transport.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := transport.Identity(); got != "" {
		t.Fatalf("identity after stop = %q, want empty", got)
	}
	first := spawner.process(0)
	waitForLines(t, first, []string{":quit"})
	waitFor(t, first.stdinClosed)

	if err := transport.WriteLine(context.Background(), "foobar"); err != nil {
		t.Fatalf("write line: %v", err)
	}
	next := transport.Identity()
	if next == "" || next == id {
		t.Fatalf("identity after implicit start = %q, previous %q", next, id)
	}
	waitForLines(t, spawner.process(1), []string{"foobar"})

	if err := transport.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if got := transport.Identity(); got != "" {
		t.Fatalf("identity after second stop = %q, want empty", got)
	}
}

func TestIdentityIsUniqueEvenWhenPIDRepeats(t *testing.T) {
	t.Parallel()

	spawner := &fakeSpawner{fixedPID: 42}
	transport := New(Options{Spawner: spawner, Logger: quietLogger()})

	seen := map[string]struct{}{}
	for i := 0; i < 5; i++ {
		if err := transport.Start(context.Background()); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		id := transport.Identity()
		if _, dup := seen[id]; dup {
			t.Fatalf("identity %q reused", id)
		}
		seen[id] = struct{}{}
		if err := transport.Stop(context.Background()); err != nil {
			t.Fatalf("stop %d: %v", i, err)
		}
	}
}

func TestStopTimeoutDiscardsHandle(t *testing.T) {
	t.Parallel()

	spawner := &fakeSpawner{ignoreQuit: true}
	transport := New(Options{Spawner: spawner, Logger: quietLogger(), StopTimeout: 50 * time.Millisecond})

	if err := transport.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	started := time.Now()
	err := transport.Stop(context.Background())
	if !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("stop error = %v, want ErrStopTimeout", err)
	}
	if elapsed := time.Since(started); elapsed < 50*time.Millisecond {
		t.Fatalf("stop returned after %s, before timeout", elapsed)
	}
	var timeoutErr *StopTimeoutError
	if !errors.As(err, &timeoutErr) || timeoutErr.PID != 1337 {
		t.Fatalf("stop error = %#v, want StopTimeoutError for pid 1337", err)
	}
	if got := transport.Identity(); got != "" {
		t.Fatalf("identity after timeout = %q, want empty", got)
	}

	if err := transport.Start(context.Background()); err != nil {
		t.Fatalf("start after timeout: %v", err)
	}
	if spawner.count() != 2 {
		t.Fatalf("spawn count = %d, want 2", spawner.count())
	}
}

func TestStopIsBoundedWhenInterpreterStopsReadingStdin(t *testing.T) {
	t.Parallel()

	spawner := &fakeSpawner{deaf: true}
	transport := New(Options{Spawner: spawner, Logger: quietLogger(), StopTimeout: 100 * time.Millisecond})
	if err := transport.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- transport.WriteLine(context.Background(), "d1 $ sound \"bd\"")
	}()
	// The writer holds the write lock while blocked on the unread pipe.
	waitFor(t, func() bool {
		if transport.writeMu.TryLock() {
			transport.writeMu.Unlock()
			return false
		}
		return true
	})

	stopped := make(chan error, 1)
	go func() { stopped <- transport.Stop(context.Background()) }()

	select {
	case err := <-stopped:
		if !errors.Is(err, ErrStopTimeout) {
			t.Fatalf("stop error = %v, want ErrStopTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stop still blocked well past its timeout")
	}

	select {
	case err := <-writeErr:
		if !errors.Is(err, ErrWriteFailed) {
			t.Fatalf("blocked write error = %v, want ErrWriteFailed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked write not released by kill")
	}
	if got := transport.Identity(); got != "" {
		t.Fatalf("identity after timeout = %q, want empty", got)
	}
}

func TestStdoutReachesSinkInOrderAndStreamsArePublished(t *testing.T) {
	t.Parallel()

	bus := events.New(events.WithLogger(quietLogger()))
	dataOut := make(chan events.Event, 10)
	dataErr := make(chan events.Event, 10)
	bus.Subscribe(events.EventTypeDataOut, func(event events.Event) { dataOut <- event })
	bus.Subscribe(events.EventTypeDataError, func(event events.Event) { dataErr <- event })

	sink := &recordingSink{}
	spawner := &fakeSpawner{}
	transport := New(Options{Spawner: spawner, Bus: bus, Logger: quietLogger()})
	transport.SetOutputSink(sink)

	if err := transport.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if sink.resets() != 1 {
		t.Fatalf("sink resets = %d, want 1 on spawn", sink.resets())
	}

	process := spawner.process(0)
	for _, chunk := range []string{"one ", "two ", "three"} {
		process.emitStdout(chunk)
	}
	process.emitStderr("warning: a\nwarning: b\n")

	waitFor(t, func() bool { return sink.text() == "one two three" })

	got := []string{receive(t, dataErr).Payload.(string), receive(t, dataErr).Payload.(string)}
	if !reflect.DeepEqual(got, []string{"warning: a", "warning: b"}) {
		t.Fatalf("stderr lines = %v", got)
	}
	if event := receive(t, dataOut); event.EntityID != transport.Identity() {
		t.Fatalf("data-out entity = %q, want current identity", event.EntityID)
	}
}

func TestWriteBlockKeepsEachBlockContiguous(t *testing.T) {
	t.Parallel()

	spawner := &fakeSpawner{}
	transport := New(Options{Spawner: spawner, Logger: quietLogger()})

	const writers = 8
	const blockSize = 5
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			block := make([]string, blockSize)
			for i := range block {
				block[i] = fmt.Sprintf("w%d-%d", w, i)
			}
			if err := transport.WriteBlock(context.Background(), block); err != nil {
				t.Errorf("write block %d: %v", w, err)
			}
		}()
	}
	wg.Wait()

	if spawner.count() != 1 {
		t.Fatalf("spawn count = %d, want 1 for concurrent implicit starts", spawner.count())
	}
	process := spawner.process(0)
	waitFor(t, func() bool { return len(process.lines()) == writers*blockSize })

	lines := process.lines()
	for start := 0; start < len(lines); start += blockSize {
		prefix := strings.SplitN(lines[start], "-", 2)[0]
		for i := 0; i < blockSize; i++ {
			if want := fmt.Sprintf("%s-%d", prefix, i); lines[start+i] != want {
				t.Fatalf("line %d = %q, want %q (blocks interleaved: %v)", start+i, lines[start+i], want, lines)
			}
		}
	}
}

func TestCrashedProcessIsReplacedOnNextWrite(t *testing.T) {
	t.Parallel()

	spawner := &fakeSpawner{}
	transport := New(Options{Spawner: spawner, Logger: quietLogger()})

	if err := transport.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	before := transport.Identity()
	spawner.process(0).crash()
	waitFor(t, func() bool { return transport.Identity() == "" })

	if err := transport.WriteLine(context.Background(), "d1 $ silence"); err != nil {
		t.Fatalf("write after crash: %v", err)
	}
	after := transport.Identity()
	if after == "" || after == before {
		t.Fatalf("identity after crash = %q, before %q", after, before)
	}
	if err := transport.Stop(context.Background()); err != nil {
		t.Fatalf("stop after crash: %v", err)
	}
}

func TestStartPropagatesSpawnError(t *testing.T) {
	t.Parallel()

	spawner := &fakeSpawner{err: errors.New("executable file not found")}
	transport := New(Options{Spawner: spawner, Logger: quietLogger()})

	err := transport.WriteLine(context.Background(), "x")
	if err == nil || !errors.Is(err, spawner.err) {
		t.Fatalf("write error = %v, want spawn error", err)
	}
	if transport.Identity() != "" {
		t.Fatal("identity set despite spawn failure")
	}
}

func TestWriteAfterStdinFailureReportsWriteFailed(t *testing.T) {
	t.Parallel()

	spawner := &fakeSpawner{ignoreQuit: true}
	transport := New(Options{Spawner: spawner, Logger: quietLogger()})
	if err := transport.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	spawner.process(0).breakStdin()

	err := transport.WriteLine(context.Background(), "x")
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("write error = %v, want ErrWriteFailed", err)
	}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func receive(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func waitForLines(t *testing.T, process *fakeProcess, want []string) {
	t.Helper()
	waitFor(t, func() bool { return reflect.DeepEqual(process.lines(), want) })
}

type recordingSink struct {
	mu     sync.Mutex
	buf    strings.Builder
	resetN int
}

func (s *recordingSink) HandleOutput(chunk string) {
	s.mu.Lock()
	s.buf.WriteString(chunk)
	s.mu.Unlock()
}

func (s *recordingSink) Reset() {
	s.mu.Lock()
	s.resetN++
	s.mu.Unlock()
}

func (s *recordingSink) text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *recordingSink) resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetN
}

type fakeSpawner struct {
	mu         sync.Mutex
	spawned    []*fakeProcess
	nextPID    int
	fixedPID   int
	ignoreQuit bool
	// deaf processes never read stdin, so writes block until Kill.
	deaf bool
	err  error
}

func (s *fakeSpawner) Spawn(_ context.Context, _ Command) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	pid := s.fixedPID
	if pid == 0 {
		pid = 1337 + s.nextPID
		s.nextPID++
	}
	process := newFakeProcess(pid, s.ignoreQuit, s.deaf)
	s.spawned = append(s.spawned, process)
	return process, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spawned)
}

func (s *fakeSpawner) process(index int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned[index]
}

type fakeProcess struct {
	pid        int
	ignoreQuit bool

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	mu       sync.Mutex
	received []string
	closed   bool
	exit     chan struct{}
	exitOnce sync.Once
}

func newFakeProcess(pid int, ignoreQuit, deaf bool) *fakeProcess {
	p := &fakeProcess{pid: pid, ignoreQuit: ignoreQuit, exit: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	if !deaf {
		go p.readStdin()
	}
	return p
}

func (p *fakeProcess) readStdin() {
	scanner := bufio.NewScanner(p.stdinR)
	for scanner.Scan() {
		p.mu.Lock()
		p.received = append(p.received, scanner.Text())
		p.mu.Unlock()
	}
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	if !p.ignoreQuit {
		p.crash()
	}
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader     { return p.stderrR }

func (p *fakeProcess) Wait() error {
	<-p.exit
	return nil
}

func (p *fakeProcess) Kill() error {
	p.crash()
	return nil
}

func (p *fakeProcess) crash() {
	p.exitOnce.Do(func() {
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		_ = p.stdinR.Close()
		close(p.exit)
	})
}

func (p *fakeProcess) breakStdin() {
	_ = p.stdinR.CloseWithError(errors.New("broken pipe"))
}

func (p *fakeProcess) emitStdout(chunk string) {
	_, _ = io.WriteString(p.stdoutW, chunk)
}

func (p *fakeProcess) emitStderr(text string) {
	_, _ = io.WriteString(p.stderrW, text)
}

func (p *fakeProcess) lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.received))
	copy(out, p.received)
	return out
}

func (p *fakeProcess) stdinClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
