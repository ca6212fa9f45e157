package ghci

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/tidalcycles/tidald/internal/events"
)

const (
	// DefaultExecutable is used when no interpreter path is configured.
	DefaultExecutable = "ghci"
	// DefaultStopTimeout bounds the wait for the process to exit after :quit.
	DefaultStopTimeout = 2 * time.Second

	quitDirective     = ":quit"
	stdoutChunkSize   = 4096
	stderrLineMaxSize = 1 << 20
)

// OutputSink consumes the interpreter's stdout in stream order.
type OutputSink interface {
	HandleOutput(chunk string)
	// Reset drops partial state left over from a previous process.
	Reset()
}

// Options configures a Transport.
type Options struct {
	// Executable is the interpreter binary; ignored when UseStack is set.
	Executable string
	// UseStack launches the interpreter through `stack ghci`.
	UseStack bool
	// ShowOutput keeps the interpreter's normal verbosity instead of -v0.
	ShowOutput bool
	// WorkDir is the interpreter's working directory.
	WorkDir     string
	StopTimeout time.Duration
	Spawner     Spawner
	Bus         events.Bus
	Logger      *log.Logger
}

type instance struct {
	process  Process
	identity string
	exited   chan struct{}
	exitErr  error
}

func (i *instance) hasExited() bool {
	select {
	case <-i.exited:
		return true
	default:
		return false
	}
}

// Transport owns at most one interpreter process and serializes writes to
// its stdin.
type Transport struct {
	command     Command
	stopTimeout time.Duration
	spawner     Spawner
	bus         events.Bus
	logger      *log.Logger
	lineEnding  string
	newIdentity func(pid int) string

	// lifecycle makes start and stop atomic with respect to each other.
	lifecycle sync.Mutex
	mu        sync.Mutex
	current   *instance
	sink      OutputSink

	writeMu sync.Mutex
}

// New constructs a transport. No process is spawned until first use.
func New(opts Options) *Transport {
	spawner := opts.Spawner
	if spawner == nil {
		spawner = execSpawner{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	stopTimeout := opts.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}

	return &Transport{
		command:     BuildCommand(opts),
		stopTimeout: stopTimeout,
		spawner:     spawner,
		bus:         opts.Bus,
		logger:      logger.With("component", "ghci"),
		lineEnding:  platformLineEnding(),
		newIdentity: func(pid int) string {
			return fmt.Sprintf("pid:%d-%s", pid, uuid.NewString())
		},
	}
}

// BuildCommand returns the launch command for opts.
func BuildCommand(opts Options) Command {
	if opts.UseStack {
		args := []string{"--silent", "ghci", "--ghci-options", "-XOverloadedStrings"}
		if !opts.ShowOutput {
			args = append(args, "--ghci-options", "-v0")
		}
		return Command{Name: "stack", Args: args, Dir: opts.WorkDir}
	}

	executable := strings.TrimSpace(opts.Executable)
	if executable == "" {
		executable = DefaultExecutable
	}
	args := []string{"-XOverloadedStrings"}
	if !opts.ShowOutput {
		args = append(args, "-v0")
	}
	return Command{Name: executable, Args: args, Dir: opts.WorkDir}
}

// SetOutputSink registers the consumer of stdout chunks.
func (t *Transport) SetOutputSink(sink OutputSink) {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
}

// Identity returns a token unique to the running process, or "" when none
// is running.
func (t *Transport) Identity() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil || t.current.hasExited() {
		return ""
	}
	return t.current.identity
}

// Start spawns the interpreter unless one is already running.
func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	_, err := t.ensureRunning(ctx)
	return err
}

// WriteLine writes one statement line, starting the interpreter if needed.
func (t *Transport) WriteLine(ctx context.Context, line string) error {
	return t.WriteBlock(ctx, []string{line})
}

// WriteBlock writes lines in order with no other writer's lines in between,
// starting the interpreter if needed.
func (t *Transport) WriteBlock(ctx context.Context, lines []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.lifecycle.Lock()
	current, err := t.ensureRunning(ctx)
	t.lifecycle.Unlock()
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	for _, line := range lines {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrWriteFailed, err)
		}
		if current.hasExited() {
			return fmt.Errorf("%w: %w", ErrWriteFailed, ErrProcessNotRunning)
		}
		if _, err := io.WriteString(current.process.Stdin(), line+t.lineEnding); err != nil {
			return fmt.Errorf("%w: %q: %w", ErrWriteFailed, line, err)
		}
	}
	return nil
}

// Stop asks the interpreter to quit and waits up to the stop timeout for it
// to exit, killing it otherwise. Without a running process it returns nil
// and writes nothing.
func (t *Transport) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	t.mu.Lock()
	current := t.current
	t.mu.Unlock()
	if current == nil {
		return nil
	}
	if current.hasExited() {
		t.discard(current)
		return nil
	}

	timer := time.NewTimer(t.stopTimeout)
	defer timer.Stop()
	go t.requestQuit(current)

	select {
	case <-current.exited:
		t.discard(current)
		return nil
	case <-timer.C:
		t.abandon(current)
		return &StopTimeoutError{
			Identity: current.identity,
			PID:      current.process.PID(),
			Timeout:  t.stopTimeout,
		}
	case <-ctx.Done():
		t.abandon(current)
		return fmt.Errorf("wait for %s to exit: %w", current.identity, ctx.Err())
	}
}

// requestQuit writes the quit directive and closes stdin. When the
// interpreter has stopped reading, it stays blocked until the process is
// killed.
func (t *Transport) requestQuit(current *instance) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if current.hasExited() {
		return
	}
	if _, err := io.WriteString(current.process.Stdin(), quitDirective+t.lineEnding); err != nil {
		t.logger.Warn("write quit directive failed", "identity", current.identity, "err", err)
	}
	if err := current.process.Stdin().Close(); err != nil {
		t.logger.Debug("close stdin failed", "identity", current.identity, "err", err)
	}
}

func (t *Transport) ensureRunning(ctx context.Context) (*instance, error) {
	t.mu.Lock()
	current := t.current
	sink := t.sink
	t.mu.Unlock()
	if current != nil && !current.hasExited() {
		return current, nil
	}

	process, err := t.spawner.Spawn(ctx, t.command)
	if err != nil {
		return nil, fmt.Errorf("start ghci: %w", err)
	}
	if sink != nil {
		sink.Reset()
	}

	started := &instance{
		process:  process,
		identity: t.newIdentity(process.PID()),
		exited:   make(chan struct{}),
	}
	t.mu.Lock()
	t.current = started
	t.mu.Unlock()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		t.pumpStdout(started)
	}()
	go func() {
		defer pumps.Done()
		t.pumpStderr(started)
	}()
	go t.watch(started, &pumps)

	t.logger.Info("ghci started", "pid", process.PID(), "identity", started.identity, "command", t.command.String())
	t.publish(events.Event{
		Type:       events.EventTypeProcessStarted,
		EntityType: events.EntityProcess,
		EntityID:   started.identity,
		Payload:    map[string]any{"pid": process.PID(), "command": t.command.String()},
	})
	return started, nil
}

func (t *Transport) pumpStdout(current *instance) {
	buf := make([]byte, stdoutChunkSize)
	for {
		n, err := current.process.Stdout().Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			t.mu.Lock()
			sink := t.sink
			live := t.current == current
			t.mu.Unlock()
			if sink != nil && live {
				sink.HandleOutput(chunk)
			}
			t.publish(events.Event{
				Type:       events.EventTypeDataOut,
				EntityType: events.EntityProcess,
				EntityID:   current.identity,
				Payload:    chunk,
			})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Debug("stdout read ended", "identity", current.identity, "err", err)
			}
			return
		}
	}
}

func (t *Transport) pumpStderr(current *instance) {
	scanner := bufio.NewScanner(current.process.Stderr())
	scanner.Buffer(make([]byte, 0, stdoutChunkSize), stderrLineMaxSize)
	for scanner.Scan() {
		t.publish(events.Event{
			Type:       events.EventTypeDataError,
			EntityType: events.EntityProcess,
			EntityID:   current.identity,
			Payload:    scanner.Text(),
			Severity:   events.SeverityWarn,
		})
	}
	if err := scanner.Err(); err != nil {
		t.logger.Debug("stderr read ended", "identity", current.identity, "err", err)
	}
}

func (t *Transport) watch(current *instance, pumps *sync.WaitGroup) {
	pumps.Wait()
	current.exitErr = current.process.Wait()
	close(current.exited)
	t.logger.Info("ghci exited", "identity", current.identity, "err", current.exitErr)
}

func (t *Transport) discard(current *instance) {
	t.mu.Lock()
	if t.current == current {
		t.current = nil
	}
	t.mu.Unlock()
}

// abandon drops a process that would not exit. The kill is best effort; the
// OS process may still be alive afterwards.
func (t *Transport) abandon(current *instance) {
	t.discard(current)
	if err := current.process.Kill(); err != nil {
		t.logger.Warn("kill unresponsive ghci failed", "identity", current.identity, "err", err)
	}
}

func (t *Transport) publish(event events.Event) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(event)
}

func platformLineEnding() string {
	if runtime.GOOS == "windows" {
		return "\r\n"
	}
	return "\n"
}
