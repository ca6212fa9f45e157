package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/tidalcycles/tidald/internal/config"
	"github.com/tidalcycles/tidald/internal/events"
	"github.com/tidalcycles/tidald/internal/ghci"
	"github.com/tidalcycles/tidald/internal/protocol"
	"github.com/tidalcycles/tidald/internal/state"
	"github.com/tidalcycles/tidald/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// ProbePayload is sent during negotiation; a loaded capability module
	// answers with the same token as a string literal.
	ProbePayload = `"init"`
	// DefaultNegotiateTimeout bounds the capability handshake.
	DefaultNegotiateTimeout = 3 * time.Second

	probeToken    = "init"
	blockBegin    = ":{"
	blockEnd      = ":}"
	hushStatement = "hush"
)

// Transport is the interpreter process as seen by a session.
type Transport interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	WriteLine(ctx context.Context, line string) error
	WriteBlock(ctx context.Context, lines []string) error
	Identity() string
}

// Requester issues correlated requests to the interpreter.
type Requester interface {
	Send(ctx context.Context, payload string, timeout time.Duration) (string, error)
	FailAll(err error)
}

var (
	_ Transport = (*ghci.Transport)(nil)
	_ Requester = (*protocol.Correlator)(nil)
)

// Settings is the configuration a session reads at boot.
type Settings struct {
	BootTidalPath                 string
	UseBootFileInCurrentDirectory bool
	WorkspaceDir                  string
	PebbleEnabled                 bool
	NegotiateTimeout              time.Duration
	// Resources maps a path inside the resource bundle to an absolute path.
	Resources func(parts ...string) string
}

// SettingsFromConfig adapts loaded configuration to session settings.
func SettingsFromConfig(cfg *config.Config) Settings {
	if cfg == nil {
		return Settings{}
	}
	return Settings{
		BootTidalPath:                 cfg.BootTidalPath,
		UseBootFileInCurrentDirectory: cfg.UseBootFileInCurrentDirectory,
		WorkspaceDir:                  cfg.WorkspaceDir,
		PebbleEnabled:                 cfg.PebbleEnabled,
		NegotiateTimeout:              cfg.NegotiateTimeout,
		Resources:                     cfg.ResourcePath,
	}
}

func (s Settings) resourcePath(parts ...string) string {
	if s.Resources != nil {
		return s.Resources(parts...)
	}
	return filepath.Join(parts...)
}

// Options configures a Session.
type Options struct {
	ID        string
	Transport Transport
	// Requester is required when the capability module is enabled.
	Requester Requester
	Files     FileReader
	Bus       events.Bus
	Logger    *log.Logger
	Tracer    trace.Tracer
	Settings  Settings
}

// CapabilityFailure is the payload of capability-failed events.
type CapabilityFailure struct {
	Identity string
	Reply    string
	Err      error
}

// Session boots the interpreter once per process identity and serializes
// statement writes on top of it.
type Session struct {
	id        string
	transport Transport
	requester Requester
	files     FileReader
	bus       events.Bus
	logger    *log.Logger
	tracer    trace.Tracer
	settings  Settings
	machine   *state.Machine

	// mu is held across readiness checks and statement writes.
	mu                  sync.Mutex
	lastIdentity        string
	capabilityAvailable bool
}

// New constructs a session in the Uninitialized state.
func New(opts Options) (*Session, error) {
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if opts.Settings.PebbleEnabled && opts.Requester == nil {
		return nil, errors.New("requester is required when the capability module is enabled")
	}

	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = "default"
	}
	files := opts.Files
	if files == nil {
		files = OSFiles{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("tidald/session")
	}
	settings := opts.Settings
	if settings.NegotiateTimeout <= 0 {
		settings.NegotiateTimeout = DefaultNegotiateTimeout
	}

	session := &Session{
		id:        id,
		transport: opts.Transport,
		requester: opts.Requester,
		files:     files,
		bus:       opts.Bus,
		logger:    logger.With("component", "session", "session_id", id),
		tracer:    tracer,
		settings:  settings,
	}
	session.machine = state.NewMachine(
		id,
		state.WithTracer(tracer),
		state.WithRecorder(transitionPublisher{session: session}),
	)
	return session, nil
}

// State returns the current lifecycle state.
func (s *Session) State() string {
	return s.machine.Current()
}

// CapabilityAvailable reports whether the capability handshake succeeded
// for the current process.
func (s *Session) CapabilityAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilityAvailable
}

// Identity returns the process identity the session last booted against.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIdentity
}

// Start boots the session; it is EnsureReady under another name.
func (s *Session) Start(ctx context.Context) error {
	return s.EnsureReady(ctx)
}

// EnsureReady starts the interpreter if needed and boots it once per process
// identity.
func (s *Session) EnsureReady(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureReadyLocked(ctx)
}

// Evaluate writes block as one multi-line statement, booting first if needed.
func (s *Session) Evaluate(ctx context.Context, block string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := s.tracer.Start(ctx, "session.evaluate")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureReadyLocked(ctx); err != nil {
		wrapped := fmt.Errorf("%w: %w", ErrSessionNotReady, err)
		recordSpanError(span, wrapped)
		return wrapped
	}
	invariants.CheckReadyBeforeWrite(ctx, "session.Evaluate", s.machine.Current(), s.lastIdentity, s.transport.Identity())

	statements := splitStatements(block)
	lines := make([]string, 0, len(statements)+2)
	lines = append(lines, blockBegin)
	lines = append(lines, statements...)
	lines = append(lines, blockEnd)
	span.SetAttributes(attribute.Int("statement_lines", len(statements)))

	if err := s.transport.WriteBlock(ctx, lines); err != nil {
		wrapped := fmt.Errorf("evaluate block: %w", err)
		recordSpanError(span, wrapped)
		return wrapped
	}
	span.SetStatus(codes.Ok, "block written")
	return nil
}

// Hush silences every running pattern.
func (s *Session) Hush(ctx context.Context) error {
	return s.Evaluate(ctx, hushStatement)
}

// CapabilityRequest boots if needed, then sends payload as a correlated
// request and returns the reply body. It does not require a successful
// handshake; without the capability module it times out.
func (s *Session) CapabilityRequest(ctx context.Context, payload string, timeout time.Duration) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := s.tracer.Start(ctx, "session.capability_request")
	defer span.End()

	s.mu.Lock()
	err := s.ensureReadyLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		wrapped := fmt.Errorf("%w: %w", ErrSessionNotReady, err)
		recordSpanError(span, wrapped)
		return "", wrapped
	}
	if s.requester == nil {
		err := errors.New("no request correlator configured")
		recordSpanError(span, err)
		return "", err
	}

	reply, err := s.requester.Send(ctx, payload, timeout)
	if err != nil {
		recordSpanError(span, err)
		return "", err
	}
	span.SetStatus(codes.Ok, "reply received")
	return reply, nil
}

// Stop stops the interpreter and resets the session whatever the outcome,
// then returns the transport's error, if any.
func (s *Session) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := s.tracer.Start(ctx, "session.stop")
	defer span.End()

	// A write blocked on a wedged interpreter holds mu until the process is
	// killed, so the transport is stopped before taking it.
	stopErr := s.transport.Stop(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	// A writer waiting on mu may have started a new process in between.
	if err := s.transport.Stop(ctx); err != nil {
		stopErr = errors.Join(stopErr, err)
	}
	if s.requester != nil {
		s.requester.FailAll(ErrSessionStopped)
	}
	if err := s.machine.Reset(ctx, "session stopped"); err != nil {
		s.logger.Warn("reset session state", "err", err)
	}
	s.capabilityAvailable = false
	s.lastIdentity = ""

	payload := map[string]any{}
	if stopErr != nil {
		payload["error"] = stopErr.Error()
		recordSpanError(span, stopErr)
		s.logger.Warn("interpreter stop failed", "err", stopErr)
	} else {
		span.SetStatus(codes.Ok, "stopped")
		s.logger.Info("session stopped")
	}
	s.publish(events.EventTypeStopped, payload, events.SeverityInfo)
	return stopErr
}

func (s *Session) ensureReadyLocked(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "session.ensure_ready")
	defer span.End()

	startErr := s.transport.Start(ctx)
	identity := s.transport.Identity()
	span.SetAttributes(attribute.String("identity", identity))

	current := s.machine.Current()
	if identity != s.lastIdentity || current == state.Failed {
		if current != state.Uninitialized {
			reason := "interpreter identity changed"
			if current == state.Failed {
				reason = "retrying after failure"
			}
			if err := s.machine.Reset(ctx, reason); err != nil {
				recordSpanError(span, err)
				return err
			}
		}
		s.capabilityAvailable = false
		s.lastIdentity = ""
	}

	if startErr != nil {
		wrapped := fmt.Errorf("start interpreter: %w", startErr)
		recordSpanError(span, wrapped)
		return wrapped
	}
	if identity == "" {
		err := fmt.Errorf("interpreter exited during start: %w", ghci.ErrProcessNotRunning)
		recordSpanError(span, err)
		return err
	}

	if s.machine.Current() == state.Ready {
		span.SetAttributes(attribute.Bool("booted", false))
		return nil
	}

	if err := s.boot(ctx, identity); err != nil {
		if transitionErr := s.machine.Transition(ctx, state.Failed, err.Error()); transitionErr != nil {
			s.logger.Warn("record failed state", "err", transitionErr)
		}
		s.logger.Error("session boot failed", "identity", identity, "err", err)
		recordSpanError(span, err)
		return err
	}
	span.SetAttributes(attribute.Bool("booted", true))
	span.SetStatus(codes.Ok, "ready")
	return nil
}

func (s *Session) boot(ctx context.Context, identity string) error {
	s.lastIdentity = identity
	s.capabilityAvailable = false
	capabilityLoaded := false

	if s.settings.PebbleEnabled {
		if err := s.machine.Transition(ctx, state.CapabilityLoading, "capability module enabled"); err != nil {
			return err
		}
		if err := s.transport.WriteLine(ctx, pebbleDirective(s.settings)); err != nil {
			return fmt.Errorf("load capability module: %w", err)
		}
		capabilityLoaded = true
	}

	if err := s.machine.Transition(ctx, state.BootingScript, "booting"); err != nil {
		return err
	}
	path, source := resolveBootPath(s.settings, s.files, s.logger)
	s.logger.Info("using boot file", "path", path, "source", string(source))
	lines, err := readBootLines(path, s.files)
	if err != nil {
		return err
	}
	if err := s.transport.WriteBlock(ctx, lines); err != nil {
		return fmt.Errorf("write boot script %s: %w", path, err)
	}
	if now := s.transport.Identity(); now != identity {
		return fmt.Errorf("interpreter restarted during boot (%s -> %q): %w", identity, now, ghci.ErrProcessNotRunning)
	}

	if !capabilityLoaded {
		if err := s.machine.Transition(ctx, state.Ready, "boot script written"); err != nil {
			return err
		}
		s.logger.Info("session ready", "identity", identity, "boot_lines", len(lines))
		s.publish(events.EventTypeSessionStarted, map[string]any{"boot_file": path}, events.SeverityInfo)
		return nil
	}

	if err := s.machine.Transition(ctx, state.Negotiating, "probing capability module"); err != nil {
		return err
	}
	return s.negotiate(ctx, identity)
}

func (s *Session) negotiate(ctx context.Context, identity string) error {
	reply, err := s.requester.Send(ctx, ProbePayload, s.settings.NegotiateTimeout)
	if err != nil && !errors.Is(err, protocol.ErrRequestTimeout) {
		return fmt.Errorf("negotiate capability: %w", err)
	}

	if err == nil {
		if value, ok := parseStringLiteral(reply); ok && value == probeToken {
			if err := s.machine.Transition(ctx, state.Ready, "capability confirmed"); err != nil {
				return err
			}
			s.capabilityAvailable = true
			s.logger.Info("capability module loaded", "identity", identity)
			s.publish(events.EventTypeCapabilityReady, map[string]any{"reply": reply}, events.SeverityInfo)
			return nil
		}
	}

	failure := CapabilityFailure{Identity: identity, Reply: reply}
	if err != nil {
		failure.Err = fmt.Errorf("%w: %w", ErrCapabilityNegotiationFailed, err)
	} else {
		failure.Err = fmt.Errorf("%w: unexpected probe reply %q", ErrCapabilityNegotiationFailed, reply)
	}
	if err := s.machine.Transition(ctx, state.Ready, "capability unavailable"); err != nil {
		return err
	}
	s.logger.Warn("capability module unavailable", "identity", identity, "err", failure.Err)
	s.publish(events.EventTypeCapabilityFailed, failure, events.SeverityWarn)
	return nil
}

func (s *Session) publish(eventType string, payload any, severity string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:       eventType,
		EntityType: events.EntitySession,
		EntityID:   s.id,
		Payload:    payload,
		Severity:   severity,
	})
}

type transitionPublisher struct {
	session *Session
}

func (p transitionPublisher) RecordTransition(record state.TransitionRecord) {
	p.session.publish(events.EventTypeStateTransition, record, events.SeverityInfo)
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
