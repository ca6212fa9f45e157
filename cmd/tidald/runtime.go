package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/tidalcycles/tidald/internal/config"
	"github.com/tidalcycles/tidald/internal/events"
	"github.com/tidalcycles/tidald/internal/ghci"
	"github.com/tidalcycles/tidald/internal/protocol"
	"github.com/tidalcycles/tidald/internal/session"
	"github.com/tidalcycles/tidald/internal/telemetry"
)

const sessionID = "tidald"

// sessionAPI is the slice of *session.Session the commands drive.
type sessionAPI interface {
	EnsureReady(ctx context.Context) error
	Evaluate(ctx context.Context, block string) error
	Hush(ctx context.Context) error
	CapabilityRequest(ctx context.Context, payload string, timeout time.Duration) (string, error)
	Stop(ctx context.Context) error
	State() string
	CapabilityAvailable() bool
	Identity() string
}

var _ sessionAPI = (*session.Session)(nil)

// runtime is one wired session plus whatever must be torn down after it.
type runtime struct {
	session sessionAPI
	closers []func()
}

var (
	newRuntimeFn    = newRuntime
	resolveLaunchFn = ghci.ResolveLaunch
)

func newRuntime(ctx context.Context, cfg *config.Config, logger *log.Logger, console io.Writer) (*runtime, error) {
	rt := &runtime{}

	launch, _, warnings, err := resolveLaunchFn(cfg.UseStackGHCi, cfg.GHCiPath, cfg.LauncherFallback)
	if err != nil {
		return nil, fmt.Errorf("resolve interpreter: %w", err)
	}
	for _, warning := range warnings {
		logger.Warn(warning)
	}

	shutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint: telemetry.Endpoint(cfg),
		Session:  telemetrySession(launch, cfg),
		Logger:   logger,
	})
	if err != nil {
		logger.Warn("tracing disabled", "err", err)
	} else {
		rt.closers = append(rt.closers, shutdown)
	}

	bus := events.New(events.WithLogger(logger))
	rt.closers = append([]func(){bus.Close}, rt.closers...)
	if cfg.ShowOutputInConsoleChannel && console != nil {
		mirrorOutput(bus, console)
	}

	transport := ghci.New(ghci.Options{
		Executable:  launch.Executable,
		UseStack:    launch.UseStack,
		ShowOutput:  cfg.ShowGHCiOutput,
		WorkDir:     cfg.WorkspaceDir,
		StopTimeout: cfg.StopTimeout,
		Bus:         bus,
		Logger:      logger,
	})
	correlator, err := protocol.NewCorrelator(transport, protocol.WithDefaultTimeout(cfg.RequestTimeout))
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("create correlator: %w", err)
	}
	mux, err := protocol.NewMux(correlator, logger, cfg.MaxPendingOutputBytes)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("create output mux: %w", err)
	}
	transport.SetOutputSink(mux)

	sess, err := session.New(session.Options{
		ID:        sessionID,
		Transport: transport,
		Requester: correlator,
		Bus:       bus,
		Logger:    logger,
		Settings:  session.SettingsFromConfig(cfg),
	})
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("create session: %w", err)
	}
	rt.session = sess
	return rt, nil
}

// Close stops the interpreter and releases the event bus and tracer.
func (r *runtime) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var stopErr error
	if r.session != nil {
		stopErr = r.session.Stop(ctx)
	}
	r.close()
	return stopErr
}

func (r *runtime) close() {
	for _, closer := range r.closers {
		closer()
	}
	r.closers = nil
}

// withRuntime wires a session for one command and always stops it afterwards.
func withRuntime(ctx context.Context, cfg *config.Config, logger *log.Logger, console io.Writer, fn func(sessionAPI) error) error {
	rt, err := newRuntimeFn(ctx, cfg, logger, console)
	if err != nil {
		return err
	}
	runErr := fn(rt.session)
	closeErr := rt.Close(context.WithoutCancel(ctx))
	if closeErr != nil {
		closeErr = fmt.Errorf("stop interpreter: %w", closeErr)
	}
	return errors.Join(runErr, closeErr)
}

// mirrorOutput copies raw interpreter output to w.
func telemetrySession(launch ghci.Launch, cfg *config.Config) telemetry.Session {
	launcher := "ghci"
	executable := launch.Executable
	if launch.UseStack {
		launcher = "stack"
		executable = "stack"
	}
	return telemetry.Session{
		ID:               sessionID,
		Launcher:         launcher,
		Executable:       executable,
		CapabilityModule: cfg.PebbleEnabled,
	}
}

func mirrorOutput(bus events.Bus, w io.Writer) {
	out := &lockedWriter{w: w}
	bus.Subscribe(events.EventTypeDataOut, func(event events.Event) {
		if chunk, ok := event.Payload.(string); ok {
			out.write(chunk)
		}
	})
	bus.Subscribe(events.EventTypeDataError, func(event events.Event) {
		if line, ok := event.Payload.(string); ok {
			out.write(line + "\n")
		}
	})
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) write(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.w, text)
}
