package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"
)

const filePrefix = "tidald-"

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	runID    string
	dir      string
	level    string
	maxFiles int
	mirror   io.Writer
}

// WithRunID configures the run_id field used in emitted log records.
func WithRunID(runID string) Option {
	return func(opts *newOptions) {
		opts.runID = strings.TrimSpace(runID)
	}
}

// WithDir overrides the log directory (default ~/.tidald/logs).
func WithDir(dir string) Option {
	return func(opts *newOptions) {
		opts.dir = strings.TrimSpace(dir)
	}
}

// WithLevel sets the minimum level by name (debug, info, warn, error).
func WithLevel(level string) Option {
	return func(opts *newOptions) {
		opts.level = strings.TrimSpace(level)
	}
}

// WithMaxFiles keeps at most n log files in the directory, oldest removed first.
func WithMaxFiles(n int) Option {
	return func(opts *newOptions) {
		opts.maxFiles = n
	}
}

// WithMirror copies every record to w in addition to the log file.
func WithMirror(w io.Writer) Option {
	return func(opts *newOptions) {
		opts.mirror = w
	}
}

// RuntimeLogger writes structured JSON logs to disk.
type RuntimeLogger struct {
	Logger     *log.Logger
	file       *os.File
	path       string
	baseLogger *log.Logger
	runID      string
}

// New initializes logging under ~/.tidald/logs without writing to stdout.
func New(ctx context.Context, options ...Option) (*RuntimeLogger, error) {
	resolved := resolveOptions(options)

	logDir := resolved.dir
	if logDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		logDir = filepath.Join(homeDir, ".tidald", "logs")
	}
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	level := log.InfoLevel
	if resolved.level != "" {
		parsed, err := log.ParseLevel(resolved.level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", resolved.level, err)
		}
		level = parsed
	}

	timestamp := time.Now().UTC().Format("20060102-150405")
	fileName := fmt.Sprintf("%s%s.log", filePrefix, timestamp)
	if resolved.runID != "" {
		fileName = fmt.Sprintf("%s%s-%s.log", filePrefix, timestamp, resolved.runID)
	}
	filePath := filepath.Join(logDir, fileName)
	// #nosec G304 -- filePath is constructed from trusted local paths.
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	var out io.Writer = file
	if resolved.mirror != nil {
		out = io.MultiWriter(file, resolved.mirror)
	}
	logger := log.NewWithOptions(out, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	logger.SetFormatter(log.JSONFormatter)

	runtimeLogger := &RuntimeLogger{
		file:       file,
		path:       filePath,
		baseLogger: logger,
		runID:      resolved.runID,
	}
	runtimeLogger.rebuildLogger()
	runtimeLogger.Logger.With("log_file", filePath).Info("logger initialized")

	if resolved.maxFiles > 0 {
		removed, err := prune(logDir, filePath, resolved.maxFiles)
		if err != nil {
			runtimeLogger.Logger.Warn("prune old log files", "err", err)
		} else if removed > 0 {
			runtimeLogger.Logger.Debug("pruned old log files", "removed", removed)
		}
	}

	_ = ctx
	return runtimeLogger, nil
}

// WithRunID updates the run_id field for subsequent log records.
func (r *RuntimeLogger) WithRunID(runID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.runID = strings.TrimSpace(runID)
	r.rebuildLogger()
	return r
}

// ForContext returns a logger tagged with the trace and span ids active on ctx.
func (r *RuntimeLogger) ForContext(ctx context.Context) *log.Logger {
	if r == nil {
		return nil
	}
	if ctx == nil {
		return r.Logger
	}
	spanContext := trace.SpanContextFromContext(ctx)
	if !spanContext.IsValid() {
		return r.Logger
	}
	return r.Logger.With(
		"trace_id", spanContext.TraceID().String(),
		"span_id", spanContext.SpanID().String(),
	)
}

// Close flushes and closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the current log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

func (r *RuntimeLogger) rebuildLogger() {
	if r == nil || r.baseLogger == nil {
		return
	}
	r.Logger = r.baseLogger.With("run_id", r.runID)
}

// prune removes the oldest tidald log files beyond keep, never the current one.
func prune(dir, current string, keep int) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read log directory: %w", err)
	}

	type logFile struct {
		path    string
		modTime time.Time
	}
	files := make([]logFile, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{path: filepath.Join(dir, name), modTime: info.ModTime()})
	}
	if len(files) <= keep {
		return 0, nil
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].modTime.Equal(files[j].modTime) {
			return files[i].path > files[j].path
		}
		return files[i].modTime.After(files[j].modTime)
	})

	removed := 0
	others := 0
	for _, candidate := range files {
		if candidate.path == current {
			continue
		}
		if others < keep-1 {
			others++
			continue
		}
		if err := os.Remove(candidate.path); err != nil {
			return removed, fmt.Errorf("remove %s: %w", candidate.path, err)
		}
		removed++
	}
	return removed, nil
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	return resolved
}
