package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/tidalcycles/tidald/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	// ServiceName is reported as service.name on every span.
	ServiceName = "tidald"
	// DefaultEnvironment is reported when no environment variable names one.
	DefaultEnvironment = "dev"
	// BatchTimeout is the span batch flush interval and the shutdown budget.
	BatchTimeout = 5 * time.Second
	// BatchSize caps one export batch.
	BatchSize = 512

	endpointEnv    = "OTEL_EXPORTER_OTLP_ENDPOINT"
	certificateEnv = "OTEL_EXPORTER_OTLP_CERTIFICATE"
)

// ServiceVersion is set at build time via ldflags.
var ServiceVersion = "dev"

var newExporter = func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	if path := strings.TrimSpace(os.Getenv(certificateEnv)); path != "" {
		tlsConfig, err := loadCertificatePool(path)
		if err != nil {
			return nil, err
		}
		opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsConfig))
	}
	return otlptracehttp.New(ctx, opts...)
}

// Session describes the interpreter session whose spans are exported.
type Session struct {
	ID string
	// Launcher is "stack" or "ghci".
	Launcher         string
	Executable       string
	CapabilityModule bool
}

// Options configures Init.
type Options struct {
	// Endpoint is the OTLP/HTTP collector URL. Empty leaves tracing off.
	Endpoint string
	Session  Session
	Logger   *log.Logger
}

// Endpoint returns the collector URL for cfg: the [otel] endpoint setting
// (or its command-line override) first, then OTEL_EXPORTER_OTLP_ENDPOINT.
func Endpoint(cfg *config.Config) string {
	if cfg != nil {
		if endpoint := strings.TrimSpace(cfg.OTelEndpoint); endpoint != "" {
			return endpoint
		}
	}
	return strings.TrimSpace(os.Getenv(endpointEnv))
}

// Init installs a batching tracer provider that exports to opts.Endpoint and
// returns its shutdown. Without an endpoint it installs nothing. When the
// exporter cannot be built, spans are written to the logger instead.
func Init(ctx context.Context, opts Options) (func(), error) {
	if opts.Endpoint == "" {
		return func() {}, nil
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.With("component", "telemetry")

	exporter, err := newExporter(ctx, opts.Endpoint)
	if err != nil {
		logger.Warn("OTLP exporter unavailable, logging spans instead", "endpoint", opts.Endpoint, "err", err)
		exporter = logExporter{logger: logger}
	}

	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(opts.Session)...))
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(BatchTimeout),
			sdktrace.WithMaxExportBatchSize(BatchSize),
		),
	)
	otel.SetTracerProvider(provider)
	logger.Debug("tracing enabled", "endpoint", opts.Endpoint, "launcher", opts.Session.Launcher)

	var once sync.Once
	return func() {
		once.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), BatchTimeout)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				logger.Warn("flush spans", "err", err)
			}
		})
	}, nil
}

func resourceAttributes(session Session) []attribute.KeyValue {
	version := strings.TrimSpace(ServiceVersion)
	if version == "" {
		version = "dev"
	}
	attrs := []attribute.KeyValue{
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", version),
		attribute.String("deployment.environment", environment()),
		attribute.Bool("tidald.capability_module", session.CapabilityModule),
	}
	if session.ID != "" {
		attrs = append(attrs, attribute.String("tidald.session_id", session.ID))
	}
	if session.Launcher != "" {
		attrs = append(attrs, attribute.String("tidald.launcher", session.Launcher))
	}
	if session.Executable != "" {
		attrs = append(attrs, attribute.String("tidald.executable", session.Executable))
	}
	return attrs
}

func environment() string {
	for _, key := range []string{"TIDALD_ENV", "ENVIRONMENT", "ENV"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return strings.ToLower(value)
		}
	}
	return DefaultEnvironment
}

func loadCertificatePool(path string) (*tls.Config, error) {
	// #nosec G304 -- path comes from OTEL_EXPORTER_OTLP_CERTIFICATE.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read collector certificate %q: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("collector certificate %q holds no PEM certificates", path)
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}, nil
}

// logExporter writes finished spans to the structured logger.
type logExporter struct {
	logger *log.Logger
}

func (e logExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		names := make([]string, 0, len(span.Events()))
		for _, event := range span.Events() {
			names = append(names, event.Name)
		}
		e.logger.Info("span",
			"name", span.Name(),
			"duration", span.EndTime().Sub(span.StartTime()).Round(time.Millisecond),
			"status", span.Status().Code.String(),
			"events", strings.Join(names, ","),
		)
	}
	return nil
}

func (logExporter) Shutdown(context.Context) error { return nil }
