package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

// Options configures Init.
type Options struct {
	Service   string
	Endpoint  string
	LogLevel  string
	LogFormat string
	Out       io.Writer
}

// Init configures OpenTelemetry tracing, propagation, and structured logging for a service.
// Tracing export is skipped when no OTLP endpoint is configured.
func Init(ctx context.Context, opts Options) (func(context.Context) error, func(http.Handler) http.Handler, zerolog.Logger, error) {
	if opts.Service == "" {
		return nil, nil, zerolog.Nop(), errors.New("telemetry: service name is required")
	}

	logger, err := NewLogger(opts.Service, opts.LogLevel, opts.LogFormat, opts.Out)
	if err != nil {
		return nil, nil, zerolog.Nop(), err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.Service),
		),
	)
	if err != nil {
		return nil, nil, zerolog.Nop(), fmt.Errorf("telemetry: create resource: %w", err)
	}

	providerOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if opts.Endpoint != "" {
		exporter, err := newTraceExporter(ctx, opts.Endpoint)
		if err != nil {
			return nil, nil, zerolog.Nop(), fmt.Errorf("telemetry: create exporter: %w", err)
		}
		providerOpts = append(providerOpts, sdktrace.WithBatcher(exporter))
	} else {
		logger.Debug().Msg("OTEL_EXPORTER_OTLP_ENDPOINT not set, traces are not exported")
	}

	tracerProvider := sdktrace.NewTracerProvider(providerOpts...)

	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	middleware := func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(RequestLogger(logger)(next), opts.Service)
	}

	shutdown := func(ctx context.Context) error {
		return tracerProvider.Shutdown(ctx)
	}

	return shutdown, middleware, logger, nil
}

// NewLogger builds the process logger. format "console" selects the human
// readable writer; anything else emits JSON lines.
func NewLogger(service, level, format string, out io.Writer) (zerolog.Logger, error) {
	if out == nil {
		out = os.Stdout
	}
	lvl := zerolog.InfoLevel
	if strings.TrimSpace(level) != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("telemetry: parse log level: %w", err)
		}
		lvl = parsed
	}
	if strings.EqualFold(format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Str("service", service).Logger(), nil
}

// RequestLogger logs one line per request with the status, duration and trace id.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(recorder, r)

			evt := logger.Info()
			if recorder.status >= http.StatusInternalServerError {
				evt = logger.Error()
			}
			spanCtx := trace.SpanFromContext(r.Context()).SpanContext()
			if spanCtx.IsValid() {
				evt = evt.Str("trace_id", spanCtx.TraceID().String())
			}
			evt.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", recorder.status).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

// HTTPClient returns a client whose transport records client spans.
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func newTraceExporter(ctx context.Context, endpoint string) (*otlptrace.Exporter, error) {
	var opts []otlptracehttp.Option

	parsed, err := url.Parse(endpoint)
	if err == nil && parsed.Scheme != "" {
		if parsed.Host == "" {
			return nil, fmt.Errorf("invalid OTLP endpoint: %s", endpoint)
		}
		opts = append(opts, otlptracehttp.WithEndpoint(parsed.Host))
		if parsed.Path != "" && parsed.Path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(parsed.Path))
		}
		if parsed.Scheme == "http" {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	return otlptracehttp.New(ctx, opts...)
}
