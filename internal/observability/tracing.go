package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/traceview/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Exporter names accepted by TRACEVIEW_TRACING.
const (
	ExporterOff    = "off"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

const defaultOTLPEndpoint = "localhost:4317"

// TracingConfig selects where spans go. The zero value disables tracing.
type TracingConfig struct {
	ServiceName string
	Exporter    string // off | stdout | otlp
	Endpoint    string // OTLP gRPC collector address
	SampleRatio float64
	// Writer receives stdout spans; defaults to os.Stdout.
	Writer io.Writer
}

// Enabled reports whether spans are exported at all.
func (c TracingConfig) Enabled() bool {
	return c.Exporter != "" && c.Exporter != ExporterOff
}

// TracingConfigFromEnv reads
//
//	TRACEVIEW_TRACING              off | stdout | otlp (default off)
//	TRACEVIEW_TRACING_SAMPLE_RATIO 0..1 (default 1)
//	OTEL_EXPORTER_OTLP_ENDPOINT    collector address for otlp
//	OTEL_SERVICE_NAME              overrides service
//
// through lookup, which is usually os.LookupEnv.
func TracingConfigFromEnv(service string, lookup func(string) (string, bool)) (TracingConfig, error) {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	cfg := TracingConfig{
		ServiceName: service,
		Exporter:    strings.ToLower(get("TRACEVIEW_TRACING")),
		Endpoint:    get("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SampleRatio: 1,
	}
	if name := get("OTEL_SERVICE_NAME"); name != "" {
		cfg.ServiceName = name
	}
	switch cfg.Exporter {
	case "", ExporterOff, ExporterStdout, ExporterOTLP:
	case "otlpgrpc":
		cfg.Exporter = ExporterOTLP
	default:
		return TracingConfig{}, fmt.Errorf("TRACEVIEW_TRACING: unsupported exporter %q", cfg.Exporter)
	}
	if raw := get("TRACEVIEW_TRACING_SAMPLE_RATIO"); raw != "" {
		ratio, err := strconv.ParseFloat(raw, 64)
		if err != nil || ratio < 0 || ratio > 1 {
			return TracingConfig{}, fmt.Errorf("TRACEVIEW_TRACING_SAMPLE_RATIO: want a number in [0, 1], got %q", raw)
		}
		cfg.SampleRatio = ratio
	}
	return cfg, nil
}

// Tracing owns the installed tracer provider.
type Tracing struct {
	provider *sdktrace.TracerProvider
	log      logging.Logger
}

// InitTracing installs the global tracer provider and propagators. With
// tracing disabled it installs a no-op provider and the returned Tracing's
// Close does nothing.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (*Tracing, error) {
	log = logging.OrNoop(log)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled() {
		otel.SetTracerProvider(noop.NewTracerProvider())
		log.Debug(ctx, "tracing disabled")
		return &Tracing{log: log}, nil
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "traceview"),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.Float64("sample_ratio", cfg.SampleRatio),
	)
	return &Tracing{provider: tp, log: log}, nil
}

func newExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		return stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithoutTimestamps())
	case ExporterOTLP:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
	}
	return nil, fmt.Errorf("unsupported tracing exporter %q", cfg.Exporter)
}

// Close flushes buffered spans, giving up after timeout. Failures are logged.
func (t *Tracing) Close(timeout time.Duration) {
	if t == nil || t.provider == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := t.provider.Shutdown(ctx); err != nil {
		t.log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}

// QuerySpan names the resource query a span covers.
type QuerySpan struct {
	Dataset  string
	Resource string
	Bins     int
	Begin    float64
	End      float64
}

func (q QuerySpan) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("traceview.dataset", q.Dataset),
		attribute.String("traceview.resource", q.Resource),
	}
	if q.Bins > 0 {
		attrs = append(attrs, attribute.Int("traceview.bins", q.Bins))
	}
	if q.End > q.Begin {
		attrs = append(attrs,
			attribute.Float64("traceview.begin", q.Begin),
			attribute.Float64("traceview.end", q.End),
		)
	}
	return attrs
}

// StartQuerySpan opens a span on the named instrumentation scope tagged
// with the query.
func StartQuerySpan(ctx context.Context, scope, name string, q QuerySpan) (context.Context, trace.Span) {
	return otel.Tracer(scope).Start(ctx, name, trace.WithAttributes(q.attributes()...))
}

// EndSpan records err on span and ends it. Errors for which expected returns
// true are recorded as events without marking the span failed.
func EndSpan(span trace.Span, err error, expected ...func(error) bool) {
	defer span.End()
	if err == nil {
		return
	}
	span.RecordError(err)
	if errors.Is(err, context.Canceled) {
		return
	}
	for _, ok := range expected {
		if ok(err) {
			return
		}
	}
	span.SetStatus(codes.Error, err.Error())
}
