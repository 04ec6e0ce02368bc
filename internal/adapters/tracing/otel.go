// Package tracing wires OpenTelemetry trace and log export.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/longregen/causal/internal/logging"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys shared across packages.
const (
	AttrSessionID = "session.id"
	AttrMessageID = "message.id"
	AttrRequestID = "request.id"
	AttrToolName  = "tool.name"
)

type Config struct {
	ServiceName string
	Environment string
	// OTLPEndpoint is the collector base URL. When empty, nothing is exported
	// over OTLP.
	OTLPEndpoint string
	// Stdout prints spans to stdout when no OTLP endpoint is set.
	Stdout bool
}

type InitResult struct {
	Logger   *slog.Logger
	Shutdown func(context.Context) error
}

// Init installs the global tracer provider and propagator and returns a
// logger that writes to stderr (and to the OTLP log exporter when configured).
func Init(ctx context.Context, cfg Config, stderr slog.Handler) (*InitResult, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.OTLPEndpoint == "" && !cfg.Stdout {
		return &InitResult{
			Logger:   slog.New(stderr),
			Shutdown: func(context.Context) error { return nil },
		}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironmentName(cfg.Environment),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if cfg.OTLPEndpoint == "" {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		return &InitResult{Logger: slog.New(stderr), Shutdown: tp.Shutdown}, nil
	}

	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint),
		otlptracehttp.WithURLPath("/otlp/v1/traces"),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	logExporter, err := otlploghttp.New(ctx,
		otlploghttp.WithEndpointURL(cfg.OTLPEndpoint),
		otlploghttp.WithURLPath("/otlp/v1/logs"),
	)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("create log exporter: %w", err)
	}

	lp := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)

	otelHandler := otelslog.NewHandler(cfg.ServiceName, otelslog.WithLoggerProvider(lp))
	logger := slog.New(logging.Tee(otelHandler, stderr))

	shutdown := func(ctx context.Context) error {
		return errors.Join(lp.Shutdown(ctx), tp.Shutdown(ctx))
	}
	return &InitResult{Logger: logger, Shutdown: shutdown}, nil
}

// Tracer returns a tracer for the given instrumentation name.
func Tracer(name string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}

type ctxKey int

const ctxKeySessionID ctxKey = iota

func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeySessionID, id)
}

func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeySessionID).(string); ok {
		return v
	}
	return ""
}

// MCPMeta builds the _meta object sent with MCP tool calls so servers can
// link their spans to the calling trace.
func MCPMeta(ctx context.Context) map[string]any {
	meta := make(map[string]any)
	carrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(ctx, carrier)
	if tp := carrier.Get("traceparent"); tp != "" {
		meta["traceparent"] = tp
	}
	if ts := carrier.Get("tracestate"); ts != "" {
		meta["tracestate"] = ts
	}
	if sessionID := SessionIDFromContext(ctx); sessionID != "" {
		meta["session_id"] = sessionID
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
