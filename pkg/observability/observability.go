// Package observability wires OpenTelemetry tracing and RED metrics for the
// ReceiptGate server, exported over OTLP gRPC.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the telemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	Enabled        bool
	Insecure       bool
}

// Provider manages the trace and metric providers and the ledger RED
// instruments.
type Provider struct {
	cfg    Config
	tp     *sdktrace.TracerProvider
	mp     *sdkmetric.MeterProvider
	tracer trace.Tracer
	meter  metric.Meter
	log    *slog.Logger

	requests metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
	stored   metric.Int64Counter
}

// New initializes telemetry. With Enabled unset the provider is inert and
// every method is a no-op.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{cfg: cfg, log: slog.Default().With("component", "observability")}
	if !cfg.Enabled {
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExp, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	p.tp = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExp),
	)
	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}
	p.mp = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.mp)

	p.tracer = otel.Tracer("receiptgate", trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = otel.Meter("receiptgate", metric.WithInstrumentationVersion(cfg.ServiceVersion))

	if p.requests, err = p.meter.Int64Counter("receiptgate.requests.total",
		metric.WithDescription("HTTP requests served"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if p.errors, err = p.meter.Int64Counter("receiptgate.errors.total",
		metric.WithDescription("HTTP error responses"),
		metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if p.duration, err = p.meter.Float64Histogram("receiptgate.request.duration",
		metric.WithDescription("Request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5)); err != nil {
		return nil, err
	}
	if p.stored, err = p.meter.Int64Counter("receiptgate.receipts.stored",
		metric.WithDescription("Receipts appended to the ledger"),
		metric.WithUnit("{receipt}")); err != nil {
		return nil, err
	}

	p.log.InfoContext(ctx, "observability initialized",
		slog.String("endpoint", cfg.OTLPEndpoint))
	return p, nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			p.log.ErrorContext(ctx, "trace provider shutdown failed", slog.String("error", err.Error()))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			p.log.ErrorContext(ctx, "meter provider shutdown failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// RecordStored counts one appended receipt.
func (p *Provider) RecordStored(ctx context.Context, phase string) {
	if p.stored != nil {
		p.stored.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Middleware traces every request and records the RED metrics.
func (p *Provider) Middleware(next http.Handler) http.Handler {
	if p.tracer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := p.tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
			),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		attrs := metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("path", r.URL.Path),
			attribute.Int("status", rec.status),
		)
		p.requests.Add(ctx, 1, attrs)
		if rec.status >= 500 {
			p.errors.Add(ctx, 1, attrs)
		}
		p.duration.Record(ctx, time.Since(start).Seconds(), attrs)
		span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
	})
}
