// Package telemetry wires OpenTelemetry tracing and metrics around the
// Authorization Engine pipeline, the Rate Limiter, and the Audit Chain
// (SPEC_FULL.md §2's ambient Observability stack). No component in
// spec.md requires it to function — every recorder method is a no-op
// when the provider is disabled or a given instrument failed to
// initialize, so the core runs standalone with no collector present.
//
// Grounded on the teacher's pkg/observability package: the same
// Config/Provider split, the same RED (Rate, Errors, Duration) counter
// set, and the same TrackOperation start/stop helper, narrowed to the
// keepcore domain's own span and attribute names.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
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

const instrumentationName = "keepcore.authz"

// keepcore.* attribute keys, mirrored on the request/decision shapes
// named in spec.md §3/§7.
var (
	AttrCaller       = attribute.Key("keepcore.caller")
	AttrRequestType  = attribute.Key("keepcore.request_type")
	AttrDecision     = attribute.Key("keepcore.decision")
	AttrReason       = attribute.Key("keepcore.reason")
	AttrAutomatic    = attribute.Key("keepcore.automatic")
	AttrChainEntries = attribute.Key("keepcore.audit.entries_verified")
)

// DecisionAttrs builds the attribute set shared by the tracing span and
// the RED metrics for one pipeline decision.
func DecisionAttrs(caller, requestType, decision, reason string, automatic bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCaller.String(caller),
		AttrRequestType.String(requestType),
		AttrDecision.String(decision),
		AttrReason.String(reason),
		AttrAutomatic.Bool(automatic),
	}
}

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns a disabled provider's configuration; the
// integrator opts into export by setting Enabled and an endpoint.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "keepcore",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       false,
	}
}

// Provider manages the trace and metric providers for one process.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	decisionCounter   metric.Int64Counter
	rateLimitCounter  metric.Int64Counter
	velocityCounter   metric.Int64Counter
	durationHist      metric.Float64Histogram
	activeOperations  metric.Int64UpDownCounter
	auditVerifyCount  metric.Int64Counter
	auditVerifyLength metric.Int64Histogram
}

// New creates a provider. A nil config or Enabled=false yields a
// fully functional no-op provider: every instrument stays nil and
// every Record*/Track* method guards on that before touching it.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "telemetry"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("telemetry: init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("telemetry: init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("telemetry: init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initMetrics() error {
	var err error
	if p.decisionCounter, err = p.meter.Int64Counter("keepcore.authz.decisions",
		metric.WithDescription("Authorization Engine decisions by request type, decision, and reason"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return err
	}
	if p.rateLimitCounter, err = p.meter.Int64Counter("keepcore.ratelimit.rejections",
		metric.WithDescription("Requests rejected by the rate limiter"),
		metric.WithUnit("{rejection}"),
	); err != nil {
		return err
	}
	if p.velocityCounter, err = p.meter.Int64Counter("keepcore.velocity.blocks",
		metric.WithDescription("Requests blocked by the velocity tracker"),
		metric.WithUnit("{block}"),
	); err != nil {
		return err
	}
	if p.durationHist, err = p.meter.Float64Histogram("keepcore.authz.pipeline.duration",
		metric.WithDescription("Authorize pipeline duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 60.0),
	); err != nil {
		return err
	}
	if p.activeOperations, err = p.meter.Int64UpDownCounter("keepcore.authz.pipeline.active",
		metric.WithDescription("In-flight Authorize pipeline invocations"),
		metric.WithUnit("{invocation}"),
	); err != nil {
		return err
	}
	if p.auditVerifyCount, err = p.meter.Int64Counter("keepcore.audit.verify.runs",
		metric.WithDescription("Audit chain verification runs"),
		metric.WithUnit("{run}"),
	); err != nil {
		return err
	}
	if p.auditVerifyLength, err = p.meter.Int64Histogram("keepcore.audit.verify.entries",
		metric.WithDescription("Number of entries examined per audit chain verification run"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops both providers. Safe to call on a
// disabled provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// TrackPipeline wraps one Authorize/AuthorizeAutomatic call: it opens a
// span, increments the active-operations gauge, and returns a function
// that records the terminal decision, duration, and error (if any)
// when called. Safe on a disabled provider — every step no-ops.
func (p *Provider) TrackPipeline(ctx context.Context, caller, requestType string) (context.Context, func(decision, reason string, err error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, "authz.authorize",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(AttrCaller.String(caller), AttrRequestType.String(requestType)),
	)
	if p.activeOperations != nil {
		p.activeOperations.Add(ctx, 1, metric.WithAttributes(AttrRequestType.String(requestType)))
	}

	return ctx, func(decision, reason string, err error) {
		attrs := DecisionAttrs(caller, requestType, decision, reason, err == nil)
		if p.activeOperations != nil {
			p.activeOperations.Add(ctx, -1, metric.WithAttributes(AttrRequestType.String(requestType)))
		}
		if p.decisionCounter != nil {
			p.decisionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
		if p.durationHist != nil {
			p.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(AttrRequestType.String(requestType)))
		}
		span.SetAttributes(attrs...)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

// RecordRateLimitRejection counts a rate-limiter rejection (spec.md
// §4.4).
func (p *Provider) RecordRateLimitRejection(ctx context.Context, caller string) {
	if p.rateLimitCounter != nil {
		p.rateLimitCounter.Add(ctx, 1, metric.WithAttributes(AttrCaller.String(caller)))
	}
}

// RecordVelocityBlock counts a velocity-tracker block (spec.md §4.6).
func (p *Provider) RecordVelocityBlock(ctx context.Context, caller string) {
	if p.velocityCounter != nil {
		p.velocityCounter.Add(ctx, 1, metric.WithAttributes(AttrCaller.String(caller)))
	}
}

// RecordAuditVerification records one run of the audit chain's verify
// pass (spec.md §4.3), along with how many entries it examined.
func (p *Provider) RecordAuditVerification(ctx context.Context, entriesExamined int) {
	if p.auditVerifyCount != nil {
		p.auditVerifyCount.Add(ctx, 1)
	}
	if p.auditVerifyLength != nil {
		p.auditVerifyLength.Record(ctx, int64(entriesExamined))
	}
}

// Tracer returns the configured tracer, falling back to the global
// no-op tracer when disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the configured meter, falling back to the global
// no-op meter when disabled.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}
