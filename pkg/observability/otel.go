package observability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Resource attributes describing the host an impromptu process serves
const (
	AttrPackageRoot = attribute.Key("impromptu.package_root")
	AttrIsolation   = attribute.Key("impromptu.isolation")
	AttrCommand     = attribute.Key("impromptu.command")
)

const exporterDialTimeout = 10 * time.Second

// OTelConfig configures OTLP export over gRPC
type OTelConfig struct {
	Enabled        bool
	Endpoint       string
	Insecure       bool
	ServiceName    string
	ServiceVersion string

	// PackageRoot, Isolation and Command label every exported span and
	// metric so traces from hosts sharing a collector can be told apart
	PackageRoot string
	Isolation   string
	Command     string

	// MetricInterval defaults to 10s
	MetricInterval time.Duration
}

// Telemetry owns the providers installed by StartTelemetry. The zero value,
// returned when export is disabled, does nothing on Shutdown.
type Telemetry struct {
	Resource       *resource.Resource
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider

	logger   *logrus.Logger
	shutdown sync.Once
	err      error
}

// Enabled reports whether spans and metrics are exported
func (t *Telemetry) Enabled() bool {
	return t != nil && t.TracerProvider != nil
}

// Resource builds the resource attached to exported telemetry
func (c OTelConfig) Resource(ctx context.Context) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(c.ServiceName),
		semconv.ServiceVersionKey.String(c.ServiceVersion),
	}
	if c.PackageRoot != "" {
		attrs = append(attrs, AttrPackageRoot.String(c.PackageRoot))
	}
	if c.Isolation != "" {
		attrs = append(attrs, AttrIsolation.String(c.Isolation))
	}
	if c.Command != "" {
		attrs = append(attrs, AttrCommand.String(c.Command))
	}
	return resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithFromEnv(),
		resource.WithHost(),
	)
}

// StartTelemetry installs global tracer and meter providers exporting to
// cfg.Endpoint. The instruments registered by NewMetrics and the tracers of
// the retriever, sandbox and instantiator packages resolve through these
// globals, so they start exporting as soon as this returns.
func StartTelemetry(ctx context.Context, cfg OTelConfig, logger *logrus.Logger) (*Telemetry, error) {
	logger = OrDefault(logger)
	if !cfg.Enabled {
		logger.Debug("OpenTelemetry export is disabled")
		return &Telemetry{logger: logger}, nil
	}

	res, err := cfg.Resource(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var dial []grpc.DialOption
	if cfg.Insecure {
		dial = append(dial, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	dialCtx, cancel := context.WithTimeout(ctx, exporterDialTimeout)
	defer cancel()

	spans, err := otlptracegrpc.New(dialCtx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(dial...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	metrics, err := otlpmetricgrpc.New(dialCtx,
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithDialOption(dial...),
	)
	if err != nil {
		spans.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	t := &Telemetry{
		Resource:       res,
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithResource(res), sdktrace.WithBatcher(spans)),
		MeterProvider: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(interval))),
		),
		logger: logger,
	}

	otel.SetTracerProvider(t.TracerProvider)
	otel.SetMeterProvider(t.MeterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.WithFields(logrus.Fields{
		"endpoint": cfg.Endpoint,
		"command":  cfg.Command,
	}).Info("Exporting telemetry")
	return t, nil
}

// Shutdown flushes pending spans and metrics and stops export. Only the
// first call does any work.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if !t.Enabled() {
		return nil
	}

	t.shutdown.Do(func() {
		err := errors.Join(
			t.TracerProvider.Shutdown(ctx),
			t.MeterProvider.Shutdown(ctx),
		)
		if err != nil {
			t.logger.WithError(err).Error("Failed to flush telemetry")
			t.err = fmt.Errorf("telemetry shutdown: %w", err)
			return
		}
		t.logger.Debug("Telemetry flushed")
	})
	return t.err
}
