package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// InitMeterProvider bootstraps the OpenTelemetry MeterProvider with an
// OTLP/gRPC metric exporter targeting the given endpoint. Metrics are
// flushed periodically via a PeriodicReader.
// The caller must defer mp.Shutdown(ctx) to flush pending metrics.
func InitMeterProvider(ctx context.Context, serviceName string, endpoint string) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)

	otel.SetMeterProvider(mp)
	return mp, nil
}

// Metrics carries the report pipeline's counters. Instruments created
// before InitMeterProvider runs record into the global no-op meter.
type Metrics struct {
	reportsProcessed metric.Int64Counter
	reportsFailed    metric.Int64Counter
}

// NewMetrics registers the pipeline instruments on the global meter.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("exposure-service")

	processed, err := meter.Int64Counter("reports_processed_total",
		metric.WithDescription("Reports that completed the processing pipeline."))
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("reports_failed_total",
		metric.WithDescription("Reports that reached a terminal failure."))
	if err != nil {
		return nil, err
	}

	return &Metrics{reportsProcessed: processed, reportsFailed: failed}, nil
}

// ReportProcessed counts one completed pipeline run. Recording on a nil
// Metrics is a no-op.
func (m *Metrics) ReportProcessed(ctx context.Context) {
	if m == nil {
		return
	}
	m.reportsProcessed.Add(ctx, 1)
}

// ReportFailed counts one terminally failed report.
func (m *Metrics) ReportFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.reportsFailed.Add(ctx, 1)
}
