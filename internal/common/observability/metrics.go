package observability

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

type Observability struct {
	meterProvider *metric.MeterProvider
	meter         otelmetric.Meter
	checkCounter  otelmetric.Int64Counter
	checkDuration otelmetric.Float64Histogram
}

func New(serviceName string) *Observability {
	exporter, err := prometheus.New()
	if err != nil {
		log.Printf("Failed to create Prometheus exporter: %v", err)
		return &Observability{}
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	checkCounter, _ := meter.Int64Counter(
		"verifications.processed",
		otelmetric.WithDescription("Number of verification attempts processed"),
	)

	checkDuration, _ := meter.Float64Histogram(
		"verifications.duration",
		otelmetric.WithDescription("Verification attempt duration"),
		otelmetric.WithUnit("ms"),
	)

	return &Observability{
		meterProvider: provider,
		meter:         meter,
		checkCounter:  checkCounter,
		checkDuration: checkDuration,
	}
}

func (o *Observability) RecordVerification(ctx context.Context, outcome string) {
	if o.checkCounter != nil {
		o.checkCounter.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("outcome", outcome),
		))
	}
}

func (o *Observability) RecordVerificationDuration(ctx context.Context, duration time.Duration, outcome string) {
	if o.checkDuration != nil {
		o.checkDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
			attribute.String("outcome", outcome),
		))
	}
}

func (o *Observability) Shutdown() {
	if o.meterProvider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.meterProvider.Shutdown(ctx)
	}
}
