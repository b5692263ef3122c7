// Package metrics configures the OpenTelemetry meter provider and the
// application-level instruments.
package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	billingEvents    metric.Int64Counter
	lockContention   metric.Int64Counter
	targetingScans   metric.Int64Counter
	targetingMatches metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	ctx := context.Background()
	switch protocol {
	case "", "grpc":
		return otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "http":
		return otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported otlp protocol %q", protocol)
	}
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "recallhub"
	}
	meter := provider.Meter(name)

	billingEvents, err := meter.Int64Counter("recallhub_billing_events_total")
	if err != nil {
		return nil, err
	}
	lockContention, err := meter.Int64Counter("recallhub_lock_contention_total")
	if err != nil {
		return nil, err
	}
	targetingScans, err := meter.Int64Counter("recallhub_targeting_scans_total")
	if err != nil {
		return nil, err
	}
	targetingMatches, err := meter.Int64Counter("recallhub_targeting_matches_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		billingEvents:    billingEvents,
		lockContention:   lockContention,
		targetingScans:   targetingScans,
		targetingMatches: targetingMatches,
	}, nil
}

// RecordBillingEvent increments billing event counts by type and outcome.
func (m *Metrics) RecordBillingEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.billingEvents.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	))
}

// RecordLockContention increments per-subscriber lease contention counts.
func (m *Metrics) RecordLockContention() {
	if m == nil {
		return
	}
	m.lockContention.Add(context.Background(), 1)
}

// RecordTargetingScan increments targeting scan counts and the matches they
// produced.
func (m *Metrics) RecordTargetingScan(kind string, matches int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("kind", strings.TrimSpace(kind)))
	m.targetingScans.Add(ctx, 1, attrs)
	m.targetingMatches.Add(ctx, int64(matches), attrs)
}
