// Package telemetry exports probe counters as OpenTelemetry metrics.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mrzor/aqmprobe/internal/config"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

const meterName = "github.com/mrzor/aqmprobe"

// Stats is a point-in-time view of the probe counters.
type Stats struct {
	// Drops holds the backpressure drop count per reason.
	Drops       map[string]uint64
	Delivered   uint64
	Outstanding int
	Active      int
}

// Source supplies Stats on every collection.
type Source interface {
	Stats() Stats
}

// Provider owns the meter provider and the registered callback.
type Provider struct {
	mp     *sdkmetric.MeterProvider
	logger *zap.Logger
	reg    metric.Registration
}

// NewProvider builds a meter provider. When no OTLP endpoint is configured nothing is
// exported unless extra readers are supplied.
//
// Note: Uses OTLP/HTTP protocol. The HTTP client honors HTTP_PROXY, HTTPS_PROXY and NO_PROXY.
func NewProvider(ctx context.Context, cfg *config.OTELConfig, logger *zap.Logger, readers ...sdkmetric.Reader) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	resourceAttrs := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	}
	if customAttrs := cfg.Attributes(); len(customAttrs) > 0 {
		resourceAttrs = append(resourceAttrs, resource.WithAttributes(customAttrs...))
	}

	res, err := resource.New(ctx, resourceAttrs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if endpoint := cfg.Endpoint(); endpoint != "" {
		exporter, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
			otlpmetrichttp.WithTimeout(10*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
		}
		interval := cfg.Interval()
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))))
		logger.Info("Exporting metrics", zap.String("endpoint", endpoint), zap.Duration("interval", interval))
	} else {
		logger.Debug("No OTLP endpoint configured, metrics are not exported")
	}

	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	return &Provider{
		mp:     sdkmetric.NewMeterProvider(opts...),
		logger: logger,
	}, nil
}

// Register observes src on every collection.
func (p *Provider) Register(src Source) error {
	meter := p.mp.Meter(meterName)

	drops, err := meter.Int64ObservableCounter("aqmprobe.backpressure.drops",
		metric.WithDescription("Events discarded by the probe, by reason"),
		metric.WithUnit("{event}"))
	if err != nil {
		return fmt.Errorf("creating drops counter: %w", err)
	}
	delivered, err := meter.Int64ObservableCounter("aqmprobe.records.delivered",
		metric.WithDescription("Records handed to the reader"),
		metric.WithUnit("{record}"))
	if err != nil {
		return fmt.Errorf("creating delivered counter: %w", err)
	}
	outstanding, err := meter.Int64ObservableGauge("aqmprobe.ring.outstanding",
		metric.WithDescription("Reserved or ready slots in the ring"),
		metric.WithUnit("{slot}"))
	if err != nil {
		return fmt.Errorf("creating outstanding gauge: %w", err)
	}
	active, err := meter.Int64ObservableGauge("aqmprobe.invocations.active",
		metric.WithDescription("Intercepted calls currently in flight"),
		metric.WithUnit("{call}"))
	if err != nil {
		return fmt.Errorf("creating active gauge: %w", err)
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := src.Stats()
		for reason, n := range s.Drops {
			//nolint:gosec // counters never approach 2^63
			o.ObserveInt64(drops, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
		}
		//nolint:gosec // counters never approach 2^63
		o.ObserveInt64(delivered, int64(s.Delivered))
		o.ObserveInt64(outstanding, int64(s.Outstanding))
		o.ObserveInt64(active, int64(s.Active))
		return nil
	}, drops, delivered, outstanding, active)
	if err != nil {
		return fmt.Errorf("registering metrics callback: %w", err)
	}

	p.reg = reg
	return nil
}

// Shutdown flushes pending metrics and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.reg != nil {
		if err := p.reg.Unregister(); err != nil {
			errs = append(errs, fmt.Errorf("unregistering metrics callback: %w", err))
		}
	}
	if err := p.mp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown meter provider: %w", err))
	}
	return errors.Join(errs...)
}
