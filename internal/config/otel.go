package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/otel/attribute"
)

// OTELConfig selects where probe metrics go. It reads the standard OTEL_* variables.
type OTELConfig struct {
	ServiceName        string `env:"OTEL_SERVICE_NAME" envDefault:"aqmprobe"`
	ResourceAttributes string `env:"OTEL_RESOURCE_ATTRIBUTES"`
	ExporterEndpoint   string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	MetricsEndpoint    string `env:"OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"`
	// ExportInterval is in milliseconds.
	ExportInterval int `env:"OTEL_METRIC_EXPORT_INTERVAL" envDefault:"60000"`
}

// ParseOTELConfig reads the metrics export settings from the environment.
func ParseOTELConfig() (*OTELConfig, error) {
	cfg, err := env.ParseAs[OTELConfig]()
	if err != nil {
		return nil, fmt.Errorf("parsing OTEL environment: %w", err)
	}
	if cfg.ExportInterval <= 0 {
		return nil, fmt.Errorf("%w: OTEL_METRIC_EXPORT_INTERVAL must be positive, got %d", ErrInvalid, cfg.ExportInterval)
	}
	return &cfg, nil
}

// Endpoint returns the OTLP endpoint for metrics. The metrics-specific variable wins.
// An empty result disables export.
func (c *OTELConfig) Endpoint() string {
	if c.MetricsEndpoint != "" {
		return c.MetricsEndpoint
	}
	return c.ExporterEndpoint
}

// Interval returns the export period.
func (c *OTELConfig) Interval() time.Duration {
	return time.Duration(c.ExportInterval) * time.Millisecond
}

// Attributes turns the key=value,... list into resource attributes. Entries without a
// key are skipped.
func (c *OTELConfig) Attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for pair := range strings.SplitSeq(c.ResourceAttributes, ",") {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		attrs = append(attrs, attribute.String(key, strings.TrimSpace(value)))
	}
	return attrs
}
