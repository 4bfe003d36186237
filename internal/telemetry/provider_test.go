package telemetry

import (
	"context"
	"testing"

	"github.com/mrzor/aqmprobe/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"
)

type fixedSource Stats

func (f fixedSource) Stats() Stats { return Stats(f) }

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestProvider_ExportsStats(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := NewProvider(context.Background(), &config.OTELConfig{ServiceName: "test"}, zaptest.NewLogger(t), reader)
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	require.NoError(t, p.Register(fixedSource{
		Drops:       map[string]uint64{"ring_full": 3, "missed": 1},
		Delivered:   42,
		Outstanding: 5,
		Active:      2,
	}))

	metrics := collect(t, reader)

	drops, ok := metrics["aqmprobe.backpressure.drops"].(metricdata.Sum[int64])
	require.True(t, ok)
	assert.True(t, drops.IsMonotonic)
	byReason := make(map[string]int64)
	for _, dp := range drops.DataPoints {
		reason, _ := dp.Attributes.Value(attribute.Key("reason"))
		byReason[reason.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]int64{"ring_full": 3, "missed": 1}, byReason)

	delivered, ok := metrics["aqmprobe.records.delivered"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, delivered.DataPoints, 1)
	assert.Equal(t, int64(42), delivered.DataPoints[0].Value)

	outstanding, ok := metrics["aqmprobe.ring.outstanding"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, outstanding.DataPoints, 1)
	assert.Equal(t, int64(5), outstanding.DataPoints[0].Value)

	active, ok := metrics["aqmprobe.invocations.active"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, active.DataPoints, 1)
	assert.Equal(t, int64(2), active.DataPoints[0].Value)
}

func TestProvider_ShutdownWithoutRegister(t *testing.T) {
	p, err := NewProvider(context.Background(), &config.OTELConfig{ServiceName: "test"}, nil)
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))
}
