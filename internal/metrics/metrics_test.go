package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/jonathanpeterwu/stackmemory/internal/eventbus"
	"github.com/jonathanpeterwu/stackmemory/internal/types"
)

// withManualReader installs a fresh MeterProvider backed by a ManualReader
// for the calling test, restoring the previous global provider in cleanup.
// A new provider is installed on every call. Instruments registered earlier
// stay bound to the provider that was global then, so tests re-register
// them through initInstruments after calling this.
func withManualReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(mp)
	t.Cleanup(func() { otel.SetMeterProvider(prev) })
	return reader
}

func findSum(t *testing.T, rm *metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				var total int64
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
				return total
			}
		}
	}
	return 0
}

func TestCollectorIncrementsFrameCounters(t *testing.T) {
	reader := withManualReader(t)
	// Re-run init's registration against the freshly installed provider so
	// the package's instruments point at this test's reader.
	initInstruments()

	c := NewCollector()
	frame := &types.Frame{FrameID: "frm-1", Type: types.FrameTask}

	require.NoError(t, c.Handle(context.Background(), &eventbus.Event{Type: eventbus.FrameCreated, Frame: frame}))
	require.NoError(t, c.Handle(context.Background(), &eventbus.Event{Type: eventbus.FrameClosed, Frame: frame}))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	assert.Equal(t, int64(1), findSum(t, &rm, "stackmemory.frame.created"))
	assert.Equal(t, int64(1), findSum(t, &rm, "stackmemory.frame.closed"))
}

func TestCollectorHandlesOnlyFrameLifecycleEvents(t *testing.T) {
	c := NewCollector()
	assert.ElementsMatch(t, []eventbus.EventType{eventbus.FrameCreated, eventbus.FrameClosed}, c.Handles())
	assert.Equal(t, "metrics", c.ID())
}

func TestRecordHelpersAreNilSafeAtZero(t *testing.T) {
	ctx := context.Background()
	RecordGCDeletion(ctx, 0)
	RecordGCArchiveFailure(ctx, 0)
	RecordTierMigration(ctx, "young", "mature")
	RecordCompactionPreserve(ctx)
	RecordCompactionRehydrate(ctx)
}
