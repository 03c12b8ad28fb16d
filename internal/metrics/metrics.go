// Package metrics wires the engine's observable events into OpenTelemetry
// metric instruments. Instruments are registered against the global
// delegating provider at init time, the same lazy-registration shape the
// teacher's dolt storage backend uses: they are no-ops until a real
// MeterProvider is installed (see telemetry.Init), so packages that import
// metrics carry no cost when no exporter is configured.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jonathanpeterwu/stackmemory/internal/eventbus"
)

var instruments struct {
	framesCreated       metric.Int64Counter
	framesClosed        metric.Int64Counter
	digestAIFailures    metric.Int64Counter
	gcFramesDeleted     metric.Int64Counter
	gcArchiveFailures   metric.Int64Counter
	tierMigrations      metric.Int64Counter
	compactionPreserve  metric.Int64Counter
	compactionRehydrate metric.Int64Counter
}

func init() {
	initInstruments()
}

// initInstruments (re-)registers every counter against whatever
// MeterProvider is currently global. It's exported to the package only so
// tests can point the instruments at a ManualReader-backed provider after
// swapping otel's global with otel.SetMeterProvider.
func initInstruments() {
	m := otel.Meter("github.com/jonathanpeterwu/stackmemory")

	instruments.framesCreated, _ = m.Int64Counter("stackmemory.frame.created",
		metric.WithDescription("Frames created, by frame type"),
		metric.WithUnit("{frame}"),
	)
	instruments.framesClosed, _ = m.Int64Counter("stackmemory.frame.closed",
		metric.WithDescription("Frames closed, by frame type"),
		metric.WithUnit("{frame}"),
	)
	instruments.digestAIFailures, _ = m.Int64Counter("stackmemory.digest.ai_failures",
		metric.WithDescription("Frame closes whose digest fell back to deterministic-only fields"),
		metric.WithUnit("{digest}"),
	)
	instruments.gcFramesDeleted, _ = m.Int64Counter("stackmemory.gc.frames_deleted",
		metric.WithDescription("Frames removed by the GCWorker"),
		metric.WithUnit("{frame}"),
	)
	instruments.gcArchiveFailures, _ = m.Int64Counter("stackmemory.gc.archive_failures",
		metric.WithDescription("GC candidates skipped because archival failed"),
		metric.WithUnit("{frame}"),
	)
	instruments.tierMigrations, _ = m.Int64Counter("stackmemory.tier.migrations",
		metric.WithDescription("Completed tier migrations, by source and destination tier"),
		metric.WithUnit("{migration}"),
	)
	instruments.compactionPreserve, _ = m.Int64Counter("stackmemory.compaction.preserve",
		metric.WithDescription("PreservationAnchors written ahead of an anticipated compaction"),
		metric.WithUnit("{anchor}"),
	)
	instruments.compactionRehydrate, _ = m.Int64Counter("stackmemory.compaction.rehydrate",
		metric.WithDescription("Context-restoration frames created after a detected compaction"),
		metric.WithUnit("{frame}"),
	)
}

// RecordGCDeletion increments the GCWorker deletion counter.
func RecordGCDeletion(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	instruments.gcFramesDeleted.Add(ctx, int64(n))
}

// RecordGCArchiveFailure increments the GCWorker archive-failure counter.
func RecordGCArchiveFailure(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	instruments.gcArchiveFailures.Add(ctx, int64(n))
}

// RecordTierMigration increments the tier-migration counter, labeled by the
// source and destination tier.
func RecordTierMigration(ctx context.Context, from, to string) {
	instruments.tierMigrations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from_tier", from),
		attribute.String("to_tier", to),
	))
}

// RecordCompactionPreserve increments the preservation-anchor counter.
func RecordCompactionPreserve(ctx context.Context) {
	instruments.compactionPreserve.Add(ctx, 1)
}

// RecordCompactionRehydrate increments the rehydration counter.
func RecordCompactionRehydrate(ctx context.Context) {
	instruments.compactionRehydrate.Add(ctx, 1)
}

// Collector is an eventbus.Handler that turns frame lifecycle events into
// OTel counters without the FrameManager holding any reference to it — the
// same capability-typed subscriber shape as every other bus handler.
type Collector struct{}

// NewCollector builds the lifecycle-event metrics subscriber.
func NewCollector() *Collector { return &Collector{} }

func (c *Collector) ID() string { return "metrics" }

func (c *Collector) Handles() []eventbus.EventType {
	return []eventbus.EventType{eventbus.FrameCreated, eventbus.FrameClosed}
}

// Priority places metrics collection after any handler that might mutate or
// veto the event (none currently do), consistent with metrics being a pure
// observer.
func (c *Collector) Priority() int { return 100 }

func (c *Collector) Handle(ctx context.Context, event *eventbus.Event) error {
	attrs := metric.WithAttributes(attribute.String("frame_type", string(event.Frame.Type)))
	switch event.Type {
	case eventbus.FrameCreated:
		instruments.framesCreated.Add(ctx, 1, attrs)
	case eventbus.FrameClosed:
		instruments.framesClosed.Add(ctx, 1, attrs)
		if event.Frame.DigestJSON != nil && !event.Frame.DigestJSON.AIGenerated {
			instruments.digestAIFailures.Add(ctx, 1)
		}
	}
	return nil
}
