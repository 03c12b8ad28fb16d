// Package engine wires the full component chain — Store, Scorer,
// FrameManager, RecoveryManager, GCWorker, TierStore, CompactionGuard, and
// ContextBuilder — behind the single Engine value every caller operates
// through.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/jonathanpeterwu/stackmemory/internal/compaction"
	contextbuilder "github.com/jonathanpeterwu/stackmemory/internal/context"
	"github.com/jonathanpeterwu/stackmemory/internal/config"
	"github.com/jonathanpeterwu/stackmemory/internal/eventbus"
	"github.com/jonathanpeterwu/stackmemory/internal/frame"
	"github.com/jonathanpeterwu/stackmemory/internal/gc"
	"github.com/jonathanpeterwu/stackmemory/internal/idgen"
	"github.com/jonathanpeterwu/stackmemory/internal/metrics"
	"github.com/jonathanpeterwu/stackmemory/internal/query"
	"github.com/jonathanpeterwu/stackmemory/internal/recovery"
	"github.com/jonathanpeterwu/stackmemory/internal/scorer"
	"github.com/jonathanpeterwu/stackmemory/internal/storage"
	"github.com/jonathanpeterwu/stackmemory/internal/storage/sqlite"
	"github.com/jonathanpeterwu/stackmemory/internal/tier"
	"github.com/jonathanpeterwu/stackmemory/internal/types"
)

// StorageStats is the snapshot returned by GetStorageStats. It holds the
// GCWorker's cumulative counters only; per-tier footprint is not included.
type StorageStats struct {
	GC gc.Stats
}

// Engine is the single owner of a project's memory.db, background workers,
// and event bus. Every Core API operation is a method on *Engine.
type Engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	runID   string

	store storage.Store
	bus   *eventbus.Bus

	scorer     *scorer.Scorer
	frames     *frame.Manager
	recovery   *recovery.Manager
	tierStore  *tier.Store
	gcWorker   *gc.Worker
	guard      *compaction.Guard
	ctxBuilder *contextbuilder.Builder

	cancel context.CancelFunc
	group  *errgroup.Group
}

// Options configures optional providers. Summarizer and Cold may be nil;
// their absence degrades gracefully per the component design (digests keep
// only their deterministic fields with ai_generated false, remote-tier
// migration fails with KindProvider).
type Options struct {
	Summarizer types.Summarizer
	Cold       types.ColdStorageProvider
	Logger     *slog.Logger
}

// Open builds an Engine backed by dbPath's SQLite database and cfg's
// tunables, in the dependency order Store -> Scorer -> FrameManager ->
// RecoveryManager -> TierStore -> GCWorker -> CompactionGuard ->
// ContextBuilder (the GCWorker takes the TierStore as its archiver).
func Open(ctx context.Context, dbPath string, cfg *config.Config, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := sqlite.Open(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	bus := eventbus.New(logger)
	bus.Register(metrics.NewCollector())
	sc := scorer.New(cfg.Scorer)
	frames := frame.New(store, bus, sc, opts.Summarizer, cfg)
	recov := recovery.New(store, cfg)
	ts := tier.New(store, opts.Cold, cfg, logger)
	bus.Register(tier.NewBusHandler(ts))
	runID := idgen.NewRunID()
	gcWorker := gc.New(store, ts, cfg, runID, logger)
	guard := compaction.New(frames, cfg)
	builder := contextbuilder.New(store, frames)

	return &Engine{
		cfg:        cfg,
		logger:     logger,
		runID:      runID,
		store:      store,
		bus:        bus,
		scorer:     sc,
		frames:     frames,
		recovery:   recov,
		tierStore:  ts,
		gcWorker:   gcWorker,
		guard:      guard,
		ctxBuilder: builder,
	}, nil
}

// RunID returns the run_id this Engine instance assigned itself at Open.
func (e *Engine) RunID() string { return e.runID }

// Startup runs orphan recovery and starts the GCWorker's background timer
// loop. The recovery report is written into report if non-nil.
func (e *Engine) Startup(ctx context.Context, report *recovery.Report) error {
	r, err := e.recovery.Run(ctx, e.runID)
	if err != nil {
		return fmt.Errorf("engine: startup recovery: %w", err)
	}
	if report != nil {
		*report = *r
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	group, groupCtx := errgroup.WithContext(workerCtx)
	e.group = group
	group.Go(func() error {
		e.gcWorker.Run(groupCtx)
		return nil
	})
	return nil
}

// Shutdown stops the background workers and checkpoints the WAL so the next
// Startup sees a clean database file.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
		_ = e.group.Wait()
	}
	if _, err := e.store.CheckpointWAL(ctx); err != nil {
		return fmt.Errorf("engine: shutdown checkpoint: %w", err)
	}
	return e.store.Close()
}

// CreateFrame pushes a new frame onto runID's stack.
func (e *Engine) CreateFrame(ctx context.Context, runID, projectID string, ft types.FrameType, name string, inputs map[string]any, parentFrameID string) (*types.Frame, error) {
	return e.frames.CreateFrame(ctx, runID, projectID, ft, name, inputs, parentFrameID)
}

// CloseFrame pops frameID, writing its outputs and digest.
func (e *Engine) CloseFrame(ctx context.Context, frameID string, outputs map[string]any) (*types.DigestJSON, error) {
	return e.frames.CloseFrame(ctx, frameID, outputs, false)
}

// RecordEvent appends an event to an open frame.
func (e *Engine) RecordEvent(ctx context.Context, frameID string, et types.EventType, payload []byte) (*types.Event, error) {
	return e.frames.RecordEvent(ctx, frameID, et, payload)
}

// AddAnchor attaches a durable anchor to frameID.
func (e *Engine) AddAnchor(ctx context.Context, frameID string, at types.AnchorType, text string, priority int, metadata map[string]any) (*types.Anchor, error) {
	return e.frames.AddAnchor(ctx, frameID, at, text, priority, metadata)
}

// GetActivePath returns runID's current stack, root to tip.
func (e *Engine) GetActivePath(ctx context.Context, runID string) ([]*types.Frame, error) {
	return e.frames.GetActivePath(ctx, runID)
}

// GetFrame fetches one frame by id.
func (e *Engine) GetFrame(ctx context.Context, frameID string) (*types.Frame, error) {
	return e.frames.GetFrame(ctx, frameID)
}

// GetEvents lists a frame's events in sequence order.
func (e *Engine) GetEvents(ctx context.Context, frameID string, limit int) ([]*types.Event, error) {
	return e.frames.GetEvents(ctx, frameID, limit, 0)
}

// SearchFrames parses q through the query language and runs it: a
// filter-only query pushes down to the store; anything using an OR, a
// negation, or a field the narrow FrameFilter can't express falls back to
// evaluating the predicate over the filter's own candidate superset.
func (e *Engine) SearchFrames(ctx context.Context, q string, projectID string, limit, offset int) ([]*types.Frame, error) {
	result, err := query.Evaluate(q)
	if err != nil {
		return nil, fmt.Errorf("engine: search_frames: %w", err)
	}
	result.Filter.ProjectID = projectID

	fetchLimit := limit
	if result.RequiresPredicate && fetchLimit > 0 {
		fetchLimit = 0 // pull the full candidate set when filtering client-side
	}
	frames, err := e.store.ListFrames(ctx, result.Filter, fetchLimit, offset)
	if err != nil {
		return nil, fmt.Errorf("engine: search_frames: %w", err)
	}
	if !result.RequiresPredicate {
		return frames, nil
	}

	matched := make([]*types.Frame, 0, len(frames))
	for _, f := range frames {
		if result.Predicate(f) {
			matched = append(matched, f)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// BuildContextBundle assembles the token-budgeted recall payload for runID.
func (e *Engine) BuildContextBundle(ctx context.Context, projectID, runID string, tokenBudget int) (*contextbuilder.Bundle, error) {
	return e.ctxBuilder.BuildContextBundle(ctx, projectID, runID, tokenBudget)
}

// ForceGCCycle runs one GCWorker collection cycle immediately.
func (e *Engine) ForceGCCycle(ctx context.Context) error {
	return e.gcWorker.RunCycle(ctx)
}

// ForceMigrationCycle runs one TierStore migration batch immediately.
func (e *Engine) ForceMigrationCycle(ctx context.Context) (int, error) {
	return e.tierStore.RunMigrationCycle(ctx)
}

// GetStorageStats returns the GCWorker's cumulative counters.
func (e *Engine) GetStorageStats(ctx context.Context) StorageStats {
	return StorageStats{GC: e.gcWorker.Stats()}
}

// Track feeds text through CompactionGuard's token accounting for frameID.
// It returns only an error; whether a threshold was crossed is not reported.
func (e *Engine) Track(ctx context.Context, frameID, text string) error {
	return e.guard.Track(ctx, frameID, text)
}

// Rehydrate reconstructs a closed frame's preserved context into a fresh
// frame on runID's stack after a compaction boundary.
func (e *Engine) Rehydrate(ctx context.Context, runID, projectID, sourceFrameID string) (*types.Frame, error) {
	return e.guard.Rehydrate(ctx, runID, projectID, sourceFrameID)
}
