// Package gc implements the GCWorker: incremental, generational collection
// of closed frames that have already been archived (or don't need to be).
package gc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonathanpeterwu/stackmemory/internal/config"
	"github.com/jonathanpeterwu/stackmemory/internal/metrics"
	"github.com/jonathanpeterwu/stackmemory/internal/storage"
	"github.com/jonathanpeterwu/stackmemory/internal/types"
)

// Archiver is the subset of TierStore the GCWorker needs: a way to force a
// frame's StorageItem to remote tier before deleting the frame. The
// GCWorker never deletes a frame whose payload isn't remote or archivable.
type Archiver interface {
	EnsureArchived(ctx context.Context, frameID string) error
}

// Stats is a cumulative counter snapshot, read by the maintenance API's
// get_storage_stats and by tests asserting on GC behavior.
type Stats struct {
	CyclesRun        int
	FramesDeleted    int
	FramesSkipped    int
	ArchiveFailures  int
	LastCycleAt      time.Time
}

// Worker is the GCWorker: a cooperative background task that runs on a
// timer, never holding a long transaction.
type Worker struct {
	store    storage.Store
	archiver Archiver
	cfg      *config.Config
	logger   *slog.Logger
	now      func() time.Time
	runID    string

	mu    sync.Mutex
	stats Stats
}

// New builds a GCWorker. runID is the current process's run_id, exempt from
// collection regardless of age.
func New(store storage.Store, archiver Archiver, cfg *config.Config, runID string, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: store, archiver: archiver, cfg: cfg, logger: logger, now: time.Now, runID: runID}
}

// Run starts the worker's timer loop. It returns when ctx is canceled,
// finishing whatever chunk of deletions is already in flight.
func (w *Worker) Run(ctx context.Context) {
	interval := w.cfg.GC.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.RunCycle(ctx); err != nil {
				w.logger.Warn("gc: cycle failed", "error", err)
			}
		}
	}
}

// RunCycle runs one collection cycle: categorize, protect, select
// candidates in priority order, and delete in small chunks.
func (w *Worker) RunCycle(ctx context.Context) error {
	now := w.now()
	closedState := types.FrameClosed

	frames, err := w.store.ListFrames(ctx, types.FrameFilter{State: &closedState}, 0, 0)
	if err != nil {
		return err
	}

	candidates := w.selectCandidates(frames, now)

	cap := w.cfg.GC.FramesPerCycle
	if cap > 0 && len(candidates) > cap {
		candidates = candidates[:cap]
	}

	chunkSize := w.cfg.GC.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 10
	}

	deleted, skipped, archiveFailures := 0, 0, 0
	for start := 0; start < len(candidates); start += chunkSize {
		select {
		case <-ctx.Done():
			w.recordCycle(deleted, skipped, archiveFailures, now)
			return ctx.Err()
		default:
		}

		end := start + chunkSize
		if end > len(candidates) {
			end = len(candidates)
		}

		for _, f := range candidates[start:end] {
			ok, err := w.collectOne(ctx, f)
			if err != nil {
				archiveFailures++
				skipped++
				continue
			}
			if ok {
				deleted++
			} else {
				skipped++
			}
		}
	}

	w.recordCycle(deleted, skipped, archiveFailures, now)
	metrics.RecordGCDeletion(ctx, deleted)
	metrics.RecordGCArchiveFailure(ctx, archiveFailures)
	return nil
}

func (w *Worker) recordCycle(deleted, skipped, archiveFailures int, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.CyclesRun++
	w.stats.FramesDeleted += deleted
	w.stats.FramesSkipped += skipped
	w.stats.ArchiveFailures += archiveFailures
	w.stats.LastCycleAt = now
}

// Stats returns a snapshot of cumulative GC statistics.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// collectOne archives (if needed) and deletes a single candidate frame.
// It returns (false, nil) for a candidate that turns out to still be
// protected by the time it's processed (a frame state changed mid-cycle).
func (w *Worker) collectOne(ctx context.Context, f *types.Frame) (bool, error) {
	if w.isProtected(f, w.now()) {
		return false, nil
	}

	if w.archiver != nil {
		if err := w.archiver.EnsureArchived(ctx, f.FrameID); err != nil {
			return false, err
		}
	}

	return true, w.store.DeleteFrame(ctx, f.FrameID)
}

// isProtected reports whether f is exempt from collection this cycle.
func (w *Worker) isProtected(f *types.Frame, now time.Time) bool {
	if f.RunID == w.runID {
		return true
	}
	if f.State == types.FrameActive {
		return true
	}
	if now.Sub(f.CreatedAt) < w.protectRecentWindow() {
		return true
	}
	if len(f.Outputs) > 0 {
		return true
	}
	if f.Depth == 0 {
		return true
	}
	if pinned, ok := f.Inputs["pinned"].(bool); ok && pinned {
		return true
	}
	return false
}

func (w *Worker) protectRecentWindow() time.Duration {
	if w.cfg.GC.ProtectRecentWindow > 0 {
		return w.cfg.GC.ProtectRecentWindow
	}
	return time.Hour
}
