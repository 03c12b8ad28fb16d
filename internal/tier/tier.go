// Package tier implements the TierStore: young/mature/old/remote storage
// for a frame's serialized (frame, events, anchors) bundle, with
// age/importance-triggered migration and compression. Local size usage does
// not trigger migration.
package tier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jonathanpeterwu/stackmemory/internal/config"
	"github.com/jonathanpeterwu/stackmemory/internal/eventbus"
	"github.com/jonathanpeterwu/stackmemory/internal/idgen"
	"github.com/jonathanpeterwu/stackmemory/internal/metrics"
	"github.com/jonathanpeterwu/stackmemory/internal/storage"
	"github.com/jonathanpeterwu/stackmemory/internal/types"
)

// Bundle is the serialized unit TierStore stores per frame.
type Bundle struct {
	Frame   *types.Frame    `json:"frame"`
	Events  []*types.Event  `json:"events"`
	Anchors []*types.Anchor `json:"anchors"`
}

// Store is the TierStore.
type Store struct {
	store    storage.Store
	cold     types.ColdStorageProvider
	cfg      *config.Config
	logger   *slog.Logger
	now      func() time.Time
	cache    *rehydrationCache
	offline  *offlineQueue
}

// New builds a TierStore. cold may be nil; remote-tier operations then fail
// with a Provider error instead of archiving.
func New(store storage.Store, cold types.ColdStorageProvider, cfg *config.Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		store:   store,
		cold:    cold,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		cache:   newRehydrationCache(cfg.Tier.RehydrationCacheTTL, cfg.Tier.RehydrationCacheSize),
		offline: newOfflineQueue(cfg.Tier.OfflineQueuePath),
	}
}

// StoreFrame serializes (frame, events, anchors), compresses per the
// frame's resident tier policy, and upserts its StorageItem. A frame whose
// resident tier is remote is stored locally at the old tier; only
// migrateToRemote moves a row to remote, dropping its local blob.
func (s *Store) StoreFrame(ctx context.Context, f *types.Frame, events []*types.Event, anchors []*types.Anchor) (string, error) {
	raw, err := json.Marshal(Bundle{Frame: f, Events: events, Anchors: anchors})
	if err != nil {
		return "", types.NewError("store_frame", types.KindValidation, err)
	}

	tier := s.residentTierFor(f, s.now())
	if tier == types.TierRemote {
		tier = types.TierOld
	}
	compressed, codec, err := compress(raw, preferredCodec(tier))
	if err != nil {
		return "", err
	}

	existing, err := s.store.GetStorageItem(ctx, f.FrameID)
	id := idgen.NewStorageID()
	if err == nil {
		id = existing.StorageID
	} else if types.KindOf(err) != types.KindNotFound {
		return "", err
	}

	item := &types.StorageItem{
		StorageID:      id,
		FrameID:        f.FrameID,
		Tier:           tier,
		Data:           compressed,
		OriginalSize:   len(raw),
		CompressedSize: len(compressed),
		Compression:    codec,
		Importance:     f.Score,
		LastAccessed:   s.now(),
		CreatedAt:      s.now(),
	}
	if existing != nil {
		item.AccessCount = existing.AccessCount
		item.CreatedAt = existing.CreatedAt
	}

	if err := s.store.UpsertStorageItem(ctx, item); err != nil {
		return "", err
	}
	return item.StorageID, nil
}

// RetrieveFrame reads a frame's serialized bundle, decompressing it and, for
// a remote-tier item, cold-fetching through the rehydration cache.
func (s *Store) RetrieveFrame(ctx context.Context, frameID string) (*Bundle, error) {
	item, err := s.store.GetStorageItem(ctx, frameID)
	if err != nil {
		return nil, err
	}
	if item.Corrupt {
		return nil, types.NewError("retrieve_frame", types.KindCorrupt, fmt.Errorf("frame %s storage item marked corrupt", frameID))
	}

	data := item.Data
	if item.Tier == types.TierRemote && len(data) == 0 {
		data, err = s.coldFetch(ctx, frameID, item.ObjectKey)
		if err != nil {
			return nil, err
		}
	}

	raw, err := decompress(data, item.Compression)
	if err != nil {
		_ = s.markCorrupt(ctx, frameID)
		return nil, err
	}

	var bundle Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		_ = s.markCorrupt(ctx, frameID)
		return nil, types.NewError("retrieve_frame", types.KindCorrupt, err)
	}

	if err := s.store.IncrementAccess(ctx, frameID, s.now()); err != nil {
		return nil, err
	}
	return &bundle, nil
}

func (s *Store) markCorrupt(ctx context.Context, frameID string) error {
	item, err := s.store.GetStorageItem(ctx, frameID)
	if err != nil {
		return err
	}
	item.Corrupt = true
	return s.store.UpsertStorageItem(ctx, item)
}

// coldFetch reads a remote object through the bounded rehydration cache,
// enforcing the configured retrieval timeout with one retry.
func (s *Store) coldFetch(ctx context.Context, frameID, objectKey string) ([]byte, error) {
	if cached, ok := s.cache.get(frameID); ok {
		return cached, nil
	}
	if s.cold == nil {
		return nil, types.NewError("retrieve_frame", types.KindProvider, fmt.Errorf("no cold storage provider configured"))
	}

	timeout := s.cfg.Tier.RetrievalTimeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}

	var data []byte
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		fctx, cancel := context.WithTimeout(ctx, timeout)
		data, err = s.cold.Download(fctx, objectKey)
		cancel()
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, types.NewError("retrieve_frame", types.KindTransientIO, err)
	}

	s.cache.put(frameID, data)
	return data, nil
}

// residentTierFor computes the tier a frame should reside in given its age
// and importance; importance-based retention can shorten the window for
// low-score frames.
func (s *Store) residentTierFor(f *types.Frame, now time.Time) types.Tier {
	age := now.Sub(f.CreatedAt)
	young, mature, old := s.cfg.Tier.YoungWindow, s.cfg.Tier.MatureWindow, s.cfg.Tier.OldWindow
	if young <= 0 {
		young = 24 * time.Hour
	}
	if mature <= 0 {
		mature = 7 * 24 * time.Hour
	}
	if old <= 0 {
		old = 30 * 24 * time.Hour
	}

	// Low-importance frames shorten their own retention window: demote one
	// bracket earlier than their age alone would dictate.
	lowImportance := f.Score > 0 && f.Score < s.cfg.GC.MatureScoreFloor

	switch {
	case age < young:
		return types.TierYoung
	case age < mature:
		if lowImportance {
			return types.TierOld
		}
		return types.TierMature
	case age < old:
		return types.TierOld
	default:
		return types.TierRemote
	}
}

// EvaluateTrigger recomputes whether frameID's resident tier should change,
// enqueuing a MigrationJob if the computed tier is a forward move from its
// current one. Implements the age- and importance-based triggers; local
// size usage against the configured limits is not considered.
func (s *Store) EvaluateTrigger(ctx context.Context, f *types.Frame) error {
	item, err := s.store.GetStorageItem(ctx, f.FrameID)
	if err != nil {
		if types.KindOf(err) == types.KindNotFound {
			return nil
		}
		return err
	}

	want := s.residentTierFor(f, s.now())
	if want == item.Tier || !item.Tier.Forward(want) {
		return nil
	}

	priority := 0
	if want == types.TierRemote {
		priority = 1
	}
	job := &types.MigrationJob{
		JobID:     idgen.NewJobID(),
		ItemID:    f.FrameID,
		FromTier:  item.Tier,
		ToTier:    want,
		Priority:  priority,
		Status:    types.MigrationPending,
		CreatedAt: s.now(),
	}
	return s.store.EnqueueMigration(ctx, job)
}

// EnsureArchived is the Archiver the GCWorker calls before deleting a
// frame: it forces a synchronous migration to remote if the frame isn't
// already there.
func (s *Store) EnsureArchived(ctx context.Context, frameID string) error {
	item, err := s.store.GetStorageItem(ctx, frameID)
	if err != nil {
		if types.KindOf(err) == types.KindNotFound {
			return nil // nothing to archive
		}
		return err
	}
	if item.Tier == types.TierRemote {
		return nil
	}
	return s.migrateToRemote(ctx, item)
}

// RunMigrationCycle evaluates every frame's age/importance trigger to
// enqueue any newly-due MigrationJobs, then pops a batch of pending jobs and
// processes each. Triggers are evaluated fresh each cycle per §4.6, rather
// than only at StoreFrame time, so a frame ages into its next tier even
// without a new write.
func (s *Store) RunMigrationCycle(ctx context.Context) (int, error) {
	if err := s.evaluateTriggers(ctx); err != nil {
		s.logger.Warn("tier: evaluate triggers failed", "error", err)
	}

	batch := s.cfg.Tier.MigrationBatchPerMin
	if batch <= 0 {
		batch = 50
	}
	jobs, err := s.store.PopMigrationJobs(ctx, batch)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, job := range jobs {
		if err := s.processJob(ctx, job); err != nil {
			s.logger.Warn("tier: migration job failed", "job_id", job.JobID, "error", err)
			continue
		}
		processed++
	}
	return processed, nil
}

// evaluateTriggers runs EvaluateTrigger over every frame in the store,
// enqueuing a MigrationJob for each whose computed resident tier has moved
// forward of its current one. EvaluateTrigger itself is a no-op for frames
// with no StorageItem yet, so this is safe to sweep unconditionally.
func (s *Store) evaluateTriggers(ctx context.Context) error {
	frames, err := s.store.ListFrames(ctx, types.FrameFilter{}, 0, 0)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := s.EvaluateTrigger(ctx, f); err != nil {
			s.logger.Warn("tier: evaluate trigger failed", "frame_id", f.FrameID, "error", err)
		}
	}
	return nil
}

func (s *Store) processJob(ctx context.Context, job *types.MigrationJob) error {
	if err := s.store.UpdateMigrationJob(ctx, job.JobID, types.MigrationRunning, job.Attempts+1); err != nil {
		return err
	}

	item, err := s.getItemByID(ctx, job.ItemID)
	if err != nil {
		_ = s.store.UpdateMigrationJob(ctx, job.JobID, types.MigrationFailed, job.Attempts+1)
		return err
	}

	var migrateErr error
	if job.ToTier == types.TierRemote {
		migrateErr = s.migrateToRemote(ctx, item)
	} else {
		migrateErr = s.migrateLocalToLocal(ctx, item, job.ToTier)
	}

	if migrateErr != nil {
		_ = s.store.UpdateMigrationJob(ctx, job.JobID, types.MigrationFailed, job.Attempts+1)
		return migrateErr
	}
	metrics.RecordTierMigration(ctx, string(job.FromTier), string(job.ToTier))
	return s.store.UpdateMigrationJob(ctx, job.JobID, types.MigrationDone, job.Attempts+1)
}

// getItemByID resolves a MigrationJob's ItemID back to its StorageItem. The
// Store interface keys StorageItem lookups by frame_id (each frame owns at
// most one StorageItem), so EvaluateTrigger stamps ItemID with the frame ID
// rather than the storage_id.
func (s *Store) getItemByID(ctx context.Context, itemID string) (*types.StorageItem, error) {
	return s.store.GetStorageItem(ctx, itemID)
}

// migrateLocalToLocal decompresses with the source codec and recompresses
// with the target tier's codec, updating the StorageItem atomically.
func (s *Store) migrateLocalToLocal(ctx context.Context, item *types.StorageItem, to types.Tier) error {
	raw, err := decompress(item.Data, item.Compression)
	if err != nil {
		item.Corrupt = true
		_ = s.store.UpsertStorageItem(ctx, item)
		return err
	}

	compressed, codec, err := compress(raw, preferredCodec(to))
	if err != nil {
		return err
	}

	item.Tier = to
	item.Data = compressed
	item.Compression = codec
	item.CompressedSize = len(compressed)
	return s.store.UpsertStorageItem(ctx, item)
}

// migrateToRemote uploads the item's payload to cold storage and, on
// success, drops the local data blob while keeping the row at tier=remote
// with its object key. On failure it queues the upload for offline retry.
func (s *Store) migrateToRemote(ctx context.Context, item *types.StorageItem) error {
	if s.cold == nil {
		return types.NewError("migrate_to_remote", types.KindProvider, fmt.Errorf("no cold storage provider configured"))
	}

	raw, err := decompress(item.Data, item.Compression)
	if err != nil {
		item.Corrupt = true
		_ = s.store.UpsertStorageItem(ctx, item)
		return err
	}

	compressed, _, err := compress(raw, types.CompressionGzip)
	if err != nil {
		return err
	}

	key := remoteKey(s.cfg.Tier.RemotePrefix, item.FrameID, s.now())

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	var uploadErr error
	for attempt := 0; attempt < 3; attempt++ {
		uploadErr = s.cold.Upload(ctx, key, compressed)
		if uploadErr == nil {
			break
		}
		select {
		case <-ctx.Done():
			uploadErr = ctx.Err()
			attempt = 3
		case <-time.After(b.NextBackOff()):
		}
	}

	if uploadErr != nil {
		_ = s.offline.push(offlineUploadEntry{
			ID:        idgen.NewJobID(),
			Key:       key,
			Data:      compressed,
			Priority:  1,
			Timestamp: s.now(),
		})
		return types.NewError("migrate_to_remote", types.KindProvider, uploadErr)
	}

	item.Tier = types.TierRemote
	item.ObjectKey = key
	item.Data = nil
	item.Compression = types.CompressionGzip
	item.CompressedSize = len(compressed)
	return s.store.UpsertStorageItem(ctx, item)
}

func remoteKey(prefix, frameID string, now time.Time) string {
	if prefix == "" {
		prefix = "stackmemory/frames/"
	}
	return fmt.Sprintf("%s%04d/%02d/%s.json.gz", prefix, now.Year(), now.Month(), frameID)
}

// RetryOfflineQueue replays queued uploads, trying each entry once and
// removing it on success; failed entries stay queued for the next call. It
// does not probe connectivity first and does not back off between entries.
func (s *Store) RetryOfflineQueue(ctx context.Context) (int, error) {
	if s.cold == nil {
		return 0, nil
	}
	entries, err := s.offline.load()
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, e := range entries {
		if err := s.cold.Upload(ctx, e.Key, e.Data); err != nil {
			continue
		}
		_ = s.offline.removeID(e.ID)
		retried++
	}
	return retried, nil
}

// BusHandler is the eventbus.Handler that gives TierStore its write side:
// on frame_closed, it fetches the closed frame's events and anchors and
// calls StoreFrame, the same capability-typed subscriber shape as the
// metrics Collector. Without this, no frame ever gets a StorageItem and the
// background tiering/migration/archive pipeline has nothing to act on.
type BusHandler struct {
	tier *Store
}

// NewBusHandler builds the lifecycle-event subscriber that writes closed
// frames into TierStore.
func NewBusHandler(t *Store) *BusHandler { return &BusHandler{tier: t} }

func (h *BusHandler) ID() string { return "tier" }

func (h *BusHandler) Handles() []eventbus.EventType {
	return []eventbus.EventType{eventbus.FrameClosed}
}

// Priority runs TierStore ahead of metrics (priority 100): StoreFrame does
// real work with the closed frame, where metrics only observes it.
func (h *BusHandler) Priority() int { return 10 }

func (h *BusHandler) Handle(ctx context.Context, event *eventbus.Event) error {
	f := event.Frame
	events, err := h.tier.store.GetEvents(ctx, f.FrameID, 0, 0)
	if err != nil {
		return err
	}
	anchors, err := h.tier.store.GetAnchors(ctx, f.FrameID, 0, 0)
	if err != nil {
		return err
	}
	_, err = h.tier.StoreFrame(ctx, f, events, anchors)
	return err
}
