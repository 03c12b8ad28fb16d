package sqlite

import (
	"context"
	"time"

	"github.com/jonathanpeterwu/stackmemory/internal/types"
)

// UpsertStorageItem writes item, replacing any existing item for its frame.
// Each frame has at most one StorageItem, enforced by the UNIQUE(frame_id)
// constraint; TierStore is the only caller.
func (s *SQLiteStorage) UpsertStorageItem(ctx context.Context, item *types.StorageItem) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO storage_items (storage_id, frame_id, tier, data, original_size, compressed_size,
		                            compression, importance, access_count, last_accessed, created_at,
		                            object_key, corrupt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(frame_id) DO UPDATE SET
			tier = excluded.tier,
			data = excluded.data,
			original_size = excluded.original_size,
			compressed_size = excluded.compressed_size,
			compression = excluded.compression,
			importance = excluded.importance,
			access_count = excluded.access_count,
			last_accessed = excluded.last_accessed,
			object_key = excluded.object_key,
			corrupt = excluded.corrupt`,
		item.StorageID, item.FrameID, string(item.Tier), item.Data, item.OriginalSize, item.CompressedSize,
		string(item.Compression), item.Importance, item.AccessCount, item.LastAccessed.UnixMilli(),
		item.CreatedAt.UnixMilli(), item.ObjectKey, boolToInt(item.Corrupt),
	)
	if err != nil {
		return wrapDBError("upsert_storage_item", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetStorageItem returns the StorageItem for frameID.
func (s *SQLiteStorage) GetStorageItem(ctx context.Context, frameID string) (*types.StorageItem, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		SELECT storage_id, frame_id, tier, data, original_size, compressed_size, compression,
		       importance, access_count, last_accessed, created_at, object_key, corrupt
		FROM storage_items WHERE frame_id = ?`, frameID)

	var (
		item         types.StorageItem
		tier, comp   string
		lastAccessMS int64
		createdAtMS  int64
		corrupt      int
	)
	if err := row.Scan(&item.StorageID, &item.FrameID, &tier, &item.Data, &item.OriginalSize,
		&item.CompressedSize, &comp, &item.Importance, &item.AccessCount, &lastAccessMS,
		&createdAtMS, &item.ObjectKey, &corrupt); err != nil {
		return nil, wrapDBError("get_storage_item", err)
	}
	item.Tier = types.Tier(tier)
	item.Compression = types.Compression(comp)
	item.LastAccessed = time.UnixMilli(lastAccessMS).UTC()
	item.CreatedAt = time.UnixMilli(createdAtMS).UTC()
	item.Corrupt = corrupt != 0
	return &item, nil
}

// DeleteStorageItem removes frameID's storage item, used when a frame is
// garbage collected without also deleting the frame row itself (rare; GC
// normally deletes the whole frame and lets CASCADE take the item with it).
func (s *SQLiteStorage) DeleteStorageItem(ctx context.Context, frameID string) error {
	_, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM storage_items WHERE frame_id = ?`, frameID)
	if err != nil {
		return wrapDBError("delete_storage_item", err)
	}
	return nil
}

// IncrementAccess bumps access_count and last_accessed for frameID's item,
// the signal the scorer's reference factor and the tier rehydration cache
// both read.
func (s *SQLiteStorage) IncrementAccess(ctx context.Context, frameID string, at time.Time) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE storage_items SET access_count = access_count + 1, last_accessed = ?
		WHERE frame_id = ?`, at.UnixMilli(), frameID)
	if err != nil {
		return wrapDBError("increment_access", err)
	}
	return nil
}

// EnqueueMigration inserts a pending tier-migration job.
func (s *SQLiteStorage) EnqueueMigration(ctx context.Context, job *types.MigrationJob) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO migration_jobs (job_id, item_id, from_tier, to_tier, priority, attempts, status, created_at)
		VALUES (?, ?, ?, ?, ?, 0, 'pending', ?)`,
		job.JobID, job.ItemID, string(job.FromTier), string(job.ToTier), job.Priority, job.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return wrapDBError("enqueue_migration", err)
	}
	return nil
}

// PopMigrationJobs returns up to limit pending jobs, highest priority and
// oldest first, without marking them running; TierStore's migration loop
// marks each as running once it starts processing it.
func (s *SQLiteStorage) PopMigrationJobs(ctx context.Context, limit int) ([]*types.MigrationJob, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT job_id, item_id, from_tier, to_tier, priority, attempts, status, created_at
		FROM migration_jobs WHERE status = 'pending'
		ORDER BY priority DESC, created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, wrapDBError("pop_migration_jobs", err)
	}
	defer rows.Close()

	var out []*types.MigrationJob
	for rows.Next() {
		var (
			job                  types.MigrationJob
			fromTier, toTier, st string
			createdAtMS          int64
		)
		if err := rows.Scan(&job.JobID, &job.ItemID, &fromTier, &toTier, &job.Priority,
			&job.Attempts, &st, &createdAtMS); err != nil {
			return nil, wrapDBError("pop_migration_jobs", err)
		}
		job.FromTier = types.Tier(fromTier)
		job.ToTier = types.Tier(toTier)
		job.Status = types.MigrationStatus(st)
		job.CreatedAt = time.UnixMilli(createdAtMS).UTC()
		out = append(out, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("pop_migration_jobs", err)
	}
	return out, nil
}

// UpdateMigrationJob records a job's new status and attempt count.
func (s *SQLiteStorage) UpdateMigrationJob(ctx context.Context, jobID string, status types.MigrationStatus, attempts int) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE migration_jobs SET status = ?, attempts = ? WHERE job_id = ?`,
		string(status), attempts, jobID)
	if err != nil {
		return wrapDBError("update_migration_job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("update_migration_job", err)
	}
	if n == 0 {
		return types.NewError("update_migration_job", types.KindNotFound, types.ErrNotFound)
	}
	return nil
}
