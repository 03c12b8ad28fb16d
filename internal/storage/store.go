// Package storage defines the Store contract: the embedded transactional
// relational store that every other engine component reads through or
// writes through. Concrete backends (currently SQLite, via the sqlite
// subpackage) implement this interface; callers outside the store package
// depend only on it.
package storage

import (
	"context"
	"time"

	"github.com/jonathanpeterwu/stackmemory/internal/types"
)

// FrameUpdate carries the mutable fields of a Frame that FrameManager is
// allowed to change after creation. Nil fields are left untouched.
type FrameUpdate struct {
	Outputs    map[string]any
	DigestText *string
	DigestJSON *types.DigestJSON
	State      *types.FrameState
	Score      *float64
	Depth      *int
	ParentFrameID *string // set together with Depth during recovery repair
	ClosedAt   *time.Time
}

// Store is the single embedded transactional relational store. Every
// multi-row write exposed here runs in one transaction; single-entity reads
// are lock-free snapshots.
type Store interface {
	// Frame operations.
	CreateFrame(ctx context.Context, f *types.Frame) error
	GetFrame(ctx context.Context, frameID string) (*types.Frame, error)
	UpdateFrame(ctx context.Context, frameID string, upd FrameUpdate) error
	DeleteFrame(ctx context.Context, frameID string) error
	ListFrames(ctx context.Context, filter types.FrameFilter, limit, offset int) ([]*types.Frame, error)
	StackTip(ctx context.Context, runID string) (*types.Frame, error)

	// Event operations.
	AppendEvent(ctx context.Context, e *types.Event) error
	GetEvents(ctx context.Context, frameID string, limit, offset int) ([]*types.Event, error)
	DeleteOrphanEvents(ctx context.Context) (int, error)
	NextEventSeq(ctx context.Context, frameID string) (int64, error)

	// Anchor operations.
	CreateAnchor(ctx context.Context, a *types.Anchor) error
	GetAnchors(ctx context.Context, frameID string, limit, offset int) ([]*types.Anchor, error)
	GetAnchorsAcross(ctx context.Context, frameIDs []string) ([]*types.Anchor, error)
	UpdateAnchorPriority(ctx context.Context, anchorID string, priority int) error

	// Storage-item / migration-job operations (owned by TierStore).
	UpsertStorageItem(ctx context.Context, item *types.StorageItem) error
	GetStorageItem(ctx context.Context, frameID string) (*types.StorageItem, error)
	DeleteStorageItem(ctx context.Context, frameID string) error
	IncrementAccess(ctx context.Context, frameID string, at time.Time) error

	EnqueueMigration(ctx context.Context, job *types.MigrationJob) error
	PopMigrationJobs(ctx context.Context, limit int) ([]*types.MigrationJob, error)
	UpdateMigrationJob(ctx context.Context, jobID string, status types.MigrationStatus, attempts int) error

	// Integrity/recovery primitives.
	CheckpointWAL(ctx context.Context) (truncated bool, err error)
	IntegrityCheck(ctx context.Context) (violations int, err error)
	AllFrameIDsWithParent(ctx context.Context) (map[string]string, error) // frame_id -> parent_frame_id

	// WithTx runs fn inside a single write transaction, rolling back on any
	// returned error. Used by components that must combine several of the
	// above operations atomically (FrameManager's close_frame, for example).
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	Close() error
}
