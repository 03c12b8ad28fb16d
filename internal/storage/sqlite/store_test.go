package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathanpeterwu/stackmemory/internal/idgen"
	"github.com/jonathanpeterwu/stackmemory/internal/storage"
	"github.com/jonathanpeterwu/stackmemory/internal/types"
)

func setupTestDB(t *testing.T) *SQLiteStorage {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "memory.db")
	store, err := Open(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestFrame(runID, projectID string) *types.Frame {
	now := time.Now().UTC().Truncate(time.Second)
	return &types.Frame{
		FrameID:   idgen.NewFrameID(),
		RunID:     runID,
		ProjectID: projectID,
		Depth:     0,
		Type:      types.FrameTask,
		Name:      "root",
		State:     types.FrameActive,
		Inputs:    map[string]any{"goal": "test"},
		Outputs:   map[string]any{},
		CreatedAt: now,
	}
}

func TestCreateAndGetFrame(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	f := newTestFrame("run-1", "proj-1")
	require.NoError(t, store.CreateFrame(ctx, f))

	got, err := store.GetFrame(ctx, f.FrameID)
	require.NoError(t, err)
	assert.Equal(t, f.FrameID, got.FrameID)
	assert.Equal(t, f.Name, got.Name)
	assert.Equal(t, types.FrameActive, got.State)
	assert.Equal(t, "test", got.Inputs["goal"])
}

func TestGetFrameNotFound(t *testing.T) {
	store := setupTestDB(t)
	_, err := store.GetFrame(context.Background(), "frm-missing")
	require.Error(t, err)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestCreateFrameRejectsMissingParent(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	f := newTestFrame("run-1", "proj-1")
	f.ParentFrameID = "frm-nonexistent"
	f.Depth = 1
	err := store.CreateFrame(ctx, f)
	require.Error(t, err)
}

func TestUpdateFrameCloses(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	f := newTestFrame("run-1", "proj-1")
	require.NoError(t, store.CreateFrame(ctx, f))

	closedAt := time.Now().UTC().Truncate(time.Second)
	state := types.FrameClosed
	digest := &types.DigestJSON{EventsCount: 3, AIGenerated: false}
	outputs := map[string]any{"ok": true}

	err := store.UpdateFrame(ctx, f.FrameID, storage.FrameUpdate{
		Outputs:    outputs,
		DigestJSON: digest,
		State:      &state,
		ClosedAt:   &closedAt,
	})
	require.NoError(t, err)

	got, err := store.GetFrame(ctx, f.FrameID)
	require.NoError(t, err)
	assert.Equal(t, types.FrameClosed, got.State)
	assert.NotNil(t, got.ClosedAt)
	assert.Equal(t, 3, got.DigestJSON.EventsCount)
	assert.Equal(t, true, got.Outputs["ok"])
}

func TestDeleteFrameCascadesEventsAndAnchors(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	f := newTestFrame("run-1", "proj-1")
	require.NoError(t, store.CreateFrame(ctx, f))

	require.NoError(t, store.AppendEvent(ctx, &types.Event{
		EventID: idgen.NewEventID(), FrameID: f.FrameID, RunID: f.RunID,
		Seq: 1, EventType: types.EventNote, Payload: json.RawMessage(`{}`), TS: time.Now().UnixMilli(),
	}))
	require.NoError(t, store.CreateAnchor(ctx, &types.Anchor{
		AnchorID: idgen.NewAnchorID(), FrameID: f.FrameID, Type: types.AnchorFact,
		Text: "fact", Priority: 5, Metadata: map[string]any{}, CreatedAt: time.Now().UTC(),
	}))

	require.NoError(t, store.DeleteFrame(ctx, f.FrameID))

	_, err := store.GetFrame(ctx, f.FrameID)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))

	events, err := store.GetEvents(ctx, f.FrameID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	anchors, err := store.GetAnchors(ctx, f.FrameID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, anchors)
}

func TestListFramesFiltersByProjectAndState(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	active := newTestFrame("run-1", "proj-1")
	require.NoError(t, store.CreateFrame(ctx, active))

	closed := newTestFrame("run-1", "proj-1")
	require.NoError(t, store.CreateFrame(ctx, closed))
	state := types.FrameClosed
	closedAt := time.Now().UTC()
	require.NoError(t, store.UpdateFrame(ctx, closed.FrameID, storage.FrameUpdate{
		State: &state, ClosedAt: &closedAt, DigestJSON: &types.DigestJSON{EventsCount: 1},
	}))

	other := newTestFrame("run-1", "proj-2")
	require.NoError(t, store.CreateFrame(ctx, other))

	activeState := types.FrameActive
	frames, err := store.ListFrames(ctx, types.FrameFilter{ProjectID: "proj-1", State: &activeState}, 0, 0)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, active.FrameID, frames[0].FrameID)
}

func TestStackTipReturnsMostRecentActiveFrame(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	root := newTestFrame("run-1", "proj-1")
	require.NoError(t, store.CreateFrame(ctx, root))

	time.Sleep(5 * time.Millisecond)
	child := newTestFrame("run-1", "proj-1")
	child.ParentFrameID = root.FrameID
	child.Depth = 1
	require.NoError(t, store.CreateFrame(ctx, child))

	tip, err := store.StackTip(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, child.FrameID, tip.FrameID)
}

func TestAppendEventEnforcesUniqueSeqPerFrame(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	f := newTestFrame("run-1", "proj-1")
	require.NoError(t, store.CreateFrame(ctx, f))

	e1 := &types.Event{EventID: idgen.NewEventID(), FrameID: f.FrameID, RunID: f.RunID,
		Seq: 1, EventType: types.EventNote, Payload: json.RawMessage(`{}`), TS: 1}
	require.NoError(t, store.AppendEvent(ctx, e1))

	e2 := &types.Event{EventID: idgen.NewEventID(), FrameID: f.FrameID, RunID: f.RunID,
		Seq: 1, EventType: types.EventNote, Payload: json.RawMessage(`{}`), TS: 2}
	err := store.AppendEvent(ctx, e2)
	assert.Error(t, err)
}

func TestNextEventSeqIsMonotonic(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	f := newTestFrame("run-1", "proj-1")
	require.NoError(t, store.CreateFrame(ctx, f))

	seq, err := store.NextEventSeq(ctx, f.FrameID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	require.NoError(t, store.AppendEvent(ctx, &types.Event{
		EventID: idgen.NewEventID(), FrameID: f.FrameID, RunID: f.RunID,
		Seq: seq, EventType: types.EventNote, Payload: json.RawMessage(`{}`), TS: 1,
	}))

	seq2, err := store.NextEventSeq(ctx, f.FrameID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq2)
}

func TestDeleteOrphanEvents(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	f := newTestFrame("run-1", "proj-1")
	require.NoError(t, store.CreateFrame(ctx, f))
	require.NoError(t, store.AppendEvent(ctx, &types.Event{
		EventID: idgen.NewEventID(), FrameID: f.FrameID, RunID: f.RunID,
		Seq: 1, EventType: types.EventNote, Payload: json.RawMessage(`{}`), TS: 1,
	}))

	n, err := store.DeleteOrphanEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAnchorPriorityUpdateAndOrdering(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	f := newTestFrame("run-1", "proj-1")
	require.NoError(t, store.CreateFrame(ctx, f))

	a := &types.Anchor{AnchorID: idgen.NewAnchorID(), FrameID: f.FrameID, Type: types.AnchorFact,
		Text: "low", Priority: 1, Metadata: map[string]any{}, CreatedAt: time.Now().UTC()}
	require.NoError(t, store.CreateAnchor(ctx, a))

	require.NoError(t, store.UpdateAnchorPriority(ctx, a.AnchorID, 9))

	anchors, err := store.GetAnchors(ctx, f.FrameID, 0, 0)
	require.NoError(t, err)
	require.Len(t, anchors, 1)
	assert.Equal(t, 9, anchors[0].Priority)
}

func TestGetAnchorsAcrossMultipleFrames(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	f1 := newTestFrame("run-1", "proj-1")
	f2 := newTestFrame("run-1", "proj-1")
	require.NoError(t, store.CreateFrame(ctx, f1))
	require.NoError(t, store.CreateFrame(ctx, f2))

	require.NoError(t, store.CreateAnchor(ctx, &types.Anchor{
		AnchorID: idgen.NewAnchorID(), FrameID: f1.FrameID, Type: types.AnchorDecision,
		Text: "d1", Priority: 8, Metadata: map[string]any{}, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.CreateAnchor(ctx, &types.Anchor{
		AnchorID: idgen.NewAnchorID(), FrameID: f2.FrameID, Type: types.AnchorFact,
		Text: "f1", Priority: 3, Metadata: map[string]any{}, CreatedAt: time.Now().UTC(),
	}))

	anchors, err := store.GetAnchorsAcross(ctx, []string{f1.FrameID, f2.FrameID})
	require.NoError(t, err)
	assert.Len(t, anchors, 2)
}

func TestStorageItemUpsertGetDelete(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	f := newTestFrame("run-1", "proj-1")
	require.NoError(t, store.CreateFrame(ctx, f))

	item := &types.StorageItem{
		StorageID: idgen.NewStorageID(), FrameID: f.FrameID, Tier: types.TierYoung,
		Data: []byte("payload"), OriginalSize: 7, CompressedSize: 7,
		Compression: types.CompressionNone, Importance: 0.5, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.UpsertStorageItem(ctx, item))

	got, err := store.GetStorageItem(ctx, f.FrameID)
	require.NoError(t, err)
	assert.Equal(t, types.TierYoung, got.Tier)
	assert.Equal(t, []byte("payload"), got.Data)

	item.Tier = types.TierMature
	item.Compression = types.CompressionLZ4
	require.NoError(t, store.UpsertStorageItem(ctx, item))

	got2, err := store.GetStorageItem(ctx, f.FrameID)
	require.NoError(t, err)
	assert.Equal(t, types.TierMature, got2.Tier)
	assert.Equal(t, types.CompressionLZ4, got2.Compression)

	require.NoError(t, store.DeleteStorageItem(ctx, f.FrameID))
	_, err = store.GetStorageItem(ctx, f.FrameID)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestIncrementAccessUpdatesStorageItem(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	f := newTestFrame("run-1", "proj-1")
	require.NoError(t, store.CreateFrame(ctx, f))
	require.NoError(t, store.UpsertStorageItem(ctx, &types.StorageItem{
		StorageID: idgen.NewStorageID(), FrameID: f.FrameID, Tier: types.TierYoung,
		Data: []byte("x"), Compression: types.CompressionNone, CreatedAt: time.Now().UTC(),
	}))

	now := time.Now().UTC()
	require.NoError(t, store.IncrementAccess(ctx, f.FrameID, now))

	got, err := store.GetStorageItem(ctx, f.FrameID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AccessCount)
}

func TestMigrationJobLifecycle(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	f := newTestFrame("run-1", "proj-1")
	require.NoError(t, store.CreateFrame(ctx, f))
	require.NoError(t, store.UpsertStorageItem(ctx, &types.StorageItem{
		StorageID: idgen.NewStorageID(), FrameID: f.FrameID, Tier: types.TierYoung,
		Data: []byte("x"), Compression: types.CompressionNone, CreatedAt: time.Now().UTC(),
	}))

	job := &types.MigrationJob{
		JobID: idgen.NewJobID(), ItemID: f.FrameID, FromTier: types.TierYoung, ToTier: types.TierMature,
		Priority: 5, Status: types.MigrationPending, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.EnqueueMigration(ctx, job))

	jobs, err := store.PopMigrationJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.JobID, jobs[0].JobID)

	require.NoError(t, store.UpdateMigrationJob(ctx, job.JobID, types.MigrationDone, 1))

	jobs2, err := store.PopMigrationJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs2)
}

func TestWithTxCommitsAtomically(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	f := newTestFrame("run-1", "proj-1")
	err := store.WithTx(ctx, func(ctx context.Context) error {
		if err := store.CreateFrame(ctx, f); err != nil {
			return err
		}
		return store.AppendEvent(ctx, &types.Event{
			EventID: idgen.NewEventID(), FrameID: f.FrameID, RunID: f.RunID,
			Seq: 1, EventType: types.EventNote, Payload: json.RawMessage(`{}`), TS: 1,
		})
	})
	require.NoError(t, err)

	got, err := store.GetFrame(ctx, f.FrameID)
	require.NoError(t, err)
	assert.NotNil(t, got)

	events, err := store.GetEvents(ctx, f.FrameID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

var errInjectedFailure = errors.New("injected failure")

func TestWithTxRollsBackOnError(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	f := newTestFrame("run-1", "proj-1")
	err := store.WithTx(ctx, func(ctx context.Context) error {
		if err := store.CreateFrame(ctx, f); err != nil {
			return err
		}
		return errInjectedFailure
	})
	require.Error(t, err)

	_, getErr := store.GetFrame(ctx, f.FrameID)
	assert.Equal(t, types.KindNotFound, types.KindOf(getErr))
}

func TestCheckpointWALReportsTruncation(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	f := newTestFrame("run-1", "proj-1")
	require.NoError(t, store.CreateFrame(ctx, f))

	truncated, err := store.CheckpointWAL(ctx)
	require.NoError(t, err)
	assert.True(t, truncated)
}

func TestIntegrityCheckReportsZeroViolationsOnCleanStore(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	f := newTestFrame("run-1", "proj-1")
	require.NoError(t, store.CreateFrame(ctx, f))

	violations, err := store.IntegrityCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, violations)
}

func TestAllFrameIDsWithParent(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	root := newTestFrame("run-1", "proj-1")
	require.NoError(t, store.CreateFrame(ctx, root))

	child := newTestFrame("run-1", "proj-1")
	child.ParentFrameID = root.FrameID
	child.Depth = 1
	require.NoError(t, store.CreateFrame(ctx, child))

	m, err := store.AllFrameIDsWithParent(ctx)
	require.NoError(t, err)
	assert.Equal(t, root.FrameID, m[child.FrameID])
	assert.Equal(t, "", m[root.FrameID])
}
