package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathanpeterwu/stackmemory/internal/config"
	"github.com/jonathanpeterwu/stackmemory/internal/idgen"
	"github.com/jonathanpeterwu/stackmemory/internal/recovery"
	"github.com/jonathanpeterwu/stackmemory/internal/types"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "memory.db")
	e, err := Open(context.Background(), dbPath, config.Default(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e
}

// TestStackPushCloseRoundTrip exercises the basic end-to-end scenario: push
// a root frame, push a child, record an event on the child, close both, and
// confirm the digest and active-path bookkeeping all land consistently.
func TestStackPushCloseRoundTrip(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()
	runID := idgen.NewRunID()

	root, err := e.CreateFrame(ctx, runID, "proj-1", types.FrameTask, "root task", map[string]any{"goal": "ship"}, "")
	require.NoError(t, err)
	assert.Equal(t, 0, root.Depth)

	child, err := e.CreateFrame(ctx, runID, "proj-1", types.FrameDebug, "investigate", nil, root.FrameID)
	require.NoError(t, err)
	assert.Equal(t, 1, child.Depth)

	path, err := e.GetActivePath(ctx, runID)
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, root.FrameID, path[0].FrameID)
	assert.Equal(t, child.FrameID, path[1].FrameID)

	_, err = e.RecordEvent(ctx, child.FrameID, types.EventNote, []byte(`{"msg":"found it"}`))
	require.NoError(t, err)

	events, err := e.GetEvents(ctx, child.FrameID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	digest, err := e.CloseFrame(ctx, child.FrameID, map[string]any{"result": "fixed"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, digest.EventsCount, 1)

	digest2, err := e.CloseFrame(ctx, root.FrameID, map[string]any{"result": "done"})
	require.NoError(t, err)
	require.NotNil(t, digest2)

	remaining, err := e.GetActivePath(ctx, runID)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestAddAnchorAndBuildContextBundle(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()
	runID := idgen.NewRunID()

	root, err := e.CreateFrame(ctx, runID, "proj-1", types.FrameTask, "root", nil, "")
	require.NoError(t, err)

	_, err = e.AddAnchor(ctx, root.FrameID, types.AnchorDecision, "use postgres", 8, nil)
	require.NoError(t, err)

	bundle, err := e.BuildContextBundle(ctx, "proj-1", runID, 10_000)
	require.NoError(t, err)
	require.NotNil(t, bundle)
}

func TestStartupRunsRecoveryAndGCWorker(t *testing.T) {
	e := openTestEngine(t)
	var report recovery.Report
	require.NoError(t, e.Startup(context.Background(), &report))
	require.NoError(t, e.Shutdown(context.Background()))
}

func TestForceGCAndMigrationCyclesRunWithoutError(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.ForceGCCycle(ctx))
	n, err := e.ForceMigrationCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSearchFramesByProject(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()
	runID := idgen.NewRunID()

	_, err := e.CreateFrame(ctx, runID, "proj-a", types.FrameTask, "a", nil, "")
	require.NoError(t, err)

	results, err := e.SearchFrames(ctx, "state = active", "proj-a", 0, 0)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}
