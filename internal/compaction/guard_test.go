package compaction

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathanpeterwu/stackmemory/internal/config"
	"github.com/jonathanpeterwu/stackmemory/internal/eventbus"
	"github.com/jonathanpeterwu/stackmemory/internal/frame"
	"github.com/jonathanpeterwu/stackmemory/internal/scorer"
	"github.com/jonathanpeterwu/stackmemory/internal/storage/sqlite"
	"github.com/jonathanpeterwu/stackmemory/internal/types"
)

func newTestGuard(t *testing.T, tokenLimit int) (*Guard, *frame.Manager) {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	cfg.Compaction.ModelTokenLimit = tokenLimit
	mgr := frame.New(db, eventbus.New(nil), scorer.New(cfg.Scorer), nil, cfg)
	return New(mgr, cfg), mgr
}

func payload(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	return raw
}

// TestTrackTriggersPreservation is spec scenario 6: model_token_limit=100,
// tracking 95 tokens' worth of input (380 chars) crosses the 90 threshold
// and must capture a COMPACTION_PRESERVE anchor with non-empty payload.
func TestTrackTriggersPreservation(t *testing.T) {
	ctx := context.Background()
	g, mgr := newTestGuard(t, 100)

	f, err := mgr.CreateFrame(ctx, "run-1", "proj-1", types.FrameTask, "work", nil, "")
	require.NoError(t, err)

	_, err = mgr.RecordEvent(ctx, f.FrameID, types.EventToolCall, payload(t, map[string]any{
		"tool": "edit_file", "success": true,
	}))
	require.NoError(t, err)
	_, err = mgr.RecordEvent(ctx, f.FrameID, types.EventDecision, payload(t, map[string]any{
		"text": "use sqlite for storage",
	}))
	require.NoError(t, err)

	text := make([]byte, 380)
	for i := range text {
		text[i] = 'x'
	}
	require.NoError(t, g.Track(ctx, f.FrameID, string(text)))

	anchors, err := mgr.GetAnchors(ctx, f.FrameID, -1, 0)
	require.NoError(t, err)

	var preserve *types.Anchor
	for _, a := range anchors {
		if a.Type == types.AnchorCompactionPreserve {
			preserve = a
		}
	}
	require.NotNil(t, preserve, "expected a COMPACTION_PRESERVE anchor")
	assert.Equal(t, types.PreservationPriority, preserve.Priority)
	assert.NotEmpty(t, preserve.Metadata["tool_calls"])
	assert.NotEmpty(t, preserve.Metadata["decisions"])
}

func TestDetectCompactionMatchesKnownMarkers(t *testing.T) {
	assert.True(t, DetectCompaction("Earlier in this conversation we discussed X"))
	assert.True(t, DetectCompaction("...[context truncated]..."))
	assert.False(t, DetectCompaction("nothing unusual here"))
}

// TestRehydrateWritesPriorityOrderedAnchors is the rehydrate half of
// scenario 6: after a preservation, rehydrate must produce a review frame
// with anchors at priorities 9, 8, 7.
func TestRehydrateWritesPriorityOrderedAnchors(t *testing.T) {
	ctx := context.Background()
	g, mgr := newTestGuard(t, 1_000_000)

	f, err := mgr.CreateFrame(ctx, "run-1", "proj-1", types.FrameTask, "work", nil, "")
	require.NoError(t, err)

	_, err = mgr.RecordEvent(ctx, f.FrameID, types.EventToolCall, payload(t, map[string]any{
		"tool": "write_file", "path": "main.go", "op": "write", "success": true,
	}))
	require.NoError(t, err)
	_, err = mgr.RecordEvent(ctx, f.FrameID, types.EventDecision, payload(t, map[string]any{
		"text": "adopt sqlite",
	}))
	require.NoError(t, err)

	require.NoError(t, g.PreserveCriticalContext(ctx, f.FrameID))

	review, err := g.Rehydrate(ctx, "run-1", "proj-1", f.FrameID)
	require.NoError(t, err)
	assert.Equal(t, "Context Restoration After Compaction", review.Name)

	anchors, err := mgr.GetAnchors(ctx, review.FrameID, -1, 0)
	require.NoError(t, err)
	require.Len(t, anchors, 3)

	byPriority := map[int]*types.Anchor{}
	for _, a := range anchors {
		byPriority[a.Priority] = a
	}
	require.Contains(t, byPriority, 9)
	require.Contains(t, byPriority, 8)
	require.Contains(t, byPriority, 7)
	assert.Equal(t, types.AnchorDecision, byPriority[7].Type)
}
