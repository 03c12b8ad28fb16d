package frame

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathanpeterwu/stackmemory/internal/config"
	"github.com/jonathanpeterwu/stackmemory/internal/eventbus"
	"github.com/jonathanpeterwu/stackmemory/internal/scorer"
	"github.com/jonathanpeterwu/stackmemory/internal/storage/sqlite"
	"github.com/jonathanpeterwu/stackmemory/internal/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	return New(db, eventbus.New(nil), scorer.New(cfg.Scorer), nil, cfg)
}

func TestStackPushAndPop(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	f1, err := m.CreateFrame(ctx, "run-1", "proj-1", types.FrameTask, "root", nil, "")
	require.NoError(t, err)

	f2, err := m.CreateFrame(ctx, "run-1", "proj-1", types.FrameDebug, "investigate", nil, "")
	require.NoError(t, err)
	assert.Equal(t, f1.FrameID, f2.ParentFrameID)
	assert.Equal(t, 1, f2.Depth)

	for i := 0; i < 3; i++ {
		_, err := m.RecordEvent(ctx, f2.FrameID, types.EventNote, []byte(`{"n":1}`))
		require.NoError(t, err)
	}

	_, err = m.CloseFrame(ctx, f2.FrameID, map[string]any{"ok": true}, false)
	require.NoError(t, err)

	_, err = m.CloseFrame(ctx, f1.FrameID, map[string]any{"done": true}, false)
	require.NoError(t, err)

	path, err := m.GetActivePath(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, path)

	closedF1, err := m.GetFrame(ctx, f1.FrameID)
	require.NoError(t, err)
	assert.Equal(t, types.FrameClosed, closedF1.State)

	closedF2, err := m.GetFrame(ctx, f2.FrameID)
	require.NoError(t, err)
	assert.Equal(t, types.FrameClosed, closedF2.State)
	assert.GreaterOrEqual(t, closedF2.DigestJSON.EventsCount, 3)
}

func TestCloseFrameRequiresStackTip(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	f1, err := m.CreateFrame(ctx, "run-1", "proj-1", types.FrameTask, "root", nil, "")
	require.NoError(t, err)
	_, err = m.CreateFrame(ctx, "run-1", "proj-1", types.FrameDebug, "child", nil, "")
	require.NoError(t, err)

	_, err = m.CloseFrame(ctx, f1.FrameID, nil, false)
	assert.Equal(t, types.KindStackDiscipline, types.KindOf(err))
}

func TestConcurrentEventSequencing(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	f, err := m.CreateFrame(ctx, "run-1", "proj-1", types.FrameTask, "root", nil, "")
	require.NoError(t, err)

	const writers = 2
	const perWriter = 100

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				_, err := m.RecordEvent(ctx, f.FrameID, types.EventNote, []byte(`{}`))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	events, err := m.GetEvents(ctx, f.FrameID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, writers*perWriter)

	seen := map[int64]bool{}
	for _, e := range events {
		assert.False(t, seen[e.Seq], "duplicate seq %d", e.Seq)
		seen[e.Seq] = true
	}
	for i := int64(1); i <= writers*perWriter; i++ {
		assert.True(t, seen[i], "missing seq %d", i)
	}
}

func TestCreateFrameRejectsUnknownType(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	_, err := m.CreateFrame(ctx, "run-1", "proj-1", types.FrameType("bogus"), "x", nil, "")
	assert.Equal(t, types.KindValidation, types.KindOf(err))
}

func TestAddAnchorValidatesPriority(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	f, err := m.CreateFrame(ctx, "run-1", "proj-1", types.FrameTask, "root", nil, "")
	require.NoError(t, err)

	_, err = m.AddAnchor(ctx, f.FrameID, types.AnchorFact, "text", 99, nil)
	assert.Equal(t, types.KindValidation, types.KindOf(err))

	a, err := m.AddAnchor(ctx, f.FrameID, types.AnchorFact, "text", 5, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, a.Priority)
}
