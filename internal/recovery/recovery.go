// Package recovery implements the RecoveryManager: the startup integrity
// pass that runs once before any writer touches the store.
package recovery

import (
	"context"
	"time"

	"github.com/jonathanpeterwu/stackmemory/internal/config"
	"github.com/jonathanpeterwu/stackmemory/internal/storage"
	"github.com/jonathanpeterwu/stackmemory/internal/types"
)

// Report summarizes one recovery pass.
type Report struct {
	WALTruncated      bool
	IntegrityViolations int
	OrphanFramesClosed int
	OrphanEventsDeleted int
	DepthsRepaired     int
	Duration           time.Duration
	Errors             []error
}

// Manager runs the startup recovery sequence over a Store.
type Manager struct {
	store storage.Store
	cfg   *config.Config
	now   func() time.Time
}

// New builds a recovery Manager.
func New(store storage.Store, cfg *config.Config) *Manager {
	return &Manager{store: store, cfg: cfg, now: time.Now}
}

// Run executes the full recovery sequence for currentRunID, never
// resurrecting a frame as active: frames at rest end as closed or recovered.
func (m *Manager) Run(ctx context.Context, currentRunID string) (*Report, error) {
	start := m.now()
	report := &Report{}

	truncated, err := m.store.CheckpointWAL(ctx)
	if err != nil {
		report.Errors = append(report.Errors, err)
	} else {
		report.WALTruncated = truncated
	}

	violations, err := m.store.IntegrityCheck(ctx)
	if err != nil {
		report.Errors = append(report.Errors, err)
	} else {
		report.IntegrityViolations = violations
	}

	closed, err := m.closeOrphanFrames(ctx, currentRunID)
	if err != nil {
		report.Errors = append(report.Errors, err)
	}
	report.OrphanFramesClosed = closed

	deleted, err := m.store.DeleteOrphanEvents(ctx)
	if err != nil {
		report.Errors = append(report.Errors, err)
	}
	report.OrphanEventsDeleted = deleted

	repaired, err := m.repairDepths(ctx)
	if err != nil {
		report.Errors = append(report.Errors, err)
	}
	report.DepthsRepaired = repaired

	report.Duration = m.now().Sub(start)
	return report, nil
}

// closeOrphanFrames closes every active frame from a different run whose
// age exceeds the configured orphan threshold, marking it recovered rather
// than closed.
func (m *Manager) closeOrphanFrames(ctx context.Context, currentRunID string) (int, error) {
	threshold := m.cfg.GC.OrphanThreshold
	if threshold <= 0 {
		threshold = 24 * time.Hour
	}
	now := m.now()
	activeState := types.FrameActive

	frames, err := m.store.ListFrames(ctx, types.FrameFilter{State: &activeState}, 0, 0)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, f := range frames {
		if f.RunID == currentRunID {
			continue
		}
		if now.Sub(f.CreatedAt) < threshold {
			continue
		}

		outputs := f.Outputs
		if outputs == nil {
			outputs = map[string]any{}
		}
		outputs["recovered"] = true
		outputs["recoveryReason"] = "orphan_cleanup"

		state := types.FrameRecovered
		upd := storage.FrameUpdate{
			Outputs:  outputs,
			State:    &state,
			ClosedAt: &now,
		}
		if err := m.store.UpdateFrame(ctx, f.FrameID, upd); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

// repairDepths recomputes depth for every frame from its parent chain,
// orphaning (parent_frame_id = null, depth = 0) any frame whose recorded
// parent no longer exists.
func (m *Manager) repairDepths(ctx context.Context) (int, error) {
	parents, err := m.store.AllFrameIDsWithParent(ctx)
	if err != nil {
		return 0, err
	}

	depthOf := map[string]int{}
	var resolve func(id string, seen map[string]bool) int
	resolve = func(id string, seen map[string]bool) int {
		if d, ok := depthOf[id]; ok {
			return d
		}
		parent, hasParent := parents[id]
		if !hasParent || parent == "" {
			depthOf[id] = 0
			return 0
		}
		if seen[id] {
			// Cycle: treat as root rather than recursing forever.
			depthOf[id] = 0
			return 0
		}
		seen[id] = true
		if _, parentExists := parents[parent]; !parentExists {
			depthOf[id] = 0
			return 0
		}
		d := resolve(parent, seen) + 1
		depthOf[id] = d
		return d
	}

	repaired := 0
	for id := range parents {
		resolve(id, map[string]bool{})
	}

	for id, parent := range parents {
		f, err := m.store.GetFrame(ctx, id)
		if err != nil {
			continue
		}
		wantDepth := depthOf[id]
		_, parentExists := parents[parent]

		needsUpdate := f.Depth != wantDepth
		var newParent *string
		if parent != "" && !parentExists {
			empty := ""
			newParent = &empty
			needsUpdate = true
		}
		if !needsUpdate {
			continue
		}

		upd := storage.FrameUpdate{Depth: &wantDepth}
		if newParent != nil {
			upd.ParentFrameID = newParent
		}
		if err := m.store.UpdateFrame(ctx, id, upd); err != nil {
			return repaired, err
		}
		repaired++
	}
	return repaired, nil
}
