// Package frame implements the FrameManager: the only writer of Frame,
// Event, and Anchor rows, and the owner of stack discipline (which frame is
// the current tip of each run's call stack).
package frame

import (
	"context"
	"time"

	"github.com/jonathanpeterwu/stackmemory/internal/config"
	"github.com/jonathanpeterwu/stackmemory/internal/eventbus"
	"github.com/jonathanpeterwu/stackmemory/internal/idgen"
	"github.com/jonathanpeterwu/stackmemory/internal/scorer"
	"github.com/jonathanpeterwu/stackmemory/internal/storage"
	"github.com/jonathanpeterwu/stackmemory/internal/types"
)

// Manager is the FrameManager: stack discipline, digest generation, and
// the sole writer of frame/event/anchor state. It holds no references to
// its subscribers; lifecycle notifications go out through Bus instead.
type Manager struct {
	store      storage.Store
	bus        *eventbus.Bus
	scorer     *scorer.Scorer
	summarizer types.Summarizer
	cfg        *config.Config
	now        func() time.Time
}

// Option customizes a Manager at construction.
type Option func(*Manager)

// WithClock overrides the manager's time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New builds a Manager over store, publishing lifecycle events to bus and
// using summarizer for the AI portion of close_frame's digest. summarizer
// may be nil, in which case every digest is deterministic-only.
func New(store storage.Store, bus *eventbus.Bus, sc *scorer.Scorer, summarizer types.Summarizer, cfg *config.Config, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		bus:        bus,
		scorer:     sc,
		summarizer: summarizer,
		cfg:        cfg,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateFrame opens a new frame under runID. If parentFrameID is empty, the
// new frame attaches to the run's current stack tip (or becomes a root if
// the run has none).
func (m *Manager) CreateFrame(ctx context.Context, runID, projectID string, ft types.FrameType, name string, inputs map[string]any, parentFrameID string) (*types.Frame, error) {
	if !types.ValidFrameTypes[ft] {
		return nil, types.NewError("create_frame", types.KindValidation, types.ErrInvalidType)
	}

	var frame *types.Frame
	err := m.store.WithTx(ctx, func(ctx context.Context) error {
		depth := 0
		parent := parentFrameID

		if parent == "" {
			tip, err := m.store.StackTip(ctx, runID)
			if err != nil && types.KindOf(err) != types.KindNotFound {
				return err
			}
			if tip != nil {
				parent = tip.FrameID
			}
		}

		if parent != "" {
			p, err := m.store.GetFrame(ctx, parent)
			if err != nil {
				if types.KindOf(err) == types.KindNotFound {
					return types.NewError("create_frame", types.KindNotFound, types.ErrParentNotFound)
				}
				return err
			}
			depth = p.Depth + 1
		}

		if depth > m.cfg.StackDepthCap {
			return types.NewError("create_frame", types.KindIntegrity, types.ErrStackDepthExceeded)
		}

		f := &types.Frame{
			FrameID:       idgen.NewFrameID(),
			RunID:         runID,
			ProjectID:     projectID,
			ParentFrameID: parent,
			Depth:         depth,
			Type:          ft,
			Name:          name,
			State:         types.FrameActive,
			Inputs:        inputs,
			Outputs:       map[string]any{},
			CreatedAt:     m.now(),
		}
		if err := m.store.CreateFrame(ctx, f); err != nil {
			return err
		}
		frame = f
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.publish(ctx, eventbus.FrameCreated, frame)
	return frame, nil
}

// RecordEvent appends an event to frameID, allocating the next sequence
// number atomically against concurrent appenders.
func (m *Manager) RecordEvent(ctx context.Context, frameID string, et types.EventType, payload []byte) (*types.Event, error) {
	if !types.ValidEventTypes[et] {
		return nil, types.NewError("record_event", types.KindValidation, types.ErrInvalidType)
	}

	var event *types.Event
	err := m.store.WithTx(ctx, func(ctx context.Context) error {
		f, err := m.store.GetFrame(ctx, frameID)
		if err != nil {
			return err
		}
		if f.State != types.FrameActive {
			return types.NewError("record_event", types.KindStackDiscipline, types.ErrClosedFrame)
		}

		seq, err := m.store.NextEventSeq(ctx, frameID)
		if err != nil {
			return err
		}

		e := &types.Event{
			EventID:   idgen.NewEventID(),
			FrameID:   frameID,
			RunID:     f.RunID,
			Seq:       seq,
			EventType: et,
			Payload:   payload,
			TS:        m.now().UnixMilli(),
		}
		if err := m.store.AppendEvent(ctx, e); err != nil {
			return err
		}
		event = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// AddAnchor attaches a pinned fact to frameID and bumps its StorageItem's
// access count, if it has one.
func (m *Manager) AddAnchor(ctx context.Context, frameID string, at types.AnchorType, text string, priority int, metadata map[string]any) (*types.Anchor, error) {
	if !types.ValidAnchorTypes[at] {
		return nil, types.NewError("add_anchor", types.KindValidation, types.ErrInvalidType)
	}
	if !types.ValidPriority(priority) {
		return nil, types.NewError("add_anchor", types.KindValidation, types.ErrInvalidPriority)
	}

	var anchor *types.Anchor
	err := m.store.WithTx(ctx, func(ctx context.Context) error {
		if _, err := m.store.GetFrame(ctx, frameID); err != nil {
			return err
		}
		a := &types.Anchor{
			AnchorID:  idgen.NewAnchorID(),
			FrameID:   frameID,
			Type:      at,
			Text:      text,
			Priority:  priority,
			Metadata:  metadata,
			CreatedAt: m.now(),
		}
		if err := m.store.CreateAnchor(ctx, a); err != nil {
			return err
		}
		if err := m.store.IncrementAccess(ctx, frameID, m.now()); err != nil {
			return err
		}
		anchor = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return anchor, nil
}

// GetActivePath returns the chain of active frames from root to the
// current stack tip for runID, or nil if the run has no active frame.
func (m *Manager) GetActivePath(ctx context.Context, runID string) ([]*types.Frame, error) {
	tip, err := m.store.StackTip(ctx, runID)
	if err != nil {
		if types.KindOf(err) == types.KindNotFound {
			return nil, nil
		}
		return nil, err
	}

	chain := []*types.Frame{tip}
	cur := tip
	for cur.ParentFrameID != "" {
		parent, err := m.store.GetFrame(ctx, cur.ParentFrameID)
		if err != nil {
			return nil, err
		}
		chain = append(chain, parent)
		cur = parent
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// GetFrame returns a single frame by ID.
func (m *Manager) GetFrame(ctx context.Context, frameID string) (*types.Frame, error) {
	return m.store.GetFrame(ctx, frameID)
}

// GetEvents returns frameID's events in sequence order.
func (m *Manager) GetEvents(ctx context.Context, frameID string, limit, offset int) ([]*types.Event, error) {
	return m.store.GetEvents(ctx, frameID, limit, offset)
}

// GetAnchors returns frameID's anchors, highest priority first.
func (m *Manager) GetAnchors(ctx context.Context, frameID string, limit, offset int) ([]*types.Anchor, error) {
	return m.store.GetAnchors(ctx, frameID, limit, offset)
}

func (m *Manager) publish(ctx context.Context, et eventbus.EventType, f *types.Frame) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Dispatch(ctx, &eventbus.Event{Type: et, Frame: f})
}
