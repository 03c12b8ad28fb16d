// Package context implements ContextBuilder: read-only assembly of a bounded
// context bundle (active path, anchors, relevant digests, remote pointers)
// for a single request.
package context

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/jonathanpeterwu/stackmemory/internal/frame"
	"github.com/jonathanpeterwu/stackmemory/internal/storage"
	"github.com/jonathanpeterwu/stackmemory/internal/types"
)

// FrameSummary is the compact per-frame view used in an active path.
type FrameSummary struct {
	FrameID    string          `json:"frame_id"`
	Type       types.FrameType `json:"type"`
	Name       string          `json:"name"`
	DigestText string          `json:"digest_text"`
	State      types.FrameState `json:"state"`
}

// DigestEntry is one closed-frame digest selected into a bundle, scored by
// the builder's relevance blend.
type DigestEntry struct {
	FrameID    string  `json:"frame_id"`
	DigestText string  `json:"digest_text"`
	Relevance  float64 `json:"relevance"`
}

// RemotePointer identifies a remote-tier frame matching the bundle's
// relevance ordering without pulling its payload.
type RemotePointer struct {
	FrameID string `json:"frame_id"`
}

// Bundle is the assembled context returned to a caller.
type Bundle struct {
	ActivePath      []FrameSummary  `json:"active_path"`
	Anchors         []*types.Anchor `json:"anchors"`
	Digests         []DigestEntry   `json:"digests"`
	RemotePointers  []RemotePointer `json:"remote_pointers"`
	EstimatedTokens int             `json:"estimated_tokens"`
	TruncatedCount  int             `json:"truncated_count"`
}

// topKAnchors bounds how many anchors ever enter the ranking before budget
// truncation, keeping the ranking pass cheap on large projects.
const topKAnchors = 50

// recentClosedWindow bounds how far back "recent closed frames" reaches when
// collecting anchors outside the active path.
const recentClosedWindow = 7 * 24 * time.Hour

// Builder is the ContextBuilder.
type Builder struct {
	store storage.Store
	mgr   *frame.Manager
	now   func() time.Time
}

// New builds a Builder over store/mgr.
func New(store storage.Store, mgr *frame.Manager) *Builder {
	return &Builder{store: store, mgr: mgr, now: time.Now}
}

// BuildContextBundle assembles a bundle bounded by tokenBudget (estimated at
// ceil(chars/4), the engine's fixed estimator).
func (b *Builder) BuildContextBundle(ctx context.Context, projectID, runID string, tokenBudget int) (*Bundle, error) {
	path, err := b.mgr.GetActivePath(ctx, runID)
	if err != nil {
		return nil, err
	}

	bundle := &Bundle{}
	for _, f := range path {
		bundle.ActivePath = append(bundle.ActivePath, FrameSummary{
			FrameID: f.FrameID, Type: f.Type, Name: f.Name, DigestText: f.DigestText, State: f.State,
		})
	}

	anchors, err := b.collectAnchors(ctx, projectID, path)
	if err != nil {
		return nil, err
	}
	rankAnchors(anchors)

	closed, err := b.recentClosedFrames(ctx, projectID)
	if err != nil {
		return nil, err
	}
	digests, pointers, err := b.rankDigests(ctx, closed)
	if err != nil {
		return nil, err
	}

	bundle.Anchors = anchors
	bundle.Digests = digests
	bundle.RemotePointers = pointers

	b.truncateToBudget(bundle, tokenBudget)
	return bundle, nil
}

// collectAnchors gathers anchors across the active path plus recently
// closed frames in the project.
func (b *Builder) collectAnchors(ctx context.Context, projectID string, path []*types.Frame) ([]*types.Anchor, error) {
	ids := make([]string, 0, len(path))
	for _, f := range path {
		ids = append(ids, f.FrameID)
	}

	recent, err := b.recentClosedFrames(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for _, f := range recent {
		ids = append(ids, f.FrameID)
	}

	if len(ids) == 0 {
		return nil, nil
	}
	anchors, err := b.store.GetAnchorsAcross(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(anchors) > topKAnchors {
		anchors = anchors[:topKAnchors]
	}
	return anchors, nil
}

// rankAnchors orders by (priority desc, recency desc), DECISION/CONSTRAINT
// first, ties broken by lexicographically smaller frame_id.
func rankAnchors(anchors []*types.Anchor) {
	sort.SliceStable(anchors, func(i, j int) bool {
		a, c := anchors[i], anchors[j]
		ai, ci := anchorClassRank(a.Type), anchorClassRank(c.Type)
		if ai != ci {
			return ai < ci
		}
		if a.Priority != c.Priority {
			return a.Priority > c.Priority
		}
		if !a.CreatedAt.Equal(c.CreatedAt) {
			return a.CreatedAt.After(c.CreatedAt)
		}
		return a.FrameID < c.FrameID
	})
}

func anchorClassRank(t types.AnchorType) int {
	if t == types.AnchorDecision || t == types.AnchorConstraint {
		return 0
	}
	return 1
}

func (b *Builder) recentClosedFrames(ctx context.Context, projectID string) ([]*types.Frame, error) {
	from := b.now().Add(-recentClosedWindow)
	closedState := types.FrameClosed
	filter := types.FrameFilter{
		ProjectID: projectID,
		State:     &closedState,
		TimeFrom:  &from,
	}
	return b.store.ListFrames(ctx, filter, 500, 0)
}

// rankDigests scores closed frames by 0.7*score + 0.3*recency and splits
// the ranking into local digests (text payload included) and remote
// pointers (identifier only), per the remote-tier's resident status.
func (b *Builder) rankDigests(ctx context.Context, frames []*types.Frame) ([]DigestEntry, []RemotePointer, error) {
	type scored struct {
		f         *types.Frame
		relevance float64
	}
	now := b.now()
	var oldest time.Duration
	for _, f := range frames {
		if age := now.Sub(f.CreatedAt); age > oldest {
			oldest = age
		}
	}

	ranked := make([]scored, 0, len(frames))
	for _, f := range frames {
		recency := 1.0
		if oldest > 0 {
			recency = 1.0 - float64(now.Sub(f.CreatedAt))/float64(oldest)
		}
		ranked = append(ranked, scored{f: f, relevance: 0.7*f.Score + 0.3*recency})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].relevance != ranked[j].relevance {
			return ranked[i].relevance > ranked[j].relevance
		}
		return ranked[i].f.FrameID < ranked[j].f.FrameID
	})

	var digests []DigestEntry
	var pointers []RemotePointer
	for _, r := range ranked {
		if r.f.DigestText == "" {
			continue
		}

		item, err := b.store.GetStorageItem(ctx, r.f.FrameID)
		remote := err == nil && item.Tier == types.TierRemote
		if err != nil && types.KindOf(err) != types.KindNotFound {
			return nil, nil, err
		}

		if remote {
			pointers = append(pointers, RemotePointer{FrameID: r.f.FrameID})
			continue
		}
		digests = append(digests, DigestEntry{FrameID: r.f.FrameID, DigestText: r.f.DigestText, Relevance: r.relevance})
	}
	return digests, pointers, nil
}

// truncateToBudget drops the lowest-priority items (pointers, then digests,
// then anchors) until the bundle's estimated token count fits within budget,
// recording how many items were dropped.
func (b *Builder) truncateToBudget(bundle *Bundle, budget int) {
	if budget <= 0 {
		return
	}

	for estimateBundleTokens(bundle) > budget && len(bundle.RemotePointers) > 0 {
		bundle.RemotePointers = bundle.RemotePointers[:len(bundle.RemotePointers)-1]
		bundle.TruncatedCount++
	}
	for estimateBundleTokens(bundle) > budget && len(bundle.Digests) > 0 {
		bundle.Digests = bundle.Digests[:len(bundle.Digests)-1]
		bundle.TruncatedCount++
	}
	for estimateBundleTokens(bundle) > budget && len(bundle.Anchors) > 0 {
		bundle.Anchors = bundle.Anchors[:len(bundle.Anchors)-1]
		bundle.TruncatedCount++
	}
	bundle.EstimatedTokens = estimateBundleTokens(bundle)
}

func estimateBundleTokens(bundle *Bundle) int {
	chars := 0
	for _, f := range bundle.ActivePath {
		chars += len(f.Name) + len(f.DigestText)
	}
	for _, a := range bundle.Anchors {
		chars += len(a.Text)
	}
	for _, d := range bundle.Digests {
		chars += len(d.DigestText)
	}
	chars += len(bundle.RemotePointers) * 10 // a frame_id's typical length
	return int(math.Ceil(float64(chars) / 4.0))
}
