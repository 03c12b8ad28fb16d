// Package compaction implements CompactionGuard: a token-budget sentinel
// that snapshots a frame's critical context before a host-side compaction
// and rehydrates it afterward.
package compaction

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/jonathanpeterwu/stackmemory/internal/config"
	"github.com/jonathanpeterwu/stackmemory/internal/frame"
	"github.com/jonathanpeterwu/stackmemory/internal/metrics"
	"github.com/jonathanpeterwu/stackmemory/internal/types"
)

// compactionMarkers are the textual tells that a host summarized earlier
// conversation turns out from under us.
var compactionMarkers = []string{
	"earlier in this conversation",
	"[context truncated]",
	"conversation summary",
	"previous messages have been summarized",
}

// Guard is the CompactionGuard.
type Guard struct {
	mgr              *frame.Manager
	limit            int
	warningFraction  float64
	criticalFraction float64

	mu              sync.Mutex
	estimatedTokens int
	lastPreserved   map[string]time.Time // frame_id -> last preservation time
	now             func() time.Time
}

// New builds a Guard against the given FrameManager, using the token limit
// and warning/critical fractions from cfg.Compaction.
func New(mgr *frame.Manager, cfg *config.Config) *Guard {
	limit := cfg.Compaction.ModelTokenLimit
	if limit <= 0 {
		limit = 200_000
	}
	warn, crit := cfg.Compaction.WarningFraction, cfg.Compaction.CriticalFraction
	if warn <= 0 {
		warn = 0.9
	}
	if crit <= 0 {
		crit = 0.95
	}
	return &Guard{
		mgr:              mgr,
		limit:            limit,
		warningFraction:  warn,
		criticalFraction: crit,
		lastPreserved:    map[string]time.Time{},
		now:              time.Now,
	}
}

func (g *Guard) warningThreshold() int  { return int(g.warningFraction * float64(g.limit)) }
func (g *Guard) criticalThreshold() int { return int(g.criticalFraction * float64(g.limit)) }

// preservationWindow bounds how often preserve_critical_context re-fires for
// the same frame once it has already captured a preservation anchor.
const preservationWindow = 5 * time.Minute

// Track adds text's estimated token cost to the running counter and, once
// the warning threshold is crossed without a recent preservation for
// frameID, synchronously captures one.
func (g *Guard) Track(ctx context.Context, frameID, text string) error {
	g.mu.Lock()
	g.estimatedTokens += estimateTokens(text)
	tokens := g.estimatedTokens
	last, preserved := g.lastPreserved[frameID]
	needsPreserve := tokens >= g.warningThreshold() && (!preserved || g.now().Sub(last) >= preservationWindow)
	g.mu.Unlock()

	if !needsPreserve {
		return nil
	}
	return g.PreserveCriticalContext(ctx, frameID)
}

// estimateTokens is the engine's fixed token estimator: ceil(chars/4).
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / 4.0))
}

// DetectCompaction reports whether text carries a textual tell that the
// host already summarized earlier turns.
func DetectCompaction(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range compactionMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// PreserveCriticalContext scans frameID's events and writes a single
// COMPACTION_PRESERVE anchor capturing tool calls, file operations,
// decisions, and error-resolution chains. Idempotent within
// preservationWindow per frame.
func (g *Guard) PreserveCriticalContext(ctx context.Context, frameID string) error {
	g.mu.Lock()
	last, ok := g.lastPreserved[frameID]
	if ok && g.now().Sub(last) < preservationWindow {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	events, err := g.mgr.GetEvents(ctx, frameID, -1, 0)
	if err != nil {
		return err
	}

	payload := buildPreservationPayload(frameID, events, g.now())

	meta, err := payloadToMetadata(payload)
	if err != nil {
		return err
	}

	_, err = g.mgr.AddAnchor(ctx, frameID, types.AnchorCompactionPreserve, preservationSummary(payload), types.PreservationPriority, meta)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.lastPreserved[frameID] = g.now()
	g.mu.Unlock()
	metrics.RecordCompactionPreserve(ctx)
	return nil
}

// Rehydrate selects the most recent PreservationAnchor across frameID's
// recent anchors, opens a review frame, and writes back per-field anchors.
func (g *Guard) Rehydrate(ctx context.Context, runID, projectID, sourceFrameID string) (*types.Frame, error) {
	anchors, err := g.mgr.GetAnchors(ctx, sourceFrameID, -1, 0)
	if err != nil {
		return nil, err
	}

	var latest *types.Anchor
	for _, a := range anchors {
		if a.Type != types.AnchorCompactionPreserve {
			continue
		}
		if latest == nil || a.CreatedAt.After(latest.CreatedAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, types.NewError("rehydrate", types.KindNotFound, types.ErrNotFound)
	}

	payload, err := payloadFromMetadata(latest.Metadata)
	if err != nil {
		return nil, err
	}

	review, err := g.mgr.CreateFrame(ctx, runID, projectID, types.FrameReview, "Context Restoration After Compaction", nil, "")
	if err != nil {
		return nil, err
	}

	toolSeq := summarizeToolSequence(payload.ToolCalls)
	if toolSeq != "" {
		if _, err := g.mgr.AddAnchor(ctx, review.FrameID, types.AnchorFact, toolSeq, 9, nil); err != nil {
			return nil, err
		}
	}

	files := summarizeFileOps(payload.FileOps)
	if files != "" {
		if _, err := g.mgr.AddAnchor(ctx, review.FrameID, types.AnchorFact, files, 8, nil); err != nil {
			return nil, err
		}
	}

	for _, d := range payload.Decisions {
		if _, err := g.mgr.AddAnchor(ctx, review.FrameID, types.AnchorDecision, d, 7, nil); err != nil {
			return nil, err
		}
	}

	metrics.RecordCompactionRehydrate(ctx)
	return review, nil
}
