package gc

import (
	"encoding/json"
	"time"

	"github.com/jonathanpeterwu/stackmemory/internal/types"
)

type ageClass int

const (
	ageYoung ageClass = iota
	ageMature
	ageOld
)

func (w *Worker) classify(f *types.Frame, now time.Time) ageClass {
	age := now.Sub(f.CreatedAt)
	young := w.cfg.Tier.YoungWindow
	mature := w.cfg.Tier.MatureWindow
	if young <= 0 {
		young = 24 * time.Hour
	}
	if mature <= 0 {
		mature = 7 * 24 * time.Hour
	}
	switch {
	case age < young:
		return ageYoung
	case age < mature:
		return ageMature
	default:
		return ageOld
	}
}

// selectCandidates orders deletion candidates P1 through P4, skipping
// protected frames and never repeating a frame across priority classes.
func (w *Worker) selectCandidates(frames []*types.Frame, now time.Time) []*types.Frame {
	eligible := make([]*types.Frame, 0, len(frames))
	for _, f := range frames {
		if !w.isProtected(f, now) {
			eligible = append(eligible, f)
		}
	}

	var out []*types.Frame
	seen := map[string]bool{}
	add := func(fs []*types.Frame) {
		for _, f := range fs {
			if seen[f.FrameID] {
				continue
			}
			seen[f.FrameID] = true
			out = append(out, f)
		}
	}

	add(w.p1OldEmpty(eligible, now))
	add(w.p2Orphaned(eligible, now))
	add(w.p3Duplicates(eligible))
	add(w.p4StaleMature(eligible, now))
	return out
}

// p1OldEmpty: closed, empty-output frames in the old age bracket.
func (w *Worker) p1OldEmpty(frames []*types.Frame, now time.Time) []*types.Frame {
	var out []*types.Frame
	for _, f := range frames {
		if w.classify(f, now) == ageOld && len(f.Outputs) == 0 {
			out = append(out, f)
		}
	}
	return out
}

// p2Orphaned: frames with depth > 0 but no resolvable parent, in mature or
// old, a data-integrity anomaly that's safe to reclaim once closed.
func (w *Worker) p2Orphaned(frames []*types.Frame, now time.Time) []*types.Frame {
	var out []*types.Frame
	for _, f := range frames {
		if f.Depth == 0 {
			continue
		}
		if f.ParentFrameID != "" {
			continue
		}
		class := w.classify(f, now)
		if class == ageMature || class == ageOld {
			out = append(out, f)
		}
	}
	return out
}

// traceSignature mirrors the GCWorker's duplicate-trace detection key:
// (type, name, outputs, digest_text).
func traceSignature(f *types.Frame) string {
	outputs, _ := json.Marshal(f.Outputs)
	return string(f.Type) + "\x00" + f.Name + "\x00" + string(outputs) + "\x00" + f.DigestText
}

// p3Duplicates groups frames by signature and returns every frame but the
// newest in each group with more than one member.
func (w *Worker) p3Duplicates(frames []*types.Frame) []*types.Frame {
	groups := map[string][]*types.Frame{}
	for _, f := range frames {
		sig := traceSignature(f)
		groups[sig] = append(groups[sig], f)
	}

	var out []*types.Frame
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		newest := group[0]
		for _, f := range group[1:] {
			if f.CreatedAt.After(newest.CreatedAt) {
				newest = f
			}
		}
		for _, f := range group {
			if f.FrameID != newest.FrameID {
				out = append(out, f)
			}
		}
	}
	return out
}

// p4StaleMature: mature frames past 80% of the mature window with score
// below the configured floor.
func (w *Worker) p4StaleMature(frames []*types.Frame, now time.Time) []*types.Frame {
	mature := w.cfg.Tier.MatureWindow
	if mature <= 0 {
		mature = 7 * 24 * time.Hour
	}
	floor := w.cfg.GC.MatureScoreFloor
	threshold := time.Duration(float64(mature) * 0.8)

	var out []*types.Frame
	for _, f := range frames {
		if w.classify(f, now) != ageMature {
			continue
		}
		if now.Sub(f.CreatedAt) < threshold {
			continue
		}
		if f.Score < floor {
			out = append(out, f)
		}
	}
	return out
}
