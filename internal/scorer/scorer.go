// Package scorer computes the deterministic importance score used to rank
// frames for garbage collection, tiering, and context assembly.
package scorer

import (
	"strings"
	"time"

	"github.com/jonathanpeterwu/stackmemory/internal/config"
	"github.com/jonathanpeterwu/stackmemory/internal/types"
)

// baseTable maps a frame's dominant tool/event type to its base-component
// score, loaded once per process from the defaults below.
var baseTable = map[string]float64{
	"search":            0.95,
	"decision_recording": 0.90,
	"write_new_file":    0.75,
	"write":             0.75,
	"edit":              0.50,
	"read":              0.25,
}

const defaultBase = 0.3

// referenceDecayDenominator bounds the reference component's growth so a
// handful of reads doesn't saturate it immediately.
const referenceDecayDenominator = 10.0

// Scorer computes Score(frame, events, anchors) deterministically: the same
// inputs and weights always produce the same output, with no hidden clock
// reads except the frame's own closed_at/created_at fields and the `now`
// argument passed explicitly by the caller.
type Scorer struct {
	weights config.ScorerWeights
}

// New builds a Scorer with the given weight configuration.
func New(weights config.ScorerWeights) *Scorer {
	return &Scorer{weights: weights}
}

// Score computes the frame's importance in [0, 1]. accessCount is the
// frame's StorageItem.AccessCount (0 if it has no StorageItem yet).
func (s *Scorer) Score(f *types.Frame, events []*types.Event, anchors []*types.Anchor, accessCount int, now time.Time) float64 {
	base := s.baseComponent(events)
	impact := s.impactComponent(f, anchors)
	persistence := s.persistenceComponent(f, now)
	reference := s.referenceComponent(accessCount)

	score := s.weights.Base*base + s.weights.Impact*impact +
		s.weights.Persistence*persistence + s.weights.Reference*reference

	return clamp01(score)
}

// baseComponent looks up the base score for the frame's dominant event type,
// the most frequent tool name among its tool_call events (ties go to the
// lexicographically smaller name), falling back to defaultBase when no
// tool_call event names a tool.
func (s *Scorer) baseComponent(events []*types.Event) float64 {
	counts := map[string]int{}
	for _, e := range events {
		if e.EventType != types.EventToolCall {
			continue
		}
		tool := toolNameFromPayload(e.Payload)
		if tool != "" {
			counts[strings.ToLower(tool)]++
		}
	}

	dominant := ""
	best := 0
	for tool, n := range counts {
		if n > best || (n == best && tool < dominant) {
			dominant, best = tool, n
		}
	}
	if dominant == "" {
		return defaultBase
	}
	if v, ok := baseTable[dominant]; ok {
		return v
	}
	return defaultBase
}

// toolNameFromPayload extracts a "tool" field from a raw JSON payload without
// a full unmarshal, since this path only needs one string field.
func toolNameFromPayload(payload []byte) string {
	const key = `"tool"`
	idx := strings.Index(string(payload), key)
	if idx < 0 {
		return ""
	}
	rest := string(payload)[idx+len(key):]
	start := strings.Index(rest, `"`)
	if start < 0 {
		return ""
	}
	rest = rest[start+1:]
	end := strings.Index(rest, `"`)
	if end < 0 {
		return ""
	}
	return rest[:end]
}

// impactComponent is proportional to the count of DECISION/CONSTRAINT
// anchors plus distinct files touched, normalized against a soft cap so a
// handful of high-signal anchors saturates the component.
func (s *Scorer) impactComponent(f *types.Frame, anchors []*types.Anchor) float64 {
	const softCap = 5.0

	weighty := 0
	for _, a := range anchors {
		if a.Type == types.AnchorDecision || a.Type == types.AnchorConstraint {
			weighty++
		}
	}

	filesTouched := 0
	if f.DigestJSON != nil {
		filesTouched = len(f.DigestJSON.FilesTouched)
	}

	return clamp01(float64(weighty+filesTouched) / softCap)
}

// persistenceComponent is 1 for a frame that made a durable change, decayed
// linearly over the week following closure (a frame not yet closed keeps
// 1); frames without durable outputs score 0.
func (s *Scorer) persistenceComponent(f *types.Frame, now time.Time) float64 {
	if !madeDurableChange(f) {
		return 0
	}
	if f.ClosedAt == nil {
		return 1
	}
	const decayWindow = 7 * 24 * time.Hour
	age := now.Sub(*f.ClosedAt)
	if age <= 0 {
		return 1
	}
	if age >= decayWindow {
		return 0
	}
	return 1 - float64(age)/float64(decayWindow)
}

func madeDurableChange(f *types.Frame) bool {
	if f.Type == types.FrameWrite {
		return true
	}
	if f.DigestJSON == nil {
		return false
	}
	return len(f.DigestJSON.FilesTouched) > 0
}

// referenceComponent is the frame's cached access_count divided by a decay
// denominator, saturating at 1.
func (s *Scorer) referenceComponent(accessCount int) float64 {
	return clamp01(float64(accessCount) / referenceDecayDenominator)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
