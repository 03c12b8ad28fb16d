// Package types defines the core entities of the memory engine: frames,
// events, anchors, storage items, and migration jobs. These are plain data
// structs; validation lives alongside each type and is exercised by the
// store and frame manager before anything is persisted.
package types

import "time"

// FrameType enumerates the kinds of work a frame can represent.
type FrameType string

const (
	FrameTask         FrameType = "task"
	FrameDebug        FrameType = "debug"
	FrameFeature      FrameType = "feature"
	FrameArchitecture FrameType = "architecture"
	FrameReview       FrameType = "review"
	FrameMilestone    FrameType = "milestone"
	FrameError        FrameType = "error"
	FrameWrite        FrameType = "write"
	FrameDecision     FrameType = "decision"
	FrameOther        FrameType = "other"
)

// ValidFrameTypes is the closed set of frame types accepted by CreateFrame.
var ValidFrameTypes = map[FrameType]bool{
	FrameTask: true, FrameDebug: true, FrameFeature: true, FrameArchitecture: true,
	FrameReview: true, FrameMilestone: true, FrameError: true, FrameWrite: true,
	FrameDecision: true, FrameOther: true,
}

// FrameState is the lifecycle state of a frame.
type FrameState string

const (
	FrameActive    FrameState = "active"
	FrameClosed    FrameState = "closed"
	FrameRecovered FrameState = "recovered"
)

// Frame is a scoped unit of work: a node in the per-run call-stack tree.
type Frame struct {
	FrameID       string         `json:"frame_id"`
	RunID         string         `json:"run_id"`
	ProjectID     string         `json:"project_id"`
	ParentFrameID string         `json:"parent_frame_id,omitempty"`
	Depth         int            `json:"depth"`
	Type          FrameType      `json:"type"`
	Name          string         `json:"name"`
	State         FrameState     `json:"state"`
	Inputs        map[string]any `json:"inputs"`
	Outputs       map[string]any `json:"outputs"`
	DigestText    string         `json:"digest_text,omitempty"`
	DigestJSON    *DigestJSON    `json:"digest_json,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ClosedAt      *time.Time     `json:"closed_at,omitempty"`
	Score         float64        `json:"score"`
}

// IsActive reports whether the frame is still on a run's active path.
func (f *Frame) IsActive() bool { return f.State == FrameActive }

// Age returns how long ago the frame was created, relative to now.
func (f *Frame) Age(now time.Time) time.Duration { return now.Sub(f.CreatedAt) }

// DigestJSON is the closed schema written exactly once at frame close.
// Deterministic fields are required; the AI-produced portion is optional
// and flagged by AIGenerated.
type DigestJSON struct {
	FilesTouched   []string       `json:"files_touched"`
	ToolCallCounts map[string]int `json:"tool_call_counts"`
	ErrorCount     int            `json:"error_count"`
	EventsCount    int            `json:"events_count"`
	DurationMS     int64          `json:"duration_ms"`
	ExitOutcome    string         `json:"exit_outcome"`

	AIGenerated    bool     `json:"ai_generated"`
	Summary        string   `json:"summary,omitempty"`
	KeyDecisions   []string `json:"key_decisions,omitempty"`
	LearnedInsights []string `json:"learned_insights,omitempty"`
	NextSteps      []string `json:"next_steps,omitempty"`
}

// Empty reports whether the digest carries no information at all; close_frame
// must never persist one of these.
func (d *DigestJSON) Empty() bool {
	if d == nil {
		return true
	}
	return d.EventsCount == 0 && len(d.FilesTouched) == 0 && d.ErrorCount == 0 &&
		d.Summary == "" && len(d.KeyDecisions) == 0
}
