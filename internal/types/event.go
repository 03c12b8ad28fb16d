package types

import "encoding/json"

// EventType enumerates the kinds of append-only records a frame can hold.
type EventType string

const (
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventMessage    EventType = "message"
	EventDecision   EventType = "decision"
	EventError      EventType = "error"
	EventNote       EventType = "note"
)

var ValidEventTypes = map[EventType]bool{
	EventToolCall: true, EventToolResult: true, EventMessage: true,
	EventDecision: true, EventError: true, EventNote: true,
}

// Event is an immutable, sequenced record inside a frame.
type Event struct {
	EventID   string          `json:"event_id"`
	FrameID   string          `json:"frame_id"`
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	EventType EventType       `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	TS        int64           `json:"ts"` // unix milliseconds
}
