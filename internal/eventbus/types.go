// Package eventbus is the narrow in-process lifecycle bus described by the
// engine's design notes: the FrameManager publishes frame_created and
// frame_closed events without holding references to whoever is listening.
package eventbus

import "github.com/jonathanpeterwu/stackmemory/internal/types"

// EventType enumerates the lifecycle events the FrameManager publishes.
type EventType string

const (
	FrameCreated EventType = "frame_created"
	FrameClosed  EventType = "frame_closed"
)

// Event carries a lifecycle notification. Frame is the publisher's own
// *types.Frame, shared rather than copied; state written to the Store after
// publish is read back through the Store.
type Event struct {
	Type  EventType
	Frame *types.Frame
}
