package compaction

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jonathanpeterwu/stackmemory/internal/types"
)

// buildPreservationPayload extracts the material a COMPACTION_PRESERVE
// anchor carries: tool-call summaries, file operations, decisions, and
// error→resolution chains (the next up-to-3 tool calls after each error).
func buildPreservationPayload(frameID string, events []*types.Event, capturedAt time.Time) types.PreservationPayload {
	var payload types.PreservationPayload
	payload.FrameID = frameID
	payload.CapturedAt = capturedAt

	for i, e := range events {
		switch e.EventType {
		case types.EventToolCall, types.EventToolResult:
			summary := toolCallSummary(e)
			payload.ToolCalls = append(payload.ToolCalls, summary)
			if op := fileOpFromEvent(e); op != nil {
				payload.FileOps = append(payload.FileOps, *op)
			}
		case types.EventDecision:
			if text := stringField(e.Payload, "text"); text != "" {
				payload.Decisions = append(payload.Decisions, text)
			}
		case types.EventError:
			payload.ErrorChains = append(payload.ErrorChains, errorResolutionChain(e, events[i+1:]))
		}
	}
	return payload
}

func toolCallSummary(e *types.Event) types.ToolCallSummary {
	return types.ToolCallSummary{
		Tool:    stringField(e.Payload, "tool"),
		Inputs:  stringField(e.Payload, "inputs"),
		Outputs: stringField(e.Payload, "outputs"),
		Success: boolField(e.Payload, "success"),
	}
}

func fileOpFromEvent(e *types.Event) *types.FileOperationRecord {
	path := stringField(e.Payload, "path")
	if path == "" {
		return nil
	}
	op := stringField(e.Payload, "op")
	switch op {
	case "read", "write", "edit", "create", "delete":
	default:
		return nil
	}
	return &types.FileOperationRecord{Op: op, Path: path, Success: boolField(e.Payload, "success")}
}

// errorResolutionChain pairs an error event with up to the next 3 tool-call
// events that followed it, in order.
func errorResolutionChain(errEvent *types.Event, following []*types.Event) types.ErrorResolutionChain {
	chain := types.ErrorResolutionChain{Error: stringField(errEvent.Payload, "message")}
	for _, e := range following {
		if len(chain.Resolution) >= 3 {
			break
		}
		if e.EventType == types.EventToolCall {
			chain.Resolution = append(chain.Resolution, toolCallSummary(e))
		}
	}
	return chain
}

func preservationSummary(p types.PreservationPayload) string {
	return fmt.Sprintf("preserved %d tool calls, %d file ops, %d decisions, %d error chains",
		len(p.ToolCalls), len(p.FileOps), len(p.Decisions), len(p.ErrorChains))
}

func summarizeToolSequence(calls []types.ToolCallSummary) string {
	if len(calls) == 0 {
		return ""
	}
	names := make([]string, 0, len(calls))
	for _, c := range calls {
		names = append(names, c.Tool)
	}
	return "tool sequence: " + strings.Join(names, " -> ")
}

func summarizeFileOps(ops []types.FileOperationRecord) string {
	if len(ops) == 0 {
		return ""
	}
	parts := make([]string, 0, len(ops))
	for _, op := range ops {
		parts = append(parts, fmt.Sprintf("%s %s", op.Op, op.Path))
	}
	return "files touched: " + strings.Join(parts, ", ")
}

// payloadToMetadata/payloadFromMetadata round-trip PreservationPayload
// through the generic map[string]any Anchor.Metadata field via JSON, since
// Anchor has no dedicated typed payload column.
func payloadToMetadata(p types.PreservationPayload) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, types.NewError("preserve_critical_context", types.KindValidation, err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, types.NewError("preserve_critical_context", types.KindValidation, err)
	}
	return out, nil
}

func payloadFromMetadata(meta map[string]any) (types.PreservationPayload, error) {
	var payload types.PreservationPayload
	raw, err := json.Marshal(meta)
	if err != nil {
		return payload, types.NewError("rehydrate", types.KindCorrupt, err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, types.NewError("rehydrate", types.KindCorrupt, err)
	}
	return payload, nil
}

func stringField(payload []byte, field string) string {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return ""
	}
	if v, ok := m[field].(string); ok {
		return v
	}
	return ""
}

func boolField(payload []byte, field string) bool {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return false
	}
	if v, ok := m[field].(bool); ok {
		return v
	}
	return false
}
