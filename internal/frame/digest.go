package frame

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jonathanpeterwu/stackmemory/internal/eventbus"
	"github.com/jonathanpeterwu/stackmemory/internal/storage"
	"github.com/jonathanpeterwu/stackmemory/internal/types"
)

// CloseFrame writes outputs and a hybrid digest, transitions frameID to
// closed, and recomputes its score, all in one transaction. Unless
// allowOutOfOrderClose is set (recovery only), frameID must be its run's
// current stack tip.
func (m *Manager) CloseFrame(ctx context.Context, frameID string, outputs map[string]any, allowOutOfOrderClose bool) (*types.DigestJSON, error) {
	var digest *types.DigestJSON
	var closed *types.Frame

	err := m.store.WithTx(ctx, func(ctx context.Context) error {
		f, err := m.store.GetFrame(ctx, frameID)
		if err != nil {
			return err
		}
		if f.State != types.FrameActive {
			return types.NewError("close_frame", types.KindStackDiscipline, types.ErrAlreadyClosed)
		}
		if !allowOutOfOrderClose {
			tip, err := m.store.StackTip(ctx, f.RunID)
			if err != nil {
				return err
			}
			if tip.FrameID != frameID {
				return types.NewError("close_frame", types.KindStackDiscipline, types.ErrNotStackTip)
			}
		}

		events, err := m.store.GetEvents(ctx, frameID, 0, 0)
		if err != nil {
			return err
		}
		anchors, err := m.store.GetAnchors(ctx, frameID, 0, 0)
		if err != nil {
			return err
		}

		now := m.now()
		dj := buildDeterministicDigest(events, now.Sub(f.CreatedAt))
		m.addAISummary(ctx, dj, f, events)

		digestText := deriveDigestText(dj)

		item, err := m.store.GetStorageItem(ctx, frameID)
		accessCount := 0
		if err == nil {
			accessCount = item.AccessCount
		} else if types.KindOf(err) != types.KindNotFound {
			return err
		}

		f.Outputs = outputs
		f.DigestJSON = dj
		f.DigestText = digestText
		score := m.scorer.Score(f, events, anchors, accessCount, now)

		state := types.FrameClosed
		upd := storage.FrameUpdate{
			Outputs:    outputs,
			DigestText: &digestText,
			DigestJSON: dj,
			State:      &state,
			Score:      &score,
			ClosedAt:   &now,
		}
		if err := m.store.UpdateFrame(ctx, frameID, upd); err != nil {
			return err
		}

		f.ClosedAt = &now
		f.State = state
		f.Score = score
		digest = dj
		closed = f
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.publish(ctx, eventbus.FrameClosed, closed)
	return digest, nil
}

// buildDeterministicDigest extracts the 60% deterministic portion of the
// digest from a frame's events: files touched, tool-call counts, error
// count, event count, duration, and exit outcome.
func buildDeterministicDigest(events []*types.Event, duration time.Duration) *types.DigestJSON {
	dj := &types.DigestJSON{
		ToolCallCounts: map[string]int{},
		EventsCount:    len(events),
		DurationMS:     duration.Milliseconds(),
		ExitOutcome:    "unknown",
	}

	filesSeen := map[string]bool{}
	errCount := 0
	lastOutcome := "ok"

	for _, e := range events {
		switch e.EventType {
		case types.EventToolCall:
			tool := toolName(e.Payload)
			if tool != "" {
				dj.ToolCallCounts[tool]++
			}
			if path := filePath(e.Payload); path != "" {
				filesSeen[path] = true
			}
		case types.EventError:
			errCount++
			lastOutcome = "error"
		}
	}

	dj.ErrorCount = errCount
	dj.ExitOutcome = lastOutcome
	for f := range filesSeen {
		dj.FilesTouched = append(dj.FilesTouched, f)
	}
	return dj
}

// addAISummary fills the optional 40% model-generated portion of the digest
// using the Manager's Summarizer, if one is configured. On timeout or
// error, the digest is left with ai_generated=false; the deterministic
// fields already written stand on their own.
func (m *Manager) addAISummary(ctx context.Context, dj *types.DigestJSON, f *types.Frame, events []*types.Event) {
	if m.summarizer == nil {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, m.summarizerTimeout())
	defer cancel()

	result, err := m.summarizer.Summarize(sctx, summaryContext(f, events))
	if err != nil {
		return
	}

	dj.AIGenerated = true
	dj.Summary = result.Summary
	dj.KeyDecisions = result.KeyDecisions
	dj.LearnedInsights = result.LearnedInsights
	dj.NextSteps = result.NextSteps
}

func (m *Manager) summarizerTimeout() time.Duration {
	if m.cfg != nil && m.cfg.Summarizer.Timeout > 0 {
		return m.cfg.Summarizer.Timeout
	}
	return 5 * time.Second
}

// summaryContext renders a compact text view of the frame's events for the
// Summarizer; it is not persisted, only sent to the external capability.
func summaryContext(f *types.Frame, events []*types.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "frame: %s (%s)\n", f.Name, f.Type)
	for _, e := range events {
		fmt.Fprintf(&b, "- [%s] %s\n", e.EventType, string(e.Payload))
	}
	return b.String()
}

func deriveDigestText(dj *types.DigestJSON) string {
	if dj.AIGenerated && dj.Summary != "" {
		return dj.Summary
	}
	return fmt.Sprintf("%d events, %d files touched, %d errors", dj.EventsCount, len(dj.FilesTouched), dj.ErrorCount)
}

func toolName(payload []byte) string { return jsonStringField(payload, "tool") }
func filePath(payload []byte) string { return jsonStringField(payload, "path") }

// jsonStringField reads a single top-level string field out of an event
// payload without committing to the payload's full shape, which varies by
// event_type. A non-object payload or a missing/non-string field yields "".
func jsonStringField(payload []byte, key string) string {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	s, _ := fields[key].(string)
	return s
}
