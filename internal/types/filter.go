package types

import (
	"strings"
	"time"
)

// FrameFilter narrows a frame search to a time range, content match, frame
// type/state, participating run, or output predicate. Zero-valued fields are
// left unconstrained, matching the query package's Filter/Predicate split.
type FrameFilter struct {
	ProjectID string

	TimeFrom *time.Time
	TimeTo   *time.Time

	ContentQuery string // matched against name/digest_text

	Type  *FrameType
	State *FrameState

	RunID string // "people" in the spec maps to the owning run/session

	HasOutputs *bool
}

// Matches reports whether f satisfies the filter using only its own fields
// (no event/anchor lookups); callers needing content search across events
// combine this with a predicate from the query evaluator.
func (filt FrameFilter) Matches(f *Frame) bool {
	if filt.ProjectID != "" && f.ProjectID != filt.ProjectID {
		return false
	}
	if filt.TimeFrom != nil && f.CreatedAt.Before(*filt.TimeFrom) {
		return false
	}
	if filt.TimeTo != nil && f.CreatedAt.After(*filt.TimeTo) {
		return false
	}
	if filt.Type != nil && f.Type != *filt.Type {
		return false
	}
	if filt.State != nil && f.State != *filt.State {
		return false
	}
	if filt.RunID != "" && f.RunID != filt.RunID {
		return false
	}
	if filt.HasOutputs != nil {
		has := len(f.Outputs) > 0
		if has != *filt.HasOutputs {
			return false
		}
	}
	if filt.ContentQuery != "" {
		if !containsFold(f.Name, filt.ContentQuery) && !containsFold(f.DigestText, filt.ContentQuery) {
			return false
		}
	}
	return true
}

func containsFold(haystack, needle string) bool {
	return len(needle) == 0 || strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
