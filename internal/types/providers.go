package types

import "context"

// SummaryResult is what a Summarizer produces for a single frame's context.
type SummaryResult struct {
	Summary        string   `json:"summary"`
	KeyDecisions   []string `json:"key_decisions"`
	LearnedInsights []string `json:"insights"`
	NextSteps      []string `json:"next_steps"`
}

// Summarizer is the narrow external capability the digest generator calls
// into. Implementations carry their own timeout; callers must still bound
// the call with ctx since a slow provider must never block a frame close.
type Summarizer interface {
	Summarize(ctx context.Context, context string) (*SummaryResult, error)
}

// ColdStorageProvider is the abstract remote object store TierStore archives
// into. Keys are opaque strings chosen by the caller (see the remote object
// layout in the engine's persisted-state contract).
type ColdStorageProvider interface {
	Upload(ctx context.Context, key string, data []byte) error
	Download(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}
