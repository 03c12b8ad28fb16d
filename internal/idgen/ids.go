package idgen

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// entropySuffix returns a short base36 tail derived from a fresh UUID, giving
// generated IDs a stable width without leaking sequential information.
func entropySuffix(length int) string {
	u := uuid.New()
	sum := sha256.Sum256(u[:])
	return EncodeBase36(sum[:4], length)
}

// NewFrameID generates an opaque frame identifier of the form frm-<6 chars>.
func NewFrameID() string { return fmt.Sprintf("frm-%s", entropySuffix(6)) }

// NewEventID generates an opaque event identifier of the form evt-<6 chars>.
func NewEventID() string { return fmt.Sprintf("evt-%s", entropySuffix(6)) }

// NewAnchorID generates an opaque anchor identifier of the form anc-<6 chars>.
func NewAnchorID() string { return fmt.Sprintf("anc-%s", entropySuffix(6)) }

// NewStorageID generates an opaque storage-item identifier.
func NewStorageID() string { return fmt.Sprintf("sto-%s", entropySuffix(6)) }

// NewJobID generates an opaque migration-job identifier.
func NewJobID() string { return fmt.Sprintf("job-%s", entropySuffix(8)) }

// NewRunID generates an opaque run/session identifier, used when the host
// process doesn't supply its own.
func NewRunID() string { return fmt.Sprintf("run-%s-%d", entropySuffix(6), time.Now().UnixNano()%1_000_000) }
