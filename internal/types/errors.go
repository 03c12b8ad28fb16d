package types

import (
	"errors"
	"fmt"
)

// Kind is the error taxonomy from the engine's failure-handling design:
// every operation fails with exactly one kind, never a bespoke type.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindNotFound        Kind = "not_found"
	KindIntegrity       Kind = "integrity"
	KindStackDiscipline Kind = "stack_discipline"
	KindTransientIO     Kind = "transient_io"
	KindProvider        Kind = "provider"
	KindCorrupt         Kind = "corrupt"
	KindFatal           Kind = "fatal"
)

// EngineError is the sum-type error carried across every engine boundary.
// Op names the failing operation; Kind classifies it; Err (optional) wraps
// the underlying cause for errors.Is/As unwrapping.
type EngineError struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *EngineError) Unwrap() error { return e.Err }

// NewError constructs an EngineError for op/kind, optionally wrapping cause.
func NewError(op string, kind Kind, cause error) *EngineError {
	return &EngineError{Op: op, Kind: kind, Err: cause}
}

// KindOf extracts the Kind carried by err, or "" if err is not an EngineError.
func KindOf(err error) Kind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}

// Is reports whether err is an EngineError of the given kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// Sentinel causes frequently wrapped by EngineError.Err.
var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyClosed  = errors.New("frame already closed")
	ErrNotStackTip    = errors.New("frame is not the stack tip")
	ErrClosedFrame    = errors.New("frame is closed")
	ErrParentNotFound = errors.New("parent frame not found")
	ErrStackDepthExceeded = errors.New("stack depth exceeded")
	ErrInvalidType    = errors.New("invalid frame or event type")
	ErrInvalidPriority    = errors.New("priority out of range")
)
