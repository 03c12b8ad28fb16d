package query

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jonathanpeterwu/stackmemory/internal/timeparsing"
	"github.com/jonathanpeterwu/stackmemory/internal/types"
)

// QueryResult is what search_frames evaluates a parsed query down to.
// Filter is always populated with whatever portion of the query is
// SQL-pushable through storage.Store.ListFrames; Predicate, when non-nil,
// must additionally be applied in memory (set for OR, NOT, and fields
// FrameFilter has no column for: depth, score, frame_id, closed_at with a
// non-trivial operator).
type QueryResult struct {
	Filter            types.FrameFilter
	Predicate         func(*types.Frame) bool
	RequiresPredicate bool
}

// Evaluator converts a query AST into a QueryResult relative to a reference
// time, used to resolve duration and natural-language values.
type Evaluator struct {
	now time.Time
}

// NewEvaluator builds an Evaluator using now to resolve relative time values.
func NewEvaluator(now time.Time) *Evaluator {
	return &Evaluator{now: now}
}

// Evaluate evaluates the query AST and returns a QueryResult.
func (e *Evaluator) Evaluate(node Node) (*QueryResult, error) {
	result := &QueryResult{}

	if e.canUseFilterOnly(node) {
		if err := e.buildFilter(node, &result.Filter); err != nil {
			return nil, err
		}
		return result, nil
	}

	pred, err := e.buildPredicate(node)
	if err != nil {
		return nil, err
	}
	result.Predicate = pred
	result.RequiresPredicate = true
	e.extractBaseFilters(node, &result.Filter)
	return result, nil
}

// canUseFilterOnly reports whether node is representable purely through
// FrameFilter's narrow column set: equality comparisons on type/state/
// run_id/people/content/has_outputs, range bounds on created, and AND
// chains of those. Any OR or NOT needs the predicate (FrameFilter has no
// ExcludeTypes/TypeIn slot, so even a pure type OR still needs the
// in-memory pass).
func (e *Evaluator) canUseFilterOnly(node Node) bool {
	switch n := node.(type) {
	case *ComparisonNode:
		return e.isFilterCompatible(n)
	case *AndNode:
		return e.canUseFilterOnly(n.Left) && e.canUseFilterOnly(n.Right)
	default:
		return false
	}
}

func (e *Evaluator) isFilterCompatible(comp *ComparisonNode) bool {
	switch comp.Field {
	case "type", "state", "run_id", "people":
		return comp.Op == OpEquals
	case "content", "digest", "digest_text":
		return comp.Op == OpEquals
	case "created", "created_at":
		return comp.Op == OpGreater || comp.Op == OpGreaterEq || comp.Op == OpLess || comp.Op == OpLessEq
	case "output", "has_outputs":
		return comp.Op == OpEquals
	default:
		return false
	}
}

// buildFilter populates filter from a filter-compatible AST.
func (e *Evaluator) buildFilter(node Node, filter *types.FrameFilter) error {
	switch n := node.(type) {
	case *ComparisonNode:
		return e.applyComparison(n, filter)
	case *AndNode:
		if err := e.buildFilter(n.Left, filter); err != nil {
			return err
		}
		return e.buildFilter(n.Right, filter)
	default:
		return fmt.Errorf("unexpected node type: %T", node)
	}
}

func (e *Evaluator) applyComparison(comp *ComparisonNode, filter *types.FrameFilter) error {
	switch comp.Field {
	case "type":
		t := types.FrameType(strings.ToLower(comp.Value))
		filter.Type = &t
		return nil
	case "state":
		s := types.FrameState(strings.ToLower(comp.Value))
		filter.State = &s
		return nil
	case "run_id", "people":
		filter.RunID = comp.Value
		return nil
	case "content", "digest", "digest_text":
		filter.ContentQuery = comp.Value
		return nil
	case "created", "created_at":
		return e.applyCreatedFilter(comp, filter)
	case "output", "has_outputs":
		return e.applyHasOutputsFilter(comp, filter)
	default:
		return fmt.Errorf("field %s requires predicate evaluation", comp.Field)
	}
}

func (e *Evaluator) applyCreatedFilter(comp *ComparisonNode, filter *types.FrameFilter) error {
	t, err := e.parseTimeValue(comp)
	if err != nil {
		return fmt.Errorf("invalid created time: %w", err)
	}
	switch comp.Op {
	case OpGreater, OpGreaterEq:
		filter.TimeFrom = &t
	case OpLess, OpLessEq:
		filter.TimeTo = &t
	default:
		return fmt.Errorf("created does not support %s operator as a filter", comp.Op.String())
	}
	return nil
}

func (e *Evaluator) applyHasOutputsFilter(comp *ComparisonNode, filter *types.FrameFilter) error {
	b, err := parseBool(comp.Value)
	if err != nil {
		return err
	}
	filter.HasOutputs = &b
	return nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "yes", "1":
		return true, nil
	case "false", "no", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value: %s", s)
	}
}

// extractBaseFilters applies whatever AND-reachable leaves are filter
// compatible, ignoring the rest; this is a best-effort SQL-side narrowing
// before the predicate runs, never a correctness requirement.
func (e *Evaluator) extractBaseFilters(node Node, filter *types.FrameFilter) {
	switch n := node.(type) {
	case *ComparisonNode:
		if e.isFilterCompatible(n) {
			_ = e.applyComparison(n, filter)
		}
	case *AndNode:
		e.extractBaseFilters(n.Left, filter)
		e.extractBaseFilters(n.Right, filter)
	case *NotNode, *OrNode:
		// Extracting from either branch of an OR (or the operand of a NOT)
		// would over-filter matches the predicate pass would otherwise keep.
	}
}

// buildPredicate builds an in-memory predicate for the full AST, used
// whenever canUseFilterOnly is false, or layered on top of a base filter.
func (e *Evaluator) buildPredicate(node Node) (func(*types.Frame) bool, error) {
	switch n := node.(type) {
	case *ComparisonNode:
		return e.buildComparisonPredicate(n)
	case *AndNode:
		left, err := e.buildPredicate(n.Left)
		if err != nil {
			return nil, err
		}
		right, err := e.buildPredicate(n.Right)
		if err != nil {
			return nil, err
		}
		return func(f *types.Frame) bool { return left(f) && right(f) }, nil
	case *OrNode:
		left, err := e.buildPredicate(n.Left)
		if err != nil {
			return nil, err
		}
		right, err := e.buildPredicate(n.Right)
		if err != nil {
			return nil, err
		}
		return func(f *types.Frame) bool { return left(f) || right(f) }, nil
	case *NotNode:
		operand, err := e.buildPredicate(n.Operand)
		if err != nil {
			return nil, err
		}
		return func(f *types.Frame) bool { return !operand(f) }, nil
	default:
		return nil, fmt.Errorf("unexpected node type: %T", node)
	}
}

func (e *Evaluator) buildComparisonPredicate(comp *ComparisonNode) (func(*types.Frame) bool, error) {
	switch comp.Field {
	case "type":
		return e.buildEqualityPredicate(comp, func(f *types.Frame) string { return string(f.Type) })
	case "state":
		return e.buildEqualityPredicate(comp, func(f *types.Frame) string { return string(f.State) })
	case "run_id", "people":
		return e.buildEqualityPredicate(comp, func(f *types.Frame) string { return f.RunID })
	case "frame_id", "id":
		return e.buildEqualityPredicate(comp, func(f *types.Frame) string { return f.FrameID })
	case "name":
		return e.buildContainsPredicate(comp, func(f *types.Frame) string { return f.Name })
	case "content", "digest", "digest_text":
		return e.buildContentPredicate(comp)
	case "depth":
		return e.buildIntPredicate(comp, func(f *types.Frame) int { return f.Depth })
	case "score":
		return e.buildFloatPredicate(comp, func(f *types.Frame) float64 { return f.Score })
	case "created", "created_at":
		return e.buildTimePredicate(comp, func(f *types.Frame) time.Time { return f.CreatedAt })
	case "closed", "closed_at":
		return e.buildClosedPredicate(comp)
	case "output", "has_outputs":
		return e.buildHasOutputsPredicate(comp)
	default:
		return nil, fmt.Errorf("unknown field: %s", comp.Field)
	}
}

func (e *Evaluator) buildEqualityPredicate(comp *ComparisonNode, get func(*types.Frame) string) (func(*types.Frame) bool, error) {
	value := strings.ToLower(comp.Value)
	switch comp.Op {
	case OpEquals:
		return func(f *types.Frame) bool { return strings.ToLower(get(f)) == value }, nil
	case OpNotEquals:
		return func(f *types.Frame) bool { return strings.ToLower(get(f)) != value }, nil
	default:
		return nil, fmt.Errorf("field %s does not support %s operator", comp.Field, comp.Op.String())
	}
}

func (e *Evaluator) buildContainsPredicate(comp *ComparisonNode, get func(*types.Frame) string) (func(*types.Frame) bool, error) {
	value := strings.ToLower(comp.Value)
	switch comp.Op {
	case OpEquals:
		return func(f *types.Frame) bool { return strings.Contains(strings.ToLower(get(f)), value) }, nil
	case OpNotEquals:
		return func(f *types.Frame) bool { return !strings.Contains(strings.ToLower(get(f)), value) }, nil
	default:
		return nil, fmt.Errorf("field %s does not support %s operator", comp.Field, comp.Op.String())
	}
}

func (e *Evaluator) buildContentPredicate(comp *ComparisonNode) (func(*types.Frame) bool, error) {
	value := strings.ToLower(comp.Value)
	switch comp.Op {
	case OpEquals:
		return func(f *types.Frame) bool {
			return strings.Contains(strings.ToLower(f.Name), value) || strings.Contains(strings.ToLower(f.DigestText), value)
		}, nil
	case OpNotEquals:
		return func(f *types.Frame) bool {
			return !strings.Contains(strings.ToLower(f.Name), value) && !strings.Contains(strings.ToLower(f.DigestText), value)
		}, nil
	default:
		return nil, fmt.Errorf("content does not support %s operator", comp.Op.String())
	}
}

func (e *Evaluator) buildIntPredicate(comp *ComparisonNode, get func(*types.Frame) int) (func(*types.Frame) bool, error) {
	want, err := strconv.Atoi(comp.Value)
	if err != nil {
		return nil, fmt.Errorf("invalid integer value: %s", comp.Value)
	}
	op := comp.Op
	return func(f *types.Frame) bool { return compareOrdered(op, get(f), want) }, nil
}

func (e *Evaluator) buildFloatPredicate(comp *ComparisonNode, get func(*types.Frame) float64) (func(*types.Frame) bool, error) {
	want, err := strconv.ParseFloat(comp.Value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid numeric value: %s", comp.Value)
	}
	op := comp.Op
	return func(f *types.Frame) bool { return compareOrdered(op, get(f), want) }, nil
}

func compareOrdered[T int | float64](op ComparisonOp, actual, want T) bool {
	switch op {
	case OpEquals:
		return actual == want
	case OpNotEquals:
		return actual != want
	case OpLess:
		return actual < want
	case OpLessEq:
		return actual <= want
	case OpGreater:
		return actual > want
	case OpGreaterEq:
		return actual >= want
	default:
		return false
	}
}

func (e *Evaluator) buildTimePredicate(comp *ComparisonNode, get func(*types.Frame) time.Time) (func(*types.Frame) bool, error) {
	t, err := e.parseTimeValue(comp)
	if err != nil {
		return nil, fmt.Errorf("invalid time value: %w", err)
	}
	op := comp.Op
	return func(f *types.Frame) bool { return e.compareTime(op, get(f), t) }, nil
}

func (e *Evaluator) buildClosedPredicate(comp *ComparisonNode) (func(*types.Frame) bool, error) {
	t, err := e.parseTimeValue(comp)
	if err != nil {
		return nil, fmt.Errorf("invalid closed time: %w", err)
	}
	op := comp.Op
	return func(f *types.Frame) bool {
		if f.ClosedAt == nil {
			return false
		}
		return e.compareTime(op, *f.ClosedAt, t)
	}, nil
}

func (e *Evaluator) buildHasOutputsPredicate(comp *ComparisonNode) (func(*types.Frame) bool, error) {
	want, err := parseBool(comp.Value)
	if err != nil {
		return nil, err
	}
	switch comp.Op {
	case OpEquals:
		return func(f *types.Frame) bool { return (len(f.Outputs) > 0) == want }, nil
	case OpNotEquals:
		return func(f *types.Frame) bool { return (len(f.Outputs) > 0) != want }, nil
	default:
		return nil, fmt.Errorf("output does not support %s operator", comp.Op.String())
	}
}

func (e *Evaluator) compareTime(op ComparisonOp, actual, target time.Time) bool {
	switch op {
	case OpEquals:
		return actual.Year() == target.Year() && actual.Month() == target.Month() && actual.Day() == target.Day()
	case OpNotEquals:
		return !(actual.Year() == target.Year() && actual.Month() == target.Month() && actual.Day() == target.Day())
	case OpLess:
		return actual.Before(target)
	case OpLessEq:
		return actual.Before(target) || actual.Equal(target)
	case OpGreater:
		return actual.After(target)
	case OpGreaterEq:
		return actual.After(target) || actual.Equal(target)
	default:
		return false
	}
}

// parseTimeValue resolves a comparison's value to an absolute time. Duration
// values (7d, 24h) are interpreted as "that long ago" relative to now;
// everything else goes through the layered relative-time parser.
func (e *Evaluator) parseTimeValue(comp *ComparisonNode) (time.Time, error) {
	if comp.ValueType == TokenDuration {
		return e.parseDurationAgo(comp.Value)
	}
	return timeparsing.ParseRelativeTime(comp.Value, e.now)
}

func (e *Evaluator) parseDurationAgo(s string) (time.Time, error) {
	negated := "-" + strings.TrimPrefix(s, "+")
	return timeparsing.ParseCompactDuration(negated, e.now)
}

// Evaluate is a convenience function that parses and evaluates a query
// string against the current time.
func Evaluate(query string) (*QueryResult, error) {
	return EvaluateAt(query, time.Now())
}

// EvaluateAt parses and evaluates a query string against a specific
// reference time.
func EvaluateAt(query string, now time.Time) (*QueryResult, error) {
	node, err := Parse(query)
	if err != nil {
		return nil, err
	}
	return NewEvaluator(now).Evaluate(node)
}
