package timeparsing

import (
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// parser is package-global: when.Parser holds only its compiled rule set,
// which is immutable after construction, so one instance serves every call.
var parser = newParser()

func newParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// ParseNaturalLanguage resolves phrases like "tomorrow", "next monday", or
// "in 3 days" relative to now.
func ParseNaturalLanguage(input string, now time.Time) (time.Time, error) {
	if input == "" {
		return time.Time{}, fmt.Errorf("timeparsing: empty natural language expression")
	}
	r, err := parser.Parse(input, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("timeparsing: %q: %w", input, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("timeparsing: %q did not match a natural language expression", input)
	}
	return r.Time, nil
}

// ParseRelativeTime resolves input through four layers in order: compact
// duration, natural language, a bare date (2006-01-02), then RFC3339. The
// first layer that accepts input wins.
func ParseRelativeTime(input string, now time.Time) (time.Time, error) {
	if IsCompactDuration(input) {
		return ParseCompactDuration(input, now)
	}
	if t, err := ParseNaturalLanguage(input, now); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", input, now.Location()); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, input); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("timeparsing: %q did not match any known time expression", input)
}
