// Package timeparsing resolves the time expressions accepted by
// search_frames's time category: compact durations, natural language, plain
// dates, and RFC3339 timestamps, tried in that order.
package timeparsing

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var compactDurationPattern = regexp.MustCompile(`^([+-]?)(\d+)([hdwmy])$`)

// IsCompactDuration reports whether input matches the compact duration
// grammar (sign?)(digits)(unit), unit one of h/d/w/m/y.
func IsCompactDuration(input string) bool {
	return compactDurationPattern.MatchString(input)
}

// ParseCompactDuration resolves a compact duration like "+6h", "-2w", or the
// unsigned "3m" (treated as positive) relative to now. Month and year units
// use calendar arithmetic via time.AddDate, so they carry its end-of-month
// overflow behavior.
func ParseCompactDuration(input string, now time.Time) (time.Time, error) {
	m := compactDurationPattern.FindStringSubmatch(input)
	if m == nil {
		return time.Time{}, fmt.Errorf("timeparsing: %q is not a compact duration", input)
	}

	amount, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("timeparsing: %q has an invalid amount: %w", input, err)
	}
	if m[1] == "-" {
		amount = -amount
	}

	switch m[3] {
	case "h":
		return now.Add(time.Duration(amount) * time.Hour), nil
	case "d":
		return now.AddDate(0, 0, amount), nil
	case "w":
		return now.AddDate(0, 0, amount*7), nil
	case "m":
		return now.AddDate(0, amount, 0), nil
	case "y":
		return now.AddDate(amount, 0, 0), nil
	default:
		return time.Time{}, fmt.Errorf("timeparsing: %q has an unknown unit %q", input, m[3])
	}
}
