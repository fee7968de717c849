package job

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var intervalPattern = regexp.MustCompile(`^(\d+)(ms|s|m|h|d)$`)

var intervalUnits = map[string]time.Duration{
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  24 * time.Hour,
}

// ParseInterval accepts an int, int64 or float64 number of milliseconds, a
// time.Duration (returned unchanged), or a string matching
// ^\d+(ms|s|m|h|d)$, and returns the equivalent duration. Anything else
// fails with ErrInvalidInterval.
func ParseInterval(v interface{}) (time.Duration, error) {
	switch n := v.(type) {
	case time.Duration:
		return n, nil
	case int:
		return time.Duration(n) * time.Millisecond, nil
	case int64:
		return time.Duration(n) * time.Millisecond, nil
	case float64:
		return time.Duration(n) * time.Millisecond, nil
	case string:
		matches := intervalPattern.FindStringSubmatch(n)
		if matches == nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidInterval, n)
		}
		amount, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidInterval, n)
		}
		return time.Duration(amount) * intervalUnits[matches[2]], nil
	default:
		return 0, fmt.Errorf("%w: %v", ErrInvalidInterval, v)
	}
}

// FormatInterval is the right inverse of ParseInterval for durations under
// a day, producing the largest whole unit that divides the duration evenly.
func FormatInterval(d time.Duration) string {
	switch {
	case d%(24*time.Hour) == 0 && d >= 24*time.Hour:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d%time.Hour == 0 && d >= time.Hour:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0 && d >= time.Minute:
		return fmt.Sprintf("%dm", d/time.Minute)
	case d%time.Second == 0 && d >= time.Second:
		return fmt.Sprintf("%ds", d/time.Second)
	default:
		return fmt.Sprintf("%dms", d/time.Millisecond)
	}
}
