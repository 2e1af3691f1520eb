package schema

import (
	"strconv"
	"strings"
	"time"
)

// ParseDuration accepts Go durations ("90m", "2h30m") plus whole or
// fractional day counts ("1d", "1.5d"). Empty input is zero. Negative
// durations are rejected.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	var d time.Duration
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.ParseFloat(days, 64)
		if err != nil {
			return 0, NewErrorf(ErrCodeDefinition, "invalid duration %q", s).WithCause(err)
		}
		d = time.Duration(n * float64(24*time.Hour))
	} else {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return 0, NewErrorf(ErrCodeDefinition, "invalid duration %q", s).WithCause(err)
		}
		d = parsed
	}

	if d < 0 {
		return 0, NewErrorf(ErrCodeDefinition, "negative duration %q", s)
	}
	return d, nil
}
