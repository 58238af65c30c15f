// Package scheduler provides the timing helpers behind durable sleeps and
// signal waits: human duration strings, 5-field cron expressions, and the
// delay computation used when the engine schedules resumption messages.
//
// Both parsers are implemented inline on purpose: the wire formats are fixed
// contracts shared with non-Go peers and must not drift with a library's
// extensions (seconds fields, @descriptors, month names).
package scheduler

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Infinite is returned by ParseDuration for the "infinity" form. Callers
// treat it as an unbounded retention or wait window.
const Infinite = time.Duration(math.MaxInt64)

var unitSeconds = map[string]int64{
	"s": 1, "sec": 1, "secs": 1, "second": 1, "seconds": 1,
	"m": 60, "min": 60, "mins": 60, "minute": 60, "minutes": 60,
	"h": 3600, "hr": 3600, "hrs": 3600, "hour": 3600, "hours": 3600,
	"d": 86400, "day": 86400, "days": 86400,
	"w": 604800, "week": 604800, "weeks": 604800,
}

// ParseDuration converts a human duration string ("2 seconds", "1 minute",
// "24 hours", "30 days") to a duration with second granularity. A bare
// number is seconds. "infinity" and "infinite" return Infinite.
func ParseDuration(s string) (time.Duration, error) {
	trimmed := strings.TrimSpace(strings.ToLower(s))
	if trimmed == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if trimmed == "infinity" || trimmed == "infinite" {
		return Infinite, nil
	}
	fields := strings.Fields(trimmed)
	var num, unit string
	switch len(fields) {
	case 1:
		// Either a bare number of seconds or a glued form like "2s".
		f := fields[0]
		split := len(f)
		for i, r := range f {
			if r != '.' && (r < '0' || r > '9') {
				split = i
				break
			}
		}
		num, unit = f[:split], f[split:]
		if unit == "" {
			unit = "s"
		}
	case 2:
		num, unit = fields[0], fields[1]
	default:
		return 0, fmt.Errorf("malformed duration %q", s)
	}
	secsPerUnit, ok := unitSeconds[unit]
	if !ok {
		return 0, fmt.Errorf("unknown duration unit %q", unit)
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("malformed duration %q", s)
	}
	secs := int64(math.Round(n * float64(secsPerUnit)))
	return time.Duration(secs) * time.Second, nil
}
