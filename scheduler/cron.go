package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultFidelity is the floor applied to cron delays: a tick closer than
// this is pushed out so repeated evaluation cannot busy-spin.
const DefaultFidelity = 5 * time.Second

type (
	// Cron is a parsed 5-field cron expression:
	// minute hour day-of-month month day-of-week.
	Cron struct {
		minute fieldSet
		hour   fieldSet
		dom    fieldSet
		month  fieldSet
		dow    fieldSet
		// domStar/dowStar drive the standard OR rule when both day fields
		// are restricted.
		domStar bool
		dowStar bool
	}

	fieldSet [60]bool
)

type fieldSpec struct {
	min, max int
}

var cronFields = []fieldSpec{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day of month
	{1, 12}, // month
	{0, 6},  // day of week, 0 = Sunday
}

// ParseCron parses a 5-field cron expression supporting "*", comma lists,
// ranges ("1-5") and step values ("*/15").
func ParseCron(expr string) (*Cron, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron %q: want 5 fields, got %d", expr, len(fields))
	}
	var sets [5]fieldSet
	for i, f := range fields {
		set, err := parseField(f, cronFields[i])
		if err != nil {
			return nil, fmt.Errorf("cron %q field %d: %w", expr, i+1, err)
		}
		sets[i] = set
	}
	return &Cron{
		minute:  sets[0],
		hour:    sets[1],
		dom:     sets[2],
		month:   sets[3],
		dow:     sets[4],
		domStar: fields[2] == "*",
		dowStar: fields[4] == "*",
	}, nil
}

func parseField(f string, spec fieldSpec) (fieldSet, error) {
	var set fieldSet
	for _, part := range strings.Split(f, ",") {
		step := 1
		if i := strings.IndexByte(part, '/'); i >= 0 {
			s, err := strconv.Atoi(part[i+1:])
			if err != nil || s <= 0 {
				return set, fmt.Errorf("bad step %q", part)
			}
			step = s
			part = part[:i]
		}
		lo, hi := spec.min, spec.max
		switch {
		case part == "*":
			// full range
		case strings.Contains(part, "-"):
			bounds := strings.SplitN(part, "-", 2)
			a, err1 := strconv.Atoi(bounds[0])
			b, err2 := strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil || a > b {
				return set, fmt.Errorf("bad range %q", part)
			}
			lo, hi = a, b
		default:
			n, err := strconv.Atoi(part)
			if err != nil {
				return set, fmt.Errorf("bad value %q", part)
			}
			lo, hi = n, n
		}
		if lo < spec.min || hi > spec.max {
			return set, fmt.Errorf("value out of range [%d,%d]: %q", spec.min, spec.max, part)
		}
		for v := lo; v <= hi; v += step {
			set[v] = true
		}
	}
	return set, nil
}

// matches reports whether t satisfies the expression, applying the standard
// day-of-month/day-of-week OR rule when both are restricted.
func (c *Cron) matches(t time.Time) bool {
	if !c.minute[t.Minute()] || !c.hour[t.Hour()] || !c.month[int(t.Month())] {
		return false
	}
	domOK := c.dom[t.Day()]
	dowOK := c.dow[int(t.Weekday())]
	switch {
	case c.domStar && c.dowStar:
		return true
	case c.domStar:
		return dowOK
	case c.dowStar:
		return domOK
	default:
		return domOK || dowOK
	}
}

// Next returns the first tick strictly after from. The search is bounded to
// five years; expressions with no tick in that window return the zero time.
func (c *Cron) Next(from time.Time) time.Time {
	t := from.Truncate(time.Minute).Add(time.Minute)
	limit := from.AddDate(5, 0, 0)
	for t.Before(limit) {
		if c.matches(t) {
			return t
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}
}

// NextDelay returns the number of seconds until the next tick of expr after
// now, floored at fidelity (DefaultFidelity when zero).
func NextDelay(expr string, now time.Time, fidelity time.Duration) (int64, error) {
	c, err := ParseCron(expr)
	if err != nil {
		return 0, err
	}
	if fidelity <= 0 {
		fidelity = DefaultFidelity
	}
	next := c.Next(now)
	if next.IsZero() {
		return 0, fmt.Errorf("cron %q has no upcoming tick", expr)
	}
	delay := next.Sub(now)
	if delay < fidelity {
		delay = fidelity
	}
	return int64(delay / time.Second), nil
}
