package scheduler

import (
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"2 seconds", 2 * time.Second},
		{"1 minute", time.Minute},
		{"24 hours", 24 * time.Hour},
		{"30 days", 30 * 24 * time.Hour},
		{"2 weeks", 14 * 24 * time.Hour},
		{"90", 90 * time.Second},
		{"1.5 minutes", 90 * time.Second},
		{"2s", 2 * time.Second},
		{"10m", 10 * time.Minute},
		{"  1 Hour ", time.Hour},
		{"infinity", Infinite},
		{"INFINITE", Infinite},
	}
	for _, c := range cases {
		got, err := ParseDuration(c.in)
		if err != nil {
			t.Errorf("ParseDuration(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseDurationErrors(t *testing.T) {
	for _, in := range []string{"", "fast", "1 fortnight", "-2 seconds", "1 2 3"} {
		if _, err := ParseDuration(in); err == nil {
			t.Errorf("ParseDuration(%q) should fail", in)
		}
	}
}

func TestCronNext(t *testing.T) {
	// Wednesday 2026-01-07 10:30 UTC.
	from := time.Date(2026, 1, 7, 10, 30, 0, 0, time.UTC)

	c, err := ParseCron("*/15 * * * *")
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Next(from); !got.Equal(time.Date(2026, 1, 7, 10, 45, 0, 0, time.UTC)) {
		t.Fatalf("next quarter tick = %v", got)
	}

	c, err = ParseCron("0 9 * * 1")
	if err != nil {
		t.Fatal(err)
	}
	// Next Monday 09:00.
	if got := c.Next(from); !got.Equal(time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("next monday tick = %v", got)
	}
}

func TestCronDayFieldsORWhenBothRestricted(t *testing.T) {
	// 15th of the month OR Friday.
	c, err := ParseCron("0 0 15 * 5")
	if err != nil {
		t.Fatal(err)
	}
	from := time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC) // Monday the 12th
	// Friday the 16th comes after the 15th, so the dom match wins.
	if got := c.Next(from); got.Day() != 15 {
		t.Fatalf("expected dom match on the 15th, got %v", got)
	}
	from = time.Date(2026, 1, 16, 1, 0, 0, 0, time.UTC)
	// Next match is Friday the 23rd, before the 15th of February.
	if got := c.Next(from); !(got.Day() == 23 && got.Weekday() == time.Friday) {
		t.Fatalf("expected dow match on Friday the 23rd, got %v", got)
	}
}

func TestParseCronErrors(t *testing.T) {
	for _, expr := range []string{"", "* * * *", "61 * * * *", "* 25 * * *", "*/0 * * * *", "5-1 * * * *"} {
		if _, err := ParseCron(expr); err == nil {
			t.Errorf("ParseCron(%q) should fail", expr)
		}
	}
}

func TestNextDelayFidelityFloor(t *testing.T) {
	now := time.Date(2026, 1, 7, 10, 0, 58, 0, time.UTC)
	// Next minute tick is 2 seconds out; the default floor pushes it to 5.
	secs, err := NextDelay("* * * * *", now, 0)
	if err != nil {
		t.Fatal(err)
	}
	if secs != 5 {
		t.Fatalf("NextDelay = %d, want 5", secs)
	}
	secs, err = NextDelay("* * * * *", now, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if secs != 2 {
		t.Fatalf("NextDelay with 1s fidelity = %d, want 2", secs)
	}
}
