package fault

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestConstructorsAndCodes(t *testing.T) {
	if f := New("boom"); f.Code != CodeTransient || f.Error() != "boom" {
		t.Fatalf("New = %+v", f)
	}
	if f := Errorf("x %d", 7); f.Message != "x 7" {
		t.Fatalf("Errorf = %+v", f)
	}
	if f := Fatal("no"); !IsFatal(f) || f.Retryable() {
		t.Fatalf("Fatal = %+v", f)
	}
	if f := Interrupted("Hj"); !IsInterrupt(f) || f.JobID != "Hj" {
		t.Fatalf("Interrupted = %+v", f)
	}
	if f := Timeout("Hj"); !IsTimeout(f) {
		t.Fatalf("Timeout = %+v", f)
	}
}

func TestMaxedCarriesCause(t *testing.T) {
	last := New("flaky connection")
	f := Maxed("", last)
	if !IsMaxed(f) {
		t.Fatalf("Maxed = %+v", f)
	}
	if f.Message != "flaky connection" {
		t.Fatalf("Maxed should take the cause's message, got %q", f.Message)
	}
	if !errors.Is(f, last) {
		t.Fatal("Maxed should wrap the last error")
	}
}

func TestFromError(t *testing.T) {
	f := Fatal("stop")
	if got := FromError(fmt.Errorf("wrapped: %w", f)); got != f {
		t.Fatalf("FromError should unwrap to the existing fault, got %+v", got)
	}
	plain := errors.New("plain")
	got := FromError(plain)
	if got.Code != CodeTransient || !errors.Is(got, plain) {
		t.Fatalf("FromError(plain) = %+v", got)
	}
	if FromError(nil) != nil {
		t.Fatal("FromError(nil) should be nil")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	f := &Fault{Code: CodeMaxedOut, Message: "gave up", JobID: "Hj", Stack: "s1\ns2"}
	raw, err := json.Marshal(f.Envelope())
	if err != nil {
		t.Fatal(err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatal(err)
	}
	back := env.Fault()
	if back.Code != f.Code || back.Message != f.Message || back.JobID != f.JobID || back.Stack != f.Stack {
		t.Fatalf("round trip = %+v", back)
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(errors.New("anything")) {
		t.Fatal("plain errors are transient")
	}
	if Retryable(nil) {
		t.Fatal("nil is not retryable")
	}
	if Retryable(Fatal("no")) || Retryable(Maxed("done", nil)) {
		t.Fatal("fatal and maxed do not retry")
	}
	if !Retryable(New("try again")) {
		t.Fatal("transient faults retry")
	}
}

func TestSuppressed(t *testing.T) {
	suppressed := []error{
		&CollationError{Fault: "duplicate", JobID: "Hj", Dimension: "0", Index: 2},
		&GenerationalError{JobID: "Hj", Dimension: "1"},
		&GetStateError{JobID: "Hj"},
		&InactiveJobError{JobID: "Hj", Status: 0},
		fmt.Errorf("wrapped: %w", &CollationError{Fault: "missing"}),
	}
	for _, err := range suppressed {
		if !Suppressed(err) {
			t.Errorf("Suppressed(%v) = false", err)
		}
	}
	if Suppressed(New("boom")) || Suppressed(nil) {
		t.Fatal("faults and nil are not suppressed")
	}
}

func TestSuspensionSentinel(t *testing.T) {
	if !IsSuspension(fmt.Errorf("bubbled: %w", ErrSuspended)) {
		t.Fatal("wrapped suspension not detected")
	}
	if IsSuspension(New("boom")) {
		t.Fatal("faults are not suspensions")
	}
}
