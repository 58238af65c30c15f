// Package fault provides the structured error taxonomy for the MemFlow
// runtime. Faults preserve error codes and causal context while implementing
// the standard error interface, so callers can branch with errors.Is/As and
// the engine can serialize failures across stream boundaries.
//
// The taxonomy mirrors the runtime's handling policy:
//
//   - Transient faults are retried by the stream layer and count against the
//     activity or workflow retry policy.
//   - Fatal (598) halts retries and surfaces verbatim to the caller.
//   - MaxedOut (597) reports retry exhaustion, carrying the last error.
//   - Interrupt (410) reports an externally interrupted job.
//   - Timeout (504) reports a result subscription that gave up waiting.
//   - Collation, Generational, InactiveJob and GetState faults are internal
//     and suppressed: they are the normal by-product of at-least-once
//     redelivery and replay.
package fault

import (
	"errors"
	"fmt"
)

// Error codes surfaced to result subscribers. Codes in the 59x range follow
// the original wire protocol and are shared with non-Go peers.
const (
	CodeInterrupt = 410
	CodeTimeout   = 504
	CodeMaxedOut  = 597
	CodeFatal     = 598
	CodeTransient = 599
)

// ErrSuspended is the suspension sentinel. Durable primitives return it when
// they have durably committed their first leg and the workflow must yield
// until an external event resolves the pending journal entry. Workflow code
// propagates it like any other error; the engine recognizes it and parks the
// job instead of failing it.
var ErrSuspended = errors.New("memflow: workflow suspended")

// IsSuspension reports whether err unwinds from a suspension point.
func IsSuspension(err error) bool {
	return errors.Is(err, ErrSuspended)
}

type (
	// Fault is a structured runtime failure with a wire code. It may wrap an
	// underlying cause, enabling error chains with errors.Is/As that survive
	// JSON serialization via Envelope.
	Fault struct {
		// Code is the wire error code (410, 597, 598, 599).
		Code int
		// Message is the human-readable summary of the failure.
		Message string
		// JobID identifies the job the failure belongs to, when known.
		JobID string
		// Stack carries the failure call stack when the producer captured one.
		Stack string
		// Cause links to the underlying error.
		Cause error
	}

	// Envelope is the serializable form of a Fault, used inside stream
	// messages and journal entries.
	Envelope struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		JobID   string `json:"job_id,omitempty"`
		Stack   string `json:"stack,omitempty"`
	}

	// CollationError flags an execution-index claim that was already taken.
	// This is the expected outcome of redelivered stream messages and is
	// silently ignored by the engine.
	CollationError struct {
		// Fault names the collation failure mode ("duplicate" or "missing").
		Fault string
		// JobID, Dimension and Index locate the contested journal slot.
		JobID     string
		Dimension string
		Index     int
	}

	// GenerationalError flags a message minted for an older dimension than
	// the one currently active. Also silently ignored.
	GenerationalError struct {
		JobID     string
		Dimension string
	}

	// GetStateError indicates the job row is absent from the store.
	GetStateError struct {
		JobID string
	}

	// InactiveJobError indicates the job status marks it completed or
	// interrupted, so no further transitions are allowed.
	InactiveJobError struct {
		JobID  string
		Status int64
	}
)

// New constructs a transient Fault with the provided message.
func New(message string) *Fault {
	return &Fault{Code: CodeTransient, Message: message}
}

// Errorf formats a transient Fault.
func Errorf(format string, args ...any) *Fault {
	return New(fmt.Sprintf(format, args...))
}

// Fatal constructs a Fault with code 598 that bypasses all retries.
func Fatal(message string) *Fault {
	return &Fault{Code: CodeFatal, Message: message}
}

// Maxed constructs a Fault with code 597 reporting retry exhaustion. The last
// observed error becomes the cause and supplies the message when non-nil.
func Maxed(message string, last error) *Fault {
	if message == "" && last != nil {
		message = last.Error()
	}
	return &Fault{Code: CodeMaxedOut, Message: message, Cause: last}
}

// Interrupted constructs a Fault with code 410 for job jobID.
func Interrupted(jobID string) *Fault {
	return &Fault{Code: CodeInterrupt, Message: "job interrupted", JobID: jobID}
}

// Timeout constructs a Fault with code 504. It does not cancel the workflow;
// it only reports that the subscriber stopped waiting.
func Timeout(jobID string) *Fault {
	return &Fault{Code: CodeTimeout, Message: "timed out waiting for result", JobID: jobID}
}

// FromError converts an arbitrary error into a Fault. Existing Faults pass
// through unchanged; anything else becomes transient.
func FromError(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{Code: CodeTransient, Message: err.Error(), Cause: err}
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f == nil {
		return ""
	}
	return f.Message
}

// Unwrap returns the underlying cause to support errors.Is/As.
func (f *Fault) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Cause
}

// Retryable reports whether the fault participates in retry accounting.
func (f *Fault) Retryable() bool {
	return f == nil || f.Code == CodeTransient
}

// Envelope returns the serializable form of the fault.
func (f *Fault) Envelope() *Envelope {
	if f == nil {
		return nil
	}
	return &Envelope{Code: f.Code, Message: f.Message, JobID: f.JobID, Stack: f.Stack}
}

// Fault reconstructs a Fault from its serialized form.
func (e *Envelope) Fault() *Fault {
	if e == nil {
		return nil
	}
	return &Fault{Code: e.Code, Message: e.Message, JobID: e.JobID, Stack: e.Stack}
}

// IsFatal reports whether err carries the fatal code 598.
func IsFatal(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Code == CodeFatal
}

// IsMaxed reports whether err carries the exhaustion code 597.
func IsMaxed(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Code == CodeMaxedOut
}

// IsInterrupt reports whether err carries the interrupt code 410.
func IsInterrupt(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Code == CodeInterrupt
}

// IsTimeout reports whether err carries the timeout code 504.
func IsTimeout(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Code == CodeTimeout
}

// Retryable reports whether err should be retried. Non-fault errors are
// considered transient; nil is not retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Retryable()
	}
	return true
}

func (e *CollationError) Error() string {
	return fmt.Sprintf("collation %s for job %q at %s/%d", e.Fault, e.JobID, e.Dimension, e.Index)
}

func (e *GenerationalError) Error() string {
	return fmt.Sprintf("stale dimension %q for job %q", e.Dimension, e.JobID)
}

func (e *GetStateError) Error() string {
	return fmt.Sprintf("no state for job %q", e.JobID)
}

func (e *InactiveJobError) Error() string {
	return fmt.Sprintf("job %q is inactive (status %d)", e.JobID, e.Status)
}

// Suppressed reports whether err belongs to the silently ignored portion of
// the taxonomy: collation duplicates, generational staleness, vanished jobs
// and inactive jobs. Handlers drop these without surfacing them.
func Suppressed(err error) bool {
	var (
		ce *CollationError
		ge *GenerationalError
		se *GetStateError
		ie *InactiveJobError
	)
	return errors.As(err, &ce) || errors.As(err, &ge) || errors.As(err, &se) || errors.As(err, &ie)
}
