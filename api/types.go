// Package api defines the shared types that cross the engine/worker stream
// boundary: job state, stream messages and their typed payloads, journal
// entry kinds, and the retry policy carried on activity calls.
//
// Everything here is wire-stable JSON. Payload structs are versionless by
// design: fields are only ever added, and absent fields keep their zero
// values on decode.
package api

import (
	"encoding/json"
	"math"
	"time"

	"github.com/memflowio/memflow/fault"
)

// Job status semaphore values. The status field counts open execution legs:
// every leg-1 commit increments it and every leg-2 completion decrements it.
// Zero means the job ran to completion; values at or below
// StatusInterruptedFloor mean the job was interrupted.
const (
	StatusCompleted        int64 = 0
	StatusInterruptedFloor int64 = -1_000_000
	StatusInterrupted      int64 = -1_000_000_000
)

// IsActive reports whether a job with the given status accepts transitions.
func IsActive(status int64) bool {
	return status > StatusCompleted
}

// IsInterrupted reports whether the status encodes an interrupt.
func IsInterrupted(status int64) bool {
	return status <= StatusInterruptedFloor
}

// FieldType classifies job attributes for retention. jdata, udata and jmark
// survive attribute stripping; the rest may be reclaimed once the job
// completes.
type FieldType string

const (
	FieldJData  FieldType = "jdata" // workflow return value
	FieldUData  FieldType = "udata" // user/searchable entity data
	FieldJMark  FieldType = "jmark" // timeline markers
	FieldHMark  FieldType = "hmark" // activity/hook replay state
	FieldAData  FieldType = "adata" // per-activity scratch (attempt counters)
	FieldStatus FieldType = "status"
	FieldOther  FieldType = "other"
)

type (
	// Job is one workflow execution instance.
	Job struct {
		ID        string `json:"id"`
		Namespace string `json:"namespace"`
		// Entity is the optional entity type used for indexed search.
		Entity    string     `json:"entity,omitempty"`
		Status    int64      `json:"status"`
		ExpireAt  *time.Time `json:"expire_at,omitempty"`
		PrunedAt  *time.Time `json:"pruned_at,omitempty"`
		CreatedAt time.Time  `json:"created_at"`
		UpdatedAt time.Time  `json:"updated_at"`
	}

	// Attr is one (field, value) pair of a job's attribute multimap.
	Attr struct {
		Field string    `json:"field"`
		Value string    `json:"value"`
		Type  FieldType `json:"type"`
	}

	// RetryPolicy controls activity and workflow retry behavior. Zero-valued
	// fields fall back to the defaults (3 attempts, coefficient 2, 120s cap).
	RetryPolicy struct {
		MaximumAttempts    int     `json:"maximum_attempts,omitempty"`
		BackoffCoefficient float64 `json:"backoff_coefficient,omitempty"`
		// MaximumIntervalSecs caps the computed backoff delay in seconds.
		MaximumIntervalSecs int64 `json:"maximum_interval,omitempty"`
	}
)

// Default retry policy values applied when fields are zero.
const (
	DefaultMaximumAttempts    = 3
	DefaultBackoffCoefficient = 2.0
	DefaultMaximumInterval    = 120 * time.Second
	defaultBackoffBase        = time.Second
)

// WithDefaults returns the policy with zero fields replaced by defaults.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	if p.MaximumAttempts <= 0 {
		p.MaximumAttempts = DefaultMaximumAttempts
	}
	if p.BackoffCoefficient < 1 {
		p.BackoffCoefficient = DefaultBackoffCoefficient
	}
	if p.MaximumIntervalSecs <= 0 {
		p.MaximumIntervalSecs = int64(DefaultMaximumInterval / time.Second)
	}
	return p
}

// Delay returns the backoff delay before the given retry attempt (1-based):
// min(maximumInterval, base * coefficient^attempt).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.WithDefaults()
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(float64(defaultBackoffBase) * math.Pow(p.BackoffCoefficient, float64(attempt)))
	if maxD := time.Duration(p.MaximumIntervalSecs) * time.Second; d > maxD || d < 0 {
		d = maxD
	}
	return d
}

// Exhausted reports whether the given attempt count has consumed the policy.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.WithDefaults().MaximumAttempts
}

// Group selects the consumer role of a stream.
type Group string

const (
	GroupEngine Group = "ENGINE"
	GroupWorker Group = "WORKER"
)

// MessageType discriminates stream message payloads.
type MessageType string

const (
	MessageStart          MessageType = "start"
	MessageActivity       MessageType = "activity"
	MessageActivityResult MessageType = "activityresult"
	MessageSignal         MessageType = "signal"
	MessageTimer          MessageType = "timer"
	MessageInterrupt      MessageType = "interrupt"
	MessageHook           MessageType = "hook"
	MessageChildResult    MessageType = "childresult"
	MessageCall           MessageType = "call"
	MessageCallResult     MessageType = "callresult"
)

type (
	// Message is the unit carried on streams between engines and workers.
	// ID is assigned by the bus on publish; Attempt counts deliveries of
	// retryable payloads.
	Message struct {
		ID      string          `json:"id,omitempty"`
		Type    MessageType     `json:"type"`
		JobID   string          `json:"job_id,omitempty"`
		Attempt int             `json:"attempt,omitempty"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	// StartPayload launches a workflow execution.
	StartPayload struct {
		Namespace string            `json:"namespace"`
		Workflow  string            `json:"workflow"`
		TaskQueue string            `json:"task_queue"`
		JobID     string            `json:"job_id"`
		Args      []json.RawMessage `json:"args,omitempty"`
		// Entity optionally names the entity type for indexing and seeds the
		// entity document from the first argument when set.
		Entity string `json:"entity,omitempty"`
		// ExpireSecs sets the retention window after completion, in seconds.
		// Zero means the provider default.
		ExpireSecs int64 `json:"expire,omitempty"`
		// SignalIn, when false, disables inbound signal delivery for the job.
		SignalIn *bool             `json:"signal_in,omitempty"`
		Search   map[string]string `json:"search,omitempty"`
		Policy   RetryPolicy       `json:"config,omitempty"`

		// Parent linkage, set when the start originates from ExecChild.
		ParentJobID     string `json:"parent_job_id,omitempty"`
		ParentDimension string `json:"parent_dimension,omitempty"`
		ParentIndex     int    `json:"parent_index,omitempty"`
		// ParentAwaits is false for StartChild (fire-and-record): the child
		// does not report its result back to the parent.
		ParentAwaits bool `json:"parent_awaits,omitempty"`
	}

	// ActivityPayload requests one activity execution on a worker.
	ActivityPayload struct {
		Namespace string            `json:"namespace"`
		JobID     string            `json:"job_id"`
		Workflow  string            `json:"workflow"`
		Activity  string            `json:"activity"`
		Dimension string            `json:"dimension"`
		Index     int               `json:"index"`
		Args      []json.RawMessage `json:"args,omitempty"`
		TaskQueue string            `json:"task_queue"`
		Policy    RetryPolicy       `json:"policy,omitempty"`
		// Attempt is the workflow-level attempt that journaled the slot; the
		// worker echoes it on the result so stale generations are detectable.
		Attempt int `json:"attempt,omitempty"`
	}

	// ActivityResultPayload reports an activity outcome to the owning engine.
	ActivityResultPayload struct {
		JobID     string          `json:"job_id"`
		Dimension string          `json:"dimension"`
		Index     int             `json:"index"`
		Output    json.RawMessage `json:"output,omitempty"`
		Err       *fault.Envelope `json:"error,omitempty"`
		// Attempt is the dispatch's workflow-level attempt, echoed back.
		Attempt int `json:"attempt,omitempty"`
	}

	// SignalPayload delivers a named signal to a job.
	SignalPayload struct {
		JobID    string          `json:"job_id"`
		SignalID string          `json:"signal_id"`
		Data     json.RawMessage `json:"data,omitempty"`
	}

	// TimerPayload resumes a sleeping or waiting execution leg once its
	// deadline passes.
	TimerPayload struct {
		JobID     string `json:"job_id"`
		Dimension string `json:"dimension"`
		Index     int    `json:"index"`
		// Timeout marks the timer as a wait-for timeout rather than a sleep.
		Timeout bool `json:"timeout,omitempty"`
		// Attempt is the workflow-level attempt that journaled the slot.
		Attempt int `json:"attempt,omitempty"`
	}

	// InterruptPayload forces a job to the interrupted terminal status.
	InterruptPayload struct {
		JobID string `json:"job_id"`
		// Descend cascades the interrupt to all child jobs.
		Descend bool `json:"descend,omitempty"`
		// ExpireSecs overrides the retention window for the interrupted job.
		ExpireSecs int64 `json:"expire,omitempty"`
		// Throw controls whether result subscribers observe code 410 (true)
		// or a nil result (false). Defaults to true.
		Throw *bool `json:"throw,omitempty"`
	}

	// HookPayload runs a hook function inside an existing job's context.
	HookPayload struct {
		JobID string `json:"job_id"`
		// HookID makes hook dispatch idempotent across redeliveries.
		HookID    string            `json:"hook_id"`
		Workflow  string            `json:"workflow"`
		TaskQueue string            `json:"task_queue"`
		Args      []json.RawMessage `json:"args,omitempty"`
	}

	// ChildResultPayload reports a child workflow's terminal outcome to the
	// parent engine stream.
	ChildResultPayload struct {
		ParentJobID string          `json:"parent_job_id"`
		Dimension   string          `json:"dimension"`
		Index       int             `json:"index"`
		ChildJobID  string          `json:"child_job_id"`
		Output      json.RawMessage `json:"output,omitempty"`
		Err         *fault.Envelope `json:"error,omitempty"`
	}

	// CallPayload is a one-off worker invocation outside any workflow
	// (fire-and-wait). ReplyTopic names the notification topic the caller
	// subscribes to.
	CallPayload struct {
		Namespace  string            `json:"namespace"`
		Activity   string            `json:"activity"`
		Args       []json.RawMessage `json:"args,omitempty"`
		ReplyTopic string            `json:"reply_topic"`
	}

	// JobEvent is published on a job's notification topic. Result
	// subscribers consume "done", "error" and "interrupted"; user code can
	// emit custom events via workflow.Emit.
	JobEvent struct {
		Type   string          `json:"type"`
		JobID  string          `json:"job_id"`
		Status int64           `json:"js"`
		Data   json.RawMessage `json:"data,omitempty"`
		Err    *fault.Envelope `json:"error,omitempty"`
		// Throw is false when an interrupt requested silent completion.
		Throw bool `json:"throw"`
	}
)

// Job event types.
const (
	EventDone        = "done"
	EventError       = "error"
	EventInterrupted = "interrupted"
	EventEmit        = "emit"
)

// NewMessage marshals payload and wraps it in a Message of the given type.
func NewMessage(t MessageType, jobID string, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: t, JobID: jobID, Payload: raw}, nil
}

// DecodePayload unmarshals the message payload into out.
func (m *Message) DecodePayload(out any) error {
	return json.Unmarshal(m.Payload, out)
}
