// Package workflow provides the durable execution context handed to workflow
// functions. Every primitive on Context (activity proxies, sleeps, signal
// waits, child executions, entity mutations) consults the replay journal
// before producing any side effect: a recorded slot short-circuits to its
// recorded outcome, an absent slot commits the effect durably and suspends
// the function by returning fault.ErrSuspended.
//
// Workflow functions must be deterministic outside these primitives. They are
// re-executed from the top on every inbound message for their job, so any
// branching must depend only on arguments and journaled results.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/entity"
	"github.com/memflowio/memflow/fault"
	"github.com/memflowio/memflow/journal"
	"github.com/memflowio/memflow/store"
)

// Func is a registered workflow or hook function. The returned value becomes
// the job result when the function completes without suspending.
type Func func(ctx *Context) (any, error)

type (
	// Info carries the identity of the execution the Context serves.
	Info struct {
		Namespace string
		JobID     string
		Workflow  string
		TaskQueue string
		// Dimension is the dimensional thread this execution runs under:
		// journal.RootDimension for the main body, a minted dimension for
		// hooks.
		Dimension string
		// Attempt is the workflow-level delivery attempt, 1-based.
		Attempt int
		// Entity is the entity type of the job, when indexed.
		Entity string
	}

	// Outbound is a stream publish riding a commit.
	Outbound struct {
		Stream string
		Msg    *api.Message
		Delay  time.Duration
	}

	// Notification is a topic publish riding a commit.
	Notification struct {
		Topic   string
		Payload []byte
	}

	// Commit is one atomic journal transition: the entry claim plus every
	// write that must land with it. The runtime executes all of it in a
	// single store transaction; a lost entry claim aborts the whole commit.
	Commit struct {
		Entry *journal.Entry
		// Set are additional attributes written alongside the entry.
		Set []api.Attr
		// Del are attribute fields removed alongside the entry.
		Del []string
		// StatusDelta adjusts the job status semaphore.
		StatusDelta int64
		Outbound    []Outbound
		Notify      []Notification
	}

	// Runtime is the engine surface Context primitives commit through. The
	// engine implements it over the provider store; tests may substitute a
	// recording fake.
	Runtime interface {
		// Commit applies one journal transition atomically. A contested
		// entry claim returns *fault.CollationError and nothing applies.
		Commit(ctx context.Context, jobID string, c Commit) error

		// ApplyEntityOp mutates the job's entity document, writing the claim
		// attribute in the same atomic step.
		ApplyEntityOp(ctx context.Context, jobID string, op entity.Op, claim store.EntityClaim) (doc, result json.RawMessage, err error)

		// GetEntity loads the job's entity document.
		GetEntity(ctx context.Context, jobID string) (json.RawMessage, error)

		// GetParkedSignal returns a signal payload that arrived before its
		// wait began, if any.
		GetParkedSignal(ctx context.Context, jobID, signalID string) (json.RawMessage, bool, error)

		// JobTaskQueue resolves a job's home task queue so messages for it
		// route to the engines that serve it. Unknown jobs fall back to the
		// caller's task queue.
		JobTaskQueue(ctx context.Context, jobID string) (string, error)
	}

	// Context is the durable execution context. It is not safe for concurrent
	// use; workflow functions run single-threaded per step.
	Context struct {
		ctx    context.Context
		rt     Runtime
		info   Info
		tape   *journal.Tape
		args   []json.RawMessage
		cursor int
	}
)

// NewContext builds the context for one execution step. The tape is the
// replay snapshot loaded from the job's attributes.
func NewContext(ctx context.Context, rt Runtime, info Info, tape *journal.Tape, args []json.RawMessage) *Context {
	return &Context{ctx: ctx, rt: rt, info: info, tape: tape, args: args}
}

// Context returns the step's cancellation context.
func (c *Context) Context() context.Context { return c.ctx }

// Info returns the execution identity.
func (c *Context) Info() Info { return c.info }

// JobID returns the job identifier.
func (c *Context) JobID() string { return c.info.JobID }

// Namespace returns the namespace the job runs in.
func (c *Context) Namespace() string { return c.info.Namespace }

// Workflow returns the registered workflow name.
func (c *Context) Workflow() string { return c.info.Workflow }

// TaskQueue returns the job's home task queue.
func (c *Context) TaskQueue() string { return c.info.TaskQueue }

// Args returns the raw workflow arguments.
func (c *Context) Args() []json.RawMessage { return c.args }

// Arg unmarshals the i-th workflow argument into out.
func (c *Context) Arg(i int, out any) error {
	if i < 0 || i >= len(c.args) {
		return fmt.Errorf("workflow argument %d out of range (%d args)", i, len(c.args))
	}
	return json.Unmarshal(c.args[i], out)
}

// next mints the execution index for the current primitive. Indexes are
// assigned in call order, which is what makes replay line up.
func (c *Context) next() int {
	idx := c.cursor
	c.cursor++
	return idx
}

func (c *Context) lookup(idx int) *journal.Entry {
	return c.tape.Lookup(c.info.Dimension, idx)
}

// newEntry builds a journal entry at the given slot of this dimension.
func (c *Context) newEntry(idx int, kind journal.Kind, state journal.State) *journal.Entry {
	e := &journal.Entry{
		Dimension: c.info.Dimension,
		Index:     idx,
		Kind:      kind,
		State:     state,
		Attempt:   c.info.Attempt,
		CreatedAt: time.Now().UTC(),
	}
	if state != journal.StatePending {
		t := e.CreatedAt
		e.ResolvedAt = &t
	}
	return e
}

// commit writes the entry transition through the runtime and records it on
// the tape. A contested claim means a concurrent delivery of the same step
// already committed this slot; this execution yields and lets that delivery's
// continuation drive, so the collation error maps to suspension.
func (c *Context) commit(cm Commit) error {
	if err := c.rt.Commit(c.ctx, c.info.JobID, cm); err != nil {
		var ce *fault.CollationError
		if errors.As(err, &ce) {
			return fault.ErrSuspended
		}
		return err
	}
	if cm.Entry != nil {
		c.tape.Record(cm.Entry)
	}
	return nil
}

// replay surfaces a recorded entry's outcome at the call site.
func replay(e *journal.Entry, out any) error {
	switch e.State {
	case journal.StateFailed:
		return e.Err.Fault()
	case journal.StateResolved:
		if out != nil && len(e.Result) > 0 {
			return json.Unmarshal(e.Result, out)
		}
		return nil
	default:
		return fault.ErrSuspended
	}
}

// marshalArgs converts call arguments to their wire form. Pre-marshaled
// json.RawMessage values pass through untouched.
func marshalArgs(args []any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(args))
	for i, a := range args {
		if raw, ok := a.(json.RawMessage); ok {
			out[i] = raw
			continue
		}
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = raw
	}
	return out, nil
}
