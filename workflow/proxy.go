package workflow

import (
	"encoding/json"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/fault"
	"github.com/memflowio/memflow/journal"
	"github.com/memflowio/memflow/keys"
)

type (
	// ActivityOptions configures an activity proxy. The zero value targets
	// the job's own task queue with the default retry policy.
	ActivityOptions struct {
		// TaskQueue routes the activity to a different worker pool.
		TaskQueue string
		Policy    api.RetryPolicy
	}

	// Proxy dispatches activities to workers with durable, exactly-once
	// semantics. Exec suspends until the result lands; ExecAsync returns a
	// Future for fan-out.
	Proxy struct {
		c    *Context
		opts ActivityOptions
	}

	// Future is the handle of an in-flight durable call bound to one journal
	// slot. It is only valid within the execution step that created it.
	Future struct {
		c         *Context
		dimension string
		index     int
	}

	// activityInput is the journaled record of an activity dispatch.
	activityInput struct {
		Activity string            `json:"activity"`
		Args     []json.RawMessage `json:"args,omitempty"`
	}
)

// Proxy returns an activity proxy for this execution.
func (c *Context) Proxy(opts ActivityOptions) *Proxy {
	if opts.TaskQueue == "" {
		opts.TaskQueue = c.info.TaskQueue
	}
	return &Proxy{c: c, opts: opts}
}

// Exec runs the named activity and unmarshals its output into out. The first
// call commits the dispatch and suspends; the call resolves on replay once
// the worker's result has been journaled.
func (p *Proxy) Exec(activity string, out any, args ...any) error {
	f, err := p.ExecAsync(activity, args...)
	if err != nil {
		return err
	}
	return f.Get(out)
}

// ExecAsync dispatches the activity without waiting. Combine the returned
// Future with All to fan out calls inside one step.
func (p *Proxy) ExecAsync(activity string, args ...any) (*Future, error) {
	c := p.c
	idx := c.next()
	f := &Future{c: c, dimension: c.info.Dimension, index: idx}
	if c.lookup(idx) != nil {
		return f, nil
	}

	raws, err := marshalArgs(args)
	if err != nil {
		return nil, err
	}
	payload := api.ActivityPayload{
		Namespace: c.info.Namespace,
		JobID:     c.info.JobID,
		Workflow:  c.info.Workflow,
		Activity:  activity,
		Dimension: c.info.Dimension,
		Index:     idx,
		Args:      raws,
		TaskQueue: p.opts.TaskQueue,
		Policy:    p.opts.Policy,
		Attempt:   c.info.Attempt,
	}
	msg, err := api.NewMessage(api.MessageActivity, c.info.JobID, payload)
	if err != nil {
		return nil, err
	}

	e := c.newEntry(idx, journal.KindActivity, journal.StatePending)
	e.Input, err = json.Marshal(activityInput{Activity: activity, Args: raws})
	if err != nil {
		return nil, err
	}
	err = c.commit(Commit{
		Entry:       e,
		StatusDelta: 1,
		Outbound: []Outbound{{
			Stream: keys.WorkerStream(c.info.Namespace, p.opts.TaskQueue),
			Msg:    msg,
		}},
	})
	if err != nil && !fault.IsSuspension(err) {
		return nil, err
	}
	return f, nil
}

// Ready reports whether the future's slot holds a final outcome.
func (f *Future) Ready() bool {
	e := f.c.tape.Lookup(f.dimension, f.index)
	return e != nil && e.Resolved()
}

// Get surfaces the future's outcome, unmarshaling a successful result into
// out. Unresolved futures suspend the workflow.
func (f *Future) Get(out any) error {
	e := f.c.tape.Lookup(f.dimension, f.index)
	if e == nil || !e.Resolved() {
		return fault.ErrSuspended
	}
	return replay(e, out)
}

// All is the join barrier over a set of futures: it suspends until every
// future has resolved, then returns the first recorded failure, if any.
func All(futures ...*Future) error {
	for _, f := range futures {
		if !f.Ready() {
			return fault.ErrSuspended
		}
	}
	for _, f := range futures {
		if err := f.Get(nil); err != nil {
			return err
		}
	}
	return nil
}
