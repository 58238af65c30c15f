package workflow

import (
	"encoding/json"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/fault"
	"github.com/memflowio/memflow/guid"
	"github.com/memflowio/memflow/journal"
	"github.com/memflowio/memflow/keys"
)

type (
	// ChildOptions configures a child workflow execution. Workflow is
	// required; everything else defaults to the parent's settings.
	ChildOptions struct {
		Workflow  string
		TaskQueue string
		// JobID pins the child's identifier; empty mints one. The minted ID
		// is journaled, so replays address the same child.
		JobID      string
		Entity     string
		ExpireSecs int64
		Policy     api.RetryPolicy
		Search     map[string]string
		SignalIn   *bool
	}

	childInput struct {
		ChildID  string            `json:"child_id"`
		Workflow string            `json:"workflow"`
		Args     []json.RawMessage `json:"args,omitempty"`
	}
)

// ExecChild runs a child workflow to completion, unmarshaling its result into
// out. The parent suspends until the child's terminal event lands.
func (c *Context) ExecChild(opts ChildOptions, out any, args ...any) error {
	f, _, err := c.execChild(opts, true, args)
	if err != nil {
		return err
	}
	return f.Get(out)
}

// ExecChildAsync launches a child workflow and returns a Future plus the
// child's job ID. Combine with All for child fan-out.
func (c *Context) ExecChildAsync(opts ChildOptions, args ...any) (*Future, string, error) {
	return c.execChild(opts, true, args)
}

// StartChild launches a child workflow without awaiting its result and
// returns the child's job ID. The child still appears in the parent's child
// links, so cascading interrupts reach it.
func (c *Context) StartChild(opts ChildOptions, args ...any) (string, error) {
	_, childID, err := c.execChild(opts, false, args)
	return childID, err
}

func (c *Context) execChild(opts ChildOptions, await bool, args []any) (*Future, string, error) {
	idx := c.next()
	f := &Future{c: c, dimension: c.info.Dimension, index: idx}
	if e := c.lookup(idx); e != nil {
		var in childInput
		if err := json.Unmarshal(e.Input, &in); err != nil {
			return nil, "", err
		}
		return f, in.ChildID, nil
	}

	raws, err := marshalArgs(args)
	if err != nil {
		return nil, "", err
	}
	childID := opts.JobID
	if childID == "" {
		childID = guid.New()
	}
	taskQueue := opts.TaskQueue
	if taskQueue == "" {
		taskQueue = c.info.TaskQueue
	}

	payload := api.StartPayload{
		Namespace:  c.info.Namespace,
		Workflow:   opts.Workflow,
		TaskQueue:  taskQueue,
		JobID:      childID,
		Args:       raws,
		Entity:     opts.Entity,
		ExpireSecs: opts.ExpireSecs,
		SignalIn:   opts.SignalIn,
		Search:     opts.Search,
		Policy:     opts.Policy,

		ParentJobID:     c.info.JobID,
		ParentDimension: c.info.Dimension,
		ParentIndex:     idx,
		ParentAwaits:    await,
	}
	msg, err := api.NewMessage(api.MessageStart, childID, payload)
	if err != nil {
		return nil, "", err
	}

	kind := journal.KindChildExec
	state := journal.StatePending
	delta := int64(1)
	if !await {
		// Fire-and-record: the slot resolves immediately with the child ID.
		kind = journal.KindChildStart
		state = journal.StateResolved
		delta = 0
	}
	e := c.newEntry(idx, kind, state)
	if e.Input, err = json.Marshal(childInput{ChildID: childID, Workflow: opts.Workflow, Args: raws}); err != nil {
		return nil, "", err
	}
	if !await {
		if e.Result, err = json.Marshal(childID); err != nil {
			return nil, "", err
		}
	}

	err = c.commit(Commit{
		Entry:       e,
		StatusDelta: delta,
		Set: []api.Attr{{
			Field: keys.ChildField(childID),
			Value: c.info.Dimension,
			Type:  api.FieldOther,
		}},
		Outbound: []Outbound{{
			Stream: keys.EngineStream(c.info.Namespace, taskQueue),
			Msg:    msg,
		}},
	})
	if err != nil {
		// A contested slot under fire-and-record means a racing delivery
		// minted a different child ID; yield to its continuation.
		if fault.IsSuspension(err) && await {
			return f, childID, nil
		}
		return nil, "", err
	}
	return f, childID, nil
}
