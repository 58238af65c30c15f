package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/fault"
	"github.com/memflowio/memflow/journal"
	"github.com/memflowio/memflow/keys"
	"github.com/memflowio/memflow/store"
	"github.com/memflowio/memflow/workflow"
)

// loadTape loads the job's replay snapshot.
func (e *Engine) loadTape(ctx context.Context, jobID string) (*journal.Tape, error) {
	attrs, err := e.store.HGetAll(ctx, e.jobKey(jobID))
	if err != nil {
		return nil, err
	}
	return journal.LoadTape(attrs)
}

// resolveSlot commits the leg-2 transition of a pending journal entry: the
// notary claim, the resolved entry, the status decrement and any extra field
// deletions, all in one transaction. Redeliveries lose the notary claim and
// surface as suppressed collation errors.
func (e *Engine) resolveSlot(ctx context.Context, jobID, dim string, idx int, output json.RawMessage, env *fault.Envelope, del []string) error {
	job, err := e.store.GetJob(ctx, e.namespace, jobID)
	if err != nil {
		return err
	}
	if !api.IsActive(job.Status) {
		return &fault.InactiveJobError{JobID: jobID, Status: job.Status}
	}
	tape, err := e.loadTape(ctx, jobID)
	if err != nil {
		return err
	}
	entry := tape.Lookup(dim, idx)
	if entry == nil {
		return &fault.CollationError{Fault: "missing", JobID: jobID, Dimension: dim, Index: idx}
	}
	if entry.Resolved() {
		return &fault.CollationError{Fault: "duplicate", JobID: jobID, Dimension: dim, Index: idx}
	}

	now := time.Now().UTC()
	resolved := *entry
	resolved.Result = output
	resolved.Err = env
	resolved.ResolvedAt = &now
	if env != nil {
		resolved.State = journal.StateFailed
	} else {
		resolved.State = journal.StateResolved
	}
	attr, err := resolved.Attr()
	if err != nil {
		return err
	}

	key := e.jobKey(jobID)
	tx := e.store.Transact()
	tx.HSetNX(key, api.Attr{Field: keys.NotaryField(dim, idx), Value: "1", Type: api.FieldHMark})
	tx.HSet(key, attr)
	tx.HIncrBy(key, keys.FieldStatus, -1)
	if len(del) > 0 {
		tx.HDel(key, del...)
	}
	_, err = tx.Exec(ctx)
	return err
}

// runStep re-executes the dimension's function from the top against the
// current tape and handles its outcome: suspension parks the job, completion
// closes the leg, errors feed the workflow-level retry policy.
func (e *Engine) runStep(ctx context.Context, jobID, dim string, trigger *api.Message) error {
	job, err := e.store.GetJob(ctx, e.namespace, jobID)
	if err != nil {
		return err
	}
	if !api.IsActive(job.Status) {
		return &fault.InactiveJobError{JobID: jobID, Status: job.Status}
	}
	attrs, err := e.store.HGetAll(ctx, e.jobKey(jobID))
	if err != nil {
		return err
	}
	tape, err := journal.LoadTape(attrs)
	if err != nil {
		return err
	}
	am := attrMap(attrs)

	var fn dimFunc
	rec, ok := am[keys.DimFuncField(dim)]
	if !ok {
		return fmt.Errorf("job %q has no function record for dimension %q", jobID, dim)
	}
	if err := json.Unmarshal([]byte(rec), &fn); err != nil {
		return fmt.Errorf("corrupt function record for job %q: %w", jobID, err)
	}
	wf, registered := e.lookupFunc(fn.Workflow)
	if !registered {
		// Likely a deployment race; leave the message reserved so a process
		// with the registration picks it up.
		return fmt.Errorf("workflow %q is not registered on this engine", fn.Workflow)
	}

	info := workflow.Info{
		Namespace: e.namespace,
		JobID:     jobID,
		Workflow:  fn.Workflow,
		TaskQueue: am[keys.FieldTaskQueue],
		Dimension: dim,
		Attempt:   trigger.Attempt + 1,
		Entity:    job.Entity,
	}
	if info.TaskQueue == "" {
		info.TaskQueue = e.taskQueue
	}
	wctx := workflow.NewContext(ctx, e, info, tape, fn.Args)

	started := time.Now()
	result, ferr := e.execute(ctx, wf, wctx)
	e.metrics.RecordTimer("engine.step_duration", time.Since(started), "workflow", fn.Workflow)

	switch {
	case ferr == nil:
		return e.complete(ctx, jobID, dim, result)
	case fault.IsSuspension(ferr):
		return nil
	case fault.IsFatal(ferr):
		return e.terminalError(ctx, jobID, fault.FromError(ferr))
	default:
		return e.retryStep(ctx, jobID, dim, trigger, am, ferr)
	}
}

// execute invokes the workflow function, converting panics into faults so a
// broken function cannot take the consumer loop down.
func (e *Engine) execute(ctx context.Context, fn workflow.Func, wctx *workflow.Context) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fault.Errorf("workflow panic: %v", r)
			e.log.Error(ctx, "workflow panicked", "job_id", wctx.JobID(), "panic", fmt.Sprint(r))
		}
	}()
	return fn(wctx)
}

// retryStep re-enqueues the triggering message with backoff, or fails the job
// with 597 once the policy is exhausted.
func (e *Engine) retryStep(ctx context.Context, jobID, dim string, trigger *api.Message, am map[string]string, ferr error) error {
	var policy api.RetryPolicy
	if rec, ok := am[keys.FieldPolicy]; ok {
		_ = json.Unmarshal([]byte(rec), &policy)
	}
	attempt := trigger.Attempt + 1
	if policy.Exhausted(attempt) {
		return e.terminalError(ctx, jobID, fault.Maxed("", ferr))
	}
	e.log.Warn(ctx, "workflow step failed, retrying",
		"job_id", jobID, "dimension", dim, "attempt", attempt, "err", ferr.Error())
	e.metrics.IncCounter("engine.step_retries", 1)

	redo := *trigger
	redo.ID = ""
	redo.Attempt = attempt
	_, err := e.bus.Publish(ctx, keys.EngineStream(e.namespace, e.taskQueue), []*api.Message{&redo}, store.PublishOptions{
		Delay: policy.Delay(trigger.Attempt),
	})
	return err
}

// complete closes the dimension's execution leg. The root dimension stores
// the workflow result and decrements the main leg; hook dimensions only
// claim completion. When the semaphore reaches zero the job finalizes.
func (e *Engine) complete(ctx context.Context, jobID, dim string, result any) error {
	key := e.jobKey(jobID)
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}

	tx := e.store.Transact()
	tx.HSetNX(key, api.Attr{Field: keys.DoneField(dim), Value: "1", Type: api.FieldHMark})
	if dim == journal.RootDimension {
		tx.HSet(key, api.Attr{Field: keys.FieldResult, Value: string(raw), Type: api.FieldJData})
		tx.HIncrBy(key, keys.FieldStatus, -1)
	}
	if _, err := tx.Exec(ctx); err != nil {
		var ce *fault.CollationError
		if !errors.As(err, &ce) {
			return err
		}
		// The body already completed in a prior delivery; fall through to the
		// finalize check in case its legs have since closed.
	}

	statusRaw, ok, err := e.store.HGet(ctx, key, keys.FieldStatus)
	if err != nil {
		return err
	}
	status := int64(0)
	if ok {
		status, _ = strconv.ParseInt(statusRaw, 10, 64)
	}
	if status != api.StatusCompleted {
		return nil
	}
	return e.finalize(ctx, jobID, api.EventDone, nil)
}

// terminalError fails the job: the fault lands in jerr, the semaphore drops
// to zero, and the error event publishes.
func (e *Engine) terminalError(ctx context.Context, jobID string, f *fault.Fault) error {
	env := f.Envelope()
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	key := e.jobKey(jobID)
	if err := e.store.HSet(ctx, key,
		api.Attr{Field: keys.FieldError, Value: string(raw), Type: api.FieldJData},
		api.Attr{Field: keys.FieldStatus, Value: "0", Type: api.FieldStatus},
	); err != nil {
		return err
	}
	e.metrics.IncCounter("engine.jobs_failed", 1, "code", strconv.Itoa(f.Code))
	return e.finalize(ctx, jobID, api.EventError, env)
}

// finalize runs terminal processing exactly once: the terminal event, the
// retention stamp and the parent notification. The finalized claim guards
// against racing completions.
func (e *Engine) finalize(ctx context.Context, jobID, eventType string, env *fault.Envelope) error {
	key := e.jobKey(jobID)
	attrs, err := e.store.HGetAll(ctx, key)
	if err != nil {
		return err
	}
	am := attrMap(attrs)

	evt := api.JobEvent{Type: eventType, JobID: jobID, Err: env, Throw: true}
	if data, ok := am[keys.FieldResult]; ok {
		evt.Data = json.RawMessage(data)
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	tx := e.store.Transact()
	tx.HSetNX(key, api.Attr{Field: keys.FieldFinalized, Value: eventType, Type: api.FieldOther})
	tx.Notify(keys.JobTopic(e.namespace, jobID), payload)
	if _, err := tx.Exec(ctx); err != nil {
		var ce *fault.CollationError
		if errors.As(err, &ce) {
			return nil
		}
		return err
	}
	e.metrics.IncCounter("engine.jobs_finalized", 1, "event", eventType)

	if rec, ok := am[keys.FieldExpire]; ok {
		if secs, err := strconv.ParseInt(rec, 10, 64); err == nil && secs > 0 {
			if err := e.store.SetExpire(ctx, e.namespace, jobID, time.Now().UTC().Add(time.Duration(secs)*time.Second)); err != nil {
				return err
			}
		}
	}
	return e.notifyParentFrom(ctx, jobID, am, evt.Data, env)
}

// notifyParent reloads the job's attributes and reports its terminal outcome
// to an awaiting parent.
func (e *Engine) notifyParent(ctx context.Context, jobID string, output json.RawMessage, env *fault.Envelope) error {
	attrs, err := e.store.HGetAll(ctx, e.jobKey(jobID))
	if err != nil {
		return err
	}
	return e.notifyParentFrom(ctx, jobID, attrMap(attrs), output, env)
}

func (e *Engine) notifyParentFrom(ctx context.Context, jobID string, am map[string]string, output json.RawMessage, env *fault.Envelope) error {
	parent, ok := am[keys.FieldParent]
	if !ok {
		return nil
	}
	parts := strings.Split(parent, "|")
	if len(parts) != 4 || parts[3] != "1" {
		return nil
	}
	idx, err := strconv.Atoi(parts[2])
	if err != nil {
		return fmt.Errorf("corrupt parent linkage %q: %w", parent, err)
	}
	msg, err := api.NewMessage(api.MessageChildResult, parts[0], api.ChildResultPayload{
		ParentJobID: parts[0],
		Dimension:   parts[1],
		Index:       idx,
		ChildJobID:  jobID,
		Output:      output,
		Err:         env,
	})
	if err != nil {
		return err
	}
	tq, ok, err := e.store.HGet(ctx, e.jobKey(parts[0]), keys.FieldTaskQueue)
	if err != nil {
		return err
	}
	if !ok {
		tq = e.taskQueue
	}
	_, err = e.bus.Publish(ctx, keys.EngineStream(e.namespace, tq), []*api.Message{msg}, store.PublishOptions{})
	return err
}

// continueAfterResolve reports whether a resolveSlot outcome still warrants
// re-running the step. A duplicate claim means the slot resolved in an
// earlier delivery whose continuation may not have finished, so retried
// messages push through it.
func continueAfterResolve(err error) bool {
	if err == nil {
		return true
	}
	var ce *fault.CollationError
	return errors.As(err, &ce) && ce.Fault == "duplicate"
}

// attrMap flattens attributes into a field lookup.
func attrMap(attrs []api.Attr) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[a.Field] = a.Value
	}
	return m
}
