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
)

// handleStart creates the job row and runs the first step of the root
// dimension. Duplicate starts surface as suppressed collation errors.
func (e *Engine) handleStart(ctx context.Context, msg *api.Message) error {
	var p api.StartPayload
	if err := msg.DecodePayload(&p); err != nil {
		e.log.Error(ctx, "malformed start payload", "job_id", msg.JobID, "err", err)
		return nil
	}
	if p.TaskQueue == "" {
		p.TaskQueue = e.taskQueue
	}

	fnRec, err := json.Marshal(dimFunc{Workflow: p.Workflow, Args: p.Args})
	if err != nil {
		return err
	}
	policyRec, err := json.Marshal(p.Policy)
	if err != nil {
		return err
	}
	attrs := []api.Attr{
		{Field: keys.DimFuncField(journal.RootDimension), Value: string(fnRec), Type: api.FieldOther},
		{Field: keys.FieldWorkflow, Value: p.Workflow, Type: api.FieldOther},
		{Field: keys.FieldTaskQueue, Value: p.TaskQueue, Type: api.FieldOther},
		{Field: keys.FieldPolicy, Value: string(policyRec), Type: api.FieldOther},
	}
	if p.ExpireSecs > 0 {
		attrs = append(attrs, api.Attr{Field: keys.FieldExpire, Value: strconv.FormatInt(p.ExpireSecs, 10), Type: api.FieldOther})
	}
	if p.SignalIn != nil && !*p.SignalIn {
		attrs = append(attrs, api.Attr{Field: keys.FieldSignalIn, Value: "false", Type: api.FieldOther})
	}
	if p.ParentJobID != "" {
		await := "0"
		if p.ParentAwaits {
			await = "1"
		}
		parent := fmt.Sprintf("%s|%s|%d|%s", p.ParentJobID, p.ParentDimension, p.ParentIndex, await)
		attrs = append(attrs, api.Attr{Field: keys.FieldParent, Value: parent, Type: api.FieldOther})
	}
	if p.Entity != "" && len(p.Args) > 0 {
		// The first argument seeds the entity document.
		attrs = append(attrs, api.Attr{Field: keys.FieldEntity, Value: string(p.Args[0]), Type: api.FieldUData})
	}
	for k, v := range p.Search {
		attrs = append(attrs, api.Attr{Field: keys.SearchField(k), Value: v, Type: api.FieldUData})
	}

	job := &api.Job{
		ID:        p.JobID,
		Namespace: e.namespace,
		Entity:    p.Entity,
		Status:    1, // the main execution leg
	}
	if err := e.store.CreateJob(ctx, job, attrs); err != nil {
		// A duplicate create is either a redelivery or a workflow-level
		// retry of the start message; the step still runs and replays.
		var ce *fault.CollationError
		if !errors.As(err, &ce) {
			return err
		}
	} else {
		e.metrics.IncCounter("engine.jobs_started", 1, "workflow", p.Workflow)
	}
	return e.runStep(ctx, p.JobID, journal.RootDimension, msg)
}

// handleActivityResult resolves the pending activity slot and resumes the
// owning dimension. Results carrying an older generation than the journaled
// slot are dropped as stale.
func (e *Engine) handleActivityResult(ctx context.Context, msg *api.Message) error {
	var p api.ActivityResultPayload
	if err := msg.DecodePayload(&p); err != nil {
		e.log.Error(ctx, "malformed activity result payload", "job_id", msg.JobID, "err", err)
		return nil
	}
	if err := e.verifyGeneration(ctx, p.JobID, p.Dimension, p.Index, p.Attempt); err != nil {
		return err
	}
	if err := e.resolveSlot(ctx, p.JobID, p.Dimension, p.Index, p.Output, p.Err, nil); !continueAfterResolve(err) {
		return err
	}
	return e.runStep(ctx, p.JobID, p.Dimension, msg)
}

// handleTimer resumes a sleep or expires a signal wait. Timers from a
// superseded generation are dropped as stale.
func (e *Engine) handleTimer(ctx context.Context, msg *api.Message) error {
	var p api.TimerPayload
	if err := msg.DecodePayload(&p); err != nil {
		e.log.Error(ctx, "malformed timer payload", "job_id", msg.JobID, "err", err)
		return nil
	}
	if err := e.verifyGeneration(ctx, p.JobID, p.Dimension, p.Index, p.Attempt); err != nil {
		return err
	}
	if p.Timeout {
		return e.expireWait(ctx, p, msg)
	}
	if err := e.resolveSlot(ctx, p.JobID, p.Dimension, p.Index, nil, nil, nil); !continueAfterResolve(err) {
		return err
	}
	return e.runStep(ctx, p.JobID, p.Dimension, msg)
}

// verifyGeneration checks a re-entry message against the journaled slot and
// returns a GenerationalError (suppressed by Handle) when the slot belongs to
// a newer workflow attempt than the one the message was minted under.
func (e *Engine) verifyGeneration(ctx context.Context, jobID, dim string, idx, attempt int) error {
	tape, err := e.loadTape(ctx, jobID)
	if err != nil {
		return err
	}
	return e.collator.VerifyDimension(tape, jobID, dim, idx, attempt)
}

// expireWait fails a still-pending signal wait with a 504 fault. A wait that
// already resolved (the signal won the race) drops the timer.
func (e *Engine) expireWait(ctx context.Context, p api.TimerPayload, msg *api.Message) error {
	tape, err := e.loadTape(ctx, p.JobID)
	if err != nil {
		return err
	}
	entry := tape.Lookup(p.Dimension, p.Index)
	if entry == nil {
		return &fault.CollationError{Fault: "missing", JobID: p.JobID, Dimension: p.Dimension, Index: p.Index}
	}
	if !entry.Resolved() {
		var in struct {
			SignalID string `json:"signal_id"`
		}
		var del []string
		if err := json.Unmarshal(entry.Input, &in); err == nil && in.SignalID != "" {
			del = append(del, keys.WaitField(in.SignalID))
		}
		env := fault.Timeout(p.JobID).Envelope()
		if err := e.resolveSlot(ctx, p.JobID, p.Dimension, p.Index, nil, env, del); !continueAfterResolve(err) {
			return err
		}
	}
	return e.runStep(ctx, p.JobID, p.Dimension, msg)
}

// handleSignal resolves a registered wait or parks the payload for a wait
// that has not begun.
func (e *Engine) handleSignal(ctx context.Context, msg *api.Message) error {
	var p api.SignalPayload
	if err := msg.DecodePayload(&p); err != nil {
		e.log.Error(ctx, "malformed signal payload", "job_id", msg.JobID, "err", err)
		return nil
	}
	key := e.jobKey(p.JobID)
	if gate, ok, err := e.store.HGet(ctx, key, keys.FieldSignalIn); err != nil {
		return err
	} else if ok && gate == "false" {
		e.log.Debug(ctx, "dropping signal for gated job", "job_id", p.JobID, "signal_id", p.SignalID)
		return nil
	}

	slot, registered, err := e.store.HGet(ctx, key, keys.WaitField(p.SignalID))
	if err != nil {
		return err
	}
	if !registered {
		// Early signal: park it for the wait to consume.
		return e.store.HSet(ctx, key, api.Attr{
			Field: keys.ParkedSignalField(p.SignalID),
			Value: string(p.Data),
			Type:  api.FieldOther,
		})
	}

	dim, idx, err := parseWaitSlot(slot)
	if err != nil {
		return fmt.Errorf("corrupt wait registration for signal %q: %w", p.SignalID, err)
	}
	del := []string{keys.WaitField(p.SignalID)}
	if err := e.resolveSlot(ctx, p.JobID, dim, idx, p.Data, nil, del); !continueAfterResolve(err) {
		return err
	}
	return e.runStep(ctx, p.JobID, dim, msg)
}

// handleHook runs a hook function in its own dimension of an existing job.
// Dimension minting is idempotent on the hook ID, so redeliveries re-enter
// the same thread instead of forking a new one.
func (e *Engine) handleHook(ctx context.Context, msg *api.Message) error {
	var p api.HookPayload
	if err := msg.DecodePayload(&p); err != nil {
		e.log.Error(ctx, "malformed hook payload", "job_id", msg.JobID, "err", err)
		return nil
	}
	job, err := e.store.GetJob(ctx, e.namespace, p.JobID)
	if err != nil {
		return err
	}
	if !api.IsActive(job.Status) {
		return &fault.InactiveJobError{JobID: p.JobID, Status: job.Status}
	}
	dim, err := e.collator.ResolveReentryDimension(ctx, p.JobID, p.HookID)
	if err != nil {
		return err
	}
	fnRec, err := json.Marshal(dimFunc{Workflow: p.Workflow, Args: p.Args})
	if err != nil {
		return err
	}
	if err := e.store.HSet(ctx, e.jobKey(p.JobID), api.Attr{
		Field: keys.DimFuncField(dim),
		Value: string(fnRec),
		Type:  api.FieldOther,
	}); err != nil {
		return err
	}
	return e.runStep(ctx, p.JobID, dim, msg)
}

// handleChildResult resolves the parent's pending child-exec slot.
func (e *Engine) handleChildResult(ctx context.Context, msg *api.Message) error {
	var p api.ChildResultPayload
	if err := msg.DecodePayload(&p); err != nil {
		e.log.Error(ctx, "malformed child result payload", "job_id", msg.JobID, "err", err)
		return nil
	}
	if err := e.resolveSlot(ctx, p.ParentJobID, p.Dimension, p.Index, p.Output, p.Err, nil); !continueAfterResolve(err) {
		return err
	}
	return e.runStep(ctx, p.ParentJobID, p.Dimension, msg)
}

// handleInterrupt forces the job to the interrupted terminal status,
// publishes the terminal event and optionally cascades to children.
func (e *Engine) handleInterrupt(ctx context.Context, msg *api.Message) error {
	var p api.InterruptPayload
	if err := msg.DecodePayload(&p); err != nil {
		e.log.Error(ctx, "malformed interrupt payload", "job_id", msg.JobID, "err", err)
		return nil
	}
	job, err := e.store.GetJob(ctx, e.namespace, p.JobID)
	if err != nil {
		return err
	}
	if !api.IsActive(job.Status) {
		return &fault.InactiveJobError{JobID: p.JobID, Status: job.Status}
	}

	throw := p.Throw == nil || *p.Throw
	key := e.jobKey(p.JobID)
	tx := e.store.Transact()
	tx.HSetNX(key, api.Attr{Field: keys.FieldFinalized, Value: "interrupted", Type: api.FieldOther})
	tx.HSet(key,
		api.Attr{Field: keys.FieldStatus, Value: strconv.FormatInt(api.StatusInterrupted, 10), Type: api.FieldStatus},
		api.Attr{Field: keys.FieldThrow, Value: strconv.FormatBool(throw), Type: api.FieldOther},
	)
	ferr := fault.Interrupted(p.JobID)
	evt, err := json.Marshal(api.JobEvent{
		Type:   api.EventInterrupted,
		JobID:  p.JobID,
		Status: api.StatusInterrupted,
		Err:    ferr.Envelope(),
		Throw:  throw,
	})
	if err != nil {
		return err
	}
	tx.Notify(keys.JobTopic(e.namespace, p.JobID), evt)
	if _, err := tx.Exec(ctx); err != nil {
		return err
	}
	e.metrics.IncCounter("engine.jobs_interrupted", 1)

	if p.ExpireSecs > 0 {
		if err := e.store.SetExpire(ctx, e.namespace, p.JobID, time.Now().UTC().Add(time.Duration(p.ExpireSecs)*time.Second)); err != nil {
			return err
		}
	}
	if err := e.notifyParent(ctx, p.JobID, nil, ferr.Envelope()); err != nil {
		return err
	}
	if p.Descend {
		return e.cascadeInterrupt(ctx, p)
	}
	return nil
}

// cascadeInterrupt publishes interrupt messages for every linked child.
func (e *Engine) cascadeInterrupt(ctx context.Context, p api.InterruptPayload) error {
	attrs, err := e.store.HGetAll(ctx, e.jobKey(p.JobID))
	if err != nil {
		return err
	}
	for _, a := range attrs {
		childID, ok := strings.CutPrefix(a.Field, "child:")
		if !ok {
			continue
		}
		tq, ok, err := e.store.HGet(ctx, e.jobKey(childID), keys.FieldTaskQueue)
		if err != nil {
			return err
		}
		if !ok {
			tq = e.taskQueue
		}
		cm, err := api.NewMessage(api.MessageInterrupt, childID, api.InterruptPayload{
			JobID:      childID,
			Descend:    true,
			ExpireSecs: p.ExpireSecs,
			Throw:      p.Throw,
		})
		if err != nil {
			return err
		}
		if _, err := e.bus.Publish(ctx, keys.EngineStream(e.namespace, tq), []*api.Message{cm}, store.PublishOptions{}); err != nil {
			return err
		}
	}
	return nil
}

// parseWaitSlot decodes a "dimension|index" wait registration.
func parseWaitSlot(slot string) (string, int, error) {
	sep := strings.LastIndexByte(slot, '|')
	if sep < 0 {
		return "", 0, fmt.Errorf("malformed slot %q", slot)
	}
	idx, err := strconv.Atoi(slot[sep+1:])
	if err != nil {
		return "", 0, err
	}
	return slot[:sep], idx, nil
}
