package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/fault"
	"github.com/memflowio/memflow/journal"
	"github.com/memflowio/memflow/keys"
	"github.com/memflowio/memflow/scheduler"
	"github.com/memflowio/memflow/store"
)

type (
	// Handle addresses one workflow execution.
	Handle struct {
		c         *Client
		jobID     string
		taskQueue string
	}

	// InterruptOptions parameterizes Handle.Interrupt.
	InterruptOptions struct {
		// Descend cascades the interrupt to all child jobs.
		Descend bool
		// Expire overrides the retention window ("1 minute").
		Expire string
		// Throw controls whether result subscribers observe a 410 fault
		// (default) or a nil result.
		Throw *bool
	}

	// JobState is a point-in-time snapshot of a job.
	JobState struct {
		JobID  string          `json:"job_id"`
		Status int64           `json:"status"`
		Entity json.RawMessage `json:"entity,omitempty"`
		Result json.RawMessage `json:"result,omitempty"`
		Error  *fault.Envelope `json:"error,omitempty"`
	}

	// Export is a portable snapshot of a job: its row, raw attributes and
	// decoded journal.
	Export struct {
		Job        *api.Job         `json:"job"`
		Attributes []api.Attr       `json:"attributes"`
		Journal    []*journal.Entry `json:"journal"`
	}
)

// JobID returns the job identifier the handle addresses.
func (h *Handle) JobID() string { return h.jobID }

// resultPollInterval is the fallback cadence for readers whose event
// subscription drops or races the terminal publish.
const resultPollInterval = 500 * time.Millisecond

// Result blocks until the job reaches a terminal state and unmarshals the
// workflow return value into out. Failed jobs surface their fault; silently
// interrupted jobs (Throw=false) yield a nil result. The context deadline
// bounds the wait and expires as a 504 fault without canceling the job.
func (h *Handle) Result(ctx context.Context, out any) error {
	c := h.c
	sub, err := c.notifier.Subscribe(ctx, keys.JobTopic(c.namespace, h.jobID))
	if err != nil {
		return err
	}
	defer sub.Close()

	// The job may already be terminal; events only fire once.
	if settled, err := h.snapshotResult(ctx, out); settled {
		return err
	}

	ticker := time.NewTicker(resultPollInterval)
	defer ticker.Stop()
	for {
		select {
		case payload, ok := <-sub.C():
			if !ok {
				return fault.Timeout(h.jobID)
			}
			var evt api.JobEvent
			if err := json.Unmarshal(payload, &evt); err != nil {
				continue
			}
			if settled, err := settleEvent(evt, out); settled {
				return err
			}
		case <-ticker.C:
			if settled, err := h.snapshotResult(ctx, out); settled {
				return err
			}
		case <-ctx.Done():
			return fault.Timeout(h.jobID)
		}
	}
}

// settleEvent maps a terminal job event onto the Result contract.
func settleEvent(evt api.JobEvent, out any) (bool, error) {
	switch evt.Type {
	case api.EventDone:
		if out != nil && len(evt.Data) > 0 {
			return true, json.Unmarshal(evt.Data, out)
		}
		return true, nil
	case api.EventError:
		return true, evt.Err.Fault()
	case api.EventInterrupted:
		if !evt.Throw {
			return true, nil
		}
		if evt.Err != nil {
			return true, evt.Err.Fault()
		}
		return true, fault.Interrupted(evt.JobID)
	default:
		// User emissions pass through the result wait.
		return false, nil
	}
}

// snapshotResult checks the durable state for a terminal outcome.
func (h *Handle) snapshotResult(ctx context.Context, out any) (bool, error) {
	c := h.c
	am, err := c.store.HMGet(ctx, keys.Job(c.namespace, h.jobID),
		keys.FieldFinalized, keys.FieldResult, keys.FieldError, keys.FieldThrow)
	if err != nil {
		var se *fault.GetStateError
		if errors.As(err, &se) {
			return false, nil
		}
		return true, err
	}
	switch am[keys.FieldFinalized] {
	case api.EventDone:
		if out != nil && am[keys.FieldResult] != "" {
			return true, json.Unmarshal([]byte(am[keys.FieldResult]), out)
		}
		return true, nil
	case api.EventError:
		var env fault.Envelope
		if err := json.Unmarshal([]byte(am[keys.FieldError]), &env); err != nil {
			return true, fmt.Errorf("corrupt terminal fault for job %q: %w", h.jobID, err)
		}
		return true, env.Fault()
	case api.EventInterrupted:
		if am[keys.FieldThrow] == "false" {
			return true, nil
		}
		return true, fault.Interrupted(h.jobID)
	default:
		return false, nil
	}
}

// Signal delivers a named signal to the job. Signals sent before the
// matching wait begins are parked and consumed when it does.
func (h *Handle) Signal(ctx context.Context, signalID string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	msg, err := api.NewMessage(api.MessageSignal, h.jobID, api.SignalPayload{
		JobID:    h.jobID,
		SignalID: signalID,
		Data:     raw,
	})
	if err != nil {
		return err
	}
	return h.publishEngine(ctx, msg)
}

// Interrupt forces the job to the interrupted terminal status.
func (h *Handle) Interrupt(ctx context.Context, opts InterruptOptions) error {
	var expireSecs int64
	if opts.Expire != "" {
		d, err := scheduler.ParseDuration(opts.Expire)
		if err != nil {
			return fmt.Errorf("client: invalid expire: %w", err)
		}
		if d != scheduler.Infinite {
			expireSecs = int64(d.Seconds())
		}
	}
	msg, err := api.NewMessage(api.MessageInterrupt, h.jobID, api.InterruptPayload{
		JobID:      h.jobID,
		Descend:    opts.Descend,
		ExpireSecs: expireSecs,
		Throw:      opts.Throw,
	})
	if err != nil {
		return err
	}
	return h.publishEngine(ctx, msg)
}

// State returns a point-in-time snapshot of the job.
func (h *Handle) State(ctx context.Context) (*JobState, error) {
	c := h.c
	job, err := c.store.GetJob(ctx, c.namespace, h.jobID)
	if err != nil {
		return nil, err
	}
	am, err := c.store.HMGet(ctx, keys.Job(c.namespace, h.jobID),
		keys.FieldEntity, keys.FieldResult, keys.FieldError)
	if err != nil {
		return nil, err
	}
	st := &JobState{JobID: h.jobID, Status: job.Status}
	if v := am[keys.FieldEntity]; v != "" {
		st.Entity = json.RawMessage(v)
	}
	if v := am[keys.FieldResult]; v != "" {
		st.Result = json.RawMessage(v)
	}
	if v := am[keys.FieldError]; v != "" {
		var env fault.Envelope
		if err := json.Unmarshal([]byte(v), &env); err == nil {
			st.Error = &env
		}
	}
	return st, nil
}

// Export returns a portable snapshot of the job: row, attributes and decoded
// journal. Useful for debugging and offline inspection.
func (h *Handle) Export(ctx context.Context) (*Export, error) {
	c := h.c
	job, err := c.store.GetJob(ctx, c.namespace, h.jobID)
	if err != nil {
		return nil, err
	}
	attrs, err := c.store.HGetAll(ctx, keys.Job(c.namespace, h.jobID))
	if err != nil {
		return nil, err
	}
	tape, err := journal.LoadTape(attrs)
	if err != nil {
		return nil, err
	}
	return &Export{Job: job, Attributes: attrs, Journal: tape.Entries()}, nil
}

// publishEngine routes a message to the job's home engine stream.
func (h *Handle) publishEngine(ctx context.Context, msg *api.Message) error {
	c := h.c
	tq := h.taskQueue
	if tq == "" {
		var err error
		if tq, err = c.jobTaskQueue(ctx, h.jobID); err != nil {
			return err
		}
	}
	_, err := c.bus.Publish(ctx, keys.EngineStream(c.namespace, tq), []*api.Message{msg}, store.PublishOptions{})
	return err
}
