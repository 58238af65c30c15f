// Package worker implements the activity side of the runtime: it consumes
// WORKER stream messages, invokes registered activity functions, and reports
// outcomes to the owning engine stream. Transient failures re-enqueue with
// backoff; fatal faults and exhausted policies report immediately.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/fault"
	"github.com/memflowio/memflow/keys"
	"github.com/memflowio/memflow/store"
	"github.com/memflowio/memflow/telemetry"
)

// ActivityFunc is a registered activity. Activities run outside the replay
// journal and may perform arbitrary side effects; they must tolerate
// at-least-once invocation.
type ActivityFunc func(ctx context.Context, args []json.RawMessage) (any, error)

type (
	// Options configures a Worker.
	Options struct {
		Namespace string
		TaskQueue string
		Store     store.Store
		Bus       store.Bus
		// Notifier serves one-off call replies. Optional when no call
		// traffic is expected.
		Notifier store.Notifier
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
	}

	// Worker executes activities for one (namespace, task queue) pair.
	Worker struct {
		namespace string
		taskQueue string
		store     store.Store
		bus       store.Bus
		notifier  store.Notifier
		log       telemetry.Logger
		metrics   telemetry.Metrics

		mu         sync.RWMutex
		activities map[string]ActivityFunc
	}
)

// New constructs a Worker.
func New(opts Options) (*Worker, error) {
	if opts.Namespace == "" {
		return nil, fmt.Errorf("worker: namespace is required")
	}
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("worker: task queue is required")
	}
	if opts.Store == nil || opts.Bus == nil {
		return nil, fmt.Errorf("worker: store and bus are required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewClueLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewClueMetrics()
	}
	return &Worker{
		namespace:  opts.Namespace,
		taskQueue:  opts.TaskQueue,
		store:      opts.Store,
		bus:        opts.Bus,
		notifier:   opts.Notifier,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		activities: make(map[string]ActivityFunc),
	}, nil
}

// Namespace returns the worker's namespace.
func (w *Worker) Namespace() string { return w.namespace }

// TaskQueue returns the worker's task queue.
func (w *Worker) TaskQueue() string { return w.taskQueue }

// Register binds an activity function to its name.
func (w *Worker) Register(name string, fn ActivityFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activities[name] = fn
}

func (w *Worker) lookup(name string) (ActivityFunc, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	fn, ok := w.activities[name]
	return fn, ok
}

// Handle dispatches one WORKER stream message. Nil means handled (ack);
// non-nil leaves the message reserved for redelivery.
func (w *Worker) Handle(ctx context.Context, msg *api.Message) error {
	switch msg.Type {
	case api.MessageActivity:
		return w.handleActivity(ctx, msg)
	case api.MessageCall:
		return w.handleCall(ctx, msg)
	default:
		w.log.Warn(ctx, "dropping message of unknown type", "type", string(msg.Type), "job_id", msg.JobID)
		return nil
	}
}

func (w *Worker) handleActivity(ctx context.Context, msg *api.Message) error {
	var p api.ActivityPayload
	if err := msg.DecodePayload(&p); err != nil {
		w.log.Error(ctx, "malformed activity payload", "err", err)
		return nil
	}
	fn, ok := w.lookup(p.Activity)
	if !ok {
		// Leave reserved; another worker on the queue may carry the
		// registration.
		return fmt.Errorf("activity %q is not registered on this worker", p.Activity)
	}

	started := time.Now()
	out, err := w.invoke(ctx, fn, p.Args)
	w.metrics.RecordTimer("worker.activity_duration", time.Since(started), "activity", p.Activity)

	if err != nil {
		f := fault.FromError(err)
		attempt := msg.Attempt + 1
		if f.Retryable() && !p.Policy.Exhausted(attempt) {
			w.log.Warn(ctx, "activity failed, retrying",
				"activity", p.Activity, "job_id", p.JobID, "attempt", attempt, "err", err.Error())
			w.metrics.IncCounter("worker.activity_retries", 1, "activity", p.Activity)
			redo := *msg
			redo.ID = ""
			redo.Attempt = attempt
			_, perr := w.bus.Publish(ctx, keys.WorkerStream(w.namespace, w.taskQueue), []*api.Message{&redo}, store.PublishOptions{
				Delay: p.Policy.Delay(msg.Attempt),
			})
			return perr
		}
		if f.Retryable() {
			f = fault.Maxed("", err)
		}
		w.metrics.IncCounter("worker.activity_failures", 1, "activity", p.Activity)
		return w.reply(ctx, p, nil, f.Envelope())
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return w.reply(ctx, p, nil, fault.Fatal(fmt.Sprintf("unserializable activity result: %v", err)).Envelope())
	}
	return w.reply(ctx, p, raw, nil)
}

// invoke runs the activity with panic recovery so a broken activity cannot
// take the consumer loop down.
func (w *Worker) invoke(ctx context.Context, fn ActivityFunc, args []json.RawMessage) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fault.Errorf("activity panic: %v", r)
			w.log.Error(ctx, "activity panicked", "panic", fmt.Sprint(r))
		}
	}()
	return fn(ctx, args)
}

// reply publishes the activity outcome to the job's engine stream. The job's
// home task queue routes the reply; the activity may have run elsewhere.
func (w *Worker) reply(ctx context.Context, p api.ActivityPayload, output json.RawMessage, env *fault.Envelope) error {
	result, err := api.NewMessage(api.MessageActivityResult, p.JobID, api.ActivityResultPayload{
		JobID:     p.JobID,
		Dimension: p.Dimension,
		Index:     p.Index,
		Output:    output,
		Err:       env,
		Attempt:   p.Attempt,
	})
	if err != nil {
		return err
	}
	tq, ok, err := w.store.HGet(ctx, keys.Job(w.namespace, p.JobID), keys.FieldTaskQueue)
	if err != nil {
		return err
	}
	if !ok {
		tq = w.taskQueue
	}
	_, err = w.bus.Publish(ctx, keys.EngineStream(w.namespace, tq), []*api.Message{result}, store.PublishOptions{})
	return err
}

// handleCall serves a one-off invocation outside any workflow, replying on
// the caller's notification topic.
func (w *Worker) handleCall(ctx context.Context, msg *api.Message) error {
	var p api.CallPayload
	if err := msg.DecodePayload(&p); err != nil {
		w.log.Error(ctx, "malformed call payload", "err", err)
		return nil
	}
	if w.notifier == nil {
		return fmt.Errorf("worker has no notifier for call replies")
	}
	fn, ok := w.lookup(p.Activity)
	if !ok {
		return fmt.Errorf("activity %q is not registered on this worker", p.Activity)
	}

	evt := api.JobEvent{Type: api.EventDone}
	out, err := w.invoke(ctx, fn, p.Args)
	if err != nil {
		evt.Type = api.EventError
		evt.Err = fault.FromError(err).Envelope()
	} else if evt.Data, err = json.Marshal(out); err != nil {
		evt.Type = api.EventError
		evt.Err = fault.FromError(err).Envelope()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return w.notifier.Notify(ctx, p.ReplyTopic, payload)
}
