// Package engine implements the workflow side of the runtime: it consumes
// ENGINE stream messages, re-executes workflow functions against their replay
// journal, and commits every transition (state write, status update, outbound
// publish, notarization) in a single store transaction.
//
// The engine is stateless between messages. All progress lives in the job
// hash, so any engine instance on the task queue can pick up any message.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/entity"
	"github.com/memflowio/memflow/fault"
	"github.com/memflowio/memflow/journal"
	"github.com/memflowio/memflow/keys"
	"github.com/memflowio/memflow/store"
	"github.com/memflowio/memflow/telemetry"
	"github.com/memflowio/memflow/workflow"
)

type (
	// Options configures an Engine. Namespace, TaskQueue, Store and Bus are
	// required; telemetry defaults to the Clue-backed implementations.
	Options struct {
		Namespace string
		TaskQueue string
		Store     store.Store
		Bus       store.Bus
		Logger    telemetry.Logger
		Metrics   telemetry.Metrics
	}

	// Engine executes workflow steps for one (namespace, task queue) pair.
	Engine struct {
		namespace string
		taskQueue string
		store     store.Store
		bus       store.Bus
		collator  *journal.Collator
		log       telemetry.Logger
		metrics   telemetry.Metrics

		mu        sync.RWMutex
		workflows map[string]workflow.Func
	}

	// dimFunc is the persisted record of the function driving a dimensional
	// thread, written at job creation (root) or hook dispatch (minted dims).
	dimFunc struct {
		Workflow string            `json:"workflow"`
		Args     []json.RawMessage `json:"args,omitempty"`
	}
)

// New constructs an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Namespace == "" {
		return nil, fmt.Errorf("engine: namespace is required")
	}
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("engine: task queue is required")
	}
	if opts.Store == nil || opts.Bus == nil {
		return nil, fmt.Errorf("engine: store and bus are required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewClueLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewClueMetrics()
	}
	return &Engine{
		namespace: opts.Namespace,
		taskQueue: opts.TaskQueue,
		store:     opts.Store,
		bus:       opts.Bus,
		collator:  journal.NewCollator(opts.Store, opts.Namespace),
		log:       opts.Logger,
		metrics:   opts.Metrics,
		workflows: make(map[string]workflow.Func),
	}, nil
}

// Namespace returns the engine's namespace.
func (e *Engine) Namespace() string { return e.namespace }

// TaskQueue returns the engine's task queue.
func (e *Engine) TaskQueue() string { return e.taskQueue }

// Register binds a workflow (or hook) function to its name. Registration
// must happen before the router starts consuming.
func (e *Engine) Register(name string, fn workflow.Func) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[name] = fn
}

func (e *Engine) lookupFunc(name string) (workflow.Func, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.workflows[name]
	return fn, ok
}

// Handle dispatches one ENGINE stream message. A nil return means the message
// is fully handled and the router may ack it; suppressed faults (collation
// duplicates, stale generations, vanished or inactive jobs) are absorbed
// here. Any other error leaves the message reserved for redelivery.
func (e *Engine) Handle(ctx context.Context, msg *api.Message) error {
	var err error
	switch msg.Type {
	case api.MessageStart:
		err = e.handleStart(ctx, msg)
	case api.MessageActivityResult:
		err = e.handleActivityResult(ctx, msg)
	case api.MessageTimer:
		err = e.handleTimer(ctx, msg)
	case api.MessageSignal:
		err = e.handleSignal(ctx, msg)
	case api.MessageHook:
		err = e.handleHook(ctx, msg)
	case api.MessageChildResult:
		err = e.handleChildResult(ctx, msg)
	case api.MessageInterrupt:
		err = e.handleInterrupt(ctx, msg)
	default:
		e.log.Warn(ctx, "dropping message of unknown type", "type", string(msg.Type), "job_id", msg.JobID)
		return nil
	}
	if err != nil && fault.Suppressed(err) {
		e.log.Debug(ctx, "suppressed redelivery artifact", "job_id", msg.JobID, "reason", err.Error())
		e.metrics.IncCounter("engine.suppressed", 1, "type", string(msg.Type))
		return nil
	}
	return err
}

// jobKey returns the durable hash key for a job in this namespace.
func (e *Engine) jobKey(jobID string) string {
	return keys.Job(e.namespace, jobID)
}

// Commit applies one workflow journal transition atomically. Implements
// workflow.Runtime.
func (e *Engine) Commit(ctx context.Context, jobID string, cm workflow.Commit) error {
	key := e.jobKey(jobID)
	tx := e.store.Transact()
	if cm.Entry != nil {
		if err := e.collator.NotarizeLeg1(tx, jobID, cm.Entry); err != nil {
			return err
		}
	}
	if len(cm.Set) > 0 {
		tx.HSet(key, cm.Set...)
	}
	if len(cm.Del) > 0 {
		tx.HDel(key, cm.Del...)
	}
	if cm.StatusDelta != 0 {
		tx.HIncrBy(key, keys.FieldStatus, cm.StatusDelta)
	}
	for _, ob := range cm.Outbound {
		tx.Publish(ob.Stream, ob.Msg, ob.Delay)
	}
	for _, n := range cm.Notify {
		tx.Notify(n.Topic, n.Payload)
	}
	_, err := tx.Exec(ctx)
	return err
}

// ApplyEntityOp mutates the job's entity document. Implements
// workflow.Runtime.
func (e *Engine) ApplyEntityOp(ctx context.Context, jobID string, op entity.Op, claim store.EntityClaim) (json.RawMessage, json.RawMessage, error) {
	return e.store.UpdateEntity(ctx, e.namespace, jobID, op, claim)
}

// GetEntity loads the job's entity document. Implements workflow.Runtime.
func (e *Engine) GetEntity(ctx context.Context, jobID string) (json.RawMessage, error) {
	v, ok, err := e.store.HGet(ctx, e.jobKey(jobID), keys.FieldEntity)
	if err != nil || !ok {
		return nil, err
	}
	return json.RawMessage(v), nil
}

// GetParkedSignal returns a signal payload parked before its wait began.
// Implements workflow.Runtime.
func (e *Engine) GetParkedSignal(ctx context.Context, jobID, signalID string) (json.RawMessage, bool, error) {
	v, ok, err := e.store.HGet(ctx, e.jobKey(jobID), keys.ParkedSignalField(signalID))
	if err != nil || !ok {
		return nil, false, err
	}
	return json.RawMessage(v), true, nil
}

// JobTaskQueue resolves a job's home task queue, falling back to this
// engine's queue when the job has not recorded one. Implements
// workflow.Runtime.
func (e *Engine) JobTaskQueue(ctx context.Context, jobID string) (string, error) {
	tq, ok, err := e.store.HGet(ctx, e.jobKey(jobID), keys.FieldTaskQueue)
	if err != nil {
		return "", err
	}
	if !ok {
		return e.taskQueue, nil
	}
	return tq, nil
}
