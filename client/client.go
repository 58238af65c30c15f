// Package client provides the application-facing API: starting workflows,
// hooking into running jobs, searching entities, and one-off worker calls.
// A Client shares the provider connection with engines and workers; it holds
// no state of its own.
package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/fault"
	"github.com/memflowio/memflow/guid"
	"github.com/memflowio/memflow/keys"
	"github.com/memflowio/memflow/scheduler"
	"github.com/memflowio/memflow/store"
	"github.com/memflowio/memflow/telemetry"
)

type (
	// Options configures a Client. Namespace, TaskQueue, Store, Bus and
	// Notifier are required; Search is needed only for entity lookups.
	Options struct {
		Namespace string
		TaskQueue string
		Store     store.Store
		Bus       store.Bus
		Notifier  store.Notifier
		Search    store.Search
		Logger    telemetry.Logger
	}

	// Client is the application entry point.
	Client struct {
		// Workflow groups the workflow lifecycle operations.
		Workflow *WorkflowClient

		namespace string
		taskQueue string
		store     store.Store
		bus       store.Bus
		notifier  store.Notifier
		search    store.Search
		log       telemetry.Logger
	}

	// WorkflowClient starts, hooks and searches workflows.
	WorkflowClient struct {
		c *Client
	}

	// StartOptions parameterizes Workflow.Start.
	StartOptions struct {
		WorkflowName string
		// WorkflowID pins the job ID; empty mints one. Starting the same ID
		// twice is idempotent: the second start is absorbed.
		WorkflowID string
		TaskQueue  string
		Args       []any
		// Entity names the entity type for indexed search; the first
		// argument seeds the entity document.
		Entity string
		// Expire is a human duration ("30 days") bounding retention after
		// completion.
		Expire   string
		SignalIn *bool
		Search   map[string]string
		Config   api.RetryPolicy
	}

	// HookOptions parameterizes Workflow.Hook.
	HookOptions struct {
		JobID    string
		Workflow string
		Args     []any
		// HookID makes the dispatch idempotent; empty mints one.
		HookID string
	}

	// ExecOptions parameterizes Client.Exec, the one-off fire-and-wait
	// worker call.
	ExecOptions struct {
		Activity  string
		TaskQueue string
		Args      []any
	}
)

// New constructs a Client.
func New(opts Options) (*Client, error) {
	if opts.Namespace == "" {
		return nil, fmt.Errorf("client: namespace is required")
	}
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("client: task queue is required")
	}
	if opts.Store == nil || opts.Bus == nil || opts.Notifier == nil {
		return nil, fmt.Errorf("client: store, bus and notifier are required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewClueLogger()
	}
	c := &Client{
		namespace: opts.Namespace,
		taskQueue: opts.TaskQueue,
		store:     opts.Store,
		bus:       opts.Bus,
		notifier:  opts.Notifier,
		search:    opts.Search,
		log:       opts.Logger,
	}
	c.Workflow = &WorkflowClient{c: c}
	return c, nil
}

// Start launches a workflow execution and returns its handle.
func (w *WorkflowClient) Start(ctx context.Context, opts StartOptions) (*Handle, error) {
	if opts.WorkflowName == "" {
		return nil, fmt.Errorf("client: workflow name is required")
	}
	c := w.c
	jobID := opts.WorkflowID
	if jobID == "" {
		jobID = guid.New()
	}
	taskQueue := opts.TaskQueue
	if taskQueue == "" {
		taskQueue = c.taskQueue
	}
	var expireSecs int64
	if opts.Expire != "" {
		d, err := scheduler.ParseDuration(opts.Expire)
		if err != nil {
			return nil, fmt.Errorf("client: invalid expire: %w", err)
		}
		if d != scheduler.Infinite {
			expireSecs = int64(d.Seconds())
		}
	}
	args, err := marshalArgs(opts.Args)
	if err != nil {
		return nil, err
	}
	msg, err := api.NewMessage(api.MessageStart, jobID, api.StartPayload{
		Namespace:  c.namespace,
		Workflow:   opts.WorkflowName,
		TaskQueue:  taskQueue,
		JobID:      jobID,
		Args:       args,
		Entity:     opts.Entity,
		ExpireSecs: expireSecs,
		SignalIn:   opts.SignalIn,
		Search:     opts.Search,
		Policy:     opts.Config,
	})
	if err != nil {
		return nil, err
	}
	if _, err := c.bus.Publish(ctx, keys.EngineStream(c.namespace, taskQueue), []*api.Message{msg}, store.PublishOptions{}); err != nil {
		return nil, err
	}
	return &Handle{c: c, jobID: jobID, taskQueue: taskQueue}, nil
}

// Hook runs a hook function inside an existing job's context, in a fresh
// dimensional thread that shares the job's entity document.
func (w *WorkflowClient) Hook(ctx context.Context, opts HookOptions) error {
	if opts.JobID == "" || opts.Workflow == "" {
		return fmt.Errorf("client: hook requires job ID and workflow")
	}
	c := w.c
	hookID := opts.HookID
	if hookID == "" {
		hookID = guid.New()
	}
	args, err := marshalArgs(opts.Args)
	if err != nil {
		return err
	}
	tq, err := c.jobTaskQueue(ctx, opts.JobID)
	if err != nil {
		return err
	}
	msg, err := api.NewMessage(api.MessageHook, opts.JobID, api.HookPayload{
		JobID:     opts.JobID,
		HookID:    hookID,
		Workflow:  opts.Workflow,
		TaskQueue: tq,
		Args:      args,
	})
	if err != nil {
		return err
	}
	_, err = c.bus.Publish(ctx, keys.EngineStream(c.namespace, tq), []*api.Message{msg}, store.PublishOptions{})
	return err
}

// Search queries indexed entity fields. Requires a Search-capable provider.
func (w *WorkflowClient) Search(ctx context.Context, entityType string, conditions map[string]string, opts store.FindOptions) ([]store.SearchResult, error) {
	if w.c.search == nil {
		return nil, fmt.Errorf("client: provider has no search capability")
	}
	return w.c.search.Find(ctx, entityType, conditions, opts)
}

// Handle returns a handle for an existing job.
func (w *WorkflowClient) Handle(jobID string) *Handle {
	return &Handle{c: w.c, jobID: jobID}
}

// Exec performs a one-off worker call outside any workflow and waits for the
// reply. The context deadline bounds the wait; expiry surfaces as a 504
// fault.
func (c *Client) Exec(ctx context.Context, opts ExecOptions) (json.RawMessage, error) {
	if opts.Activity == "" {
		return nil, fmt.Errorf("client: activity name is required")
	}
	taskQueue := opts.TaskQueue
	if taskQueue == "" {
		taskQueue = c.taskQueue
	}
	args, err := marshalArgs(opts.Args)
	if err != nil {
		return nil, err
	}
	replyTopic := keys.ReplyTopic(c.namespace, guid.New())
	sub, err := c.notifier.Subscribe(ctx, replyTopic)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	msg, err := api.NewMessage(api.MessageCall, "", api.CallPayload{
		Namespace:  c.namespace,
		Activity:   opts.Activity,
		Args:       args,
		ReplyTopic: replyTopic,
	})
	if err != nil {
		return nil, err
	}
	if _, err := c.bus.Publish(ctx, keys.WorkerStream(c.namespace, taskQueue), []*api.Message{msg}, store.PublishOptions{}); err != nil {
		return nil, err
	}

	select {
	case payload, ok := <-sub.C():
		if !ok {
			return nil, fault.Timeout("")
		}
		var evt api.JobEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			return nil, err
		}
		if evt.Err != nil {
			return nil, evt.Err.Fault()
		}
		return evt.Data, nil
	case <-ctx.Done():
		return nil, fault.Timeout("")
	}
}

// jobTaskQueue resolves the job's home task queue, falling back to the
// client default when the job has not recorded one.
func (c *Client) jobTaskQueue(ctx context.Context, jobID string) (string, error) {
	tq, ok, err := c.store.HGet(ctx, keys.Job(c.namespace, jobID), keys.FieldTaskQueue)
	if err != nil {
		return "", err
	}
	if !ok {
		return c.taskQueue, nil
	}
	return tq, nil
}

func marshalArgs(args []any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(args))
	for i, a := range args {
		if raw, ok := a.(json.RawMessage); ok {
			out[i] = raw
			continue
		}
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("client: argument %d: %w", i, err)
		}
		out[i] = raw
	}
	return out, nil
}
