// Package memflow assembles the durable workflow runtime: engines replaying
// journaled workflow steps, workers running activities, and clients starting
// and observing jobs. The helpers here connect a backend via the provider
// pool, wire the component with its router loop and register it with the
// process registry so Shutdown stops everything this process started.
package memflow

import (
	"context"
	"fmt"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/client"
	"github.com/memflowio/memflow/engine"
	"github.com/memflowio/memflow/guid"
	"github.com/memflowio/memflow/keys"
	"github.com/memflowio/memflow/provider"
	"github.com/memflowio/memflow/registry"
	"github.com/memflowio/memflow/router"
	"github.com/memflowio/memflow/telemetry"
	"github.com/memflowio/memflow/worker"
	"github.com/memflowio/memflow/workflow"
)

type (
	// EngineOptions parameterizes StartEngine.
	EngineOptions struct {
		Namespace string
		TaskQueue string
		Backend   provider.Config
		// Workflows maps workflow names to their functions.
		Workflows map[string]workflow.Func
		// Concurrency is the number of parallel step loops. Defaults to 1.
		Concurrency int
		Logger      telemetry.Logger
		Metrics     telemetry.Metrics
	}

	// WorkerOptions parameterizes StartWorker.
	WorkerOptions struct {
		Namespace string
		TaskQueue string
		Backend   provider.Config
		// Activities maps activity names to their functions.
		Activities  map[string]worker.ActivityFunc
		Concurrency int
		Logger      telemetry.Logger
		Metrics     telemetry.Metrics
	}

	// ClientOptions parameterizes NewClient.
	ClientOptions struct {
		Namespace string
		TaskQueue string
		Backend   provider.Config
		Logger    telemetry.Logger
	}

	// Runner is a started engine or worker: its router loop runs until the
	// context given to Start* ends or Stop is called.
	Runner struct {
		id   string
		stop context.CancelFunc
		done chan error
	}
)

// ID returns the instance's registry ID.
func (r *Runner) ID() string { return r.id }

// Stop cancels the router loop and waits for it to drain.
func (r *Runner) Stop(ctx context.Context) error {
	r.stop()
	select {
	case err := <-r.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartEngine connects the backend, registers the workflows and runs the
// engine's router loop until the context ends.
func StartEngine(ctx context.Context, opts EngineOptions) (*Runner, error) {
	opts.Backend.Namespace = opts.Namespace
	conn, err := provider.Connect(ctx, opts.TaskQueue, opts.Backend)
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(engine.Options{
		Namespace: opts.Namespace,
		TaskQueue: opts.TaskQueue,
		Store:     conn.Store,
		Bus:       conn.Bus,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	for name, fn := range opts.Workflows {
		eng.Register(name, fn)
	}
	rt, err := router.New(router.Options{
		Stream:      keys.EngineStream(opts.Namespace, opts.TaskQueue),
		Group:       api.GroupEngine,
		Bus:         conn.Bus,
		Handler:     eng,
		Concurrency: opts.Concurrency,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return run(ctx, registry.KindEngine, opts.TaskQueue, opts.Backend, rt)
}

// StartWorker connects the backend, registers the activities and runs the
// worker's router loop until the context ends.
func StartWorker(ctx context.Context, opts WorkerOptions) (*Runner, error) {
	opts.Backend.Namespace = opts.Namespace
	conn, err := provider.Connect(ctx, opts.TaskQueue, opts.Backend)
	if err != nil {
		return nil, err
	}
	w, err := worker.New(worker.Options{
		Namespace: opts.Namespace,
		TaskQueue: opts.TaskQueue,
		Store:     conn.Store,
		Bus:       conn.Bus,
		Notifier:  conn.Notifier,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	for name, fn := range opts.Activities {
		w.Register(name, fn)
	}
	rt, err := router.New(router.Options{
		Stream:      keys.WorkerStream(opts.Namespace, opts.TaskQueue),
		Group:       api.GroupWorker,
		Bus:         conn.Bus,
		Handler:     w,
		Concurrency: opts.Concurrency,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return run(ctx, registry.KindWorker, opts.TaskQueue, opts.Backend, rt)
}

// NewClient connects the backend and returns a client registered with the
// process registry.
func NewClient(ctx context.Context, opts ClientOptions) (*client.Client, error) {
	opts.Backend.Namespace = opts.Namespace
	conn, err := provider.Connect(ctx, opts.TaskQueue, opts.Backend)
	if err != nil {
		return nil, err
	}
	c, err := client.New(client.Options{
		Namespace: opts.Namespace,
		TaskQueue: opts.TaskQueue,
		Store:     conn.Store,
		Bus:       conn.Bus,
		Notifier:  conn.Notifier,
		Search:    conn.Search,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	registry.Add(&registry.Instance{
		ID:        fmt.Sprintf("%s-%s", registry.KindClient, guid.New()),
		Kind:      registry.KindClient,
		TaskQueue: opts.TaskQueue,
		Shutdown: func(context.Context) error {
			provider.Release(opts.TaskQueue, opts.Backend)
			return nil
		},
	})
	return c, nil
}

// Shutdown stops every engine, worker and client this process started.
func Shutdown(ctx context.Context) error {
	return registry.Shutdown(ctx)
}

func run(ctx context.Context, kind registry.Kind, taskQueue string, backend provider.Config, rt *router.Router) (*Runner, error) {
	runCtx, cancel := context.WithCancel(ctx)
	r := &Runner{
		id:   fmt.Sprintf("%s-%s", kind, guid.New()),
		stop: cancel,
		done: make(chan error, 1),
	}
	go func() {
		r.done <- rt.Run(runCtx)
	}()
	registry.Add(&registry.Instance{
		ID:        r.id,
		Kind:      kind,
		TaskQueue: taskQueue,
		Shutdown: func(ctx context.Context) error {
			err := r.Stop(ctx)
			provider.Release(taskQueue, backend)
			return err
		},
	})
	return r, nil
}
