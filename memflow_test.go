package memflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/memflowio/memflow/client"
	"github.com/memflowio/memflow/provider"
	"github.com/memflowio/memflow/registry"
	"github.com/memflowio/memflow/telemetry"
	"github.com/memflowio/memflow/worker"
	"github.com/memflowio/memflow/workflow"
)

// TestEndToEnd runs a real engine, worker and client with live router loops
// over the in-memory backend.
func TestEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const ns, tq = "e2e", "default"
	backend := provider.Config{Backend: provider.BackendInMem}
	logger := telemetry.NewNoopLogger()
	metrics := telemetry.NewNoopMetrics()

	greet := func(c *workflow.Context) (any, error) {
		var name string
		if err := c.Arg(0, &name); err != nil {
			return nil, err
		}
		var upper string
		if err := c.Proxy(workflow.ActivityOptions{}).Exec("upcase", &upper, name); err != nil {
			return nil, err
		}
		if err := c.SleepFor("1 second"); err != nil {
			return nil, err
		}
		return "hello " + upper, nil
	}
	upcase := func(ctx context.Context, args []json.RawMessage) (any, error) {
		var name string
		if err := json.Unmarshal(args[0], &name); err != nil {
			return nil, err
		}
		out := make([]rune, 0, len(name))
		for _, r := range name {
			if r >= 'a' && r <= 'z' {
				r -= 'a' - 'A'
			}
			out = append(out, r)
		}
		return string(out), nil
	}

	_, err := StartEngine(ctx, EngineOptions{
		Namespace: ns,
		TaskQueue: tq,
		Backend:   backend,
		Workflows: map[string]workflow.Func{"greet": greet},
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = StartWorker(ctx, WorkerOptions{
		Namespace:  ns,
		TaskQueue:  tq,
		Backend:    backend,
		Activities: map[string]worker.ActivityFunc{"upcase": upcase},
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		t.Fatal(err)
	}
	cl, err := NewClient(ctx, ClientOptions{Namespace: ns, TaskQueue: tq, Backend: backend, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}

	if n := len(registry.List()); n < 3 {
		t.Fatalf("registry should track engine, worker and client: %d", n)
	}
	if len(registry.ByKind(registry.KindEngine)) == 0 {
		t.Fatal("engine not registered")
	}

	h, err := cl.Workflow.Start(ctx, client.StartOptions{WorkflowName: "greet", Args: []any{"ada"}})
	if err != nil {
		t.Fatal(err)
	}
	var out string
	if err := h.Result(ctx, &out); err != nil {
		t.Fatal(err)
	}
	if out != "hello ADA" {
		t.Fatalf("result = %q", out)
	}

	if err := Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if len(registry.List()) != 0 {
		t.Fatal("shutdown should empty the registry")
	}
}
