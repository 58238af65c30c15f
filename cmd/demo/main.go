// Command demo runs an engine, a worker and a client in one process against
// the in-memory backend, executes a small order workflow and prints the
// result.
package main

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/clue/log"

	"github.com/memflowio/memflow"
	"github.com/memflowio/memflow/client"
	"github.com/memflowio/memflow/telemetry"
	"github.com/memflowio/memflow/worker"
	"github.com/memflowio/memflow/workflow"
)

type order struct {
	SKU    string  `json:"sku"`
	Amount float64 `json:"amount"`
}

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))
	logger := telemetry.NewClueLogger()

	processOrder := func(c *workflow.Context) (any, error) {
		var o order
		if err := c.Arg(0, &o); err != nil {
			return nil, err
		}
		p := c.Proxy(workflow.ActivityOptions{})
		var chargeID string
		if err := p.Exec("charge", &chargeID, o); err != nil {
			return nil, err
		}
		if err := c.SleepFor("1 second"); err != nil {
			return nil, err
		}
		var tracking string
		if err := p.Exec("ship", &tracking, o.SKU); err != nil {
			return nil, err
		}
		return map[string]string{"charge": chargeID, "tracking": tracking}, nil
	}

	activities := map[string]worker.ActivityFunc{
		"charge": func(ctx context.Context, args []json.RawMessage) (any, error) {
			return "ch_1234", nil
		},
		"ship": func(ctx context.Context, args []json.RawMessage) (any, error) {
			return "trk_5678", nil
		},
	}

	const ns, tq = "demo", "default"
	if _, err := memflow.StartEngine(ctx, memflow.EngineOptions{
		Namespace: ns,
		TaskQueue: tq,
		Workflows: map[string]workflow.Func{"order": processOrder},
		Logger:    logger,
	}); err != nil {
		log.Fatalf(ctx, err, "start engine")
	}
	if _, err := memflow.StartWorker(ctx, memflow.WorkerOptions{
		Namespace:  ns,
		TaskQueue:  tq,
		Activities: activities,
		Logger:     logger,
	}); err != nil {
		log.Fatalf(ctx, err, "start worker")
	}
	cl, err := memflow.NewClient(ctx, memflow.ClientOptions{Namespace: ns, TaskQueue: tq, Logger: logger})
	if err != nil {
		log.Fatalf(ctx, err, "create client")
	}

	h, err := cl.Workflow.Start(ctx, client.StartOptions{
		WorkflowName: "order",
		Args:         []any{order{SKU: "widget-9", Amount: 19.99}},
	})
	if err != nil {
		log.Fatalf(ctx, err, "start workflow")
	}
	log.Infof(ctx, "started job %s", h.JobID())

	resultCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	var out map[string]string
	if err := h.Result(resultCtx, &out); err != nil {
		log.Fatalf(ctx, err, "await result")
	}
	log.Infof(ctx, "order complete: charge=%s tracking=%s", out["charge"], out["tracking"])

	if err := memflow.Shutdown(ctx); err != nil {
		log.Errorf(ctx, err, "shutdown")
	}
}
