// Package router runs the consume/dispatch/ack loops that connect streams to
// engines and workers. A router owns one stream and one consumer group role;
// it consumes bounded batches, dispatches each message to its handler, acks
// on success and leaves failures reserved so the reservation timeout
// redelivers them.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/store"
	"github.com/memflowio/memflow/telemetry"
)

// Handler processes one stream message. A nil return acks the message; an
// error leaves it reserved for redelivery.
type Handler interface {
	Handle(ctx context.Context, msg *api.Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *api.Message) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg *api.Message) error { return f(ctx, msg) }

type (
	// Options configures a Router.
	Options struct {
		Stream  string
		Group   api.Group
		Bus     store.Bus
		Handler Handler
		// Consumer names this consumer within the group; defaults to a
		// fresh UUID.
		Consumer string
		// Concurrency is the number of parallel consume loops. Defaults
		// to 1.
		Concurrency int
		BatchSize   int
		Reservation time.Duration
		// Block bounds each consume call's wait for messages. Defaults
		// to 2s.
		Block time.Duration
		// Rate throttles consume calls per second across all loops. Zero
		// means unlimited.
		Rate    rate.Limit
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Router drives the consume loops for one stream.
	Router struct {
		stream      string
		group       api.Group
		bus         store.Bus
		handler     Handler
		consumer    string
		concurrency int
		consumeOpts store.ConsumeOptions
		limiter     *rate.Limiter
		log         telemetry.Logger
		metrics     telemetry.Metrics
	}
)

// New constructs a Router.
func New(opts Options) (*Router, error) {
	if opts.Stream == "" {
		return nil, fmt.Errorf("router: stream is required")
	}
	if opts.Bus == nil || opts.Handler == nil {
		return nil, fmt.Errorf("router: bus and handler are required")
	}
	if opts.Group == "" {
		return nil, fmt.Errorf("router: group is required")
	}
	if opts.Consumer == "" {
		opts.Consumer = uuid.NewString()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewClueLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewClueMetrics()
	}
	var limiter *rate.Limiter
	if opts.Rate > 0 {
		limiter = rate.NewLimiter(opts.Rate, 1)
	}
	return &Router{
		stream:      opts.Stream,
		group:       opts.Group,
		bus:         opts.Bus,
		handler:     opts.Handler,
		consumer:    opts.Consumer,
		concurrency: opts.Concurrency,
		consumeOpts: store.ConsumeOptions{
			BatchSize:   opts.BatchSize,
			Reservation: opts.Reservation,
			Block:       opts.Block,
		}.Normalize(),
		limiter: limiter,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// Run blocks, driving the consume loops until ctx is canceled. In-flight
// messages drain before it returns; unhandled ones stay reserved and
// redeliver by reservation expiry.
func (r *Router) Run(ctx context.Context) error {
	r.log.Info(ctx, "router started",
		"stream", r.stream, "group", string(r.group), "consumer", r.consumer, "loops", r.concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.concurrency; i++ {
		g.Go(func() error { return r.loop(gctx) })
	}
	err := g.Wait()
	r.log.Info(ctx, "router stopped", "stream", r.stream)
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func (r *Router) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		msgs, err := r.bus.Consume(ctx, r.stream, r.group, r.consumer, r.consumeOpts)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Error(ctx, "consume failed", "stream", r.stream, "err", err)
			r.metrics.IncCounter("router.consume_errors", 1, "stream", r.stream)
			// Back off briefly so a broken transport does not spin.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		r.dispatch(ctx, msgs)
	}
}

// dispatch handles a batch in order, acking each success individually so a
// failure mid-batch does not hold back the messages before it.
func (r *Router) dispatch(ctx context.Context, msgs []*api.Message) {
	for _, msg := range msgs {
		started := time.Now()
		err := r.handler.Handle(ctx, msg)
		r.metrics.RecordTimer("router.handle_duration", time.Since(started),
			"stream", r.stream, "type", string(msg.Type))
		if err != nil {
			r.log.Error(ctx, "handler failed, leaving message reserved",
				"stream", r.stream, "type", string(msg.Type), "job_id", msg.JobID, "err", err)
			r.metrics.IncCounter("router.handle_errors", 1, "stream", r.stream)
			continue
		}
		if err := r.bus.Ack(ctx, r.stream, r.group, []string{msg.ID}); err != nil {
			r.log.Error(ctx, "ack failed", "stream", r.stream, "id", msg.ID, "err", err)
		}
	}
}
