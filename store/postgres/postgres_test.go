package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/entity"
	"github.com/memflowio/memflow/fault"
	"github.com/memflowio/memflow/keys"
	"github.com/memflowio/memflow/store"
)

// startPostgres launches a throwaway PostgreSQL container. Tests skip when
// Docker is unavailable.
func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	var container *tcpostgres.PostgresContainer
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("docker not available: %v", r)
			}
		}()
		container, err = tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("memflow"),
			tcpostgres.WithUsername("memflow"),
			tcpostgres.WithPassword("memflow"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			),
		)
	}()
	if err != nil {
		t.Skipf("skipping postgres tests: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}
	return dsn
}

func newTestProvider(t *testing.T, namespace string) *Provider {
	t.Helper()
	dsn := startPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p, err := New(ctx, Options{DSN: dsn, Namespace: namespace})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Close)
	return p
}

func TestProviderLifecycle(t *testing.T) {
	p := newTestProvider(t, "pg-test")
	ctx := context.Background()

	// Job row and attributes.
	job := &api.Job{ID: "Hj", Namespace: "pg-test", Entity: "user", Status: 1}
	attrs := []api.Attr{{Field: keys.FieldEntity, Value: `{"plan":"pro","age":30}`, Type: api.FieldUData}}
	if err := p.CreateJob(ctx, job, attrs); err != nil {
		t.Fatal(err)
	}
	err := p.CreateJob(ctx, job, nil)
	var ce *fault.CollationError
	if !errors.As(err, &ce) || ce.Fault != "duplicate" {
		t.Fatalf("duplicate create = %v", err)
	}
	got, err := p.GetJob(ctx, "pg-test", "Hj")
	if err != nil || got.Entity != "user" || got.Status != 1 {
		t.Fatalf("job = %+v, %v", got, err)
	}
	_, err = p.GetJob(ctx, "pg-test", "Hnope")
	var ge *fault.GetStateError
	if !errors.As(err, &ge) {
		t.Fatalf("absent job = %v", err)
	}

	// Hash surface.
	key := keys.Job("pg-test", "Hj")
	if err := p.HSet(ctx, key, api.Attr{Field: "h:0:1", Value: "{}", Type: api.FieldHMark}); err != nil {
		t.Fatal(err)
	}
	v, ok, err := p.HGet(ctx, key, "h:0:1")
	if err != nil || !ok || v != "{}" {
		t.Fatalf("HGet = %q, %v, %v", v, ok, err)
	}
	n, err := p.HIncrBy(ctx, key, keys.FieldStatus, 1)
	if err != nil || n != 2 {
		t.Fatalf("HIncrBy = %d, %v", n, err)
	}

	// Transaction claim contention.
	stream := keys.EngineStream("pg-test", "default")
	claim := api.Attr{Field: "h:0:2", Value: "{}", Type: api.FieldHMark}
	tx := p.Transact()
	tx.HSetNX(key, claim)
	tx.HIncrBy(key, keys.FieldStatus, 1)
	tx.Publish(stream, mustMsg(t, "Hj"), 0)
	results, err := tx.Exec(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if results[1].Int != 3 || results[2].ID == "" {
		t.Fatalf("results = %+v", results)
	}
	tx = p.Transact()
	tx.HSetNX(key, claim)
	tx.HIncrBy(key, keys.FieldStatus, 1)
	if _, err := tx.Exec(ctx); !errors.As(err, &ce) || ce.Fault != "duplicate" {
		t.Fatalf("contested claim = %v", err)
	}
	if n, _ := p.HIncrBy(ctx, key, keys.FieldStatus, 0); n != 3 {
		t.Fatalf("aborted tx leaked a status bump: %d", n)
	}

	// Queue semantics: reservation, redelivery, ack.
	opts := store.ConsumeOptions{BatchSize: 10, Reservation: 200 * time.Millisecond}
	batch, err := p.Consume(ctx, stream, api.GroupEngine, "e1", opts)
	if err != nil || len(batch) != 1 {
		t.Fatalf("consume = %+v, %v", batch, err)
	}
	if again, _ := p.Consume(ctx, stream, api.GroupEngine, "e2", opts); len(again) != 0 {
		t.Fatalf("reserved message redelivered: %+v", again)
	}
	time.Sleep(250 * time.Millisecond)
	again, err := p.Consume(ctx, stream, api.GroupEngine, "e2", opts)
	if err != nil || len(again) != 1 {
		t.Fatalf("expired reservation should redeliver: %+v, %v", again, err)
	}
	if err := p.Ack(ctx, stream, api.GroupEngine, []string{again[0].ID}); err != nil {
		t.Fatal(err)
	}
	if depth, _ := p.Depth(ctx, stream); depth != 0 {
		t.Fatalf("depth after ack = %d", depth)
	}

	// Entity claim exactly-once.
	eclaim := func(result json.RawMessage) (api.Attr, error) {
		return api.Attr{Field: "h:0:3", Value: string(result), Type: api.FieldHMark}, nil
	}
	op := entity.Op{Kind: entity.OpIncrement, Path: "age", Delta: 1}
	_, result, err := p.UpdateEntity(ctx, "pg-test", "Hj", op, eclaim)
	if err != nil || string(result) != "31" {
		t.Fatalf("entity apply = %s, %v", result, err)
	}
	if _, _, err := p.UpdateEntity(ctx, "pg-test", "Hj", op, eclaim); !errors.As(err, &ce) || ce.Fault != "duplicate" {
		t.Fatalf("contested entity claim = %v", err)
	}

	// SQL search pushdown.
	res, err := p.FindByCondition(ctx, "user", "age", "18", store.OpGte, store.FindOptions{})
	if err != nil || len(res) != 1 {
		t.Fatalf("age >= 18 = %+v, %v", res, err)
	}
	one, err := p.FindByID(ctx, "user", "Hj")
	if err != nil || one == nil || one.Context["plan"] != "pro" {
		t.Fatalf("FindByID = %+v, %v", one, err)
	}
	if err := p.CreateIndex(ctx, "user", "plan"); err != nil {
		t.Fatal(err)
	}

	// LISTEN/NOTIFY feed.
	sub, err := p.Subscribe(ctx, keys.JobTopic("pg-test", "Hj"))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	if err := p.Notify(ctx, keys.JobTopic("pg-test", "Hj"), []byte(`{"type":"emit"}`)); err != nil {
		t.Fatal(err)
	}
	select {
	case payload := <-sub.C():
		if string(payload) != `{"type":"emit"}` {
			t.Fatalf("payload = %s", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification never arrived")
	}

	// Housekeeping.
	pres, err := p.Prune(ctx, store.PruneOptions{Retention: time.Hour, PruneJobs: true, PruneStreams: true, StripAttributes: true})
	if err != nil {
		t.Fatal(err)
	}
	if pres.Jobs != 0 {
		t.Fatalf("fresh jobs should survive: %+v", pres)
	}
}

func mustMsg(t *testing.T, jobID string) *api.Message {
	t.Helper()
	m, err := api.NewMessage(api.MessageTimer, jobID, api.TimerPayload{JobID: jobID})
	if err != nil {
		t.Fatal(err)
	}
	return m
}
