package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/entity"
	"github.com/memflowio/memflow/fault"
	"github.com/memflowio/memflow/keys"
	"github.com/memflowio/memflow/store"
)

func newTestProvider(t *testing.T) (*Provider, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	p, err := New(Options{Client: rdb})
	if err != nil {
		t.Fatal(err)
	}
	return p, mr
}

func mkMsg(t *testing.T, jobID string) *api.Message {
	t.Helper()
	m, err := api.NewMessage(api.MessageTimer, jobID, api.TimerPayload{JobID: jobID})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestCreateAndGetJob(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t)

	job := &api.Job{ID: "Hj", Namespace: "test", Entity: "user", Status: 1}
	attrs := []api.Attr{{Field: keys.FieldEntity, Value: `{"plan":"pro"}`, Type: api.FieldUData}}
	if err := p.CreateJob(ctx, job, attrs); err != nil {
		t.Fatal(err)
	}
	err := p.CreateJob(ctx, job, nil)
	var ce *fault.CollationError
	if !errors.As(err, &ce) || ce.Fault != "duplicate" {
		t.Fatalf("duplicate create = %v", err)
	}

	got, err := p.GetJob(ctx, "test", "Hj")
	if err != nil {
		t.Fatal(err)
	}
	if got.Entity != "user" || got.Status != 1 || got.CreatedAt.IsZero() {
		t.Fatalf("job = %+v", got)
	}

	if _, err := p.HIncrBy(ctx, keys.Job("test", "Hj"), keys.FieldStatus, -1); err != nil {
		t.Fatal(err)
	}
	got, err = p.GetJob(ctx, "test", "Hj")
	if err != nil || got.Status != 0 {
		t.Fatalf("status after decr = %+v, %v", got, err)
	}

	_, err = p.GetJob(ctx, "test", "Hnope")
	var ge *fault.GetStateError
	if !errors.As(err, &ge) {
		t.Fatalf("absent job = %v", err)
	}
}

func TestHashOpsSkipRowMetadata(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t)
	if err := p.CreateJob(ctx, &api.Job{ID: "Hj", Namespace: "test", Status: 1}, nil); err != nil {
		t.Fatal(err)
	}
	key := keys.Job("test", "Hj")

	if err := p.HSet(ctx, key,
		api.Attr{Field: "h:0:1", Value: "{}", Type: api.FieldHMark},
		api.Attr{Field: "jm:0:2", Value: `{"step":"x"}`, Type: api.FieldJMark},
	); err != nil {
		t.Fatal(err)
	}
	v, ok, err := p.HGet(ctx, key, "h:0:1")
	if err != nil || !ok || v != "{}" {
		t.Fatalf("HGet = %q, %v, %v", v, ok, err)
	}
	_, ok, err = p.HGet(ctx, key, "absent")
	if err != nil || ok {
		t.Fatalf("absent field = %v, %v", ok, err)
	}

	m, err := p.HMGet(ctx, key, "h:0:1", "absent", keys.FieldStatus)
	if err != nil {
		t.Fatal(err)
	}
	if len(m) != 2 || m[keys.FieldStatus] != "1" {
		t.Fatalf("HMGet = %+v", m)
	}

	// Attribute reads never surface "$" row metadata.
	attrs, err := p.HGetAll(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range attrs {
		if a.Field[0] == '$' {
			t.Fatalf("metadata leaked: %+v", a)
		}
	}
	// Types come back from the field naming scheme.
	for _, a := range attrs {
		if a.Field == "h:0:1" && a.Type != api.FieldHMark {
			t.Fatalf("attr type = %+v", a)
		}
	}

	if err := p.HDel(ctx, key, "h:0:1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := p.HGet(ctx, key, "h:0:1"); ok {
		t.Fatal("deleted field still present")
	}
}

func TestPlainKV(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t)

	if err := p.Set(ctx, "mf:sched:daily", "0 9 * * *"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := p.Get(ctx, "mf:sched:daily")
	if err != nil || !ok || v != "0 9 * * *" {
		t.Fatalf("Get = %q, %v, %v", v, ok, err)
	}
	if err := p.Del(ctx, "mf:sched:daily"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := p.Get(ctx, "mf:sched:daily"); ok {
		t.Fatal("deleted key still present")
	}
}

func TestTransactionClaimAbortsWholeBatch(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t)
	if err := p.CreateJob(ctx, &api.Job{ID: "Hj", Namespace: "test", Status: 1}, nil); err != nil {
		t.Fatal(err)
	}
	key := keys.Job("test", "Hj")
	stream := keys.EngineStream("test", "default")
	claim := api.Attr{Field: "h:0:1", Value: "{}", Type: api.FieldHMark}

	tx := p.Transact()
	tx.HSetNX(key, claim)
	tx.HIncrBy(key, keys.FieldStatus, 1)
	tx.Publish(stream, mkMsg(t, "Hj"), 0)
	results, err := tx.Exec(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if results[1].Int != 2 || results[2].ID == "" {
		t.Fatalf("results = %+v", results)
	}

	tx = p.Transact()
	tx.HSetNX(key, claim)
	tx.HIncrBy(key, keys.FieldStatus, 1)
	tx.Publish(stream, mkMsg(t, "Hj"), 0)
	_, err = tx.Exec(ctx)
	var ce *fault.CollationError
	if !errors.As(err, &ce) || ce.Fault != "duplicate" {
		t.Fatalf("contested claim = %v", err)
	}
	if ce.JobID != "Hj" || ce.Dimension != "0" || ce.Index != 1 {
		t.Fatalf("collation location = %+v", ce)
	}

	job, err := p.GetJob(ctx, "test", "Hj")
	if err != nil || job.Status != 2 {
		t.Fatalf("aborted tx leaked a status bump: %+v, %v", job, err)
	}
	depth, err := p.Depth(ctx, stream)
	if err != nil || depth != 1 {
		t.Fatalf("aborted tx leaked a publish: depth %d, %v", depth, err)
	}
}

func TestUpdateEntityClaim(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t)
	if err := p.CreateJob(ctx, &api.Job{ID: "Hj", Namespace: "test", Status: 1, Entity: "user"}, nil); err != nil {
		t.Fatal(err)
	}

	claim := func(result json.RawMessage) (api.Attr, error) {
		return api.Attr{Field: "h:0:4", Value: string(result), Type: api.FieldHMark}, nil
	}
	op := entity.Op{Kind: entity.OpIncrement, Path: "count", Delta: 1}
	doc, result, err := p.UpdateEntity(ctx, "test", "Hj", op, claim)
	if err != nil {
		t.Fatal(err)
	}
	if string(doc) != `{"count":1}` || string(result) != "1" {
		t.Fatalf("first apply = %s, %s", doc, result)
	}

	_, _, err = p.UpdateEntity(ctx, "test", "Hj", op, claim)
	var ce *fault.CollationError
	if !errors.As(err, &ce) || ce.Fault != "duplicate" {
		t.Fatalf("contested entity claim = %v", err)
	}
	v, ok, err := p.HGet(ctx, keys.Job("test", "Hj"), keys.FieldEntity)
	if err != nil || !ok || v != `{"count":1}` {
		t.Fatalf("document after contested claim = %q, %v, %v", v, ok, err)
	}
}

func TestPublishConsumeAck(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t)
	stream := keys.WorkerStream("test", "default")

	ids, err := p.Publish(ctx, stream, []*api.Message{mkMsg(t, "H1"), mkMsg(t, "H2")}, store.PublishOptions{})
	if err != nil || len(ids) != 2 {
		t.Fatalf("publish = %v, %v", ids, err)
	}

	opts := store.ConsumeOptions{BatchSize: 10, Reservation: time.Minute}
	batch, err := p.Consume(ctx, stream, api.GroupWorker, "w1", opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 2 || batch[0].JobID != "H1" {
		t.Fatalf("consume = %+v", batch)
	}

	// Reserved messages do not redeliver while the reservation holds.
	again, err := p.Consume(ctx, stream, api.GroupWorker, "w2", opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("reserved messages redelivered: %d", len(again))
	}

	if err := p.Ack(ctx, stream, api.GroupWorker, []string{batch[0].ID, batch[1].ID}); err != nil {
		t.Fatal(err)
	}
	depth, err := p.Depth(ctx, stream)
	if err != nil || depth != 0 {
		t.Fatalf("depth after ack = %d, %v", depth, err)
	}
}

func TestDelayedPublishPromotes(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t)
	stream := keys.EngineStream("test", "default")

	if _, err := p.Publish(ctx, stream, []*api.Message{mkMsg(t, "Hj")}, store.PublishOptions{Delay: 50 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	opts := store.ConsumeOptions{BatchSize: 10, Reservation: time.Minute}
	batch, err := p.Consume(ctx, stream, api.GroupEngine, "e1", opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 0 {
		t.Fatal("delayed message visible too early")
	}

	time.Sleep(60 * time.Millisecond)
	batch, err = p.Consume(ctx, stream, api.GroupEngine, "e1", opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 1 || batch[0].JobID != "Hj" {
		t.Fatalf("promoted batch = %+v", batch)
	}
}

func TestTrimByLength(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t)
	stream := keys.EngineStream("test", "default")
	for i := 0; i < 5; i++ {
		if _, err := p.Publish(ctx, stream, []*api.Message{mkMsg(t, "Hj")}, store.PublishOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	n, err := p.Trim(ctx, stream, store.TrimOptions{MaxLen: 2})
	if err != nil || n != 3 {
		t.Fatalf("trim = %d, %v", n, err)
	}
	if err := p.DeleteStream(ctx, stream); err != nil {
		t.Fatal(err)
	}
	depth, err := p.Depth(ctx, stream)
	if err != nil || depth != 0 {
		t.Fatalf("depth after delete = %d, %v", depth, err)
	}
}

func TestSearchScan(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t)
	docs := map[string]string{
		"H1": `{"plan":"pro","age":30}`,
		"H2": `{"plan":"pro","age":17}`,
		"H3": `{"plan":"free","age":44}`,
	}
	for id, doc := range docs {
		if err := p.CreateJob(ctx, &api.Job{ID: id, Namespace: "test", Status: 1, Entity: "user"},
			[]api.Attr{{Field: keys.FieldEntity, Value: doc, Type: api.FieldUData}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.CreateJob(ctx, &api.Job{ID: "H4", Namespace: "test", Status: 1, Entity: "order"},
		[]api.Attr{{Field: keys.FieldEntity, Value: `{"plan":"pro"}`, Type: api.FieldUData}}); err != nil {
		t.Fatal(err)
	}

	res, err := p.Find(ctx, "user", map[string]string{"plan": "pro"}, store.FindOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 2 {
		t.Fatalf("Find(plan=pro) = %d results", len(res))
	}
	if res[0].Context["$id"] == "" {
		t.Fatalf("context snapshot = %+v", res[0].Context)
	}

	res, err = p.FindByCondition(ctx, "user", "age", "18", store.OpGte, store.FindOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 2 {
		t.Fatalf("age >= 18 = %d results", len(res))
	}

	one, err := p.FindByID(ctx, "user", "H3")
	if err != nil {
		t.Fatal(err)
	}
	if one == nil || one.Context["plan"] != "free" {
		t.Fatalf("FindByID = %+v", one)
	}
	missing, err := p.FindByID(ctx, "user", "H4")
	if err != nil || missing != nil {
		t.Fatalf("cross-entity FindByID = %+v, %v", missing, err)
	}
}

func TestPruneStripAndTransient(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t)

	// Completed entity job: reclaimable attributes strip, durable ones stay.
	if err := p.CreateJob(ctx, &api.Job{ID: "Hkeep", Namespace: "test", Status: 0, Entity: "user"},
		[]api.Attr{
			{Field: "h:0:1", Value: "{}", Type: api.FieldHMark},
			{Field: "a:0:1", Value: "2", Type: api.FieldAData},
			{Field: "jm:0:2", Value: "{}", Type: api.FieldJMark},
			{Field: keys.FieldEntity, Value: `{"plan":"pro"}`, Type: api.FieldUData},
		}); err != nil {
		t.Fatal(err)
	}
	// Completed transient job: swept entirely.
	if err := p.CreateJob(ctx, &api.Job{ID: "Htmp", Namespace: "test", Status: 0}, nil); err != nil {
		t.Fatal(err)
	}
	// Active job: untouched.
	if err := p.CreateJob(ctx, &api.Job{ID: "Hlive", Namespace: "test", Status: 2, Entity: "user"}, nil); err != nil {
		t.Fatal(err)
	}

	res, err := p.Prune(ctx, store.PruneOptions{
		Retention:       0,
		StripAttributes: true,
		PruneTransient:  true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Transient != 1 {
		t.Fatalf("transient = %+v", res)
	}
	// status, hmark and adata are reclaimable; jmark and the entity document
	// survive.
	if res.Attributes != 3 || res.Marked != 1 {
		t.Fatalf("strip counts = %+v", res)
	}

	if _, ok, _ := p.HGet(ctx, keys.Job("test", "Hkeep"), "h:0:1"); ok {
		t.Fatal("hmark survived stripping")
	}
	if _, ok, _ := p.HGet(ctx, keys.Job("test", "Hkeep"), keys.FieldEntity); !ok {
		t.Fatal("entity document should survive stripping")
	}
	if _, err := p.GetJob(ctx, "test", "Hlive"); err != nil {
		t.Fatalf("active job should survive: %v", err)
	}
	if _, err := p.GetJob(ctx, "test", "Htmp"); err == nil {
		t.Fatal("transient job should be deleted")
	}
}
