package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/entity"
	"github.com/memflowio/memflow/fault"
	"github.com/memflowio/memflow/journal"
	"github.com/memflowio/memflow/keys"
	"github.com/memflowio/memflow/store"
)

// fakeRuntime records commits and applies entity ops in memory so that
// Context primitives can be exercised without an engine.
type fakeRuntime struct {
	commits   []Commit
	commitErr error
	doc       json.RawMessage
	applyErr  error
	parked    map[string]json.RawMessage
	// queues maps job IDs to their home task queues; absent jobs resolve to
	// the caller's default.
	queues map[string]string
}

func (rt *fakeRuntime) Commit(_ context.Context, _ string, c Commit) error {
	if rt.commitErr != nil {
		return rt.commitErr
	}
	rt.commits = append(rt.commits, c)
	return nil
}

func (rt *fakeRuntime) ApplyEntityOp(_ context.Context, _ string, op entity.Op, claim store.EntityClaim) (json.RawMessage, json.RawMessage, error) {
	if rt.applyErr != nil {
		return nil, nil, rt.applyErr
	}
	doc, result, err := entity.Apply(rt.doc, op)
	if err != nil {
		return nil, nil, err
	}
	if claim != nil {
		if _, err := claim(result); err != nil {
			return nil, nil, err
		}
	}
	rt.doc = doc
	return doc, result, nil
}

func (rt *fakeRuntime) GetEntity(context.Context, string) (json.RawMessage, error) {
	return rt.doc, nil
}

func (rt *fakeRuntime) GetParkedSignal(_ context.Context, _, signalID string) (json.RawMessage, bool, error) {
	data, ok := rt.parked[signalID]
	return data, ok, nil
}

func (rt *fakeRuntime) JobTaskQueue(_ context.Context, jobID string) (string, error) {
	if tq, ok := rt.queues[jobID]; ok {
		return tq, nil
	}
	return "default", nil
}

func testContext(t *testing.T, rt Runtime, tape *journal.Tape) *Context {
	t.Helper()
	if tape == nil {
		var err error
		tape, err = journal.LoadTape(nil)
		if err != nil {
			t.Fatal(err)
		}
	}
	info := Info{
		Namespace: "test",
		JobID:     "Hj",
		Workflow:  "order",
		TaskQueue: "default",
		Dimension: journal.RootDimension,
		Attempt:   1,
	}
	return NewContext(context.Background(), rt, info, tape, nil)
}

func resolvedEntry(idx int, kind journal.Kind, result string) *journal.Entry {
	now := time.Now().UTC()
	return &journal.Entry{
		Dimension:  journal.RootDimension,
		Index:      idx,
		Kind:       kind,
		State:      journal.StateResolved,
		Result:     json.RawMessage(result),
		CreatedAt:  now,
		ResolvedAt: &now,
	}
}

func TestProxyExecFirstRunSuspends(t *testing.T) {
	rt := &fakeRuntime{}
	c := testContext(t, rt, nil)

	err := c.Proxy(ActivityOptions{}).Exec("charge", nil, 42)
	if !fault.IsSuspension(err) {
		t.Fatalf("first execution should suspend, got %v", err)
	}
	if len(rt.commits) != 1 {
		t.Fatalf("commits = %d", len(rt.commits))
	}
	cm := rt.commits[0]
	if cm.Entry.Kind != journal.KindActivity || cm.Entry.State != journal.StatePending {
		t.Fatalf("entry = %+v", cm.Entry)
	}
	if cm.StatusDelta != 1 {
		t.Fatalf("status delta = %d", cm.StatusDelta)
	}
	if len(cm.Outbound) != 1 || cm.Outbound[0].Stream != keys.WorkerStream("test", "default") {
		t.Fatalf("outbound = %+v", cm.Outbound)
	}
	if cm.Outbound[0].Msg.Type != api.MessageActivity {
		t.Fatalf("message type = %s", cm.Outbound[0].Msg.Type)
	}
}

func TestProxyExecRoutesToTaskQueue(t *testing.T) {
	rt := &fakeRuntime{}
	c := testContext(t, rt, nil)

	_, err := c.Proxy(ActivityOptions{TaskQueue: "billing"}).ExecAsync("charge")
	if err != nil {
		t.Fatal(err)
	}
	if got := rt.commits[0].Outbound[0].Stream; got != keys.WorkerStream("test", "billing") {
		t.Fatalf("stream = %q", got)
	}
}

func TestProxyExecReplaysResolved(t *testing.T) {
	tape, err := journal.LoadTape(nil)
	if err != nil {
		t.Fatal(err)
	}
	tape.Record(resolvedEntry(0, journal.KindActivity, `"receipt-7"`))

	rt := &fakeRuntime{}
	c := testContext(t, rt, tape)
	var out string
	if err := c.Proxy(ActivityOptions{}).Exec("charge", &out); err != nil {
		t.Fatal(err)
	}
	if out != "receipt-7" {
		t.Fatalf("replayed result = %q", out)
	}
	if len(rt.commits) != 0 {
		t.Fatalf("replay should not commit, got %d commits", len(rt.commits))
	}
}

func TestProxyExecReplaysFailure(t *testing.T) {
	tape, err := journal.LoadTape(nil)
	if err != nil {
		t.Fatal(err)
	}
	e := resolvedEntry(0, journal.KindActivity, "")
	e.State = journal.StateFailed
	e.Err = fault.Fatal("card declined").Envelope()
	tape.Record(e)

	c := testContext(t, &fakeRuntime{}, tape)
	err = c.Proxy(ActivityOptions{}).Exec("charge", nil)
	if !fault.IsFatal(err) {
		t.Fatalf("replayed failure = %v", err)
	}
}

func TestProxyContestedClaimYields(t *testing.T) {
	rt := &fakeRuntime{commitErr: &fault.CollationError{Fault: "duplicate", JobID: "Hj"}}
	c := testContext(t, rt, nil)

	err := c.Proxy(ActivityOptions{}).Exec("charge", nil)
	if !fault.IsSuspension(err) {
		t.Fatalf("contested claim should suspend, got %v", err)
	}
}

func TestSleepFor(t *testing.T) {
	rt := &fakeRuntime{}
	c := testContext(t, rt, nil)

	if err := c.SleepFor("2 seconds"); !fault.IsSuspension(err) {
		t.Fatalf("sleep should suspend, got %v", err)
	}
	cm := rt.commits[0]
	if cm.Entry.Kind != journal.KindSleep || cm.StatusDelta != 1 {
		t.Fatalf("commit = %+v", cm)
	}
	if len(cm.Outbound) != 1 || cm.Outbound[0].Delay != 2*time.Second {
		t.Fatalf("outbound = %+v", cm.Outbound)
	}
	if cm.Outbound[0].Stream != keys.EngineStream("test", "default") {
		t.Fatalf("timer stream = %q", cm.Outbound[0].Stream)
	}
	if cm.Outbound[0].Msg.Type != api.MessageTimer {
		t.Fatalf("message type = %s", cm.Outbound[0].Msg.Type)
	}
}

func TestSleepForInfiniteHasNoTimer(t *testing.T) {
	rt := &fakeRuntime{}
	c := testContext(t, rt, nil)

	if err := c.SleepFor("infinity"); !fault.IsSuspension(err) {
		t.Fatalf("infinite sleep should suspend, got %v", err)
	}
	if len(rt.commits[0].Outbound) != 0 {
		t.Fatalf("infinite sleep should not schedule a timer: %+v", rt.commits[0].Outbound)
	}
}

func TestSleepForReplay(t *testing.T) {
	tape, err := journal.LoadTape(nil)
	if err != nil {
		t.Fatal(err)
	}
	tape.Record(resolvedEntry(0, journal.KindSleep, ""))

	rt := &fakeRuntime{}
	c := testContext(t, rt, tape)
	if err := c.SleepFor("2 seconds"); err != nil {
		t.Fatalf("resolved sleep should return nil, got %v", err)
	}
	if len(rt.commits) != 0 {
		t.Fatal("replay should not commit")
	}
}

func TestWaitForSuspendsWithTimeout(t *testing.T) {
	rt := &fakeRuntime{}
	c := testContext(t, rt, nil)

	err := c.WaitFor("approved", nil, "5 seconds")
	if !fault.IsSuspension(err) {
		t.Fatalf("wait should suspend, got %v", err)
	}
	cm := rt.commits[0]
	if cm.Entry.Kind != journal.KindWaitFor || cm.StatusDelta != 1 {
		t.Fatalf("commit = %+v", cm)
	}
	if len(cm.Set) != 1 || cm.Set[0].Field != keys.WaitField("approved") {
		t.Fatalf("wait attr = %+v", cm.Set)
	}
	if len(cm.Outbound) != 1 || cm.Outbound[0].Delay != 5*time.Second {
		t.Fatalf("timeout timer = %+v", cm.Outbound)
	}
}

func TestWaitForConsumesParkedSignal(t *testing.T) {
	rt := &fakeRuntime{parked: map[string]json.RawMessage{
		"approved": json.RawMessage(`{"by":"ada"}`),
	}}
	c := testContext(t, rt, nil)

	var out struct {
		By string `json:"by"`
	}
	if err := c.WaitFor("approved", &out, ""); err != nil {
		t.Fatalf("parked signal should resolve without suspending: %v", err)
	}
	if out.By != "ada" {
		t.Fatalf("payload = %+v", out)
	}
	cm := rt.commits[0]
	if cm.Entry.State != journal.StateResolved || cm.StatusDelta != 0 {
		t.Fatalf("commit = %+v", cm)
	}
	if len(cm.Del) != 1 || cm.Del[0] != keys.ParkedSignalField("approved") {
		t.Fatalf("parked field not consumed: %+v", cm.Del)
	}
}

func TestSignalJournaled(t *testing.T) {
	rt := &fakeRuntime{}
	c := testContext(t, rt, nil)

	if err := c.Signal("Hother", "go", map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}
	cm := rt.commits[0]
	if cm.Entry.Kind != journal.KindSignal || cm.Entry.State != journal.StateResolved {
		t.Fatalf("entry = %+v", cm.Entry)
	}
	if cm.Outbound[0].Msg.Type != api.MessageSignal {
		t.Fatalf("message type = %s", cm.Outbound[0].Msg.Type)
	}

	// Replays do not re-send.
	c2 := testContext(t, rt, c.tape)
	if err := c2.Signal("Hother", "go", nil); err != nil {
		t.Fatal(err)
	}
	if len(rt.commits) != 1 {
		t.Fatalf("replay re-sent the signal: %d commits", len(rt.commits))
	}
}

func TestSignalRoutesToTargetHomeQueue(t *testing.T) {
	rt := &fakeRuntime{queues: map[string]string{"Hremote": "beta"}}
	c := testContext(t, rt, nil)

	if err := c.Signal("Hremote", "go", "hi"); err != nil {
		t.Fatal(err)
	}
	if got, want := rt.commits[0].Outbound[0].Stream, keys.EngineStream("test", "beta"); got != want {
		t.Fatalf("signal stream = %q, want %q", got, want)
	}

	// Jobs on the sender's own queue keep routing there.
	if err := c.Signal("Hlocal", "go", "hi"); err != nil {
		t.Fatal(err)
	}
	if got, want := rt.commits[1].Outbound[0].Stream, keys.EngineStream("test", "default"); got != want {
		t.Fatalf("signal stream = %q, want %q", got, want)
	}
}

func TestEntityOpsJournalAndReplay(t *testing.T) {
	rt := &fakeRuntime{}
	c := testContext(t, rt, nil)
	ent := c.Entity()

	if _, err := ent.Set(map[string]any{"count": 0}); err != nil {
		t.Fatal(err)
	}
	n, err := ent.Increment("count", 3)
	if err != nil || n != 3 {
		t.Fatalf("increment = %v, %v", n, err)
	}
	on, err := ent.Toggle("on")
	if err != nil || !on {
		t.Fatalf("toggle = %v, %v", on, err)
	}

	// Replay the same step against a runtime that would reject new ops: every
	// call must come off the tape.
	rt2 := &fakeRuntime{applyErr: fault.Fatal("no new ops on replay")}
	c2 := testContext(t, rt2, c.tape)
	ent2 := c2.Entity()
	if _, err := ent2.Set(nil); err != nil {
		t.Fatalf("replayed set: %v", err)
	}
	n, err = ent2.Increment("count", 999)
	if err != nil || n != 3 {
		t.Fatalf("replayed increment = %v, %v", n, err)
	}
	on, err = ent2.Toggle("on")
	if err != nil || !on {
		t.Fatalf("replayed toggle = %v, %v", on, err)
	}
}

func TestEntityGetJournaled(t *testing.T) {
	rt := &fakeRuntime{doc: json.RawMessage(`{"plan":"pro"}`)}
	c := testContext(t, rt, nil)

	var plan string
	ok, err := c.Entity().Get("plan", &plan)
	if err != nil || !ok || plan != "pro" {
		t.Fatalf("get = %v, %v, %q", ok, err, plan)
	}

	// The document moves on, but the replayed read sees the journaled value.
	rt.doc = json.RawMessage(`{"plan":"free"}`)
	c2 := testContext(t, rt, c.tape)
	plan = ""
	ok, err = c2.Entity().Get("plan", &plan)
	if err != nil || !ok || plan != "pro" {
		t.Fatalf("replayed get = %v, %v, %q", ok, err, plan)
	}

	ok, err = c2.Entity().Get("missing", nil)
	if err != nil || ok {
		t.Fatalf("absent path = %v, %v", ok, err)
	}
}

func TestRandomDeterministic(t *testing.T) {
	c1 := testContext(t, &fakeRuntime{}, nil)
	c2 := testContext(t, &fakeRuntime{}, nil)

	a1, a2 := c1.Random(), c1.Random()
	b1, b2 := c2.Random(), c2.Random()
	if a1 != b1 || a2 != b2 {
		t.Fatalf("random not deterministic per index: %v %v vs %v %v", a1, a2, b1, b2)
	}
	if a1 == a2 {
		t.Fatal("consecutive draws should differ")
	}
	for _, v := range []float64{a1, a2} {
		if v < 0 || v >= 1 {
			t.Fatalf("draw out of range: %v", v)
		}
	}
}

func TestTraceWritesMark(t *testing.T) {
	rt := &fakeRuntime{}
	c := testContext(t, rt, nil)

	if err := c.Trace(map[string]string{"step": "charged"}); err != nil {
		t.Fatal(err)
	}
	cm := rt.commits[0]
	if len(cm.Set) != 1 || cm.Set[0].Type != api.FieldJMark {
		t.Fatalf("trace attr = %+v", cm.Set)
	}
	if cm.Set[0].Field != keys.MarkField(journal.RootDimension, 0) {
		t.Fatalf("trace field = %q", cm.Set[0].Field)
	}
}

func TestEmitNotifiesJobTopic(t *testing.T) {
	rt := &fakeRuntime{}
	c := testContext(t, rt, nil)

	if err := c.Emit(map[string]string{"stage": "done"}); err != nil {
		t.Fatal(err)
	}
	cm := rt.commits[0]
	if len(cm.Notify) != 1 || cm.Notify[0].Topic != keys.JobTopic("test", "Hj") {
		t.Fatalf("notify = %+v", cm.Notify)
	}
	var evt api.JobEvent
	if err := json.Unmarshal(cm.Notify[0].Payload, &evt); err != nil {
		t.Fatal(err)
	}
	if evt.Type != api.EventEmit || evt.JobID != "Hj" {
		t.Fatalf("event = %+v", evt)
	}
}

func TestStartChild(t *testing.T) {
	rt := &fakeRuntime{}
	c := testContext(t, rt, nil)

	childID, err := c.StartChild(ChildOptions{Workflow: "shipment"})
	if err != nil {
		t.Fatal(err)
	}
	if len(childID) != 22 || childID[0] != 'H' {
		t.Fatalf("minted child id = %q", childID)
	}
	cm := rt.commits[0]
	if cm.Entry.Kind != journal.KindChildStart || cm.Entry.State != journal.StateResolved {
		t.Fatalf("entry = %+v", cm.Entry)
	}
	if cm.StatusDelta != 0 {
		t.Fatalf("fire-and-record should not hold the semaphore: %d", cm.StatusDelta)
	}
	if len(cm.Set) != 1 || cm.Set[0].Field != keys.ChildField(childID) {
		t.Fatalf("child link = %+v", cm.Set)
	}
	if cm.Outbound[0].Msg.Type != api.MessageStart {
		t.Fatalf("message type = %s", cm.Outbound[0].Msg.Type)
	}

	// Replay addresses the same child without re-dispatching.
	c2 := testContext(t, rt, c.tape)
	again, err := c2.StartChild(ChildOptions{Workflow: "shipment"})
	if err != nil || again != childID {
		t.Fatalf("replayed child id = %q, %v", again, err)
	}
	if len(rt.commits) != 1 {
		t.Fatalf("replay re-dispatched: %d commits", len(rt.commits))
	}
}

func TestExecChildSuspendsUntilResult(t *testing.T) {
	rt := &fakeRuntime{}
	c := testContext(t, rt, nil)

	err := c.ExecChild(ChildOptions{Workflow: "shipment", JobID: "Hchild"}, nil)
	if !fault.IsSuspension(err) {
		t.Fatalf("awaited child should suspend, got %v", err)
	}
	cm := rt.commits[0]
	if cm.Entry.Kind != journal.KindChildExec || cm.Entry.State != journal.StatePending {
		t.Fatalf("entry = %+v", cm.Entry)
	}
	if cm.StatusDelta != 1 {
		t.Fatalf("status delta = %d", cm.StatusDelta)
	}

	// The child's terminal event resolves the slot; replay yields the result.
	tape, err2 := journal.LoadTape(nil)
	if err2 != nil {
		t.Fatal(err2)
	}
	e := resolvedEntry(0, journal.KindChildExec, `"delivered"`)
	e.Input, _ = json.Marshal(childInput{ChildID: "Hchild", Workflow: "shipment"})
	tape.Record(e)
	c2 := testContext(t, rt, tape)
	var out string
	if err := c2.ExecChild(ChildOptions{Workflow: "shipment", JobID: "Hchild"}, &out); err != nil {
		t.Fatal(err)
	}
	if out != "delivered" {
		t.Fatalf("child result = %q", out)
	}
}

func TestAllBarrier(t *testing.T) {
	rt := &fakeRuntime{}
	c := testContext(t, rt, nil)
	p := c.Proxy(ActivityOptions{})

	f1, err := p.ExecAsync("a")
	if err != nil {
		t.Fatal(err)
	}
	f2, err := p.ExecAsync("b")
	if err != nil {
		t.Fatal(err)
	}
	if err := All(f1, f2); !fault.IsSuspension(err) {
		t.Fatalf("pending futures should suspend, got %v", err)
	}

	// One resolved, one failed: the barrier surfaces the recorded failure.
	tape, err := journal.LoadTape(nil)
	if err != nil {
		t.Fatal(err)
	}
	tape.Record(resolvedEntry(0, journal.KindActivity, `"ok"`))
	failed := resolvedEntry(1, journal.KindActivity, "")
	failed.State = journal.StateFailed
	failed.Err = fault.Maxed("too many retries", nil).Envelope()
	tape.Record(failed)

	c2 := testContext(t, rt, tape)
	p2 := c2.Proxy(ActivityOptions{})
	f1, _ = p2.ExecAsync("a")
	f2, _ = p2.ExecAsync("b")
	if !f1.Ready() || !f2.Ready() {
		t.Fatal("recorded futures should be ready")
	}
	err = All(f1, f2)
	if !fault.IsMaxed(err) {
		t.Fatalf("barrier should surface the recorded failure, got %v", err)
	}
}

func TestArgAccess(t *testing.T) {
	tape, err := journal.LoadTape(nil)
	if err != nil {
		t.Fatal(err)
	}
	info := Info{Namespace: "test", JobID: "Hj", Dimension: journal.RootDimension}
	args := []json.RawMessage{json.RawMessage(`"order-1"`), json.RawMessage(`3`)}
	c := NewContext(context.Background(), &fakeRuntime{}, info, tape, args)

	var id string
	if err := c.Arg(0, &id); err != nil || id != "order-1" {
		t.Fatalf("arg 0 = %q, %v", id, err)
	}
	var n int
	if err := c.Arg(1, &n); err != nil || n != 3 {
		t.Fatalf("arg 1 = %d, %v", n, err)
	}
	if err := c.Arg(2, &n); err == nil {
		t.Fatal("out-of-range arg should fail")
	}
}
