package journal

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/fault"
	"github.com/memflowio/memflow/keys"
	"github.com/memflowio/memflow/store/inmem"
)

func TestEntryAttrRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	e := &Entry{
		Dimension: "0",
		Index:     3,
		Kind:      KindActivity,
		State:     StatePending,
		Input:     json.RawMessage(`{"activity":"charge"}`),
		Attempt:   1,
		CreatedAt: now,
	}
	attr, err := e.Attr()
	if err != nil {
		t.Fatal(err)
	}
	if attr.Field != "h:0:3" || attr.Type != api.FieldHMark {
		t.Fatalf("attr = %+v", attr)
	}
	back, err := Decode(attr)
	if err != nil {
		t.Fatal(err)
	}
	if back.Dimension != "0" || back.Index != 3 || back.Kind != KindActivity || !back.CreatedAt.Equal(now) {
		t.Fatalf("decoded = %+v", back)
	}
}

func TestParseField(t *testing.T) {
	dim, idx, ok := ParseField("h:2:17")
	if !ok || dim != "2" || idx != 17 {
		t.Fatalf("ParseField = %q, %d, %v", dim, idx, ok)
	}
	for _, f := range []string{"status", "n:0:1", "h:nope", "h:0:x"} {
		if _, _, ok := ParseField(f); ok {
			t.Errorf("ParseField(%q) should not match", f)
		}
	}
}

func TestTapeLoadLookupPending(t *testing.T) {
	mk := func(dim string, idx int, state State) api.Attr {
		e := &Entry{Dimension: dim, Index: idx, Kind: KindSleep, State: state, CreatedAt: time.Now()}
		a, err := e.Attr()
		if err != nil {
			t.Fatal(err)
		}
		return a
	}
	attrs := []api.Attr{
		mk("0", 1, StateResolved),
		mk("0", 2, StatePending),
		mk("1", 1, StatePending),
		{Field: "status", Value: "2"},
		{Field: "fn:0", Value: "{}"},
	}
	tape, err := LoadTape(attrs)
	if err != nil {
		t.Fatal(err)
	}
	if e := tape.Lookup("0", 2); e == nil || e.State != StatePending {
		t.Fatalf("Lookup(0,2) = %+v", e)
	}
	if tape.Lookup("0", 9) != nil {
		t.Fatal("absent slot should be nil")
	}
	if n := tape.PendingCount(); n != 2 {
		t.Fatalf("PendingCount = %d", n)
	}
	if dims := tape.Dimensions(); len(dims) != 2 {
		t.Fatalf("Dimensions = %v", dims)
	}

	ordered := tape.Entries()
	if len(ordered) != 3 {
		t.Fatalf("Entries = %d", len(ordered))
	}
	if ordered[0].Dimension != "0" || ordered[0].Index != 1 || ordered[2].Dimension != "1" {
		t.Fatalf("Entries order = %+v", ordered)
	}
}

func TestCollatorNotarizeDuplicate(t *testing.T) {
	ctx := context.Background()
	p := inmem.New()
	c := NewCollator(p, "test")
	if err := p.CreateJob(ctx, &api.Job{ID: "Hj", Namespace: "test", Status: 1}, nil); err != nil {
		t.Fatal(err)
	}

	e := &Entry{Dimension: "0", Index: 1, Kind: KindActivity, State: StatePending, CreatedAt: time.Now()}
	tx := p.Transact()
	if err := c.NotarizeLeg1(tx, "Hj", e); err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Exec(ctx); err != nil {
		t.Fatal(err)
	}

	// Redelivery claims the same slot and must abort.
	tx = p.Transact()
	if err := c.NotarizeLeg1(tx, "Hj", e); err != nil {
		t.Fatal(err)
	}
	_, err := tx.Exec(ctx)
	var ce *fault.CollationError
	if !errors.As(err, &ce) || ce.Fault != "duplicate" {
		t.Fatalf("want duplicate CollationError, got %v", err)
	}
	if ce.Dimension != "0" || ce.Index != 1 {
		t.Fatalf("collation location = %+v", ce)
	}
}

func TestCollatorResolveReentryDimension(t *testing.T) {
	ctx := context.Background()
	p := inmem.New()
	c := NewCollator(p, "test")
	if err := p.CreateJob(ctx, &api.Job{ID: "Hj", Namespace: "test", Status: 1}, nil); err != nil {
		t.Fatal(err)
	}

	dim1, err := c.ResolveReentryDimension(ctx, "Hj", "hook-a")
	if err != nil {
		t.Fatal(err)
	}
	if dim1 != "1" {
		t.Fatalf("first minted dimension = %q", dim1)
	}
	// Redelivery of the same hook observes the same dimension.
	again, err := c.ResolveReentryDimension(ctx, "Hj", "hook-a")
	if err != nil || again != dim1 {
		t.Fatalf("reentry dimension not stable: %q, %v", again, err)
	}
	dim2, err := c.ResolveReentryDimension(ctx, "Hj", "hook-b")
	if err != nil || dim2 == dim1 {
		t.Fatalf("distinct hooks should mint distinct dimensions: %q, %v", dim2, err)
	}

	// Verify attribute placement so housekeeping can reclaim it.
	v, ok, err := p.HGet(ctx, keys.Job("test", "Hj"), keys.HookDimField("hook-a"))
	if err != nil || !ok || v != dim1 {
		t.Fatalf("hook dim attr = %q, %v, %v", v, ok, err)
	}
}

func TestCollatorVerifyDimension(t *testing.T) {
	tape, err := LoadTape(nil)
	if err != nil {
		t.Fatal(err)
	}
	c := NewCollator(inmem.New(), "test")
	if err := c.VerifyDimension(tape, "Hj", "0", 1, 0); err != nil {
		t.Fatalf("absent slot should verify: %v", err)
	}
	tape.Record(&Entry{Dimension: "0", Index: 1, State: StateResolved, Attempt: 3})
	err = c.VerifyDimension(tape, "Hj", "0", 1, 1)
	var ge *fault.GenerationalError
	if !errors.As(err, &ge) {
		t.Fatalf("stale attempt should be generational, got %v", err)
	}
	if err := c.VerifyDimension(tape, "Hj", "0", 1, 3); err != nil {
		t.Fatalf("current attempt should verify: %v", err)
	}
}
