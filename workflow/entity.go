package workflow

import (
	"encoding/json"
	"errors"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/entity"
	"github.com/memflowio/memflow/fault"
	"github.com/memflowio/memflow/journal"
)

// Entity is the durable handle over the job's entity document. Mutations
// apply atomically against concurrent hook threads and are journaled with
// their result, so replays observe the original outcome instead of
// re-applying the op.
type Entity struct {
	c *Context
}

// Entity returns the entity handle for this execution.
func (c *Context) Entity() *Entity {
	return &Entity{c: c}
}

// Set replaces the whole document and returns it.
func (e *Entity) Set(value any) (json.RawMessage, error) {
	return e.apply(entity.OpSet, "", value, 0)
}

// Merge deep-merges value into the document and returns the merged document.
// Nested objects merge; arrays and scalars overwrite.
func (e *Entity) Merge(value any) (json.RawMessage, error) {
	return e.apply(entity.OpMerge, "", value, 0)
}

// Append pushes item onto the array at path and returns the new array.
func (e *Entity) Append(path string, item any) (json.RawMessage, error) {
	return e.apply(entity.OpAppend, path, item, 0)
}

// Prepend inserts item at the head of the array at path.
func (e *Entity) Prepend(path string, item any) (json.RawMessage, error) {
	return e.apply(entity.OpPrepend, path, item, 0)
}

// Increment adds delta to the number at path and returns the new value.
func (e *Entity) Increment(path string, delta float64) (float64, error) {
	raw, err := e.apply(entity.OpIncrement, path, nil, delta)
	if err != nil {
		return 0, err
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// Toggle flips the boolean at path and returns the new value.
func (e *Entity) Toggle(path string) (bool, error) {
	raw, err := e.apply(entity.OpToggle, path, nil, 0)
	if err != nil {
		return false, err
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, err
	}
	return b, nil
}

// SetIfNotExists writes value at path only when the path is absent, returning
// the value now present there.
func (e *Entity) SetIfNotExists(path string, value any) (json.RawMessage, error) {
	return e.apply(entity.OpSetIfNotExists, path, value, 0)
}

// Get reads the value at path into out. The read is journaled, so replays
// observe the value seen on first execution even if the document moved on.
// An absent path leaves out untouched and returns false.
func (e *Entity) Get(path string, out any) (bool, error) {
	c := e.c
	idx := c.next()
	if ent := c.lookup(idx); ent != nil {
		if err := replay(ent, nil); err != nil {
			return false, err
		}
		if len(ent.Result) == 0 || string(ent.Result) == "null" {
			return false, nil
		}
		if out != nil {
			if err := json.Unmarshal(ent.Result, out); err != nil {
				return false, err
			}
		}
		return true, nil
	}

	doc, err := c.rt.GetEntity(c.ctx, c.info.JobID)
	if err != nil {
		return false, err
	}
	raw, exists, err := entity.Get(doc, path)
	if err != nil {
		return false, err
	}
	ent := c.newEntry(idx, journal.KindEntity, journal.StateResolved)
	if ent.Input, err = json.Marshal(map[string]string{"op": "get", "path": path}); err != nil {
		return false, err
	}
	ent.Result = raw
	if err := c.commit(Commit{Entry: ent}); err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (e *Entity) apply(kind entity.OpKind, path string, value any, delta float64) (json.RawMessage, error) {
	c := e.c
	idx := c.next()
	if ent := c.lookup(idx); ent != nil {
		if err := replay(ent, nil); err != nil {
			return nil, err
		}
		return ent.Result, nil
	}

	op := entity.Op{Kind: kind, Path: path, Delta: delta}
	if value != nil {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		op.Value = raw
	}
	input, err := json.Marshal(op)
	if err != nil {
		return nil, err
	}

	ent := c.newEntry(idx, journal.KindEntity, journal.StateResolved)
	ent.Input = input
	claim := func(result json.RawMessage) (api.Attr, error) {
		ent.Result = result
		return ent.Attr()
	}
	_, result, err := c.rt.ApplyEntityOp(c.ctx, c.info.JobID, op, claim)
	if err != nil {
		var ce *fault.CollationError
		if errors.As(err, &ce) {
			// A racing delivery already applied this slot; yield to it.
			return nil, fault.ErrSuspended
		}
		return nil, err
	}
	ent.Result = result
	c.tape.Record(ent)
	return result, nil
}
