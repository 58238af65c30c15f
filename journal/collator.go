package journal

import (
	"context"
	"errors"
	"strconv"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/fault"
	"github.com/memflowio/memflow/keys"
	"github.com/memflowio/memflow/store"
)

// Collator assigns dimensional thread identifiers and notarizes leg
// completion so duplicate replays and stale-generation messages are detected
// instead of re-applied.
type Collator struct {
	store     store.Store
	namespace string
}

// NewCollator binds a collator to a namespace on the given store.
func NewCollator(s store.Store, namespace string) *Collator {
	return &Collator{store: s, namespace: namespace}
}

// NotarizeLeg1 queues the exactly-once claim of a fresh journal entry on the
// transaction. If another delivery already claimed the slot, Exec aborts with
// a duplicate CollationError and none of the bundled commands apply.
func (c *Collator) NotarizeLeg1(tx store.Transaction, jobID string, e *Entry) error {
	attr, err := e.Attr()
	if err != nil {
		return err
	}
	tx.HSetNX(keys.Job(c.namespace, jobID), attr)
	return nil
}

// ResolveReentryDimension mints (or re-reads) the dimension for a re-entered
// execution branch identified by reentryID, typically a hook invocation ID.
// Minting is idempotent: redeliveries of the same reentryID observe the same
// dimension.
func (c *Collator) ResolveReentryDimension(ctx context.Context, jobID, reentryID string) (string, error) {
	key := keys.Job(c.namespace, jobID)
	field := keys.HookDimField(reentryID)
	if dim, ok, err := c.store.HGet(ctx, key, field); err != nil {
		return "", err
	} else if ok {
		return dim, nil
	}
	n, err := c.store.HIncrBy(ctx, key, keys.FieldDimCount, 1)
	if err != nil {
		return "", err
	}
	dim := strconv.FormatInt(n, 10)
	tx := c.store.Transact()
	tx.HSetNX(key, api.Attr{Field: field, Value: dim, Type: api.FieldHMark})
	if _, err := tx.Exec(ctx); err != nil {
		var ce *fault.CollationError
		if errors.As(err, &ce) {
			// Lost the mint race; the winner's dimension is authoritative.
			existing, ok, gerr := c.store.HGet(ctx, key, field)
			if gerr != nil {
				return "", gerr
			}
			if ok {
				return existing, nil
			}
		}
		return "", err
	}
	return dim, nil
}

// VerifyDimension returns a GenerationalError when a message addresses a
// dimension the job has already advanced past (its slot is resolved under a
// newer attempt). Callers suppress the error and drop the message.
func (c *Collator) VerifyDimension(tape *Tape, jobID, dimension string, index int, attempt int) error {
	e := tape.Lookup(dimension, index)
	if e == nil {
		return nil
	}
	if e.Attempt > attempt {
		return &fault.GenerationalError{JobID: jobID, Dimension: dimension}
	}
	return nil
}
