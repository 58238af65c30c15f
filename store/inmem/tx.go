package inmem

import (
	"context"
	"fmt"
	"time"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/fault"
	"github.com/memflowio/memflow/keys"
	"github.com/memflowio/memflow/store"
)

type (
	opKind int

	txOp struct {
		kind   opKind
		key    string
		attrs  []api.Attr
		field  string
		by     int64
		fields []string
		ns     string
		jobID  string
		at     time.Time
		stream string
		msg    *api.Message
		delay  time.Duration
		topic  string
		data   []byte
	}

	// tx queues commands and applies them under the provider lock in one
	// critical section, giving all-or-nothing semantics.
	tx struct {
		p    *Provider
		ops  []txOp
		done bool
	}
)

const (
	opHSet opKind = iota
	opHSetNX
	opHIncrBy
	opHDel
	opSetExpire
	opPublish
	opNotify
)

// Transact returns a queued transaction.
func (p *Provider) Transact() store.Transaction {
	return &tx{p: p}
}

func (t *tx) HSet(key string, attrs ...api.Attr) {
	t.ops = append(t.ops, txOp{kind: opHSet, key: key, attrs: attrs})
}

func (t *tx) HSetNX(key string, attr api.Attr) {
	t.ops = append(t.ops, txOp{kind: opHSetNX, key: key, attrs: []api.Attr{attr}})
}

func (t *tx) HIncrBy(key, field string, by int64) {
	t.ops = append(t.ops, txOp{kind: opHIncrBy, key: key, field: field, by: by})
}

func (t *tx) HDel(key string, fields ...string) {
	t.ops = append(t.ops, txOp{kind: opHDel, key: key, fields: fields})
}

func (t *tx) SetExpire(namespace, jobID string, at time.Time) {
	t.ops = append(t.ops, txOp{kind: opSetExpire, ns: namespace, jobID: jobID, at: at})
}

func (t *tx) Publish(stream string, msg *api.Message, delay time.Duration) {
	t.ops = append(t.ops, txOp{kind: opPublish, stream: stream, msg: msg, delay: delay})
}

func (t *tx) Notify(topic string, payload []byte) {
	t.ops = append(t.ops, txOp{kind: opNotify, topic: topic, data: payload})
}

// Exec applies the queued commands atomically. Any HSetNX conflict aborts
// the whole batch with a duplicate CollationError.
func (t *tx) Exec(ctx context.Context) ([]store.Result, error) {
	if t.done {
		return nil, fmt.Errorf("transaction already executed")
	}
	t.done = true

	p := t.p
	p.mu.Lock()

	// Validate claims before mutating anything.
	for _, op := range t.ops {
		if op.kind != opHSetNX {
			continue
		}
		if _, taken := p.hashes[op.key][op.attrs[0].Field]; taken {
			p.mu.Unlock()
			dim, idx := splitEntryField(op.attrs[0].Field)
			_, jobID, _ := keys.ParseJob(op.key)
			return nil, &fault.CollationError{Fault: "duplicate", JobID: jobID, Dimension: dim, Index: idx}
		}
	}

	results := make([]store.Result, len(t.ops))
	var notifies []txOp
	now := time.Now().UTC()
	for i, op := range t.ops {
		switch op.kind {
		case opHSet, opHSetNX:
			h := p.hash(op.key)
			for _, a := range op.attrs {
				h[a.Field] = a
			}
		case opHIncrBy:
			results[i] = store.Result{Int: p.hincrLocked(op.key, op.field, op.by)}
		case opHDel:
			h := p.hashes[op.key]
			for _, f := range op.fields {
				delete(h, f)
			}
		case opSetExpire:
			if job, ok := p.jobs[keys.Job(op.ns, op.jobID)]; ok {
				at := op.at.UTC()
				job.ExpireAt = &at
			}
		case opPublish:
			results[i] = store.Result{ID: p.publishLocked(op.stream, op.msg, op.delay, now)}
		case opNotify:
			notifies = append(notifies, op)
		}
	}
	p.mu.Unlock()

	// Notifications fan out after the state commit so subscribers never
	// observe a half-applied step.
	for _, op := range notifies {
		p.notifyLocal(op.topic, op.data)
	}
	return results, nil
}
