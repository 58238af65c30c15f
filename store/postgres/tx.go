package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/fault"
	"github.com/memflowio/memflow/journal"
	"github.com/memflowio/memflow/keys"
	"github.com/memflowio/memflow/store"
)

type opKind int

const (
	opHSet opKind = iota
	opHSetNX
	opHIncrBy
	opHDel
	opSetExpire
	opPublish
	opNotify
)

type (
	txOp struct {
		kind   opKind
		key    string
		attrs  []api.Attr
		attr   api.Attr
		field  string
		by     int64
		fields []string

		namespace string
		jobID     string
		at        time.Time

		stream string
		msg    *api.Message
		delay  time.Duration

		topic   string
		payload []byte
	}

	// tx queues commands for one SQL transaction.
	tx struct {
		p     *Provider
		ops   []txOp
		spent bool
	}
)

// Transact returns a fresh queued transaction.
func (p *Provider) Transact() store.Transaction {
	return &tx{p: p}
}

func (t *tx) HSet(key string, attrs ...api.Attr) {
	t.ops = append(t.ops, txOp{kind: opHSet, key: key, attrs: attrs})
}

func (t *tx) HSetNX(key string, attr api.Attr) {
	t.ops = append(t.ops, txOp{kind: opHSetNX, key: key, attr: attr})
}

func (t *tx) HIncrBy(key, field string, by int64) {
	t.ops = append(t.ops, txOp{kind: opHIncrBy, key: key, field: field, by: by})
}

func (t *tx) HDel(key string, fields ...string) {
	t.ops = append(t.ops, txOp{kind: opHDel, key: key, fields: fields})
}

func (t *tx) SetExpire(namespace, jobID string, at time.Time) {
	t.ops = append(t.ops, txOp{kind: opSetExpire, namespace: namespace, jobID: jobID, at: at})
}

func (t *tx) Publish(stream string, msg *api.Message, delay time.Duration) {
	t.ops = append(t.ops, txOp{kind: opPublish, stream: stream, msg: msg, delay: delay})
}

func (t *tx) Notify(topic string, payload []byte) {
	t.ops = append(t.ops, txOp{kind: opNotify, topic: topic, payload: payload})
}

// Exec applies every queued command in one SQL transaction. HSetNX claims run
// first; a contested claim rolls back with a duplicate CollationError and
// nothing applies. Notifications ride the commit via pg_notify.
func (t *tx) Exec(ctx context.Context) ([]store.Result, error) {
	if t.spent {
		return nil, fault.New("transaction already executed")
	}
	t.spent = true

	sqlTx, err := t.p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer sqlTx.Rollback(ctx)

	// Claims first so a duplicate aborts before any effect lands.
	for _, op := range t.ops {
		if op.kind != opHSetNX {
			continue
		}
		tag, err := sqlTx.Exec(ctx, claimAttrSQL,
			op.key, op.attr.Field, op.attr.Value, string(attrType(op.attr)))
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 0 {
			dim, idx, _ := journal.ParseField(op.attr.Field)
			_, jobID, _ := keys.ParseJob(op.key)
			return nil, &fault.CollationError{Fault: "duplicate", JobID: jobID, Dimension: dim, Index: idx}
		}
	}

	results := make([]store.Result, len(t.ops))
	batch := &pgx.Batch{}
	// One scanner slot per queued statement; nil means exec-only. Batch
	// results must be consumed in queue order.
	var scanners []func(pgx.Row) error

	queueExec := func(sql string, args ...any) {
		batch.Queue(sql, args...)
		scanners = append(scanners, nil)
	}
	queueRow := func(scan func(pgx.Row) error, sql string, args ...any) {
		batch.Queue(sql, args...)
		scanners = append(scanners, scan)
	}

	for i, op := range t.ops {
		i := i
		switch op.kind {
		case opHSet:
			for _, a := range op.attrs {
				queueExec(upsertAttrSQL, op.key, a.Field, a.Value, string(attrType(a)))
			}
		case opHIncrBy:
			queueRow(func(r pgx.Row) error {
				return r.Scan(&results[i].Int)
			}, incrAttrSQL, op.key, op.field, op.by, string(keys.TypeOf(op.field)))
		case opHDel:
			queueExec(`DELETE FROM jobs_attributes WHERE job_key = $1 AND field = ANY($2)`,
				op.key, op.fields)
		case opSetExpire:
			queueExec(`UPDATE jobs SET expire_at = $2 WHERE key = $1`,
				keys.Job(op.namespace, op.jobID), op.at.UTC())
		case opPublish:
			raw, err := json.Marshal(op.msg)
			if err != nil {
				return nil, err
			}
			queueRow(func(r pgx.Row) error {
				var id int64
				if err := r.Scan(&id); err != nil {
					return err
				}
				results[i].ID = formatMsgID(id)
				return nil
			}, publishSQL, op.stream, raw, op.delay.Seconds())
		case opNotify:
			queueExec(`SELECT pg_notify($1, $2)`, op.topic, string(op.payload))
		}
	}

	br := sqlTx.SendBatch(ctx, batch)
	for _, scan := range scanners {
		if scan == nil {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return nil, err
			}
			continue
		}
		if err := scan(br.QueryRow()); err != nil {
			br.Close()
			return nil, err
		}
	}
	if err := br.Close(); err != nil {
		return nil, err
	}
	if err := sqlTx.Commit(ctx); err != nil {
		return nil, err
	}
	return results, nil
}
