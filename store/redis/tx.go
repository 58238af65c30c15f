package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/fault"
	"github.com/memflowio/memflow/guid"
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

	// tx queues commands for one optimistic WATCH/MULTI commit.
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

// Exec validates every HSetNX claim under WATCH, applies all commands in one
// MULTI/EXEC, then fans out notifications. A contested claim aborts with a
// duplicate CollationError and nothing applies.
func (t *tx) Exec(ctx context.Context) ([]store.Result, error) {
	if t.spent {
		return nil, fault.New("transaction already executed")
	}
	t.spent = true

	var watchKeys []string
	seen := map[string]bool{}
	for _, op := range t.ops {
		if op.kind == opHSetNX && !seen[op.key] {
			seen[op.key] = true
			watchKeys = append(watchKeys, op.key)
		}
	}

	results := make([]store.Result, len(t.ops))
	cmds := make([]redis.Cmder, len(t.ops))
	fn := func(rtx *redis.Tx) error {
		for _, op := range t.ops {
			if op.kind != opHSetNX {
				continue
			}
			taken, err := rtx.HExists(ctx, op.key, op.attr.Field).Result()
			if err != nil {
				return err
			}
			if taken {
				dim, idx, _ := journal.ParseField(op.attr.Field)
				_, jobID, _ := keys.ParseJob(op.key)
				return &fault.CollationError{Fault: "duplicate", JobID: jobID, Dimension: dim, Index: idx}
			}
		}
		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, op := range t.ops {
				switch op.kind {
				case opHSet:
					fields := make([]any, 0, len(op.attrs)*2)
					for _, a := range op.attrs {
						fields = append(fields, a.Field, a.Value)
					}
					cmds[i] = pipe.HSet(ctx, op.key, fields...)
				case opHSetNX:
					cmds[i] = pipe.HSet(ctx, op.key, op.attr.Field, op.attr.Value)
				case opHIncrBy:
					cmds[i] = pipe.HIncrBy(ctx, op.key, op.field, op.by)
				case opHDel:
					cmds[i] = pipe.HDel(ctx, op.key, op.fields...)
				case opSetExpire:
					key := keys.Job(op.namespace, op.jobID)
					pipe.HSet(ctx, key, metaExpire, op.at.UTC().Format(time.RFC3339Nano))
					cmds[i] = pipe.ExpireAt(ctx, key, op.at)
				case opPublish:
					if op.delay > 0 {
						member, id, err := delayedMember(op.msg)
						if err != nil {
							return err
						}
						results[i].ID = id
						cmds[i] = pipe.ZAdd(ctx, delayedKey(op.stream), redis.Z{
							Score:  float64(time.Now().Add(op.delay).UnixMilli()),
							Member: member,
						})
						continue
					}
					raw, err := json.Marshal(op.msg)
					if err != nil {
						return err
					}
					cmds[i] = pipe.XAdd(ctx, &redis.XAddArgs{
						Stream: op.stream,
						Values: map[string]any{"msg": string(raw)},
					})
				}
			}
			return nil
		})
		return err
	}
	if err := t.p.watch(ctx, fn, watchKeys...); err != nil {
		return nil, err
	}

	for i, op := range t.ops {
		switch op.kind {
		case opHIncrBy:
			if c, ok := cmds[i].(*redis.IntCmd); ok {
				results[i].Int = c.Val()
			}
		case opPublish:
			if c, ok := cmds[i].(*redis.StringCmd); ok {
				results[i].ID = c.Val()
			}
		case opNotify:
			// Notifications fan out after the commit; the durable state is
			// already visible to pollers.
			if err := t.p.Notify(ctx, op.topic, op.payload); err != nil {
				return results, err
			}
		}
	}
	return results, nil
}

// delayedMember wraps a message for the delayed delivery zset. The wrapper
// carries a fresh GUID so identical payloads stay distinct members.
func delayedMember(msg *api.Message) (string, string, error) {
	id := guid.New()
	raw, err := json.Marshal(struct {
		ID  string       `json:"id"`
		Msg *api.Message `json:"msg"`
	}{ID: id, Msg: msg})
	if err != nil {
		return "", "", err
	}
	return string(raw), id, nil
}
