// Package redis provides the Redis-backed provider: job hashes, stream
// transport on Redis streams with consumer groups, a Pulse-backed event
// notifier, and equality search over entity documents.
//
// Transactions use optimistic WATCH/MULTI: claim fields are checked under
// WATCH and every queued command applies in one MULTI/EXEC, so a contested
// claim or a concurrent writer aborts the whole batch.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/entity"
	"github.com/memflowio/memflow/fault"
	"github.com/memflowio/memflow/journal"
	"github.com/memflowio/memflow/keys"
	"github.com/memflowio/memflow/store"
)

// Row metadata fields stored in the job hash alongside attributes. The "$"
// prefix keeps them out of attribute reads.
const (
	metaNamespace = "$ns"
	metaEntity    = "$entity"
	metaCreated   = "$created"
	metaExpire    = "$expire"
	metaPruned    = "$pruned"
)

// txRetries bounds optimistic transaction retries under WATCH contention.
const txRetries = 8

type (
	// Options configures the provider.
	Options struct {
		// Client is the Redis connection. Required.
		Client *redis.Client
	}

	// Provider implements Store, Bus, Notifier and Search over Redis.
	Provider struct {
		rdb *redis.Client

		groupsMu sync.Mutex
		groups   map[string]bool

		notifyMu sync.Mutex
		topics   map[string]*streaming.Stream
	}
)

// New constructs a Provider.
func New(opts Options) (*Provider, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("redis: client is required")
	}
	return &Provider{
		rdb:    opts.Client,
		groups: make(map[string]bool),
		topics: make(map[string]*streaming.Stream),
	}, nil
}

// CreateJob inserts the job row and initial attributes. Duplicate creates
// return a CollationError so redelivered start messages are suppressed.
func (p *Provider) CreateJob(ctx context.Context, job *api.Job, attrs []api.Attr) error {
	key := keys.Job(job.Namespace, job.ID)
	now := time.Now().UTC()
	fn := func(tx *redis.Tx) error {
		exists, err := tx.HExists(ctx, key, metaNamespace).Result()
		if err != nil {
			return err
		}
		if exists {
			return &fault.CollationError{Fault: "duplicate", JobID: job.ID}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			fields := []any{
				metaNamespace, job.Namespace,
				metaCreated, now.Format(time.RFC3339Nano),
				keys.FieldStatus, strconv.FormatInt(job.Status, 10),
			}
			if job.Entity != "" {
				fields = append(fields, metaEntity, job.Entity)
			}
			for _, a := range attrs {
				fields = append(fields, a.Field, a.Value)
			}
			pipe.HSet(ctx, key, fields...)
			return nil
		})
		return err
	}
	return p.watch(ctx, fn, key)
}

// GetJob loads the job row, reflecting the live status counter.
func (p *Provider) GetJob(ctx context.Context, namespace, jobID string) (*api.Job, error) {
	key := keys.Job(namespace, jobID)
	vals, err := p.rdb.HMGet(ctx, key, metaNamespace, metaEntity, metaCreated, metaExpire, metaPruned, keys.FieldStatus).Result()
	if err != nil {
		return nil, err
	}
	if vals[0] == nil {
		return nil, &fault.GetStateError{JobID: jobID}
	}
	job := &api.Job{ID: jobID, Namespace: namespace}
	if s, ok := vals[1].(string); ok {
		job.Entity = s
	}
	if s, ok := vals[2].(string); ok {
		job.CreatedAt, _ = time.Parse(time.RFC3339Nano, s)
	}
	if s, ok := vals[3].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			job.ExpireAt = &t
		}
	}
	if s, ok := vals[4].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			job.PrunedAt = &t
		}
	}
	if s, ok := vals[5].(string); ok {
		job.Status, _ = strconv.ParseInt(s, 10, 64)
	}
	return job, nil
}

// SetExpire stamps the retention deadline and arms the native key TTL so
// Redis reclaims the hash without a prune pass.
func (p *Provider) SetExpire(ctx context.Context, namespace, jobID string, at time.Time) error {
	key := keys.Job(namespace, jobID)
	if err := p.rdb.HSet(ctx, key, metaExpire, at.UTC().Format(time.RFC3339Nano)).Err(); err != nil {
		return err
	}
	return p.rdb.ExpireAt(ctx, key, at).Err()
}

// HGet returns one hash field value.
func (p *Provider) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := p.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// HMGet returns the present subset of the requested fields.
func (p *Provider) HMGet(ctx context.Context, key string, fields ...string) (map[string]string, error) {
	vals, err := p.rdb.HMGet(ctx, key, fields...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(fields))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[fields[i]] = s
		}
	}
	return out, nil
}

// HGetAll returns every attribute of the hash, skipping row metadata.
func (p *Provider) HGetAll(ctx context.Context, key string) ([]api.Attr, error) {
	m, err := p.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]api.Attr, 0, len(m))
	for field, value := range m {
		if strings.HasPrefix(field, "$") {
			continue
		}
		out = append(out, api.Attr{Field: field, Value: value, Type: keys.TypeOf(field)})
	}
	return out, nil
}

// HSet writes attributes.
func (p *Provider) HSet(ctx context.Context, key string, attrs ...api.Attr) error {
	fields := make([]any, 0, len(attrs)*2)
	for _, a := range attrs {
		fields = append(fields, a.Field, a.Value)
	}
	return p.rdb.HSet(ctx, key, fields...).Err()
}

// HIncrBy adjusts an integer field, creating it at zero.
func (p *Provider) HIncrBy(ctx context.Context, key, field string, by int64) (int64, error) {
	return p.rdb.HIncrBy(ctx, key, field, by).Result()
}

// HDel removes fields.
func (p *Provider) HDel(ctx context.Context, key string, fields ...string) error {
	return p.rdb.HDel(ctx, key, fields...).Err()
}

// Get returns a plain key value.
func (p *Provider) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := p.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set writes a plain key value.
func (p *Provider) Set(ctx context.Context, key, value string) error {
	return p.rdb.Set(ctx, key, value, 0).Err()
}

// Del removes a plain key.
func (p *Provider) Del(ctx context.Context, key string) error {
	return p.rdb.Del(ctx, key).Err()
}

// UpdateEntity applies one entity mutation under WATCH so concurrent ops on
// the same job serialize. The claim attribute writes HSetNX in the same
// MULTI/EXEC.
func (p *Provider) UpdateEntity(ctx context.Context, namespace, jobID string, op entity.Op, claim store.EntityClaim) (json.RawMessage, json.RawMessage, error) {
	key := keys.Job(namespace, jobID)
	var newDoc, result json.RawMessage
	fn := func(tx *redis.Tx) error {
		exists, err := tx.HExists(ctx, key, metaNamespace).Result()
		if err != nil {
			return err
		}
		if !exists {
			return &fault.GetStateError{JobID: jobID}
		}
		doc, err := tx.HGet(ctx, key, keys.FieldEntity).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		newDoc, result, err = entity.Apply([]byte(doc), op)
		if err != nil {
			return err
		}
		var attr api.Attr
		if claim != nil {
			if attr, err = claim(result); err != nil {
				return err
			}
			taken, err := tx.HExists(ctx, key, attr.Field).Result()
			if err != nil {
				return err
			}
			if taken {
				dim, idx, _ := journal.ParseField(attr.Field)
				return &fault.CollationError{Fault: "duplicate", JobID: jobID, Dimension: dim, Index: idx}
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, keys.FieldEntity, string(newDoc))
			if claim != nil {
				pipe.HSet(ctx, key, attr.Field, attr.Value)
			}
			return nil
		})
		return err
	}
	if err := p.watch(ctx, fn, key); err != nil {
		return nil, nil, err
	}
	return newDoc, result, nil
}

// watch runs fn under optimistic WATCH on the given keys, retrying a bounded
// number of times on contention.
func (p *Provider) watch(ctx context.Context, fn func(*redis.Tx) error, watchKeys ...string) error {
	for i := 0; i < txRetries; i++ {
		err := p.rdb.Watch(ctx, fn, watchKeys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis: transaction contention exceeded %d retries", txRetries)
}
