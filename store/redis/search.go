package redis

import (
	"context"
	"sort"

	"github.com/memflowio/memflow/keys"
	"github.com/memflowio/memflow/store"
)

// scanBatch bounds each SCAN iteration.
const scanBatch = 256

// Find returns jobs of the entity type whose fields equal every condition.
// Redis search is a key scan; large deployments index in PostgreSQL instead.
func (p *Provider) Find(ctx context.Context, entityType string, conditions map[string]string, opts store.FindOptions) ([]store.SearchResult, error) {
	return p.scanJobs(ctx, entityType, func(doc []byte) (bool, error) {
		for field, want := range conditions {
			ok, err := store.MatchDoc(doc, field, want, store.OpEq)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}, opts)
}

// FindByID looks up one job by primary key.
func (p *Provider) FindByID(ctx context.Context, entityType, jobID string) (*store.SearchResult, error) {
	var match *store.SearchResult
	err := p.forEachJob(ctx, func(key string) (bool, error) {
		_, id, ok := keys.ParseJob(key)
		if !ok || id != jobID {
			return true, nil
		}
		vals, err := p.rdb.HMGet(ctx, key, metaEntity, keys.FieldEntity).Result()
		if err != nil {
			return false, err
		}
		if s, ok := vals[0].(string); !ok || s != entityType {
			return true, nil
		}
		var doc []byte
		if s, ok := vals[1].(string); ok {
			doc = []byte(s)
		}
		match = &store.SearchResult{Key: key, Context: store.ContextSnapshot(id, doc)}
		return false, nil
	})
	return match, err
}

// FindByCondition returns jobs matching one field comparison.
func (p *Provider) FindByCondition(ctx context.Context, entityType, field, value string, op store.SearchOp, opts store.FindOptions) ([]store.SearchResult, error) {
	return p.scanJobs(ctx, entityType, func(doc []byte) (bool, error) {
		return store.MatchDoc(doc, field, value, op)
	}, opts)
}

// CreateIndex is a no-op; the Redis provider matches by scanning entity
// documents.
func (p *Provider) CreateIndex(ctx context.Context, entityType, field string) error {
	return nil
}

func (p *Provider) scanJobs(ctx context.Context, entityType string, match func(doc []byte) (bool, error), opts store.FindOptions) ([]store.SearchResult, error) {
	var out []store.SearchResult
	err := p.forEachJob(ctx, func(key string) (bool, error) {
		vals, err := p.rdb.HMGet(ctx, key, metaEntity, keys.FieldEntity).Result()
		if err != nil {
			return false, err
		}
		if s, ok := vals[0].(string); !ok || s != entityType {
			return true, nil
		}
		var doc []byte
		if s, ok := vals[1].(string); ok {
			doc = []byte(s)
		}
		ok, err := match(doc)
		if err != nil {
			return false, err
		}
		if ok {
			_, jobID, _ := keys.ParseJob(key)
			out = append(out, store.SearchResult{Key: key, Context: store.ContextSnapshot(jobID, doc)})
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// forEachJob iterates all job hash keys. The visitor returns false to stop
// early.
func (p *Provider) forEachJob(ctx context.Context, visit func(key string) (bool, error)) error {
	var cursor uint64
	for {
		batch, next, err := p.rdb.Scan(ctx, cursor, keys.JobPattern(), scanBatch).Result()
		if err != nil {
			return err
		}
		for _, key := range batch {
			cont, err := visit(key)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
