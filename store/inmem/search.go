package inmem

import (
	"context"
	"sort"

	"github.com/memflowio/memflow/keys"
	"github.com/memflowio/memflow/store"
)

// Find returns jobs of the entity type whose fields equal every condition.
func (p *Provider) Find(ctx context.Context, entityType string, conditions map[string]string, opts store.FindOptions) ([]store.SearchResult, error) {
	return p.scan(entityType, func(doc []byte) (bool, error) {
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
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, job := range p.jobs {
		if job.ID != jobID || job.Entity != entityType {
			continue
		}
		var doc []byte
		if a, ok := p.hashes[key][keys.FieldEntity]; ok {
			doc = []byte(a.Value)
		}
		return &store.SearchResult{Key: key, Context: store.ContextSnapshot(job.ID, doc)}, nil
	}
	return nil, nil
}

// FindByCondition returns jobs matching one field comparison.
func (p *Provider) FindByCondition(ctx context.Context, entityType, field, value string, op store.SearchOp, opts store.FindOptions) ([]store.SearchResult, error) {
	return p.scan(entityType, func(doc []byte) (bool, error) {
		return store.MatchDoc(doc, field, value, op)
	}, opts)
}

// CreateIndex is a no-op for the in-memory provider; scans are already
// bounded by process memory.
func (p *Provider) CreateIndex(ctx context.Context, entityType, field string) error {
	return nil
}

func (p *Provider) scan(entityType string, match func(doc []byte) (bool, error), opts store.FindOptions) ([]store.SearchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []store.SearchResult
	for key, job := range p.jobs {
		if job.Entity != entityType {
			continue
		}
		var doc []byte
		if a, ok := p.hashes[key][keys.FieldEntity]; ok {
			doc = []byte(a.Value)
		}
		ok, err := match(doc)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, store.SearchResult{Key: key, Context: store.ContextSnapshot(job.ID, doc)})
		}
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
