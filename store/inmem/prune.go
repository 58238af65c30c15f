package inmem

import (
	"context"
	"strconv"
	"time"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/store"
)

// Prune performs housekeeping over jobs, streams and attributes, mirroring
// the SQL prune() function of the Postgres provider so retention behavior is
// testable in-process.
func (p *Provider) Prune(ctx context.Context, opts store.PruneOptions) (*store.PruneResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	res := &store.PruneResult{}
	now := time.Now().UTC()
	cutoff := now.Add(-opts.Retention)
	entities := map[string]bool{}
	for _, e := range opts.EntityList {
		entities[e] = true
	}
	inScope := func(job *api.Job) bool {
		return len(entities) == 0 || entities[job.Entity]
	}

	if opts.PruneJobs {
		for key, job := range p.jobs {
			if !inScope(job) {
				continue
			}
			if job.ExpireAt != nil && job.ExpireAt.Before(now) && job.CreatedAt.Before(cutoff) {
				delete(p.jobs, key)
				delete(p.hashes, key)
				res.Jobs++
			}
		}
	}

	if opts.PruneTransient {
		for key, job := range p.jobs {
			if job.Entity == "" && job.CreatedAt.Before(cutoff) && !api.IsActive(job.Status) {
				delete(p.jobs, key)
				delete(p.hashes, key)
				res.Transient++
			}
		}
	}

	if opts.PruneStreams {
		for name, s := range p.streams {
			if !s.lastAdd.IsZero() && s.lastAdd.Before(cutoff) {
				delete(p.streams, name)
				res.Streams++
			}
		}
	}

	if opts.StripAttributes {
		for key, job := range p.jobs {
			status := job.Status
			if a, ok := p.hashes[key]["status"]; ok {
				if n, err := strconv.ParseInt(a.Value, 10, 64); err == nil {
					status = n
				}
			}
			if status != api.StatusCompleted || !inScope(job) {
				continue
			}
			stripped := int64(0)
			for field, a := range p.hashes[key] {
				if store.Reclaimable(a.Type, opts.KeepHMark) {
					delete(p.hashes[key], field)
					stripped++
				}
			}
			if stripped > 0 {
				t := now
				job.PrunedAt = &t
				res.Marked++
				res.Attributes += stripped
			}
		}
	}

	return res, nil
}
