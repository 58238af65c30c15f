package postgres

import (
	"context"

	"github.com/memflowio/memflow/store"
)

// Prune runs the schema's prune() function, which performs all housekeeping
// server-side in one transaction.
func (p *Provider) Prune(ctx context.Context, opts store.PruneOptions) (*store.PruneResult, error) {
	res := &store.PruneResult{}
	err := p.pool.QueryRow(ctx,
		`SELECT * FROM prune($1, $2, $3, $4, $5, $6, $7)`,
		int64(opts.Retention.Seconds()),
		opts.PruneJobs,
		opts.PruneStreams,
		opts.StripAttributes,
		opts.EntityList,
		opts.PruneTransient,
		opts.KeepHMark,
	).Scan(&res.Jobs, &res.Streams, &res.Attributes, &res.Transient, &res.Marked)
	if err != nil {
		return nil, err
	}
	return res, nil
}
