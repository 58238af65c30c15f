package redis

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/keys"
	"github.com/memflowio/memflow/store"
)

// Prune performs housekeeping over jobs, streams and attributes. Expired job
// hashes carry a native TTL already; Prune covers the rest: transient jobs,
// idle streams and attribute stripping on completed jobs.
func (p *Provider) Prune(ctx context.Context, opts store.PruneOptions) (*store.PruneResult, error) {
	res := &store.PruneResult{}
	now := time.Now().UTC()
	cutoff := now.Add(-opts.Retention)
	entities := map[string]bool{}
	for _, e := range opts.EntityList {
		entities[e] = true
	}
	inScope := func(entity string) bool {
		return len(entities) == 0 || entities[entity]
	}

	if opts.PruneJobs || opts.PruneTransient || opts.StripAttributes {
		err := p.forEachJob(ctx, func(key string) (bool, error) {
			vals, err := p.rdb.HMGet(ctx, key, metaEntity, metaCreated, metaExpire, keys.FieldStatus).Result()
			if err != nil {
				return false, err
			}
			entity, _ := vals[0].(string)
			var created time.Time
			if s, ok := vals[1].(string); ok {
				created, _ = time.Parse(time.RFC3339Nano, s)
			}
			var status int64
			if s, ok := vals[3].(string); ok {
				status, _ = strconv.ParseInt(s, 10, 64)
			}

			if opts.PruneJobs && inScope(entity) {
				if s, ok := vals[2].(string); ok {
					if exp, err := time.Parse(time.RFC3339Nano, s); err == nil &&
						exp.Before(now) && created.Before(cutoff) {
						if err := p.rdb.Del(ctx, key).Err(); err != nil {
							return false, err
						}
						res.Jobs++
						return true, nil
					}
				}
			}

			if opts.PruneTransient && entity == "" && created.Before(cutoff) && !api.IsActive(status) {
				if err := p.rdb.Del(ctx, key).Err(); err != nil {
					return false, err
				}
				res.Transient++
				return true, nil
			}

			if opts.StripAttributes && status == api.StatusCompleted && inScope(entity) {
				stripped, err := p.stripAttrs(ctx, key, opts.KeepHMark)
				if err != nil {
					return false, err
				}
				if stripped > 0 {
					if err := p.rdb.HSet(ctx, key, metaPruned, now.Format(time.RFC3339Nano)).Err(); err != nil {
						return false, err
					}
					res.Marked++
					res.Attributes += stripped
				}
			}
			return true, nil
		})
		if err != nil {
			return nil, err
		}
	}

	if opts.PruneStreams {
		n, err := p.pruneStreams(ctx, cutoff)
		if err != nil {
			return nil, err
		}
		res.Streams = n
	}

	return res, nil
}

// stripAttrs removes reclaimable attributes from a completed job hash.
func (p *Provider) stripAttrs(ctx context.Context, key string, keepHMark bool) (int64, error) {
	fields, err := p.rdb.HKeys(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	var drop []string
	for _, field := range fields {
		if strings.HasPrefix(field, "$") {
			continue
		}
		if store.Reclaimable(keys.TypeOf(field), keepHMark) {
			drop = append(drop, field)
		}
	}
	if len(drop) == 0 {
		return 0, nil
	}
	if err := p.rdb.HDel(ctx, key, drop...).Err(); err != nil {
		return 0, err
	}
	return int64(len(drop)), nil
}

// pruneStreams deletes streams whose newest entry predates the cutoff. Stream
// entry IDs embed their append time, so the last ID dates the stream.
func (p *Provider) pruneStreams(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	var cursor uint64
	for {
		batch, next, err := p.rdb.ScanType(ctx, cursor, "*", scanBatch, "stream").Result()
		if err != nil {
			return deleted, err
		}
		for _, name := range batch {
			last, err := p.rdb.XRevRangeN(ctx, name, "+", "-", 1).Result()
			if err != nil {
				return deleted, err
			}
			if len(last) == 0 {
				continue
			}
			ms, ok := parseStreamIDMillis(last[0].ID)
			if !ok || !time.UnixMilli(ms).Before(cutoff) {
				continue
			}
			if err := p.rdb.Del(ctx, name, delayedKey(name)).Err(); err != nil {
				return deleted, err
			}
			deleted++
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}

func parseStreamIDMillis(id string) (int64, bool) {
	dash := strings.IndexByte(id, '-')
	if dash < 0 {
		return 0, false
	}
	ms, err := strconv.ParseInt(id[:dash], 10, 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}
