package postgres

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/store"
)

// consumePollInterval is the cadence of the blocking-consume poll loop.
const consumePollInterval = 50 * time.Millisecond

// publishSQL appends one message; delayed messages become visible once
// visible_at passes.
const publishSQL = `
	INSERT INTO streams (stream_name, msg, visible_at)
	VALUES ($1, $2, now() + make_interval(secs => $3))
	RETURNING id`

// consumeSQL reserves up to $2 visible, unreserved messages in FIFO order.
// SKIP LOCKED keeps concurrent consumers from contending on the same rows.
const consumeSQL = `
	UPDATE streams SET reserved_until = now() + make_interval(secs => $3), consumer = $4
	WHERE (stream_name, id) IN (
		SELECT stream_name, id FROM streams
		WHERE stream_name = $1
		  AND visible_at <= now()
		  AND (reserved_until IS NULL OR reserved_until <= now())
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED)
	RETURNING id, msg`

func formatMsgID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Publish appends messages to the stream, optionally deferring visibility.
func (p *Provider) Publish(ctx context.Context, stream string, msgs []*api.Message, opts store.PublishOptions) ([]string, error) {
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		raw, err := json.Marshal(msg)
		if err != nil {
			return ids, err
		}
		var id int64
		if err := p.pool.QueryRow(ctx, publishSQL, stream, raw, opts.Delay.Seconds()).Scan(&id); err != nil {
			return ids, err
		}
		ids = append(ids, formatMsgID(id))
	}
	return ids, nil
}

// Consume reserves up to BatchSize messages for the caller. When Block is
// positive the call polls until messages arrive or the window elapses.
func (p *Provider) Consume(ctx context.Context, stream string, group api.Group, consumer string, opts store.ConsumeOptions) ([]*api.Message, error) {
	opts = opts.Normalize()
	deadline := time.Now().Add(opts.Block)
	for {
		batch, err := p.tryConsume(ctx, stream, consumer, opts)
		if err != nil {
			return nil, err
		}
		if len(batch) > 0 || opts.Block <= 0 || time.Now().After(deadline) {
			return batch, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(consumePollInterval):
		}
	}
}

func (p *Provider) tryConsume(ctx context.Context, stream, consumer string, opts store.ConsumeOptions) ([]*api.Message, error) {
	rows, err := p.pool.Query(ctx, consumeSQL,
		stream, opts.BatchSize, opts.Reservation.Seconds(), consumer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*api.Message
	for rows.Next() {
		var id int64
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var msg api.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		msg.ID = formatMsgID(id)
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// Ack permanently removes handled messages.
func (p *Provider) Ack(ctx context.Context, stream string, group api.Group, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	nums := make([]int64, 0, len(ids))
	for _, id := range ids {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	_, err := p.pool.Exec(ctx,
		`DELETE FROM streams WHERE stream_name = $1 AND id = ANY($2)`, stream, nums)
	return err
}

// Trim drops messages beyond MaxLen or older than MaxAge.
func (p *Provider) Trim(ctx context.Context, stream string, opts store.TrimOptions) (int64, error) {
	var trimmed int64
	if opts.MaxAge > 0 {
		tag, err := p.pool.Exec(ctx, `
			DELETE FROM streams
			WHERE stream_name = $1 AND created_at < now() - make_interval(secs => $2)`,
			stream, opts.MaxAge.Seconds())
		if err != nil {
			return trimmed, err
		}
		trimmed += tag.RowsAffected()
	}
	if opts.MaxLen > 0 {
		tag, err := p.pool.Exec(ctx, `
			DELETE FROM streams
			WHERE stream_name = $1 AND id NOT IN (
				SELECT id FROM streams WHERE stream_name = $1
				ORDER BY id DESC LIMIT $2)`,
			stream, opts.MaxLen)
		if err != nil {
			return trimmed, err
		}
		trimmed += tag.RowsAffected()
	}
	return trimmed, nil
}

// Depth returns the number of messages currently held by the stream.
func (p *Provider) Depth(ctx context.Context, stream string) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx,
		`SELECT count(*) FROM streams WHERE stream_name = $1`, stream).Scan(&n)
	return n, err
}

// DeleteStream removes the stream and all its messages.
func (p *Provider) DeleteStream(ctx context.Context, stream string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM streams WHERE stream_name = $1`, stream)
	return err
}
