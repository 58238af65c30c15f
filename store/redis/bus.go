package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/store"
)

// delayedKey returns the zset holding deferred messages for a stream.
func delayedKey(stream string) string {
	return stream + ":z"
}

// promoteScript moves due delayed messages into their stream. Runs as a
// single script so a crash cannot drop or duplicate a promotion.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 256)
for i, member in ipairs(due) do
  local item = cjson.decode(member)
  redis.call('XADD', KEYS[2], '*', 'msg', cjson.encode(item.msg))
  redis.call('ZREM', KEYS[1], member)
end
return #due
`)

// Publish appends messages to the stream. Delayed messages land in the
// companion zset and promote once due.
func (p *Provider) Publish(ctx context.Context, stream string, msgs []*api.Message, opts store.PublishOptions) ([]string, error) {
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if opts.Delay > 0 {
			member, id, err := delayedMember(msg)
			if err != nil {
				return ids, err
			}
			if err := p.rdb.ZAdd(ctx, delayedKey(stream), redis.Z{
				Score:  float64(time.Now().Add(opts.Delay).UnixMilli()),
				Member: member,
			}).Err(); err != nil {
				return ids, err
			}
			ids = append(ids, id)
			continue
		}
		raw, err := json.Marshal(msg)
		if err != nil {
			return ids, err
		}
		id, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]any{"msg": string(raw)},
		}).Result()
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Consume reads up to BatchSize messages for the consumer group, reclaiming
// entries whose reservation expired before reading new ones.
func (p *Provider) Consume(ctx context.Context, stream string, group api.Group, consumer string, opts store.ConsumeOptions) ([]*api.Message, error) {
	opts = opts.Normalize()
	if err := p.ensureGroup(ctx, stream, group); err != nil {
		return nil, err
	}
	if err := p.promote(ctx, stream); err != nil {
		return nil, err
	}

	var out []*api.Message

	// Expired reservations first: crashed consumers release their messages
	// by idle time.
	claimed, _, err := p.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    string(group),
		Consumer: consumer,
		MinIdle:  opts.Reservation,
		Start:    "0-0",
		Count:    int64(opts.BatchSize),
	}).Result()
	if err != nil && !isNoGroupErr(err) {
		return nil, err
	}
	for _, xm := range claimed {
		if msg := decodeXMessage(xm); msg != nil {
			out = append(out, msg)
		}
	}
	if len(out) >= opts.BatchSize {
		return out, nil
	}

	block := opts.Block
	if len(out) > 0 || block <= 0 {
		// Already have work or a non-blocking call; BLOCK 0 would park the
		// connection forever.
		block = time.Millisecond
	}
	streams, err := p.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    string(group),
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(opts.BatchSize - len(out)),
		Block:    block,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return out, err
	}
	for _, s := range streams {
		for _, xm := range s.Messages {
			if msg := decodeXMessage(xm); msg != nil {
				out = append(out, msg)
			}
		}
	}
	return out, nil
}

// Ack permanently removes handled messages.
func (p *Provider) Ack(ctx context.Context, stream string, group api.Group, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := p.rdb.XAck(ctx, stream, string(group), ids...).Err(); err != nil {
		return err
	}
	return p.rdb.XDel(ctx, stream, ids...).Err()
}

// Trim bounds stream retention by length and/or age.
func (p *Provider) Trim(ctx context.Context, stream string, opts store.TrimOptions) (int64, error) {
	var trimmed int64
	if opts.MaxLen > 0 {
		n, err := p.rdb.XTrimMaxLen(ctx, stream, opts.MaxLen).Result()
		if err != nil {
			return trimmed, err
		}
		trimmed += n
	}
	if opts.MaxAge > 0 {
		minID := fmt.Sprintf("%d-0", time.Now().Add(-opts.MaxAge).UnixMilli())
		n, err := p.rdb.XTrimMinID(ctx, stream, minID).Result()
		if err != nil {
			return trimmed, err
		}
		trimmed += n
	}
	return trimmed, nil
}

// Depth returns the number of entries in the stream.
func (p *Provider) Depth(ctx context.Context, stream string) (int64, error) {
	return p.rdb.XLen(ctx, stream).Result()
}

// DeleteStream removes the stream and its delayed companion.
func (p *Provider) DeleteStream(ctx context.Context, stream string) error {
	return p.rdb.Del(ctx, stream, delayedKey(stream)).Err()
}

// ensureGroup creates the consumer group once per (stream, group) pair.
func (p *Provider) ensureGroup(ctx context.Context, stream string, group api.Group) error {
	cacheKey := stream + "\x00" + string(group)
	p.groupsMu.Lock()
	ready := p.groups[cacheKey]
	p.groupsMu.Unlock()
	if ready {
		return nil
	}
	err := p.rdb.XGroupCreateMkStream(ctx, stream, string(group), "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	p.groupsMu.Lock()
	p.groups[cacheKey] = true
	p.groupsMu.Unlock()
	return nil
}

// promote moves due delayed messages into the stream.
func (p *Provider) promote(ctx context.Context, stream string) error {
	now := time.Now().UnixMilli()
	return promoteScript.Run(ctx, p.rdb, []string{delayedKey(stream), stream}, now).Err()
}

func decodeXMessage(xm redis.XMessage) *api.Message {
	raw, ok := xm.Values["msg"].(string)
	if !ok {
		return nil
	}
	var msg api.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil
	}
	msg.ID = xm.ID
	return &msg
}

func isNoGroupErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}
