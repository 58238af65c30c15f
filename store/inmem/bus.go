package inmem

import (
	"context"
	"strconv"
	"time"

	"github.com/memflowio/memflow/api"
	"github.com/memflowio/memflow/store"
)

// publishLocked appends one message to a stream. Caller holds p.mu.
func (p *Provider) publishLocked(stream string, msg *api.Message, delay time.Duration, now time.Time) string {
	s, ok := p.streams[stream]
	if !ok {
		s = &memStream{}
		p.streams[stream] = s
	}
	s.nextID++
	id := strconv.FormatInt(s.nextID, 10)
	cp := *msg
	cp.ID = id
	s.messages = append(s.messages, &memMsg{
		id:        id,
		msg:       &cp,
		visibleAt: now.Add(delay),
		createdAt: now,
	})
	s.lastAdd = now
	return id
}

// Publish appends messages to the stream, optionally deferring visibility.
func (p *Provider) Publish(ctx context.Context, stream string, msgs []*api.Message, opts store.PublishOptions) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now().UTC()
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, p.publishLocked(stream, m, opts.Delay, now))
	}
	return ids, nil
}

// Consume returns up to BatchSize visible, unreserved messages in FIFO
// order, reserving them for the caller. When Block is positive the call
// polls until messages arrive or the window elapses.
func (p *Provider) Consume(ctx context.Context, stream string, group api.Group, consumer string, opts store.ConsumeOptions) ([]*api.Message, error) {
	opts = opts.Normalize()
	deadline := time.Now().Add(opts.Block)
	for {
		batch := p.tryConsume(stream, consumer, opts)
		if len(batch) > 0 || opts.Block <= 0 || time.Now().After(deadline) {
			return batch, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (p *Provider) tryConsume(stream, consumer string, opts store.ConsumeOptions) []*api.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.streams[stream]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	var batch []*api.Message
	for _, m := range s.messages {
		if len(batch) >= opts.BatchSize {
			break
		}
		if m.visibleAt.After(now) {
			continue
		}
		if !m.reservedAt.IsZero() && now.Sub(m.reservedAt) < opts.Reservation {
			continue
		}
		m.reservedAt = now
		m.reservedBy = consumer
		cp := *m.msg
		batch = append(batch, &cp)
	}
	return batch
}

// Ack permanently removes handled messages.
func (p *Provider) Ack(ctx context.Context, stream string, group api.Group, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.streams[stream]
	if !ok {
		return nil
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := s.messages[:0]
	for _, m := range s.messages {
		if !drop[m.id] {
			kept = append(kept, m)
		}
	}
	s.messages = kept
	return nil
}

// Trim drops messages beyond MaxLen or older than MaxAge.
func (p *Provider) Trim(ctx context.Context, stream string, opts store.TrimOptions) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.streams[stream]
	if !ok {
		return 0, nil
	}
	before := len(s.messages)
	if opts.MaxAge > 0 {
		cutoff := time.Now().UTC().Add(-opts.MaxAge)
		kept := s.messages[:0]
		for _, m := range s.messages {
			if m.createdAt.After(cutoff) {
				kept = append(kept, m)
			}
		}
		s.messages = kept
	}
	if opts.MaxLen > 0 && int64(len(s.messages)) > opts.MaxLen {
		s.messages = s.messages[int64(len(s.messages))-opts.MaxLen:]
	}
	return int64(before - len(s.messages)), nil
}

// Depth returns the number of messages currently held by the stream.
func (p *Provider) Depth(ctx context.Context, stream string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.streams[stream]
	if !ok {
		return 0, nil
	}
	return int64(len(s.messages)), nil
}

// DeleteStream removes the stream and all its messages.
func (p *Provider) DeleteStream(ctx context.Context, stream string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.streams, stream)
	return nil
}
