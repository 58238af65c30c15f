package inmem

import (
	"context"

	"github.com/memflowio/memflow/store"
)

type subscription struct {
	p     *Provider
	topic string
	id    int
	ch    chan []byte
}

func (s *subscription) C() <-chan []byte { return s.ch }

func (s *subscription) Close() {
	s.p.subMu.Lock()
	defer s.p.subMu.Unlock()
	if subs, ok := s.p.subs[s.topic]; ok {
		if _, live := subs[s.id]; live {
			delete(subs, s.id)
			close(s.ch)
		}
	}
}

// Notify publishes a payload to all live subscribers of the topic.
func (p *Provider) Notify(ctx context.Context, topic string, payload []byte) error {
	p.notifyLocal(topic, payload)
	return nil
}

func (p *Provider) notifyLocal(topic string, payload []byte) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, sub := range p.subs[topic] {
		select {
		case sub.ch <- payload:
		default:
			// Slow subscribers drop events; result waiters poll as a
			// fallback, matching the durable providers.
		}
	}
}

// Subscribe opens a buffered feed over the topic.
func (p *Provider) Subscribe(ctx context.Context, topic string) (store.Subscription, error) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	p.subSeq++
	sub := &subscription{p: p, topic: topic, id: p.subSeq, ch: make(chan []byte, 16)}
	subs, ok := p.subs[topic]
	if !ok {
		subs = make(map[int]*subscription)
		p.subs[topic] = subs
	}
	subs[sub.id] = sub
	return sub, nil
}
