package redis

import (
	"context"
	"fmt"

	"goa.design/pulse/streaming"

	"github.com/memflowio/memflow/guid"
	"github.com/memflowio/memflow/store"
)

// notifyEvent is the single event name used on notification topics; payloads
// are self-describing JobEvent JSON.
const notifyEvent = "event"

// Notify publishes a payload on the topic's Pulse stream.
func (p *Provider) Notify(ctx context.Context, topic string, payload []byte) error {
	stream, err := p.topicStream(topic)
	if err != nil {
		return err
	}
	_, err = stream.Add(ctx, notifyEvent, payload)
	return err
}

// Subscribe opens a live feed over the topic. Each subscription gets its own
// Pulse sink so every subscriber observes every event.
func (p *Provider) Subscribe(ctx context.Context, topic string) (store.Subscription, error) {
	stream, err := p.topicStream(topic)
	if err != nil {
		return nil, err
	}
	sink, err := stream.NewSink(ctx, "sub-"+guid.New())
	if err != nil {
		return nil, fmt.Errorf("redis: create sink for %q: %w", topic, err)
	}
	sub := &subscription{
		sink: sink,
		ch:   make(chan []byte, 16),
		done: make(chan struct{}),
	}
	go sub.forward(ctx)
	return sub, nil
}

// topicStream returns the cached Pulse stream for a topic, opening it on
// first use.
func (p *Provider) topicStream(topic string) (*streaming.Stream, error) {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	if s, ok := p.topics[topic]; ok {
		return s, nil
	}
	s, err := streaming.NewStream(topic, p.rdb)
	if err != nil {
		return nil, fmt.Errorf("redis: open topic %q: %w", topic, err)
	}
	p.topics[topic] = s
	return s, nil
}

type subscription struct {
	sink *streaming.Sink
	ch   chan []byte
	done chan struct{}
}

func (s *subscription) C() <-chan []byte { return s.ch }

func (s *subscription) Close() {
	close(s.done)
	s.sink.Close(context.Background())
}

// forward pumps sink events onto the payload channel, acking as it goes.
func (s *subscription) forward(ctx context.Context) {
	defer close(s.ch)
	events := s.sink.Subscribe()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			select {
			case s.ch <- ev.Payload:
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
			_ = s.sink.Ack(ctx, ev)
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
