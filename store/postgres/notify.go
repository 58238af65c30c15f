package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/memflowio/memflow/store"
)

// Notify publishes a payload on the topic's LISTEN/NOTIFY channel. Inside a
// transaction the notification delivers on commit.
func (p *Provider) Notify(ctx context.Context, topic string, payload []byte) error {
	_, err := p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, topic, string(payload))
	return err
}

// Subscribe opens a live feed over the topic on a dedicated connection.
func (p *Provider) Subscribe(ctx context.Context, topic string) (store.Subscription, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{topic}.Sanitize()); err != nil {
		conn.Release()
		return nil, err
	}
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &pgSubscription{
		ch:     make(chan []byte, 16),
		cancel: cancel,
	}
	go func() {
		defer close(sub.ch)
		defer func() {
			// The connection returns to the pool; stop its subscription
			// first.
			_, _ = conn.Exec(context.Background(), "UNLISTEN "+pgx.Identifier{topic}.Sanitize())
			conn.Release()
		}()
		for {
			n, err := conn.Conn().WaitForNotification(subCtx)
			if err != nil {
				return
			}
			select {
			case sub.ch <- []byte(n.Payload):
			case <-subCtx.Done():
				return
			}
		}
	}()
	return sub, nil
}

type pgSubscription struct {
	ch     chan []byte
	cancel context.CancelFunc
}

func (s *pgSubscription) C() <-chan []byte { return s.ch }

func (s *pgSubscription) Close() { s.cancel() }
