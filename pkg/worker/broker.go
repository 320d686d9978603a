package worker

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/exploopio/surface/pkg/errors"
)

// Message is a payload received from a subscribed channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription delivers messages until closed. Messages is closed when the
// subscription ends, including when the connection is lost.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Broker is a pub/sub transport.
type Broker interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Publish(ctx context.Context, channel string, payload []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// Redis
// =============================================================================

// RedisBroker implements Broker on Redis pub/sub.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker connects to the Redis server at url
// (redis://[:password@]host:port/db).
func NewRedisBroker(url string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.E(errors.KindConfig, "worker.NewRedisBroker", "invalid redis url", err)
	}
	return &RedisBroker{client: redis.NewClient(opts)}, nil
}

// NewRedisBrokerFromClient wraps an existing client.
func NewRedisBrokerFromClient(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// Subscribe subscribes to channel and waits for the server's confirmation.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.E(errors.KindNetwork, "worker.Subscribe", "subscribe "+channel, err)
	}
	return newRedisSubscription(ps), nil
}

// Publish publishes payload on channel.
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return errors.E(errors.KindNetwork, "worker.Publish", "publish "+channel, err)
	}
	return nil
}

// Ping checks the connection.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the client.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan Message
	done chan struct{}
	once sync.Once
}

func newRedisSubscription(ps *redis.PubSub) *redisSubscription {
	s := &redisSubscription{ps: ps, out: make(chan Message), done: make(chan struct{})}
	go s.forward()
	return s
}

func (s *redisSubscription) forward() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		select {
		case s.out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

var _ Broker = (*RedisBroker)(nil)
