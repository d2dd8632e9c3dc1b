package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisBroker implements Broker on Redis pub/sub. A single PubSub connection
// carries all channel subscriptions; handler fan-out happens locally on the
// dispatch goroutine.
type RedisBroker struct {
	client    redis.UniversalClient
	pubsub    *redis.PubSub
	ownClient bool
	logger    *logrus.Entry

	mu       sync.Mutex
	handlers map[string][]*handlerSlot
	pending  map[string]int
	closed   bool
}

type handlerSlot struct {
	fn MessageHandler
}

var _ Broker = (*RedisBroker)(nil)

// NewRedis connects to the Redis instance at url and starts the dispatch
// loop.
func NewRedis(url string, logger *logrus.Entry) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	b := newRedisBroker(client, logger)
	b.ownClient = true
	return b, nil
}

// NewRedisWithClient wraps an existing client. The caller keeps ownership of
// the client; Close only tears down the broker's pub/sub connection.
func NewRedisWithClient(client redis.UniversalClient, logger *logrus.Entry) *RedisBroker {
	return newRedisBroker(client, logger)
}

func newRedisBroker(client redis.UniversalClient, logger *logrus.Entry) *RedisBroker {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	b := &RedisBroker{
		client:   client,
		pubsub:   client.Subscribe(context.Background()),
		logger:   logger.WithField("component", "broker"),
		handlers: make(map[string][]*handlerSlot),
		pending:  make(map[string]int),
	}
	go b.dispatch()
	return b
}

func (b *RedisBroker) dispatch() {
	for msg := range b.pubsub.Channel() {
		b.mu.Lock()
		slots := append([]*handlerSlot(nil), b.handlers[msg.Channel]...)
		b.mu.Unlock()
		for _, slot := range slots {
			slot.fn(msg.Channel, []byte(msg.Payload))
		}
	}
}

// Subscribe attaches a handler. The Redis-side SUBSCRIBE is only issued for
// the channel's first handler; until it completes the channel reports as
// pending.
func (b *RedisBroker) Subscribe(ctx context.Context, channelName string, h MessageHandler) (UnsubscribeFunc, error) {
	slot := &handlerSlot{fn: h}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker is closed")
	}
	first := len(b.handlers[channelName]) == 0 && b.pending[channelName] == 0
	b.pending[channelName]++
	b.mu.Unlock()

	if first {
		if err := b.pubsub.Subscribe(ctx, channelName); err != nil {
			b.mu.Lock()
			b.pending[channelName]--
			if b.pending[channelName] == 0 {
				delete(b.pending, channelName)
			}
			b.mu.Unlock()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", channelName, err)
		}
	}

	b.mu.Lock()
	b.pending[channelName]--
	if b.pending[channelName] == 0 {
		delete(b.pending, channelName)
	}
	b.handlers[channelName] = append(b.handlers[channelName], slot)
	b.mu.Unlock()

	return func() { b.detach(channelName, slot) }, nil
}

func (b *RedisBroker) detach(channelName string, slot *handlerSlot) {
	b.mu.Lock()
	slots := b.handlers[channelName]
	for i, s := range slots {
		if s == slot {
			slots = append(slots[:i], slots[i+1:]...)
			break
		}
	}
	last := len(slots) == 0
	if last {
		delete(b.handlers, channelName)
	} else {
		b.handlers[channelName] = slots
	}
	closed := b.closed
	b.mu.Unlock()

	if last && !closed {
		if err := b.pubsub.Unsubscribe(context.Background(), channelName); err != nil {
			b.logger.WithField("channel", channelName).WithError(err).Warn("failed to unsubscribe")
		}
	}
}

func (b *RedisBroker) Publish(ctx context.Context, channelName string, payload []byte) error {
	if payload == nil {
		payload = []byte{}
	}
	if err := b.client.Publish(ctx, channelName, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channelName, err)
	}
	return nil
}

func (b *RedisBroker) IsSubscribed(channelName string, includePending bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.handlers[channelName]) > 0 {
		return true
	}
	return includePending && b.pending[channelName] > 0
}

func (b *RedisBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.handlers = make(map[string][]*handlerSlot)
	b.pending = make(map[string]int)
	b.mu.Unlock()

	err := b.pubsub.Close()
	if b.ownClient {
		if cerr := b.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
