package revocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel used when none is set.
const DefaultChannel = "plugintrust:revocations"

// RedisBus publishes events on a Redis channel and delivers events from
// other nodes to local subscribers. Local publishes are delivered locally
// without a round trip; their echo from Redis is dropped.
type RedisBus struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	channel string
	node    string
	logger  *slog.Logger
	subs    subscribers

	closeOnce sync.Once
	done      chan struct{}
}

// RedisOption configures a RedisBus.
type RedisOption func(*RedisBus)

// WithChannel sets the pub/sub channel.
func WithChannel(ch string) RedisOption {
	return func(b *RedisBus) {
		if ch != "" {
			b.channel = ch
		}
	}
}

// WithNodeID sets the origin recorded on published events.
func WithNodeID(id string) RedisOption {
	return func(b *RedisBus) {
		if id != "" {
			b.node = id
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RedisOption {
	return func(b *RedisBus) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewRedisBus subscribes to the channel on client and starts delivering
// remote events. The subscription is confirmed before it returns.
func NewRedisBus(ctx context.Context, client *redis.Client, opts ...RedisOption) (*RedisBus, error) {
	b := &RedisBus{
		client:  client,
		channel: DefaultChannel,
		node:    uuid.NewString(),
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.pubsub = client.Subscribe(ctx, b.channel)
	if _, err := b.pubsub.Receive(ctx); err != nil {
		_ = b.pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	go b.loop()
	return b, nil
}

// NodeID returns the bus node id.
func (b *RedisBus) NodeID() string { return b.node }

// envelope is the wire form; Node identifies the publishing bus.
type envelope struct {
	Node  string `json:"node"`
	Event Event  `json:"event"`
}

func (b *RedisBus) loop() {
	defer close(b.done)
	for msg := range b.pubsub.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			b.logger.Warn("dropping malformed revocation event", "channel", msg.Channel, "error", err)
			continue
		}
		if env.Node == b.node {
			continue
		}
		b.subs.deliver(env.Event)
	}
}

// Publish delivers e locally and to every other node. An empty Origin is
// set to the bus node id.
func (b *RedisBus) Publish(ctx context.Context, e Event) error {
	if e.Origin == "" {
		e.Origin = b.node
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.subs.deliver(e)

	payload, err := json.Marshal(envelope{Node: b.node, Event: e})
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish revocation: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(fn func(Event)) func() { return b.subs.add(fn) }

// Close stops delivery. The client is left open.
func (b *RedisBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.pubsub.Close()
		<-b.done
	})
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
