package publish

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Bus is the message-bus surface the publisher needs. Redis in production,
// a stub in tests.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	PublishBatch(ctx context.Context, channel string, payloads [][]byte) error
	Ping(ctx context.Context) error
	Close() error
}

// Message is one delivery from a subscribed channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscriber is the consuming side of the bus, used by the websocket relay.
// The returned cancel func tears down the subscription and closes the channel.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) (<-chan Message, func())
}

// RedisBus publishes over a single multiplexed redis connection. Batches
// ride one pipelined round-trip.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus connects to the bus at url (redis://host:port/db).
func NewRedisBus(url string) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid bus url: %w", err)
	}
	return &RedisBus{client: redis.NewClient(opts)}, nil
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("bus publish failed: %w", err)
	}
	return nil
}

func (b *RedisBus) PublishBatch(ctx context.Context, channel string, payloads [][]byte) error {
	pipe := b.client.Pipeline()
	for _, p := range payloads {
		pipe.Publish(ctx, channel, p)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bus batch publish failed: %w", err)
	}
	return nil
}

// Subscribe opens a redis pub/sub subscription on the given channels.
func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) (<-chan Message, func()) {
	ps := b.client.Subscribe(ctx, channels...)
	out := make(chan Message, 256)

	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			select {
			case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { _ = ps.Close() }
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

// StubBus is an in-memory bus for tests: it records everything and fails
// on demand.
type StubBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
	failWith error
	subs     []*stubSub
}

type stubSub struct {
	channels map[string]bool
	ch       chan Message
}

// NewStubBus builds an empty stub.
func NewStubBus() *StubBus {
	return &StubBus{messages: make(map[string][][]byte)}
}

// FailWith makes every subsequent publish return err; nil restores health.
func (b *StubBus) FailWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failWith = err
}

// Messages returns everything published to a channel, in order.
func (b *StubBus) Messages(channel string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.messages[channel]))
	copy(out, b.messages[channel])
	return out
}

func (b *StubBus) Publish(_ context.Context, channel string, payload []byte) error {
	return b.PublishBatch(context.Background(), channel, [][]byte{payload})
}

func (b *StubBus) PublishBatch(_ context.Context, channel string, payloads [][]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWith != nil {
		return b.failWith
	}
	b.messages[channel] = append(b.messages[channel], payloads...)
	for _, sub := range b.subs {
		if !sub.channels[channel] {
			continue
		}
		for _, p := range payloads {
			select {
			case sub.ch <- Message{Channel: channel, Payload: p}:
			default:
			}
		}
	}
	return nil
}

// Subscribe mirrors the redis subscription for tests.
func (b *StubBus) Subscribe(_ context.Context, channels ...string) (<-chan Message, func()) {
	sub := &stubSub{channels: make(map[string]bool, len(channels)), ch: make(chan Message, 256)}
	for _, c := range channels {
		sub.channels[c] = true
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
}

func (b *StubBus) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failWith
}

func (b *StubBus) Close() error { return nil }
