// Package rediscluster implements cluster bus over Redis PUB/SUB.
package rediscluster

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ruslanjabari/soketi/internal/cluster"
	"github.com/ruslanjabari/soketi/internal/redisshard"

	"github.com/redis/rueidis"
	"github.com/rs/zerolog/log"
)

const (
	subscribeTimeout    = 5 * time.Second
	resubscribeInterval = time.Second
)

// Config of Bus.
type Config struct {
	// Prefix of Redis channel name.
	Prefix string
}

// Bus publishes cluster envelopes into one Redis channel.
type Bus struct {
	shard   *redisshard.RedisShard
	channel string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ cluster.Bus = (*Bus)(nil)

// New creates Bus.
func New(shard *redisshard.RedisShard, config Config) *Bus {
	prefix := config.Prefix
	if prefix == "" {
		prefix = "soketi"
	}
	return &Bus{
		shard:   shard,
		channel: prefix + ".cluster",
	}
}

// Subscribe blocks until first subscription is confirmed, then keeps it alive
// in background resubscribing on connection loss.
func (b *Bus) Subscribe(handler func(data []byte)) error {
	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancel = cancel
	b.done = make(chan struct{})
	b.mu.Unlock()

	ready := make(chan struct{})
	var readyOnce sync.Once
	onReady := func() { readyOnce.Do(func() { close(ready) }) }

	go func() {
		defer close(b.done)
		for {
			err := b.runSubscriber(ctx, handler, onReady)
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("channel", b.channel).Msg("redis cluster subscription lost")
			select {
			case <-ctx.Done():
				return
			case <-time.After(resubscribeInterval):
			}
		}
	}()

	select {
	case <-ready:
		return nil
	case <-time.After(subscribeTimeout):
		cancel()
		return errors.New("timeout subscribing to redis cluster channel")
	}
}

func (b *Bus) runSubscriber(ctx context.Context, handler func(data []byte), onReady func()) error {
	client, release := b.shard.Client().Dedicate()
	defer release()

	wait := client.SetPubSubHooks(rueidis.PubSubHooks{
		OnMessage: func(m rueidis.PubSubMessage) {
			handler([]byte(m.Message))
		},
		OnSubscription: func(s rueidis.PubSubSubscription) {
			if s.Kind == "subscribe" && s.Channel == b.channel {
				onReady()
			}
		},
	})
	if err := client.Do(ctx, client.B().Subscribe().Channel(b.channel).Build()).Error(); err != nil {
		return err
	}
	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish message to every node.
func (b *Bus) Publish(ctx context.Context, data []byte) error {
	client := b.shard.Client()
	return client.Do(ctx, client.B().Publish().Channel(b.channel).Message(rueidis.BinaryString(data)).Build()).Error()
}

// Close stops subscriber and closes Redis client.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.mu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	b.shard.Close()
	return nil
}
