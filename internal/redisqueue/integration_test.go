//go:build integration

package redisqueue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ruslanjabari/soketi/internal/redisshard"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testRedisShard(t *testing.T) *redisshard.RedisShard {
	t.Helper()
	shard, err := redisshard.NewRedisShard(redisshard.RedisShardConfig{Address: "127.0.0.1:6379"})
	require.NoError(t, err)
	t.Cleanup(shard.Close)
	return shard
}

func TestConsumerProcessesMessage(t *testing.T) {
	shard := testRedisShard(t)
	stream := "soketi_test_" + uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	c, err := NewConsumer(ctx, shard, ConsumerOptions{
		Stream:    stream,
		GroupName: "group",
		ConsumerFunc: func(_ context.Context, m *Message) error {
			require.Equal(t, "value", m.Values["test"])
			close(done)
			return nil
		},
		BlockingTimeout: 10 * time.Millisecond,
		Concurrency:     2,
	})
	require.NoError(t, err)

	p, err := NewProducer(shard, ProducerOptions{Stream: stream})
	require.NoError(t, err)
	msg := &Message{Values: map[string]string{"test": "value"}}
	require.NoError(t, p.Enqueue(ctx, msg))
	require.NotEmpty(t, msg.ID)

	go func() { _ = c.Run(ctx) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("message not processed")
	}
}

func TestConsumerReclaimsFailedMessage(t *testing.T) {
	shard := testRedisShard(t)
	stream := "soketi_test_" + uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	c, err := NewConsumer(ctx, shard, ConsumerOptions{
		Stream:    stream,
		GroupName: "group",
		ConsumerFunc: func(_ context.Context, _ *Message) error {
			if attempts.Add(1) == 1 {
				return context.DeadlineExceeded
			}
			return nil
		},
		VisibilityTimeout: 5 * time.Millisecond,
		BlockingTimeout:   10 * time.Millisecond,
		ReclaimInterval:   10 * time.Millisecond,
	})
	require.NoError(t, err)

	p, err := NewProducer(shard, ProducerOptions{Stream: stream})
	require.NoError(t, err)
	require.NoError(t, p.Enqueue(ctx, &Message{Values: map[string]string{"k": "v"}}))

	go func() { _ = c.Run(ctx) }()
	require.Eventually(t, func() bool { return attempts.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
}
