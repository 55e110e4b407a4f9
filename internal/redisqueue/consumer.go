// Package redisqueue consumes Redis streams with consumer groups. Messages not
// acknowledged within visibility timeout are claimed again with XAUTOCLAIM.
package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ruslanjabari/soketi/internal/redisshard"

	"github.com/redis/rueidis"
)

// ConsumerFunc processes message. Message is acknowledged when nil returned.
type ConsumerFunc func(ctx context.Context, msg *Message) error

// ConsumerOptions of Consumer.
type ConsumerOptions struct {
	Stream string
	// GroupName of consumer group, required.
	GroupName string
	// Name of this consumer in group. Hostname when empty.
	Name string

	ConsumerFunc ConsumerFunc
	// ErrorHandler receives errors of processing and Redis calls, may be nil.
	ErrorHandler func(err error)

	// VisibilityTimeout after which pending message may be claimed by another
	// consumer. Zero disables reclaiming.
	VisibilityTimeout time.Duration
	// BlockingTimeout of XREADGROUP. Keep it short so Run reacts to shutdown.
	BlockingTimeout time.Duration
	// ReclaimInterval between XAUTOCLAIM passes.
	ReclaimInterval time.Duration
	// Concurrency is a number of worker goroutines.
	Concurrency int
}

func (o *ConsumerOptions) normalize() error {
	if o.Stream == "" {
		return errors.New("stream required")
	}
	if o.ConsumerFunc == nil {
		return errors.New("ConsumerFunc required")
	}
	if o.GroupName == "" {
		return errors.New("GroupName required")
	}
	if o.Name == "" {
		hostname, _ := os.Hostname()
		o.Name = hostname
	}
	if o.BlockingTimeout == 0 {
		o.BlockingTimeout = 5 * time.Second
	}
	if o.ReclaimInterval == 0 {
		o.ReclaimInterval = 5 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	return nil
}

// Consumer reads stream in consumer group and hands messages to workers.
type Consumer struct {
	options ConsumerOptions
	shard   *redisshard.RedisShard
	queue   chan *Message
}

// NewConsumer creates Consumer and its consumer group.
func NewConsumer(ctx context.Context, shard *redisshard.RedisShard, options ConsumerOptions) (*Consumer, error) {
	if err := options.normalize(); err != nil {
		return nil, err
	}
	c := &Consumer{
		options: options,
		shard:   shard,
		queue:   make(chan *Message, options.Concurrency),
	}
	if err := CreateConsumerGroup(ctx, shard, options.Stream, options.GroupName, "$"); err != nil {
		return nil, fmt.Errorf("error creating consumer group: %w", err)
	}
	return c, nil
}

// Options of consumer after defaults applied.
func (c *Consumer) Options() ConsumerOptions {
	return c.options
}

// Run consumes stream until ctx is done. In-flight messages not acknowledged by
// then stay pending and are claimed later.
func (c *Consumer) Run(ctx context.Context) error {
	var producers sync.WaitGroup
	producers.Add(1)
	go func() {
		defer producers.Done()
		c.reclaim(ctx)
	}()

	var workers sync.WaitGroup
	for i := 0; i < c.options.Concurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			c.work(ctx)
		}()
	}

	c.poll(ctx)
	producers.Wait()
	close(c.queue)
	workers.Wait()
	return ctx.Err()
}

func (c *Consumer) reclaim(ctx context.Context) {
	if c.options.VisibilityTimeout == 0 {
		return
	}
	ticker := time.NewTicker(c.options.ReclaimInterval)
	defer ticker.Stop()
	minIdle := strconv.FormatInt(c.options.VisibilityTimeout.Milliseconds(), 10)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := "0-0"
			for {
				res := c.shard.RunOp(func(client rueidis.Client) rueidis.RedisResult {
					cmd := client.B().Xautoclaim().
						Key(c.options.Stream).Group(c.options.GroupName).Consumer(c.options.Name).
						MinIdleTime(minIdle).Start(start).Count(int64(c.options.Concurrency)).Build()
					return client.Do(ctx, cmd)
				})
				reply, err := parseAutoClaim(res)
				if err != nil {
					if !rueidis.IsRedisNil(err) && ctx.Err() == nil {
						c.logError(fmt.Errorf("error claiming pending messages: %w", err))
					}
					break
				}
				if !c.enqueue(ctx, reply.entries) {
					return
				}
				if reply.done() {
					break
				}
				start = reply.next
			}
		}
	}
}

func (c *Consumer) poll(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		res := c.shard.RunOp(func(client rueidis.Client) rueidis.RedisResult {
			cmd := client.B().Xreadgroup().Group(c.options.GroupName, c.options.Name).
				Count(int64(c.options.Concurrency)).Block(c.options.BlockingTimeout.Milliseconds()).
				Streams().Key(c.options.Stream).Id(">").Build()
			return client.Do(ctx, cmd)
		})
		if err := res.Error(); err != nil {
			var netErr net.Error
			if rueidis.IsRedisNil(err) || (errors.As(err, &netErr) && netErr.Timeout()) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if strings.Contains(err.Error(), "NOGROUP") {
				if err := CreateConsumerGroup(ctx, c.shard, c.options.Stream, c.options.GroupName, "$"); err != nil {
					c.logError(fmt.Errorf("error creating consumer group: %w", err))
				}
				continue
			}
			c.logError(fmt.Errorf("error reading redis stream %s: %w", c.options.Stream, err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		streams, err := res.AsXRead()
		if err != nil {
			c.logError(fmt.Errorf("error parsing redis stream %s: %w", c.options.Stream, err))
			continue
		}
		for _, entries := range streams {
			if !c.enqueue(ctx, entries) {
				return
			}
		}
	}
}

func (c *Consumer) enqueue(ctx context.Context, entries []rueidis.XRangeEntry) bool {
	for _, entry := range entries {
		select {
		case c.queue <- &Message{ID: entry.ID, Values: entry.FieldValues}:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (c *Consumer) work(ctx context.Context) {
	for msg := range c.queue {
		if ctx.Err() != nil {
			continue
		}
		if err := c.options.ConsumerFunc(ctx, msg); err != nil {
			c.logError(fmt.Errorf("error processing %q stream message %q: %w", c.options.Stream, msg.ID, err))
			continue
		}
		err := c.shard.RunOp(func(client rueidis.Client) rueidis.RedisResult {
			cmd := client.B().Xack().Key(c.options.Stream).Group(c.options.GroupName).Id(msg.ID).Build()
			return client.Do(context.WithoutCancel(ctx), cmd)
		}).Error()
		if err != nil {
			c.logError(fmt.Errorf("error acknowledging %q stream message %q: %w", c.options.Stream, msg.ID, err))
		}
	}
}

func (c *Consumer) logError(err error) {
	if c.options.ErrorHandler != nil {
		c.options.ErrorHandler(err)
	}
}
