package consuming

import (
	"context"
	"fmt"
	"time"

	"github.com/ruslanjabari/soketi/internal/configtypes"
	"github.com/ruslanjabari/soketi/internal/metrics"
	"github.com/ruslanjabari/soketi/internal/redisqueue"
	"github.com/ruslanjabari/soketi/internal/redisshard"

	"golang.org/x/sync/errgroup"
)

type RedisStreamConsumerConfig = configtypes.RedisStreamConsumerConfig

// RedisStreamConsumer consumes trigger requests from Redis streams using consumer
// group. Entry field PayloadValue holds trigger JSON.
type RedisStreamConsumer struct {
	config     RedisStreamConsumerConfig
	dispatcher Dispatcher
	shard      *redisshard.RedisShard
	consumers  []*redisqueue.Consumer
	common     *consumerCommon
}

func NewRedisStreamConsumer(config RedisStreamConsumerConfig, dispatcher Dispatcher, common *consumerCommon) (*RedisStreamConsumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.PayloadValue == "" {
		config.PayloadValue = "payload"
	}
	shard, err := redisshard.BuildRedisShard(config.Redis, "redis_stream_consumer:"+common.name)
	if err != nil {
		return nil, fmt.Errorf("error building Redis shard: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shard.Ping(ctx); err != nil {
		shard.Close()
		return nil, fmt.Errorf("error pinging Redis: %w", err)
	}

	c := &RedisStreamConsumer{
		config:     config,
		dispatcher: dispatcher,
		shard:      shard,
		common:     common,
	}
	for _, stream := range config.Streams {
		consumer, err := redisqueue.NewConsumer(ctx, shard, redisqueue.ConsumerOptions{
			Stream:            stream,
			GroupName:         config.ConsumerGroup,
			Name:              common.nodeID,
			ConsumerFunc:      c.process,
			ErrorHandler:      c.onError,
			VisibilityTimeout: config.VisibilityTimeout.ToDuration(),
			BlockingTimeout:   5 * time.Second,
			ReclaimInterval:   5 * time.Second,
			Concurrency:       config.NumWorkers,
		})
		if err != nil {
			shard.Close()
			return nil, fmt.Errorf("error creating consumer for stream %s: %w", stream, err)
		}
		c.consumers = append(c.consumers, consumer)
	}
	return c, nil
}

func (c *RedisStreamConsumer) process(ctx context.Context, msg *redisqueue.Message) error {
	data, ok := msg.Values[c.config.PayloadValue]
	if !ok {
		c.common.log.Error().Str("id", msg.ID).Str("payload_value", c.config.PayloadValue).Msg("payload value not found in stream entry, skip")
		return nil
	}
	if err := c.common.dispatch(ctx, c.dispatcher, []byte(data)); err != nil {
		// Not acknowledged, claimed again after visibility timeout.
		metrics.ConsumerErrorsTotal.WithLabelValues(c.common.name).Inc()
		return err
	}
	metrics.ConsumerProcessedTotal.WithLabelValues(c.common.name).Inc()
	return nil
}

func (c *RedisStreamConsumer) onError(err error) {
	c.common.log.Error().Err(err).Msg("error in redis stream consumer")
}

func (c *RedisStreamConsumer) Run(ctx context.Context) error {
	defer c.shard.Close()
	eg, ctx := errgroup.WithContext(ctx)
	for _, consumer := range c.consumers {
		eg.Go(func() error {
			return consumer.Run(ctx)
		})
	}
	return eg.Wait()
}
