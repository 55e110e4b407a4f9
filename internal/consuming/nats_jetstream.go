package consuming

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ruslanjabari/soketi/internal/configtypes"
	"github.com/ruslanjabari/soketi/internal/metrics"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

type NatsJetStreamConsumerConfig = configtypes.NatsJetStreamConsumerConfig

// NatsJetStreamConsumer pulls trigger requests from JetStream durable consumer.
// Consumer is recreated when pull heartbeats are lost.
type NatsJetStreamConsumer struct {
	config     NatsJetStreamConsumerConfig
	dispatcher Dispatcher
	nc         *nats.Conn
	consumer   jetstream.Consumer
	common     *consumerCommon
	recreateCh chan struct{}
}

func NewNatsJetStreamConsumer(config NatsJetStreamConsumerConfig, dispatcher Dispatcher, common *consumerCommon) (*NatsJetStreamConsumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	c := &NatsJetStreamConsumer{
		config:     config,
		dispatcher: dispatcher,
		common:     common,
		recreateCh: make(chan struct{}, 1),
	}

	opts := []nats.Option{
		nats.Name("soketi-consumer-" + common.name),
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.common.log.Info().Msg("reconnected to NATS")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.common.log.Warn().Err(err).Msg("disconnected from NATS")
		}),
	}
	switch {
	case config.CredentialsFile != "":
		opts = append(opts, nats.UserCredentials(config.CredentialsFile))
	case config.Username != "":
		opts = append(opts, nats.UserInfo(config.Username, config.Password))
	case config.Token != "":
		opts = append(opts, nats.Token(config.Token))
	}
	if config.TLS.Enabled {
		tlsConfig, err := config.TLS.ToGoTLSConfig("nats_jetstream_consumer:" + common.name)
		if err != nil {
			return nil, fmt.Errorf("error creating TLS config: %w", err)
		}
		opts = append(opts, nats.Secure(tlsConfig))
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("error connecting to NATS: %w", err)
	}
	c.nc = nc

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	consumer, err := c.createConsumer(ctx)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("error creating JetStream consumer: %w", err)
	}
	c.consumer = consumer
	return c, nil
}

func (c *NatsJetStreamConsumer) createConsumer(ctx context.Context) (jetstream.Consumer, error) {
	js, err := jetstream.New(c.nc)
	if err != nil {
		return nil, err
	}
	consumerConfig := jetstream.ConsumerConfig{
		Durable:        c.config.DurableConsumerName,
		FilterSubjects: c.config.Subjects,
		DeliverPolicy:  jetstream.DeliverNewPolicy,
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        30 * time.Second,
	}
	if c.config.Ordered {
		consumerConfig.MaxAckPending = 1
	}
	return js.CreateOrUpdateConsumer(ctx, c.config.StreamName, consumerConfig)
}

func (c *NatsJetStreamConsumer) handleMessage(ctx context.Context, msg jetstream.Msg) {
	if c.common.log.GetLevel() <= zerolog.DebugLevel {
		c.common.log.Debug().Str("subject", msg.Subject()).Msg("message received")
	}
	if err := c.common.dispatch(ctx, c.dispatcher, msg.Data()); err != nil {
		metrics.ConsumerErrorsTotal.WithLabelValues(c.common.name).Inc()
		c.common.log.Error().Err(err).Str("subject", msg.Subject()).Msg("error processing message")
		if err := msg.Nak(); err != nil {
			c.common.log.Error().Err(err).Msg("error sending nak")
		}
		return
	}
	if err := msg.Ack(); err != nil {
		metrics.ConsumerErrorsTotal.WithLabelValues(c.common.name).Inc()
		c.common.log.Error().Err(err).Msg("error sending ack")
		return
	}
	metrics.ConsumerProcessedTotal.WithLabelValues(c.common.name).Inc()
}

func (c *NatsJetStreamConsumer) onConsumeError(_ jetstream.ConsumeContext, err error) {
	if errors.Is(err, jetstream.ErrNoHeartbeat) {
		select {
		case c.recreateCh <- struct{}{}:
		default:
		}
	}
	c.common.log.Error().Err(err).Msg("error consuming JetStream")
}

func (c *NatsJetStreamConsumer) recreate(ctx context.Context) error {
	return c.common.retryForever(ctx, "recreating JetStream consumer", func() error {
		createCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		consumer, err := c.createConsumer(createCtx)
		if err != nil {
			return err
		}
		c.consumer = consumer
		return nil
	})
}

func (c *NatsJetStreamConsumer) Run(ctx context.Context) error {
	defer func() { _ = c.nc.Drain() }()

	for started := false; ; started = true {
		if started {
			if err := c.recreate(ctx); err != nil {
				return err
			}
		}
		consumeContext, err := c.consumer.Consume(
			func(msg jetstream.Msg) { c.handleMessage(ctx, msg) },
			jetstream.ConsumeErrHandler(c.onConsumeError),
			jetstream.PullHeartbeat(5*time.Second),
		)
		if err != nil {
			if !started {
				return err
			}
			c.common.log.Error().Err(err).Msg("error starting consume, retrying")
			if err := sleepCtx(ctx, 5*time.Second); err != nil {
				return err
			}
			continue
		}
		select {
		case <-ctx.Done():
			consumeContext.Stop()
			return ctx.Err()
		case <-c.recreateCh:
			c.common.log.Warn().Msg("no heartbeat from JetStream, recreating consumer")
			consumeContext.Stop()
		}
	}
}
