// Package consuming runs asynchronous trigger consumers. Every consumed message is
// a trigger request which is published into channels the same way HTTP API does.
package consuming

import (
	"context"
	"fmt"

	"github.com/ruslanjabari/soketi/internal/configtypes"
	"github.com/ruslanjabari/soketi/internal/service"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Dispatcher delivers consumed payload. Returned error means message should be
// retried later, payloads which can never succeed are dropped with nil error.
type Dispatcher interface {
	DispatchTrigger(ctx context.Context, appID string, data []byte) error
}

type consumerCommon struct {
	name   string
	nodeID string
	// appID used when payload does not carry app_id.
	appID string
	log   zerolog.Logger
}

func (c *consumerCommon) dispatch(ctx context.Context, dispatcher Dispatcher, data []byte) error {
	return dispatcher.DispatchTrigger(ctx, c.appID, data)
}

// New creates services for enabled consumers.
func New(nodeID string, dispatcher Dispatcher, consumers []configtypes.Consumer) ([]service.Service, error) {
	var services []service.Service
	for _, consumer := range consumers {
		if !consumer.Enabled {
			log.Info().Str("consumer_name", consumer.Name).Msg("consumer is not enabled, skip")
			continue
		}
		common := &consumerCommon{
			name:   consumer.Name,
			nodeID: nodeID,
			appID:  consumer.AppID,
			log:    log.With().Str("consumer", consumer.Name).Logger(),
		}
		svc, err := newConsumer(consumer, dispatcher, common)
		if err != nil {
			return nil, fmt.Errorf("error initializing %s consumer %s: %w", consumer.Type, consumer.Name, err)
		}
		log.Info().Str("consumer_name", consumer.Name).Str("consumer_type", consumer.Type).Msg("running consumer")
		services = append(services, svc)
	}
	return services, nil
}

func newConsumer(consumer configtypes.Consumer, dispatcher Dispatcher, common *consumerCommon) (service.Service, error) {
	switch consumer.Type {
	case configtypes.ConsumerTypeKafka:
		return NewKafkaConsumer(consumer.Kafka, dispatcher, common)
	case configtypes.ConsumerTypePostgres:
		return NewPostgresConsumer(consumer.Postgres, dispatcher, common)
	case configtypes.ConsumerTypeRedisStream:
		return NewRedisStreamConsumer(consumer.RedisStream, dispatcher, common)
	case configtypes.ConsumerTypeNatsJetStream:
		return NewNatsJetStreamConsumer(consumer.NatsJetStream, dispatcher, common)
	case configtypes.ConsumerTypeGooglePubSub:
		return NewGooglePubSubConsumer(consumer.GooglePubSub, dispatcher, common)
	case configtypes.ConsumerTypeAwsSqs:
		return NewAwsSqsConsumer(consumer.AwsSqs, dispatcher, common)
	case configtypes.ConsumerTypeAzureServiceBus:
		return NewAzureServiceBusConsumer(consumer.AzureServiceBus, dispatcher, common)
	default:
		return nil, fmt.Errorf("unknown consumer type: %s", consumer.Type)
	}
}
