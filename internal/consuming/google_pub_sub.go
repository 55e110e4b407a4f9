package consuming

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ruslanjabari/soketi/internal/configtypes"

	"cloud.google.com/go/pubsub"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
)

type GooglePubSubConsumerConfig = configtypes.GooglePubSubConsumerConfig

// GooglePubSubConsumer receives trigger requests from Pub/Sub subscriptions. With
// message ordering enabled messages sharing ordering key are dispatched one by one.
type GooglePubSubConsumer struct {
	config     GooglePubSubConsumerConfig
	dispatcher Dispatcher
	client     *pubsub.Client
	subs       []*pubsub.Subscription
	common     *consumerCommon

	keyLocksMu sync.Mutex
	keyLocks   map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewGooglePubSubConsumer(config GooglePubSubConsumerConfig, dispatcher Dispatcher, common *consumerCommon) (*GooglePubSubConsumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	var clientOpts []option.ClientOption
	if strings.ToLower(config.AuthMechanism) == "service_account" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(config.CredentialsFile))
	}
	client, err := pubsub.NewClient(context.Background(), config.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("error creating pubsub client: %w", err)
	}
	c := &GooglePubSubConsumer{
		config:     config,
		dispatcher: dispatcher,
		client:     client,
		common:     common,
		keyLocks:   map[string]*keyLock{},
	}
	for _, id := range config.Subscriptions {
		sub := client.Subscription(id)
		sub.ReceiveSettings.MaxOutstandingMessages = config.MaxOutstandingMessages
		sub.ReceiveSettings.MaxOutstandingBytes = config.MaxOutstandingBytes
		c.subs = append(c.subs, sub)
	}
	return c, nil
}

func (c *GooglePubSubConsumer) Run(ctx context.Context) error {
	defer func() { _ = c.client.Close() }()
	eg, ctx := errgroup.WithContext(ctx)
	for _, sub := range c.subs {
		eg.Go(func() error {
			err := sub.Receive(ctx, c.handleMessage)
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("error receiving from subscription %s: %w", sub.ID(), err)
			}
			return ctx.Err()
		})
	}
	return eg.Wait()
}

func (c *GooglePubSubConsumer) handleMessage(ctx context.Context, msg *pubsub.Message) {
	if c.config.EnableMessageOrdering && msg.OrderingKey != "" {
		unlock := c.lockKey(msg.OrderingKey)
		defer unlock()
	}
	if c.common.dispatchWithRetry(ctx, c.dispatcher, msg.Data, 0) {
		msg.Ack()
		return
	}
	msg.Nack()
}

func (c *GooglePubSubConsumer) lockKey(key string) func() {
	c.keyLocksMu.Lock()
	l, ok := c.keyLocks[key]
	if !ok {
		l = &keyLock{}
		c.keyLocks[key] = l
	}
	l.refs++
	c.keyLocksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.keyLocksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.keyLocks, key)
		}
		c.keyLocksMu.Unlock()
	}
}
