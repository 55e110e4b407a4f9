package consuming

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ruslanjabari/soketi/internal/configtypes"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
)

type AzureServiceBusConsumerConfig = configtypes.AzureServiceBusConsumerConfig

// AzureServiceBusConsumer receives trigger requests from Service Bus queues. In
// session mode messages of one session are dispatched in order.
type AzureServiceBusConsumer struct {
	config     AzureServiceBusConsumerConfig
	dispatcher Dispatcher
	client     *azservicebus.Client
	common     *consumerCommon
}

func NewAzureServiceBusConsumer(cfg AzureServiceBusConsumerConfig, dispatcher Dispatcher, common *consumerCommon) (*AzureServiceBusConsumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.MaxConcurrentCalls = max(cfg.MaxConcurrentCalls, 1)
	cfg.MaxReceiveMessages = max(cfg.MaxReceiveMessages, 1)

	var client *azservicebus.Client
	if cfg.UseAzureIdentity {
		cred, err := azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
		if err != nil {
			return nil, fmt.Errorf("error obtaining Azure credential: %w", err)
		}
		client, err = azservicebus.NewClient(cfg.FullyQualifiedNamespace, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("error creating Service Bus client: %w", err)
		}
	} else {
		var err error
		client, err = azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("error creating Service Bus client: %w", err)
		}
	}
	return &AzureServiceBusConsumer{
		config:     cfg,
		dispatcher: dispatcher,
		client:     client,
		common:     common,
	}, nil
}

func (c *AzureServiceBusConsumer) Run(ctx context.Context) error {
	defer func() { _ = c.client.Close(context.Background()) }()

	var wg sync.WaitGroup
	for _, queue := range c.config.Queues {
		for i := 0; i < c.config.MaxConcurrentCalls; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if c.config.UseSessions {
					c.runSessions(ctx, queue)
				} else {
					c.runReceiver(ctx, queue)
				}
			}()
		}
	}
	wg.Wait()
	return ctx.Err()
}

func (c *AzureServiceBusConsumer) pause(ctx context.Context) bool {
	select {
	case <-time.After(time.Second):
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *AzureServiceBusConsumer) runReceiver(ctx context.Context, queue string) {
	var receiver *azservicebus.Receiver
	for {
		var err error
		receiver, err = c.client.NewReceiverForQueue(queue, nil)
		if err == nil {
			break
		}
		c.common.log.Error().Err(err).Str("queue", queue).Msg("error creating receiver")
		if !c.pause(ctx) {
			return
		}
	}
	defer func() { _ = receiver.Close(context.Background()) }()

	for ctx.Err() == nil {
		messages, err := receiver.ReceiveMessages(ctx, c.config.MaxReceiveMessages, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.common.log.Error().Err(err).Str("queue", queue).Msg("error receiving messages")
			if !c.pause(ctx) {
				return
			}
			continue
		}
		for _, msg := range messages {
			c.processMessage(ctx, msg, receiver)
		}
	}
}

func (c *AzureServiceBusConsumer) runSessions(ctx context.Context, queue string) {
	for ctx.Err() == nil {
		session, err := c.client.AcceptNextSessionForQueue(ctx, queue, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.common.log.Error().Err(err).Str("queue", queue).Msg("error accepting session")
			if !c.pause(ctx) {
				return
			}
			continue
		}
		c.processSession(ctx, session, queue)
	}
}

// processSession drains session until it has no messages. Session lock is renewed
// at 2/3 of its remaining time.
func (c *AzureServiceBusConsumer) processSession(ctx context.Context, session *azservicebus.SessionReceiver, queue string) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = session.Close(context.Background()) }()

	go func() {
		for {
			interval := time.Until(session.LockedUntil()) * 2 / 3
			if interval <= 0 {
				c.common.log.Error().Str("queue", queue).Str("session", session.SessionID()).Msg("session lock expired")
				cancel()
				return
			}
			select {
			case <-time.After(interval):
				if err := session.RenewSessionLock(sessionCtx, nil); err != nil {
					if sessionCtx.Err() == nil {
						c.common.log.Error().Err(err).Str("queue", queue).Msg("error renewing session lock")
					}
					cancel()
					return
				}
			case <-sessionCtx.Done():
				return
			}
		}
	}()

	for sessionCtx.Err() == nil {
		messages, err := session.ReceiveMessages(sessionCtx, c.config.MaxReceiveMessages, nil)
		if err != nil {
			if sessionCtx.Err() == nil {
				c.common.log.Error().Err(err).Str("queue", queue).Msg("error receiving session messages")
			}
			return
		}
		if len(messages) == 0 {
			return
		}
		for _, msg := range messages {
			if !c.processMessage(sessionCtx, msg, session) {
				// Abandoned message is redelivered, keep session order.
				return
			}
		}
	}
}

// messageSettler is implemented by Receiver and SessionReceiver.
type messageSettler interface {
	CompleteMessage(ctx context.Context, msg *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, msg *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
}

func (c *AzureServiceBusConsumer) processMessage(ctx context.Context, msg *azservicebus.ReceivedMessage, settler messageSettler) bool {
	settleCtx := context.WithoutCancel(ctx)
	if !c.common.dispatchWithRetry(ctx, c.dispatcher, msg.Body, maxDispatchRetries) {
		if err := settler.AbandonMessage(settleCtx, msg, nil); err != nil {
			c.common.log.Error().Err(err).Str("message_id", msg.MessageID).Msg("error abandoning message")
		}
		return false
	}
	if err := settler.CompleteMessage(settleCtx, msg, nil); err != nil {
		c.common.log.Error().Err(err).Str("message_id", msg.MessageID).Msg("error completing message")
		return false
	}
	return true
}
