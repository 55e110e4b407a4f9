package consuming

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/ruslanjabari/soketi/internal/configtypes"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	endpoints "github.com/aws/smithy-go/endpoints"
	"github.com/tidwall/gjson"
)

type AwsSqsConsumerConfig = configtypes.AwsSqsConsumerConfig

// AwsSqsConsumer polls SQS queues for trigger requests. Messages of one FIFO
// message group are dispatched in order, others concurrently.
type AwsSqsConsumer struct {
	config     AwsSqsConsumerConfig
	dispatcher Dispatcher
	client     *sqs.Client
	common     *consumerCommon
}

// maxDispatchRetries before message is left for redelivery after visibility timeout.
const maxDispatchRetries = 3

type overrideEndpointResolver struct {
	Endpoint endpoints.Endpoint
}

func (o overrideEndpointResolver) ResolveEndpoint(_ context.Context, _ sqs.EndpointParameters) (endpoints.Endpoint, error) {
	return o.Endpoint, nil
}

func NewAwsSqsConsumer(cfg AwsSqsConsumerConfig, dispatcher Dispatcher, common *consumerCommon) (*AwsSqsConsumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.CredentialsProfile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.CredentialsProfile))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %w", err)
	}
	if cfg.AssumeRoleARN != "" {
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(awsCfg), cfg.AssumeRoleARN)
		awsCfg.Credentials = aws.NewCredentialsCache(provider)
	}

	var sqsOpts []func(*sqs.Options)
	if cfg.LocalStackEndpoint != "" {
		u, err := url.Parse(cfg.LocalStackEndpoint)
		if err != nil {
			return nil, fmt.Errorf("error parsing localstack endpoint: %w", err)
		}
		sqsOpts = append(sqsOpts, sqs.WithEndpointResolverV2(overrideEndpointResolver{
			Endpoint: endpoints.Endpoint{URI: *u},
		}))
	}

	return &AwsSqsConsumer{
		config:     cfg,
		dispatcher: dispatcher,
		client:     sqs.NewFromConfig(awsCfg, sqsOpts...),
		common:     common,
	}, nil
}

func (c *AwsSqsConsumer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, queueURL := range c.config.Queues {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.pollQueue(ctx, queueURL)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (c *AwsSqsConsumer) pollQueue(ctx context.Context, queueURL string) {
	waitTime := max(int32(c.config.PollWaitTime.ToDuration().Seconds()), 1)
	visibilityTimeout := max(int32(c.config.VisibilityTimeout.ToDuration().Seconds()), 1)
	for ctx.Err() == nil {
		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:                    aws.String(queueURL),
			MaxNumberOfMessages:         c.config.MaxNumberOfMessages,
			WaitTimeSeconds:             waitTime,
			VisibilityTimeout:           visibilityTimeout,
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameMessageGroupId},
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.common.log.Error().Err(err).Str("queue", queueURL).Msg("error receiving messages")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if len(out.Messages) > 0 {
			c.processMessages(ctx, queueURL, out.Messages)
		}
	}
}

// groupMessages splits messages by message group id preserving receive order.
// Messages without group id each form own group.
func groupMessages(messages []types.Message) [][]types.Message {
	var groups [][]types.Message
	index := map[string]int{}
	for _, msg := range messages {
		groupID := msg.Attributes[string(types.MessageSystemAttributeNameMessageGroupId)]
		if groupID == "" {
			groups = append(groups, []types.Message{msg})
			continue
		}
		i, ok := index[groupID]
		if !ok {
			index[groupID] = len(groups)
			groups = append(groups, []types.Message{msg})
			continue
		}
		groups[i] = append(groups[i], msg)
	}
	return groups
}

func (c *AwsSqsConsumer) processMessages(ctx context.Context, queueURL string, messages []types.Message) {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		processed []types.Message
	)
	sem := make(chan struct{}, max(c.config.MaxConcurrency, 1))
	for _, group := range groupMessages(messages) {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			for _, msg := range group {
				// Rest of the group is redelivered after the failed one.
				if !c.processMessage(ctx, msg) {
					break
				}
				mu.Lock()
				processed = append(processed, msg)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(processed) > 0 {
		c.deleteMessages(context.WithoutCancel(ctx), queueURL, processed)
	}
}

func (c *AwsSqsConsumer) processMessage(ctx context.Context, msg types.Message) bool {
	data, err := c.extractMessageData(msg)
	if err != nil {
		c.common.log.Error().Err(err).Str("message_id", aws.ToString(msg.MessageId)).Msg("malformed message, drop")
		return true
	}
	return c.common.dispatchWithRetry(ctx, c.dispatcher, data, maxDispatchRetries)
}

func (c *AwsSqsConsumer) extractMessageData(msg types.Message) ([]byte, error) {
	if msg.Body == nil {
		return nil, errors.New("empty message body")
	}
	if !c.config.SNSEnvelope {
		return []byte(*msg.Body), nil
	}
	if !gjson.Valid(*msg.Body) {
		return nil, errors.New("SNS envelope is not valid JSON")
	}
	message := gjson.Get(*msg.Body, "Message")
	if message.Type != gjson.String {
		return nil, errors.New("SNS envelope has no Message")
	}
	return []byte(message.Str), nil
}

func (c *AwsSqsConsumer) deleteMessages(ctx context.Context, queueURL string, messages []types.Message) {
	const maxBatchSize = 10
	for start := 0; start < len(messages); start += maxBatchSize {
		batch := messages[start:min(start+maxBatchSize, len(messages))]
		entries := make([]types.DeleteMessageBatchRequestEntry, len(batch))
		for i, msg := range batch {
			entries[i] = types.DeleteMessageBatchRequestEntry{
				Id:            msg.MessageId,
				ReceiptHandle: msg.ReceiptHandle,
			}
		}
		out, err := c.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(queueURL),
			Entries:  entries,
		})
		if err != nil {
			c.common.log.Error().Err(err).Str("queue", queueURL).Msg("error deleting messages")
			continue
		}
		for _, failed := range out.Failed {
			c.common.log.Error().Str("message_id", aws.ToString(failed.Id)).Str("reason", aws.ToString(failed.Message)).Msg("error deleting message")
		}
	}
}
