package consuming

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ruslanjabari/soketi/internal/configtypes"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

type KafkaConfig = configtypes.KafkaConsumerConfig

const (
	kafkaClientID         = "soketi"
	kafkaPingTimeout      = 5 * time.Second
	kafkaLeaveTimeout     = 10 * time.Second
	kafkaDefaultPollBatch = 100
)

// KafkaConsumer reads trigger requests from topics as a static member of
// consumer group. Every assigned partition gets own worker, so records of one
// partition are dispatched in order while partitions progress independently.
type KafkaConsumer struct {
	config     KafkaConfig
	dispatcher Dispatcher
	common     *consumerCommon
	client     *kgo.Client

	mu      sync.Mutex
	workers map[kafkaPartition]*kafkaPartitionWorker
}

type kafkaPartition struct {
	topic     string
	partition int32
}

func NewKafkaConsumer(config KafkaConfig, dispatcher Dispatcher, common *consumerCommon) (*KafkaConsumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.MaxPollRecords <= 0 {
		config.MaxPollRecords = kafkaDefaultPollBatch
	}
	if config.PartitionBufferSize < 0 {
		config.PartitionBufferSize = 0
	}
	c := &KafkaConsumer{
		config:     config,
		dispatcher: dispatcher,
		common:     common,
		workers:    make(map[kafkaPartition]*kafkaPartitionWorker),
	}
	client, err := c.connect()
	if err != nil {
		return nil, fmt.Errorf("error connecting to Kafka: %w", err)
	}
	c.client = client
	return c, nil
}

// instanceID is stable across restarts of the same node so that group
// rebalance is not triggered on quick restarts.
func (c *KafkaConsumer) instanceID() string {
	return kafkaClientID + "-" + c.common.name + "-" + c.common.nodeID
}

func kafkaSASL(config KafkaConfig) (sasl.Mechanism, error) {
	switch config.SASLMechanism {
	case "":
		return nil, nil
	case "plain":
		return plain.Auth{User: config.SASLUser, Pass: config.SASLPassword}.AsMechanism(), nil
	case "scram-sha-256":
		return scram.Auth{User: config.SASLUser, Pass: config.SASLPassword}.AsSha256Mechanism(), nil
	case "scram-sha-512":
		return scram.Auth{User: config.SASLUser, Pass: config.SASLPassword}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", config.SASLMechanism)
	}
}

func (c *KafkaConsumer) clientOpts() ([]kgo.Opt, error) {
	opts := []kgo.Opt{
		kgo.ClientID(kafkaClientID),
		kgo.SeedBrokers(c.config.Brokers...),
		kgo.ConsumeTopics(c.config.Topics...),
		kgo.ConsumerGroup(c.config.ConsumerGroup),
		kgo.InstanceID(c.instanceID()),
		// Offsets are marked after successful dispatch only.
		kgo.AutoCommitMarks(),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsAssigned(c.onAssigned),
		kgo.OnPartitionsRevoked(c.onRevoked),
		kgo.OnPartitionsLost(c.onLost),
	}
	if c.config.TLS.Enabled {
		tlsConfig, err := c.config.TLS.ToGoTLSConfig("kafka:" + c.common.name)
		if err != nil {
			return nil, fmt.Errorf("error making TLS configuration: %w", err)
		}
		dialer := &tls.Dialer{NetDialer: &net.Dialer{Timeout: 10 * time.Second}, Config: tlsConfig}
		opts = append(opts, kgo.Dialer(dialer.DialContext))
	}
	mechanism, err := kafkaSASL(c.config)
	if err != nil {
		return nil, err
	}
	if mechanism != nil {
		opts = append(opts, kgo.SASL(mechanism))
	}
	return opts, nil
}

func (c *KafkaConsumer) connect() (*kgo.Client, error) {
	opts, err := c.clientOpts()
	if err != nil {
		return nil, err
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), kafkaPingTimeout)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return client, nil
}

// leaveGroup is required for static members: closing client does not leave
// group by itself and partitions would stay assigned until session timeout.
func (c *KafkaConsumer) leaveGroup(ctx context.Context) error {
	instanceID := c.instanceID()
	reason := "shutdown"
	req := kmsg.NewPtrLeaveGroupRequest()
	req.Group = c.config.ConsumerGroup
	req.Members = []kmsg.LeaveGroupRequestMember{{InstanceID: &instanceID, Reason: &reason}}
	_, err := req.RequestWith(ctx, c.client)
	return err
}

func (c *KafkaConsumer) close() {
	if c.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), kafkaLeaveTimeout)
	defer cancel()
	if err := c.leaveGroup(ctx); err != nil {
		c.common.log.Error().Err(err).Msg("error leaving Kafka consumer group")
	}
	c.client.CloseAllowingRebalance()
	c.client = nil
}

// Run polls until ctx is done. Client is re-created after fatal poll errors.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	defer c.close()
	for {
		err := c.poll(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.common.log.Error().Err(err).Msg("error polling Kafka, reconnecting")
		}
		c.client.CloseAllowingRebalance()
		c.client = nil
		err = c.common.retryForever(ctx, "connecting to Kafka", func() error {
			client, err := c.connect()
			if err != nil {
				return err
			}
			c.client = client
			return nil
		})
		if err != nil {
			return err
		}
		c.common.log.Info().Msg("Kafka client reconnected")
	}
}

func (c *KafkaConsumer) poll(ctx context.Context) error {
	for ctx.Err() == nil {
		fetches := c.client.PollRecords(ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() {
			return nil
		}
		var errs []error
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.common.log.Error().Err(err).Str("topic", topic).Int32("partition", partition).Msg("error fetching from Kafka")
			errs = append(errs, err)
		})
		if len(errs) > 0 {
			return errors.Join(errs...)
		}
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			c.mu.Lock()
			w, ok := c.workers[kafkaPartition{p.Topic, p.Partition}]
			c.mu.Unlock()
			if ok {
				w.push(ctx, p)
			}
		})
		// Rebalance waits for this call, so workers must not hold records for long.
		c.client.AllowRebalance()
	}
	return ctx.Err()
}

func (c *KafkaConsumer) onAssigned(ctx context.Context, client *kgo.Client, assigned map[string][]int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, partitions := range assigned {
		for _, partition := range partitions {
			w := newKafkaPartitionWorker(ctx, client, c.dispatcher, c.common, c.config.PartitionBufferSize)
			c.workers[kafkaPartition{topic, partition}] = w
			go w.run()
		}
	}
}

func (c *KafkaConsumer) onRevoked(ctx context.Context, client *kgo.Client, revoked map[string][]int32) {
	c.stopWorkers(revoked)
	if err := client.CommitMarkedOffsets(ctx); err != nil {
		c.common.log.Error().Err(err).Msg("error committing offsets of revoked partitions")
	}
}

// onLost does not commit: partitions may already belong to another member.
func (c *KafkaConsumer) onLost(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
	c.stopWorkers(lost)
}

func (c *KafkaConsumer) stopWorkers(partitions map[string][]int32) {
	var stopped []*kafkaPartitionWorker
	c.mu.Lock()
	for topic, ps := range partitions {
		for _, partition := range ps {
			key := kafkaPartition{topic, partition}
			if w, ok := c.workers[key]; ok {
				delete(c.workers, key)
				w.stop()
				stopped = append(stopped, w)
			}
		}
	}
	c.mu.Unlock()
	for _, w := range stopped {
		<-w.done
	}
}

type kafkaPartitionWorker struct {
	ctx        context.Context
	cancel     context.CancelFunc
	client     *kgo.Client
	dispatcher Dispatcher
	common     *consumerCommon
	records    chan kgo.FetchTopicPartition
	done       chan struct{}
}

func newKafkaPartitionWorker(ctx context.Context, client *kgo.Client, dispatcher Dispatcher, common *consumerCommon, bufferSize int) *kafkaPartitionWorker {
	ctx, cancel := context.WithCancel(ctx)
	return &kafkaPartitionWorker{
		ctx:        ctx,
		cancel:     cancel,
		client:     client,
		dispatcher: dispatcher,
		common:     common,
		records:    make(chan kgo.FetchTopicPartition, bufferSize),
		done:       make(chan struct{}),
	}
}

func (w *kafkaPartitionWorker) push(ctx context.Context, p kgo.FetchTopicPartition) {
	select {
	case w.records <- p:
	case <-w.ctx.Done():
	case <-ctx.Done():
	}
}

func (w *kafkaPartitionWorker) stop() {
	w.cancel()
}

func (w *kafkaPartitionWorker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return
		case p := <-w.records:
			for _, record := range p.Records {
				// Retries forever, so false means worker was stopped.
				if !w.common.dispatchWithRetry(w.ctx, w.dispatcher, record.Value, 0) {
					return
				}
				w.client.MarkCommitRecords(record)
			}
		}
	}
}
