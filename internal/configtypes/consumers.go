package configtypes

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
)

// Consumer types.
const (
	ConsumerTypeKafka           = "kafka"
	ConsumerTypePostgres        = "postgresql"
	ConsumerTypeRedisStream     = "redis_stream"
	ConsumerTypeNatsJetStream   = "nats_jetstream"
	ConsumerTypeGooglePubSub    = "google_pub_sub"
	ConsumerTypeAwsSqs          = "aws_sqs"
	ConsumerTypeAzureServiceBus = "azure_service_bus"
)

var consumerTypes = []string{
	ConsumerTypeKafka,
	ConsumerTypePostgres,
	ConsumerTypeRedisStream,
	ConsumerTypeNatsJetStream,
	ConsumerTypeGooglePubSub,
	ConsumerTypeAwsSqs,
	ConsumerTypeAzureServiceBus,
}

var consumerNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{2,}$`)

// Consumer reads trigger messages from external queue and publishes them into
// channels. Message payload is a JSON object with app_id, name, data, channel or
// channels and optional socket_id.
type Consumer struct {
	// Name is a unique name required for each consumer.
	Name string `mapstructure:"name" json:"name" yaml:"name" toml:"name"`

	// Enabled must be true to run configured consumer.
	Enabled bool `mapstructure:"enabled" json:"enabled" yaml:"enabled" toml:"enabled"`

	// Type describes the type of consumer.
	Type string `mapstructure:"type" json:"type" yaml:"type" toml:"type"`

	// AppID when set is used for messages without app_id.
	AppID string `mapstructure:"app_id" json:"app_id" yaml:"app_id" toml:"app_id"`

	Kafka           KafkaConsumerConfig           `mapstructure:"kafka" json:"kafka" yaml:"kafka" toml:"kafka"`
	Postgres        PostgresConsumerConfig        `mapstructure:"postgresql" json:"postgresql" yaml:"postgresql" toml:"postgresql"`
	RedisStream     RedisStreamConsumerConfig     `mapstructure:"redis_stream" json:"redis_stream" yaml:"redis_stream" toml:"redis_stream"`
	NatsJetStream   NatsJetStreamConsumerConfig   `mapstructure:"nats_jetstream" json:"nats_jetstream" yaml:"nats_jetstream" toml:"nats_jetstream"`
	GooglePubSub    GooglePubSubConsumerConfig    `mapstructure:"google_pub_sub" json:"google_pub_sub" yaml:"google_pub_sub" toml:"google_pub_sub"`
	AwsSqs          AwsSqsConsumerConfig          `mapstructure:"aws_sqs" json:"aws_sqs" yaml:"aws_sqs" toml:"aws_sqs"`
	AzureServiceBus AzureServiceBusConsumerConfig `mapstructure:"azure_service_bus" json:"azure_service_bus" yaml:"azure_service_bus" toml:"azure_service_bus"`
}

// Validate consumer, type specific options are only checked for enabled consumers.
func (c Consumer) Validate() error {
	if !consumerNameRe.MatchString(c.Name) {
		return fmt.Errorf("invalid consumer name: %q, must match %s regular expression", c.Name, consumerNameRe.String())
	}
	if !slices.Contains(consumerTypes, c.Type) {
		return fmt.Errorf("unknown consumer type: %q", c.Type)
	}
	if !c.Enabled {
		return nil
	}
	var err error
	switch c.Type {
	case ConsumerTypeKafka:
		err = c.Kafka.Validate()
	case ConsumerTypePostgres:
		err = c.Postgres.Validate()
	case ConsumerTypeRedisStream:
		err = c.RedisStream.Validate()
	case ConsumerTypeNatsJetStream:
		err = c.NatsJetStream.Validate()
	case ConsumerTypeGooglePubSub:
		err = c.GooglePubSub.Validate()
	case ConsumerTypeAwsSqs:
		err = c.AwsSqs.Validate()
	case ConsumerTypeAzureServiceBus:
		err = c.AzureServiceBus.Validate()
	}
	if err != nil {
		return fmt.Errorf("consumer %s: %w", c.Name, err)
	}
	return nil
}

type KafkaConsumerConfig struct {
	Brokers        []string `mapstructure:"brokers" json:"brokers" yaml:"brokers" toml:"brokers"`
	Topics         []string `mapstructure:"topics" json:"topics" yaml:"topics" toml:"topics"`
	ConsumerGroup  string   `mapstructure:"consumer_group" json:"consumer_group" yaml:"consumer_group" toml:"consumer_group"`
	MaxPollRecords int      `mapstructure:"max_poll_records" json:"max_poll_records" yaml:"max_poll_records" toml:"max_poll_records" default:"100"`

	// TLS for client connection.
	TLS TLSConfig `mapstructure:"tls" json:"tls" yaml:"tls" toml:"tls"`

	// SASLMechanism when not empty enables SASL auth: "plain", "scram-sha-256" or "scram-sha-512".
	SASLMechanism string `mapstructure:"sasl_mechanism" json:"sasl_mechanism" yaml:"sasl_mechanism" toml:"sasl_mechanism"`
	SASLUser      string `mapstructure:"sasl_user" json:"sasl_user" yaml:"sasl_user" toml:"sasl_user"`
	SASLPassword  string `mapstructure:"sasl_password" json:"sasl_password" yaml:"sasl_password" toml:"sasl_password"`

	// PartitionBufferSize is the number of records buffered per partition before
	// fetching from the partition is paused. Set to -1 to use non-buffered channel.
	PartitionBufferSize int `mapstructure:"partition_buffer_size" json:"partition_buffer_size" yaml:"partition_buffer_size" toml:"partition_buffer_size" default:"16"`
}

func (c KafkaConsumerConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("brokers required")
	}
	if len(c.Topics) == 0 {
		return errors.New("topics required")
	}
	if c.ConsumerGroup == "" {
		return errors.New("consumer_group required")
	}
	switch c.SASLMechanism {
	case "", "plain", "scram-sha-256", "scram-sha-512":
	default:
		return fmt.Errorf("unsupported sasl_mechanism: %s", c.SASLMechanism)
	}
	return nil
}

// PostgresConsumerConfig reads outbox table. Table must have columns id (bigserial),
// payload (jsonb), partition (bigint) and created_at.
type PostgresConsumerConfig struct {
	DSN                          string    `mapstructure:"dsn" json:"dsn" yaml:"dsn" toml:"dsn"`
	OutboxTableName              string    `mapstructure:"outbox_table_name" json:"outbox_table_name" yaml:"outbox_table_name" toml:"outbox_table_name"`
	NumPartitions                int       `mapstructure:"num_partitions" json:"num_partitions" yaml:"num_partitions" toml:"num_partitions" default:"1"`
	PartitionSelectLimit         int       `mapstructure:"partition_select_limit" json:"partition_select_limit" yaml:"partition_select_limit" toml:"partition_select_limit" default:"100"`
	PartitionPollInterval        Duration  `mapstructure:"partition_poll_interval" json:"partition_poll_interval" yaml:"partition_poll_interval" toml:"partition_poll_interval" default:"300ms"`
	PartitionNotificationChannel string    `mapstructure:"partition_notification_channel" json:"partition_notification_channel" yaml:"partition_notification_channel" toml:"partition_notification_channel"`
	UseTryLock                   bool      `mapstructure:"use_try_lock" json:"use_try_lock" yaml:"use_try_lock" toml:"use_try_lock"`
	TLS                          TLSConfig `mapstructure:"tls" json:"tls" yaml:"tls" toml:"tls"`
}

func (c PostgresConsumerConfig) Validate() error {
	if c.DSN == "" {
		return errors.New("dsn required")
	}
	if c.OutboxTableName == "" {
		return errors.New("outbox_table_name required")
	}
	if c.NumPartitions < 1 {
		return errors.New("num_partitions must be positive")
	}
	return nil
}

type RedisStreamConsumerConfig struct {
	Redis `mapstructure:",squash" yaml:",inline"`

	// Streams to consume.
	Streams []string `mapstructure:"streams" json:"streams" yaml:"streams" toml:"streams"`
	// ConsumerGroup name, created automatically if not exists.
	ConsumerGroup string `mapstructure:"consumer_group" json:"consumer_group" yaml:"consumer_group" toml:"consumer_group"`
	// VisibilityTimeout is how long message may stay unacked before other consumer claims it.
	VisibilityTimeout Duration `mapstructure:"visibility_timeout" json:"visibility_timeout" yaml:"visibility_timeout" toml:"visibility_timeout" default:"30s"`
	// NumWorkers processing messages concurrently.
	NumWorkers int `mapstructure:"num_workers" json:"num_workers" yaml:"num_workers" toml:"num_workers" default:"1"`
	// PayloadValue is a stream entry key holding trigger JSON.
	PayloadValue string `mapstructure:"payload_value" json:"payload_value" yaml:"payload_value" toml:"payload_value" default:"payload"`
}

func (c RedisStreamConsumerConfig) Validate() error {
	if len(c.Streams) == 0 {
		return errors.New("streams required")
	}
	if c.ConsumerGroup == "" {
		return errors.New("consumer_group required")
	}
	if c.NumWorkers < 1 {
		return errors.New("num_workers must be positive")
	}
	return c.Redis.Validate()
}

type NatsJetStreamConsumerConfig struct {
	URL             string `mapstructure:"url" json:"url" yaml:"url" toml:"url" default:"nats://127.0.0.1:4222"`
	CredentialsFile string `mapstructure:"credentials_file" json:"credentials_file" yaml:"credentials_file" toml:"credentials_file"`
	Username        string `mapstructure:"username" json:"username" yaml:"username" toml:"username"`
	Password        string `mapstructure:"password" json:"password" yaml:"password" toml:"password"`
	Token           string `mapstructure:"token" json:"token" yaml:"token" toml:"token"`

	StreamName          string   `mapstructure:"stream_name" json:"stream_name" yaml:"stream_name" toml:"stream_name"`
	Subjects            []string `mapstructure:"subjects" json:"subjects" yaml:"subjects" toml:"subjects"`
	DurableConsumerName string   `mapstructure:"durable_consumer_name" json:"durable_consumer_name" yaml:"durable_consumer_name" toml:"durable_consumer_name"`
	// Ordered processes messages one by one with MaxAckPending 1.
	Ordered bool `mapstructure:"ordered" json:"ordered" yaml:"ordered" toml:"ordered"`

	TLS TLSConfig `mapstructure:"tls" json:"tls" yaml:"tls" toml:"tls"`
}

func (c NatsJetStreamConsumerConfig) Validate() error {
	if c.URL == "" {
		return errors.New("url required")
	}
	if c.StreamName == "" {
		return errors.New("stream_name required")
	}
	if len(c.Subjects) == 0 {
		return errors.New("subjects required")
	}
	if c.DurableConsumerName == "" {
		return errors.New("durable_consumer_name required")
	}
	return nil
}

type GooglePubSubConsumerConfig struct {
	ProjectID              string   `mapstructure:"project_id" json:"project_id" yaml:"project_id" toml:"project_id"`
	Subscriptions          []string `mapstructure:"subscriptions" json:"subscriptions" yaml:"subscriptions" toml:"subscriptions"`
	MaxOutstandingMessages int      `mapstructure:"max_outstanding_messages" json:"max_outstanding_messages" yaml:"max_outstanding_messages" toml:"max_outstanding_messages" default:"100"`
	MaxOutstandingBytes    int      `mapstructure:"max_outstanding_bytes" json:"max_outstanding_bytes" yaml:"max_outstanding_bytes" toml:"max_outstanding_bytes" default:"1000000"`
	// EnableMessageOrdering processes messages with the same ordering key sequentially.
	EnableMessageOrdering bool `mapstructure:"enable_message_ordering" json:"enable_message_ordering" yaml:"enable_message_ordering" toml:"enable_message_ordering"`
	// AuthMechanism is "default" (application default credentials) or "service_account".
	AuthMechanism   string `mapstructure:"auth_mechanism" json:"auth_mechanism" yaml:"auth_mechanism" toml:"auth_mechanism" default:"default"`
	CredentialsFile string `mapstructure:"credentials_file" json:"credentials_file" yaml:"credentials_file" toml:"credentials_file"`
}

func (c GooglePubSubConsumerConfig) Validate() error {
	if c.ProjectID == "" {
		return errors.New("project_id required")
	}
	if len(c.Subscriptions) == 0 {
		return errors.New("subscriptions required")
	}
	switch c.AuthMechanism {
	case "", "default":
	case "service_account":
		if c.CredentialsFile == "" {
			return errors.New("credentials_file required for service_account auth")
		}
	default:
		return fmt.Errorf("unknown auth_mechanism: %s", c.AuthMechanism)
	}
	return nil
}

type AwsSqsConsumerConfig struct {
	// Queues are SQS queue URLs.
	Queues []string `mapstructure:"queues" json:"queues" yaml:"queues" toml:"queues"`
	// SNSEnvelope unwraps messages delivered to SQS through SNS subscription.
	SNSEnvelope         bool     `mapstructure:"sns_envelope" json:"sns_envelope" yaml:"sns_envelope" toml:"sns_envelope"`
	Region              string   `mapstructure:"region" json:"region" yaml:"region" toml:"region"`
	MaxNumberOfMessages int32    `mapstructure:"max_number_of_messages" json:"max_number_of_messages" yaml:"max_number_of_messages" toml:"max_number_of_messages" default:"10"`
	PollWaitTime        Duration `mapstructure:"poll_wait_time" json:"poll_wait_time" yaml:"poll_wait_time" toml:"poll_wait_time" default:"20s"`
	VisibilityTimeout   Duration `mapstructure:"visibility_timeout" json:"visibility_timeout" yaml:"visibility_timeout" toml:"visibility_timeout" default:"30s"`
	MaxConcurrency      int      `mapstructure:"max_concurrency" json:"max_concurrency" yaml:"max_concurrency" toml:"max_concurrency" default:"1"`
	CredentialsProfile  string   `mapstructure:"credentials_profile" json:"credentials_profile" yaml:"credentials_profile" toml:"credentials_profile"`
	AssumeRoleARN       string   `mapstructure:"assume_role_arn" json:"assume_role_arn" yaml:"assume_role_arn" toml:"assume_role_arn"`
	// LocalStackEndpoint overrides AWS endpoint, for local development.
	LocalStackEndpoint string `mapstructure:"localstack_endpoint" json:"localstack_endpoint" yaml:"localstack_endpoint" toml:"localstack_endpoint"`
}

func (c AwsSqsConsumerConfig) Validate() error {
	if len(c.Queues) == 0 {
		return errors.New("queues required")
	}
	if c.Region == "" {
		return errors.New("region required")
	}
	if c.MaxNumberOfMessages < 1 || c.MaxNumberOfMessages > 10 {
		return errors.New("max_number_of_messages must be in range [1, 10]")
	}
	return nil
}

type AzureServiceBusConsumerConfig struct {
	ConnectionString string `mapstructure:"connection_string" json:"connection_string" yaml:"connection_string" toml:"connection_string"`

	// UseAzureIdentity switches auth to Azure AD client credentials.
	UseAzureIdentity        bool   `mapstructure:"use_azure_identity" json:"use_azure_identity" yaml:"use_azure_identity" toml:"use_azure_identity"`
	FullyQualifiedNamespace string `mapstructure:"fully_qualified_namespace" json:"fully_qualified_namespace" yaml:"fully_qualified_namespace" toml:"fully_qualified_namespace"`
	TenantID                string `mapstructure:"tenant_id" json:"tenant_id" yaml:"tenant_id" toml:"tenant_id"`
	ClientID                string `mapstructure:"client_id" json:"client_id" yaml:"client_id" toml:"client_id"`
	ClientSecret            string `mapstructure:"client_secret" json:"client_secret" yaml:"client_secret" toml:"client_secret"`

	Queues []string `mapstructure:"queues" json:"queues" yaml:"queues" toml:"queues"`
	// UseSessions processes messages of one session sequentially.
	UseSessions        bool `mapstructure:"use_sessions" json:"use_sessions" yaml:"use_sessions" toml:"use_sessions"`
	MaxConcurrentCalls int  `mapstructure:"max_concurrent_calls" json:"max_concurrent_calls" yaml:"max_concurrent_calls" toml:"max_concurrent_calls" default:"1"`
	MaxReceiveMessages int  `mapstructure:"max_receive_messages" json:"max_receive_messages" yaml:"max_receive_messages" toml:"max_receive_messages" default:"1"`
}

func (c AzureServiceBusConsumerConfig) Validate() error {
	if len(c.Queues) == 0 {
		return errors.New("queues required")
	}
	if c.UseAzureIdentity {
		if c.FullyQualifiedNamespace == "" || c.TenantID == "" || c.ClientID == "" || c.ClientSecret == "" {
			return errors.New("fully_qualified_namespace, tenant_id, client_id and client_secret required with azure identity")
		}
		return nil
	}
	if c.ConnectionString == "" {
		return errors.New("connection_string required")
	}
	return nil
}
