package configtypes

import (
	"fmt"
	"slices"
	"strings"
)

type HTTPServer struct {
	// Address to bind HTTP server to.
	Address string `mapstructure:"address" json:"address" yaml:"address" toml:"address"`
	// Port to bind HTTP server to.
	Port int `mapstructure:"port" json:"port" yaml:"port" toml:"port" default:"6001"`
	// InternalAddress to bind internal HTTP server to (metrics, health, debug). If not set
	// internal endpoints are served on the main port.
	InternalAddress string `mapstructure:"internal_address" json:"internal_address" yaml:"internal_address" toml:"internal_address"`
	// InternalPort to bind internal HTTP server to.
	InternalPort string `mapstructure:"internal_port" json:"internal_port" yaml:"internal_port" toml:"internal_port"`

	TLS         TLSConfig   `mapstructure:"tls" json:"tls" yaml:"tls" toml:"tls"`
	TLSAutocert TLSAutocert `mapstructure:"tls_autocert" json:"tls_autocert" yaml:"tls_autocert" toml:"tls_autocert"`
}

type Log struct {
	// Level is a log level: none, trace, debug, info, warn, error.
	Level string `mapstructure:"level" json:"level" yaml:"level" toml:"level" default:"info"`
	// File is a path to log file. If not set logs go to STDOUT.
	File string `mapstructure:"file" json:"file" yaml:"file" toml:"file"`
}

// App is an application tenant. Connections, channels and presence of different
// apps never mix.
type App struct {
	ID     string `mapstructure:"id" json:"id" yaml:"id" toml:"id"`
	Key    string `mapstructure:"key" json:"key" yaml:"key" toml:"key"`
	Secret string `mapstructure:"secret" json:"secret" yaml:"secret" toml:"secret"`
	// Enabled is true when not set explicitly.
	Enabled *bool `mapstructure:"enabled" json:"enabled,omitempty" yaml:"enabled,omitempty" toml:"enabled,omitempty"`
	// EnableClientMessages allows client-* events on private and presence channels.
	EnableClientMessages bool `mapstructure:"enable_client_messages" json:"enable_client_messages" yaml:"enable_client_messages" toml:"enable_client_messages"`
	// MaxConnections for app, 0 means unlimited.
	MaxConnections int `mapstructure:"max_connections" json:"max_connections" yaml:"max_connections" toml:"max_connections"`
	// MaxClientEventsPerSecond per connection, 0 means unlimited.
	MaxClientEventsPerSecond int `mapstructure:"max_client_events_per_second" json:"max_client_events_per_second" yaml:"max_client_events_per_second" toml:"max_client_events_per_second"`

	MaxPresenceMembersPerChannel int `mapstructure:"max_presence_members_per_channel" json:"max_presence_members_per_channel" yaml:"max_presence_members_per_channel" toml:"max_presence_members_per_channel" default:"100"`
	MaxPresenceMemberSizeInKb    int `mapstructure:"max_presence_member_size_in_kb" json:"max_presence_member_size_in_kb" yaml:"max_presence_member_size_in_kb" toml:"max_presence_member_size_in_kb" default:"2"`
	MaxChannelNameLength         int `mapstructure:"max_channel_name_length" json:"max_channel_name_length" yaml:"max_channel_name_length" toml:"max_channel_name_length" default:"200"`
	MaxEventChannelsAtOnce       int `mapstructure:"max_event_channels_at_once" json:"max_event_channels_at_once" yaml:"max_event_channels_at_once" toml:"max_event_channels_at_once" default:"100"`
	MaxEventNameLength           int `mapstructure:"max_event_name_length" json:"max_event_name_length" yaml:"max_event_name_length" toml:"max_event_name_length" default:"200"`
	MaxEventPayloadInKb          int `mapstructure:"max_event_payload_in_kb" json:"max_event_payload_in_kb" yaml:"max_event_payload_in_kb" toml:"max_event_payload_in_kb" default:"100"`
	MaxEventBatchSize            int `mapstructure:"max_event_batch_size" json:"max_event_batch_size" yaml:"max_event_batch_size" toml:"max_event_batch_size" default:"10"`

	Webhooks []AppWebhook `mapstructure:"webhooks" json:"webhooks" yaml:"webhooks" toml:"webhooks"`
}

// IsEnabled reports whether app accepts connections and API calls.
func (a App) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// Webhook event types.
const (
	WebhookChannelOccupied = "channel_occupied"
	WebhookChannelVacated  = "channel_vacated"
	WebhookMemberAdded     = "member_added"
	WebhookMemberRemoved   = "member_removed"
	WebhookClientEvent     = "client_event"
)

var webhookEventTypes = []string{
	WebhookChannelOccupied,
	WebhookChannelVacated,
	WebhookMemberAdded,
	WebhookMemberRemoved,
	WebhookClientEvent,
}

type AppWebhook struct {
	URL        string        `mapstructure:"url" json:"url" yaml:"url" toml:"url"`
	EventTypes []string      `mapstructure:"event_types" json:"event_types" yaml:"event_types" toml:"event_types"`
	Headers    Headers       `mapstructure:"headers" json:"headers" yaml:"headers" toml:"headers"`
	Filter     WebhookFilter `mapstructure:"filter" json:"filter" yaml:"filter" toml:"filter"`
}

// WebhookFilter limits webhook to channels matching prefix and suffix.
type WebhookFilter struct {
	ChannelNameStartsWith string `mapstructure:"channel_name_starts_with" json:"channel_name_starts_with" yaml:"channel_name_starts_with" toml:"channel_name_starts_with"`
	ChannelNameEndsWith   string `mapstructure:"channel_name_ends_with" json:"channel_name_ends_with" yaml:"channel_name_ends_with" toml:"channel_name_ends_with"`
}

func (w AppWebhook) Validate() error {
	if w.URL == "" {
		return fmt.Errorf("url required")
	}
	if !strings.HasPrefix(w.URL, "http://") && !strings.HasPrefix(w.URL, "https://") {
		return fmt.Errorf("url must start with http:// or https://")
	}
	if len(w.EventTypes) == 0 {
		return fmt.Errorf("event_types required")
	}
	for _, t := range w.EventTypes {
		if !slices.Contains(webhookEventTypes, t) {
			return fmt.Errorf("unknown event type %q", t)
		}
	}
	return nil
}

// Wants reports whether webhook is interested in event of type for channel.
func (w AppWebhook) Wants(eventType string, channel string) bool {
	if !slices.Contains(w.EventTypes, eventType) {
		return false
	}
	if w.Filter.ChannelNameStartsWith != "" && !strings.HasPrefix(channel, w.Filter.ChannelNameStartsWith) {
		return false
	}
	if w.Filter.ChannelNameEndsWith != "" && !strings.HasSuffix(channel, w.Filter.ChannelNameEndsWith) {
		return false
	}
	return true
}

type WebSocket struct {
	// HandlerPrefix is a path prefix, app key is appended to it.
	HandlerPrefix string `mapstructure:"handler_prefix" json:"handler_prefix" yaml:"handler_prefix" toml:"handler_prefix" default:"/app/"`
	// ActivityTimeout is sent to clients, server pings idle connections after it.
	ActivityTimeout Duration `mapstructure:"activity_timeout" json:"activity_timeout" yaml:"activity_timeout" toml:"activity_timeout" default:"30s"`
	// PongTimeout after server ping before connection is closed with 4201.
	PongTimeout        Duration `mapstructure:"pong_timeout" json:"pong_timeout" yaml:"pong_timeout" toml:"pong_timeout" default:"30s"`
	ReadBufferSize     int      `mapstructure:"read_buffer_size" json:"read_buffer_size" yaml:"read_buffer_size" toml:"read_buffer_size"`
	WriteBufferSize    int      `mapstructure:"write_buffer_size" json:"write_buffer_size" yaml:"write_buffer_size" toml:"write_buffer_size"`
	UseWriteBufferPool bool     `mapstructure:"use_write_buffer_pool" json:"use_write_buffer_pool" yaml:"use_write_buffer_pool" toml:"use_write_buffer_pool"`
	WriteTimeout       Duration `mapstructure:"write_timeout" json:"write_timeout" yaml:"write_timeout" toml:"write_timeout" default:"1s"`
	MessageSizeLimit   int      `mapstructure:"message_size_limit" json:"message_size_limit" yaml:"message_size_limit" toml:"message_size_limit" default:"65536"`
	Compression        bool     `mapstructure:"compression" json:"compression" yaml:"compression" toml:"compression"`
	// AllowedOrigins are glob patterns. Empty list allows same origin only, "*" allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
	// MaxQueueSize is a size of per connection outbound queue in bytes. Slow clients
	// exceeding it are disconnected.
	MaxQueueSize int `mapstructure:"max_queue_size" json:"max_queue_size" yaml:"max_queue_size" toml:"max_queue_size" default:"1048576"`
	// MaxQueueLen in messages, 0 means no limit.
	MaxQueueLen int `mapstructure:"max_queue_len" json:"max_queue_len" yaml:"max_queue_len" toml:"max_queue_len"`
	// ConnectionLimit of node across all apps, 0 means no limit.
	ConnectionLimit int `mapstructure:"connection_limit" json:"connection_limit" yaml:"connection_limit" toml:"connection_limit"`
	// ConnectionRateLimit is a number of handshakes accepted per second by node.
	ConnectionRateLimit int `mapstructure:"connection_rate_limit" json:"connection_rate_limit" yaml:"connection_rate_limit" toml:"connection_rate_limit"`
}

type HttpAPI struct {
	Disabled           bool `mapstructure:"disabled" json:"disabled" yaml:"disabled" toml:"disabled"`
	MaxRequestBodySize int  `mapstructure:"max_request_body_size" json:"max_request_body_size" yaml:"max_request_body_size" toml:"max_request_body_size" default:"1048576"`
}

// Cluster adapter types.
const (
	ClusterMemory = "memory"
	ClusterNats   = "nats"
	ClusterRedis  = "redis"
)

type Cluster struct {
	// Type is one of memory, nats, redis.
	Type string `mapstructure:"type" json:"type" yaml:"type" toml:"type" default:"memory"`
	// NodeID must be unique, generated when empty.
	NodeID            string   `mapstructure:"node_id" json:"node_id" yaml:"node_id" toml:"node_id"`
	RequestTimeout    Duration `mapstructure:"request_timeout" json:"request_timeout" yaml:"request_timeout" toml:"request_timeout" default:"5s"`
	HeartbeatInterval Duration `mapstructure:"heartbeat_interval" json:"heartbeat_interval" yaml:"heartbeat_interval" toml:"heartbeat_interval" default:"3s"`
	// Prefix for bus subjects and keys.
	Prefix string      `mapstructure:"prefix" json:"prefix" yaml:"prefix" toml:"prefix" default:"soketi"`
	Nats   NatsCluster `mapstructure:"nats" json:"nats" yaml:"nats" toml:"nats"`
	Redis  Redis       `mapstructure:"redis" json:"redis" yaml:"redis" toml:"redis"`
}

type NatsCluster struct {
	URL         string    `mapstructure:"url" json:"url" yaml:"url" toml:"url" default:"nats://localhost:4222"`
	DialTimeout Duration  `mapstructure:"dial_timeout" json:"dial_timeout" yaml:"dial_timeout" toml:"dial_timeout" default:"1s"`
	TLS         TLSConfig `mapstructure:"tls" json:"tls" yaml:"tls" toml:"tls"`
}

type Webhooks struct {
	// Workers sending webhook requests.
	Workers int `mapstructure:"workers" json:"workers" yaml:"workers" toml:"workers" default:"4"`
	// QueueSize of pending webhook requests, new ones are dropped when full.
	QueueSize   int      `mapstructure:"queue_size" json:"queue_size" yaml:"queue_size" toml:"queue_size" default:"1024"`
	MaxAttempts int      `mapstructure:"max_attempts" json:"max_attempts" yaml:"max_attempts" toml:"max_attempts" default:"3"`
	Timeout     Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout" toml:"timeout" default:"5s"`
}

type Prometheus struct {
	Enabled        bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled" toml:"enabled"`
	InstrumentHTTP bool   `mapstructure:"instrument_http_handlers" json:"instrument_http_handlers" yaml:"instrument_http_handlers" toml:"instrument_http_handlers"`
	HandlerPrefix  string `mapstructure:"handler_prefix" json:"handler_prefix" yaml:"handler_prefix" toml:"handler_prefix" default:"/metrics"`
}

type Graphite struct {
	Enabled  bool     `mapstructure:"enabled" json:"enabled" yaml:"enabled" toml:"enabled"`
	Host     string   `mapstructure:"host" json:"host" yaml:"host" toml:"host" default:"localhost"`
	Port     int      `mapstructure:"port" json:"port" yaml:"port" toml:"port" default:"2003"`
	Prefix   string   `mapstructure:"prefix" json:"prefix" yaml:"prefix" toml:"prefix" default:"soketi"`
	Interval Duration `mapstructure:"interval" json:"interval" yaml:"interval" toml:"interval" default:"10s"`
	Tags     bool     `mapstructure:"tags" json:"tags" yaml:"tags" toml:"tags"`
}

type Health struct {
	Enabled       bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled" toml:"enabled"`
	HandlerPrefix string `mapstructure:"handler_prefix" json:"handler_prefix" yaml:"handler_prefix" toml:"handler_prefix" default:"/health"`
	ReadyPrefix   string `mapstructure:"ready_prefix" json:"ready_prefix" yaml:"ready_prefix" toml:"ready_prefix" default:"/ready"`
}

type Debug struct {
	Enabled       bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled" toml:"enabled"`
	HandlerPrefix string `mapstructure:"handler_prefix" json:"handler_prefix" yaml:"handler_prefix" toml:"handler_prefix" default:"/debug/pprof"`
}

type OpenTelemetry struct {
	Enabled   bool `mapstructure:"enabled" json:"enabled" yaml:"enabled" toml:"enabled"`
	// API enables tracing of HTTP API requests.
	API bool `mapstructure:"api" json:"api" yaml:"api" toml:"api"`
}

type Shutdown struct {
	// Timeout for graceful shutdown, process exits forcibly after it.
	Timeout Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout" toml:"timeout" default:"30s"`
}
