package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultMetricsNamespace = "soketi"

// Config contains metrics configuration.
type Config struct {
	// Namespace is the prometheus namespace for all metrics. If empty, defaults to "soketi".
	Namespace string
	// ConstLabels are labels that will be added to all metrics as constant labels.
	ConstLabels map[string]string
	// Registerer is the prometheus registerer to use. If nil, prometheus.DefaultRegisterer is used.
	Registerer prometheus.Registerer
}

// Collectors are usable before Init is called so packages can be tested without
// metrics registration. Init replaces them with registered ones.
var (
	ConnectionsGauge             *prometheus.GaugeVec
	ConnectionsTotal             *prometheus.CounterVec
	DisconnectionsTotal          *prometheus.CounterVec
	SubscriptionsTotal           *prometheus.CounterVec
	SubscriptionErrorsTotal      *prometheus.CounterVec
	MessagesSentTotal            *prometheus.CounterVec
	MessagesReceivedTotal        *prometheus.CounterVec
	ClientEventsTotal            *prometheus.CounterVec
	SlowConsumerDisconnectsTotal *prometheus.CounterVec
	APIRequestsTotal             *prometheus.CounterVec
	APIRequestDurationHistogram  *prometheus.HistogramVec
	ClusterRelayErrorsTotal      prometheus.Counter
	ClusterMessagesReceivedTotal prometheus.Counter
	ClusterPresenceQueryErrors   prometheus.Counter
	WebhooksSentTotal            *prometheus.CounterVec
	ConsumerProcessedTotal       *prometheus.CounterVec
	ConsumerErrorsTotal          *prometheus.CounterVec
	ConnLimitReached             prometheus.Counter
	HTTPRequestsTotal            *prometheus.CounterVec
)

func init() {
	reg := newRegistry(Config{})
	reg.export()
}

// Registry holds all metrics.
type Registry struct {
	config Config

	connectionsGauge             *prometheus.GaugeVec
	connectionsTotal             *prometheus.CounterVec
	disconnectionsTotal          *prometheus.CounterVec
	subscriptionsTotal           *prometheus.CounterVec
	subscriptionErrorsTotal      *prometheus.CounterVec
	messagesSentTotal            *prometheus.CounterVec
	messagesReceivedTotal        *prometheus.CounterVec
	clientEventsTotal            *prometheus.CounterVec
	slowConsumerDisconnectsTotal *prometheus.CounterVec

	apiRequestsTotal            *prometheus.CounterVec
	apiRequestDurationHistogram *prometheus.HistogramVec

	clusterRelayErrorsTotal      prometheus.Counter
	clusterMessagesReceivedTotal prometheus.Counter
	clusterPresenceQueryErrors   prometheus.Counter

	webhooksSentTotal *prometheus.CounterVec

	consumerProcessedTotal *prometheus.CounterVec
	consumerErrorsTotal    *prometheus.CounterVec

	connLimitReached  prometheus.Counter
	httpRequestsTotal *prometheus.CounterVec
}

// Init creates all metrics and registers them with the provided registerer.
// If registerer is nil, prometheus.DefaultRegisterer is used.
func Init(cfg Config) error {
	reg := newRegistry(cfg)
	if err := reg.register(); err != nil {
		return err
	}
	reg.export()
	return nil
}

func (m *Registry) export() {
	ConnectionsGauge             = m.connectionsGauge
	ConnectionsTotal             = m.connectionsTotal
	DisconnectionsTotal          = m.disconnectionsTotal
	SubscriptionsTotal           = m.subscriptionsTotal
	SubscriptionErrorsTotal      = m.subscriptionErrorsTotal
	MessagesSentTotal            = m.messagesSentTotal
	MessagesReceivedTotal        = m.messagesReceivedTotal
	ClientEventsTotal            = m.clientEventsTotal
	SlowConsumerDisconnectsTotal = m.slowConsumerDisconnectsTotal
	APIRequestsTotal             = m.apiRequestsTotal
	APIRequestDurationHistogram  = m.apiRequestDurationHistogram
	ClusterRelayErrorsTotal      = m.clusterRelayErrorsTotal
	ClusterMessagesReceivedTotal = m.clusterMessagesReceivedTotal
	ClusterPresenceQueryErrors   = m.clusterPresenceQueryErrors
	WebhooksSentTotal            = m.webhooksSentTotal
	ConsumerProcessedTotal       = m.consumerProcessedTotal
	ConsumerErrorsTotal          = m.consumerErrorsTotal
	ConnLimitReached             = m.connLimitReached
	HTTPRequestsTotal            = m.httpRequestsTotal
}

func newRegistry(cfg Config) *Registry {
	metricsNamespace := cfg.Namespace
	if metricsNamespace == "" {
		metricsNamespace = defaultMetricsNamespace
	}

	constLabels := prometheus.Labels(cfg.ConstLabels)

	m := &Registry{
		config: cfg,
	}

	// Connection metrics
	m.connectionsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "node",
		Name:        "connections",
		Help:        "Number of currently connected clients.",
		ConstLabels: constLabels,
	}, []string{"app_id"})

	m.connectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "node",
		Name:        "connections_total",
		Help:        "Total number of accepted connections.",
		ConstLabels: constLabels,
	}, []string{"app_id"})

	m.disconnectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "node",
		Name:        "disconnections_total",
		Help:        "Total number of disconnections by close code.",
		ConstLabels: constLabels,
	}, []string{"app_id", "code"})

	m.subscriptionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "node",
		Name:        "subscriptions_total",
		Help:        "Total number of successful subscriptions by channel kind.",
		ConstLabels: constLabels,
	}, []string{"app_id", "kind"})

	m.subscriptionErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "node",
		Name:        "subscription_errors_total",
		Help:        "Total number of rejected subscriptions.",
		ConstLabels: constLabels,
	}, []string{"app_id", "type"})

	m.messagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "transport",
		Name:        "messages_sent_total",
		Help:        "Number of messages queued to clients.",
		ConstLabels: constLabels,
	}, []string{"app_id"})

	m.messagesReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "transport",
		Name:        "messages_received_total",
		Help:        "Number of frames received from clients.",
		ConstLabels: constLabels,
	}, []string{"app_id"})

	m.clientEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "node",
		Name:        "client_events_total",
		Help:        "Number of client events by result.",
		ConstLabels: constLabels,
	}, []string{"app_id", "result"})

	m.slowConsumerDisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "node",
		Name:        "slow_consumer_disconnects_total",
		Help:        "Number of connections dropped due to outbound queue overflow.",
		ConstLabels: constLabels,
	}, []string{"app_id"})

	// API metrics
	m.apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "api",
		Name:        "requests_total",
		Help:        "Total HTTP API requests by endpoint and status.",
		ConstLabels: constLabels,
	}, []string{"endpoint", "status"})

	m.apiRequestDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "api",
		Buckets:     prometheus.DefBuckets,
		Name:        "request_duration_seconds_histogram",
		Help:        "Histogram of duration of HTTP API requests.",
		ConstLabels: constLabels,
	}, []string{"endpoint"})

	// Cluster metrics
	m.clusterRelayErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "cluster",
		Name:        "relay_errors_total",
		Help:        "Number of errors relaying events to peer nodes.",
		ConstLabels: constLabels,
	})

	m.clusterMessagesReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "cluster",
		Name:        "messages_received_total",
		Help:        "Number of events received from peer nodes.",
		ConstLabels: constLabels,
	})

	m.clusterPresenceQueryErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "cluster",
		Name:        "presence_query_errors_total",
		Help:        "Number of failed cluster presence queries.",
		ConstLabels: constLabels,
	})

	// Webhook metrics
	m.webhooksSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "webhooks",
		Name:        "sent_total",
		Help:        "Number of webhook deliveries by result.",
		ConstLabels: constLabels,
	}, []string{"app_id", "result"})

	// Consumer metrics
	m.consumerProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "consumers",
		Name:        "messages_processed_total",
		Help:        "Total number of processed messages in consumer",
		ConstLabels: constLabels,
	}, []string{"consumer_name"})

	m.consumerErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "consumers",
		Name:        "errors_total",
		Help:        "Total number of errors in consumer",
		ConstLabels: constLabels,
	}, []string{"consumer_name"})

	// Middleware metrics
	m.connLimitReached = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "node",
		Name:        "client_connection_limit",
		Help:        "Number of refused requests due to node client connection limit.",
		ConstLabels: constLabels,
	})

	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "node",
			Name:        "incoming_http_requests_total",
			Help:        "Number of incoming HTTP requests",
			ConstLabels: constLabels,
		},
		[]string{"path", "method", "status"},
	)

	return m
}

func (m *Registry) register() error {
	registerer := m.config.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	var alreadyRegistered prometheus.AlreadyRegisteredError

	collectors := []prometheus.Collector{
		m.connectionsGauge,
		m.connectionsTotal,
		m.disconnectionsTotal,
		m.subscriptionsTotal,
		m.subscriptionErrorsTotal,
		m.messagesSentTotal,
		m.messagesReceivedTotal,
		m.clientEventsTotal,
		m.slowConsumerDisconnectsTotal,
		m.apiRequestsTotal,
		m.apiRequestDurationHistogram,
		m.clusterRelayErrorsTotal,
		m.clusterMessagesReceivedTotal,
		m.clusterPresenceQueryErrors,
		m.webhooksSentTotal,
		m.consumerProcessedTotal,
		m.consumerErrorsTotal,
		m.connLimitReached,
		m.httpRequestsTotal,
	}

	for _, collector := range collectors {
		err := registerer.Register(collector)
		if err != nil {
			// Ignore if already registered (allows re-initialization in tests)
			if !errors.As(err, &alreadyRegistered) {
				return err
			}
		}
	}
	return nil
}
