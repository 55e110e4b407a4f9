// Package webhook notifies app backends about channel lifecycle and client events.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ruslanjabari/soketi/internal/auth"
	"github.com/ruslanjabari/soketi/internal/configtypes"
	"github.com/ruslanjabari/soketi/internal/hub"
	"github.com/ruslanjabari/soketi/internal/metrics"
	"github.com/ruslanjabari/soketi/internal/presence"
	"github.com/ruslanjabari/soketi/internal/tools"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"
)

// DefaultMaxIdleConnsPerHost of webhook HTTP client.
const DefaultMaxIdleConnsPerHost = 255

// Event sent to app backend.
type Event struct {
	Name     string          `json:"name"`
	Channel  string          `json:"channel"`
	Event    string          `json:"event,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	SocketID string          `json:"socket_id,omitempty"`
	UserID   string          `json:"user_id,omitempty"`
}

// Payload is a webhook request body.
type Payload struct {
	TimeMs int64   `json:"time_ms"`
	Events []Event `json:"events"`
}

// Config of Sender.
type Config struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	Timeout     time.Duration
	// InitialBackoff between attempts, doubled on every retry.
	InitialBackoff time.Duration
}

type job struct {
	appID   string
	appKey  string
	secret  string
	webhook configtypes.AppWebhook
	event   Event
}

// Sender delivers webhooks with a bounded worker pool. Jobs are dropped when the
// queue is full.
type Sender struct {
	config Config
	client *http.Client
	queue  chan job
	now    func() time.Time
}

func NewSender(config Config) *Sender {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 500 * time.Millisecond
	}
	return &Sender{
		config: config,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: DefaultMaxIdleConnsPerHost,
			},
			Timeout: config.Timeout,
		},
		queue: make(chan job, config.QueueSize),
		now:   time.Now,
	}
}

// Run sends queued webhooks until ctx is done.
func (s *Sender) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-s.queue:
					s.deliver(ctx, j)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

// Observer returns hub observer of app, nil when app has no webhooks.
func (s *Sender) Observer(app configtypes.App) hub.Observer {
	if len(app.Webhooks) == 0 {
		return nil
	}
	return &observer{sender: s, app: app}
}

func (s *Sender) enqueue(app configtypes.App, event Event) {
	for _, w := range app.Webhooks {
		if !matches(w, event) {
			continue
		}
		j := job{appID: app.ID, appKey: app.Key, secret: app.Secret, webhook: w, event: event}
		select {
		case s.queue <- j:
		default:
			metrics.WebhooksSentTotal.WithLabelValues(app.ID, "dropped").Inc()
			log.Warn().Str("app_id", app.ID).Str("url", tools.RedactedLogURL(w.URL)).Str("event", event.Name).Msg("webhook queue is full, dropping")
		}
	}
}

func matches(w configtypes.AppWebhook, event Event) bool {
	if !slices.Contains(w.EventTypes, event.Name) {
		return false
	}
	if w.Filter.ChannelNameStartsWith != "" && !strings.HasPrefix(event.Channel, w.Filter.ChannelNameStartsWith) {
		return false
	}
	if w.Filter.ChannelNameEndsWith != "" && !strings.HasSuffix(event.Channel, w.Filter.ChannelNameEndsWith) {
		return false
	}
	return true
}

var errUnexpectedStatus = errors.New("unexpected status code")

func (s *Sender) deliver(ctx context.Context, j job) {
	body, err := json.Marshal(Payload{TimeMs: s.now().UnixMilli(), Events: []Event{j.event}})
	if err != nil {
		log.Error().Err(err).Str("app_id", j.appID).Msg("error encoding webhook")
		return
	}
	header := http.Header{}
	for k, v := range j.webhook.Headers {
		header.Set(k, v)
	}
	header.Set("Content-Type", "application/json")
	header.Set("X-Pusher-Key", j.appKey)
	header.Set("X-Pusher-Signature", auth.GenerateBodySign(j.secret, body))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.InitialBackoff
	b.MaxElapsedTime = 0
	attempts := 0
	err = backoff.Retry(func() error {
		attempts++
		return s.post(ctx, j.webhook.URL, header, body)
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.config.MaxAttempts-1)), ctx))
	if err != nil {
		metrics.WebhooksSentTotal.WithLabelValues(j.appID, "error").Inc()
		log.Error().Err(err).Str("app_id", j.appID).Str("url", tools.RedactedLogURL(j.webhook.URL)).Str("event", j.event.Name).Int("attempts", attempts).Msg("webhook delivery failed")
		return
	}
	metrics.WebhooksSentTotal.WithLabelValues(j.appID, "ok").Inc()
}

// post sends single attempt. Client errors except 429 are not retried.
func (s *Sender) post(ctx context.Context, url string, header http.Header, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("error constructing HTTP request: %w", err))
	}
	req.Header = header.Clone()
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request error: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("%w: %d", errUnexpectedStatus, resp.StatusCode)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

// observer turns hub notifications into webhook events of one app.
type observer struct {
	sender *Sender
	app    configtypes.App
}

func (o *observer) ChannelOccupied(channel string) {
	o.sender.enqueue(o.app, Event{Name: configtypes.WebhookChannelOccupied, Channel: channel})
}

func (o *observer) ChannelVacated(channel string) {
	o.sender.enqueue(o.app, Event{Name: configtypes.WebhookChannelVacated, Channel: channel})
}

func (o *observer) MemberAdded(channel string, m presence.Member) {
	o.sender.enqueue(o.app, Event{Name: configtypes.WebhookMemberAdded, Channel: channel, UserID: m.UserID})
}

func (o *observer) MemberRemoved(channel string, m presence.Member) {
	o.sender.enqueue(o.app, Event{Name: configtypes.WebhookMemberRemoved, Channel: channel, UserID: m.UserID})
}

func (o *observer) ClientEvent(channel string, event string, data json.RawMessage, socketID string, userID string) {
	o.sender.enqueue(o.app, Event{
		Name:     configtypes.WebhookClientEvent,
		Channel:  channel,
		Event:    event,
		Data:     data,
		SocketID: socketID,
		UserID:   userID,
	})
}
