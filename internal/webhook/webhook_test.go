package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ruslanjabari/soketi/internal/auth"
	"github.com/ruslanjabari/soketi/internal/configtypes"
	"github.com/ruslanjabari/soketi/internal/presence"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
)

type receivedRequest struct {
	header http.Header
	body   []byte
}

type testReceiver struct {
	mu       sync.Mutex
	requests []receivedRequest
	status   func(n int) int
	calls    atomic.Int32
}

func (r *testReceiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	n := int(r.calls.Add(1))
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.requests = append(r.requests, receivedRequest{header: req.Header.Clone(), body: body})
	r.mu.Unlock()
	status := http.StatusOK
	if r.status != nil {
		status = r.status(n)
	}
	w.WriteHeader(status)
}

func (r *testReceiver) received() []receivedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]receivedRequest(nil), r.requests...)
}

func newTestSender(t *testing.T, config Config) *Sender {
	t.Helper()
	config.InitialBackoff = 5 * time.Millisecond
	s := NewSender(config)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

func testApp(url string, webhooks ...configtypes.AppWebhook) configtypes.App {
	for i := range webhooks {
		webhooks[i].URL = url
	}
	return configtypes.App{ID: "app-id", Key: "app-key", Secret: "app-secret", Webhooks: webhooks}
}

func TestObserverNilWithoutWebhooks(t *testing.T) {
	s := NewSender(Config{})
	require.Nil(t, s.Observer(configtypes.App{ID: "app-id"}))
}

func TestWebhookSigned(t *testing.T) {
	receiver := &testReceiver{}
	server := httptest.NewServer(receiver)
	defer server.Close()

	s := newTestSender(t, Config{Workers: 2, MaxAttempts: 1})
	app := testApp(server.URL, configtypes.AppWebhook{
		EventTypes: []string{configtypes.WebhookMemberAdded},
		Headers:    configtypes.Headers{"X-Custom": "value"},
	})
	s.Observer(app).MemberAdded("presence-room", presence.Member{UserID: "u1"})

	require.Eventually(t, func() bool { return len(receiver.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	req := receiver.received()[0]
	require.Equal(t, "app-key", req.header.Get("X-Pusher-Key"))
	require.Equal(t, "value", req.header.Get("X-Custom"))
	require.Equal(t, "application/json", req.header.Get("Content-Type"))
	require.True(t, auth.CheckBodySign("app-secret", req.body, req.header.Get("X-Pusher-Signature")))

	var payload Payload
	require.NoError(t, json.Unmarshal(req.body, &payload))
	require.NotZero(t, payload.TimeMs)
	require.Equal(t, []Event{{Name: "member_added", Channel: "presence-room", UserID: "u1"}}, payload.Events)
}

func TestWebhookFilters(t *testing.T) {
	receiver := &testReceiver{}
	server := httptest.NewServer(receiver)
	defer server.Close()

	s := newTestSender(t, Config{MaxAttempts: 1})
	app := testApp(server.URL, configtypes.AppWebhook{
		EventTypes: []string{configtypes.WebhookChannelOccupied, configtypes.WebhookClientEvent},
		Filter: configtypes.WebhookFilter{
			ChannelNameStartsWith: "private-",
			ChannelNameEndsWith:   "-orders",
		},
	})
	o := s.Observer(app)
	o.ChannelOccupied("news")
	o.ChannelOccupied("private-user-1")
	o.ChannelVacated("private-shop-orders")
	o.ClientEvent("private-shop-orders", "client-typing", json.RawMessage(`{"a":1}`), "1.2", "u1")
	o.ChannelOccupied("private-shop-orders")

	require.Eventually(t, func() bool { return len(receiver.received()) == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	var names []string
	for _, req := range receiver.received() {
		var payload Payload
		require.NoError(t, json.Unmarshal(req.body, &payload))
		require.Len(t, payload.Events, 1)
		require.Equal(t, "private-shop-orders", payload.Events[0].Channel)
		names = append(names, payload.Events[0].Name)
		if payload.Events[0].Name == configtypes.WebhookClientEvent {
			require.Equal(t, "client-typing", payload.Events[0].Event)
			require.Equal(t, "1.2", payload.Events[0].SocketID)
			require.Equal(t, "u1", payload.Events[0].UserID)
			require.JSONEq(t, `{"a":1}`, string(payload.Events[0].Data))
		}
	}
	require.ElementsMatch(t, []string{configtypes.WebhookClientEvent, configtypes.WebhookChannelOccupied}, names)
}

func TestWebhookRetried(t *testing.T) {
	receiver := &testReceiver{status: func(n int) int {
		if n < 3 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	}}
	server := httptest.NewServer(receiver)
	defer server.Close()

	s := newTestSender(t, Config{MaxAttempts: 3})
	app := testApp(server.URL, configtypes.AppWebhook{EventTypes: []string{configtypes.WebhookChannelVacated}})
	s.Observer(app).ChannelVacated("news")

	require.Eventually(t, func() bool { return receiver.calls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 3, receiver.calls.Load())
}

func TestWebhookAttemptsExhausted(t *testing.T) {
	receiver := &testReceiver{status: func(int) int { return http.StatusInternalServerError }}
	server := httptest.NewServer(receiver)
	defer server.Close()

	s := newTestSender(t, Config{MaxAttempts: 2})
	app := testApp(server.URL, configtypes.AppWebhook{EventTypes: []string{configtypes.WebhookChannelVacated}})
	s.Observer(app).ChannelVacated("news")

	require.Eventually(t, func() bool { return receiver.calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 2, receiver.calls.Load())
}

func TestWebhookClientErrorNotRetried(t *testing.T) {
	receiver := &testReceiver{status: func(int) int { return http.StatusBadRequest }}
	server := httptest.NewServer(receiver)
	defer server.Close()

	s := newTestSender(t, Config{MaxAttempts: 5})
	app := testApp(server.URL, configtypes.AppWebhook{EventTypes: []string{configtypes.WebhookChannelVacated}})
	s.Observer(app).ChannelVacated("news")

	require.Eventually(t, func() bool { return receiver.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 1, receiver.calls.Load())
}

func TestWebhookQueueFull(t *testing.T) {
	// Sender without workers keeps everything in queue.
	s := NewSender(Config{QueueSize: 1})
	app := testApp("http://localhost", configtypes.AppWebhook{EventTypes: []string{configtypes.WebhookChannelOccupied}})
	o := s.Observer(app)
	o.ChannelOccupied("a")
	o.ChannelOccupied("b")
	require.Len(t, s.queue, 1)
}
