package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ruslanjabari/soketi/internal/apps"
	"github.com/ruslanjabari/soketi/internal/auth"
	"github.com/ruslanjabari/soketi/internal/cluster"
	"github.com/ruslanjabari/soketi/internal/configtypes"
	"github.com/ruslanjabari/soketi/internal/connection"
	"github.com/ruslanjabari/soketi/internal/node"
	"github.com/ruslanjabari/soketi/internal/protocol"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
)

type testTransport struct {
	mu     sync.Mutex
	frames []protocol.Frame
	closed []protocol.Disconnect
}

func (t *testTransport) Write(data []byte) error {
	f, err := protocol.DecodeFrame(data)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = append(t.frames, f)
	return nil
}

func (t *testTransport) Close(d protocol.Disconnect) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = append(t.closed, d)
	return nil
}

func (t *testTransport) events(name string) []protocol.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	var result []protocol.Frame
	for _, f := range t.frames {
		if f.Event == name {
			result = append(result, f)
		}
	}
	return result
}

func (t *testTransport) closeCodes() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var codes []int
	for _, d := range t.closed {
		codes = append(codes, d.Code)
	}
	return codes
}

type testEnv struct {
	server *httptest.Server
	node   *node.Node
}

func newTestEnv(t *testing.T, config Config) *testEnv {
	t.Helper()
	disabled := false
	manager := apps.New([]configtypes.App{
		{
			ID:                           "app-id",
			Key:                          "app-key",
			Secret:                       "app-secret",
			MaxChannelNameLength:         200,
			MaxEventChannelsAtOnce:       3,
			MaxEventNameLength:           50,
			MaxEventPayloadInKb:          1,
			MaxEventBatchSize:            2,
			MaxPresenceMembersPerChannel: 100,
			MaxPresenceMemberSizeInKb:    2,
		},
		{ID: "off-id", Key: "off-key", Secret: "off-secret", Enabled: &disabled},
	}, cluster.NewMemoryAdapter(), apps.Config{
		ActivityTimeout: 30 * time.Second,
		MaxQueueSize:    1024 * 1024,
	})
	require.NoError(t, manager.Run())
	n, err := manager.ByID("app-id")
	require.NoError(t, err)

	server := httptest.NewServer(NewHandler(manager, config))
	t.Cleanup(func() {
		server.Close()
		_ = manager.Shutdown(context.Background())
	})
	return &testEnv{server: server, node: n}
}

func (e *testEnv) do(t *testing.T, method, path string, query url.Values, body string) (int, string) {
	t.Helper()
	signed := e.node.Validator().SignQuery(method, path, query, []byte(body), time.Now())
	return e.doRaw(t, method, path+"?"+signed.Encode(), body)
}

func (e *testEnv) doRaw(t *testing.T, method, pathWithQuery string, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+pathWithQuery, bytes.NewBufferString(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func (e *testEnv) connect(t *testing.T, ch string, channelData string) (*connection.Connection, *testTransport) {
	t.Helper()
	tr := &testTransport{}
	c, err := e.node.Connect(tr)
	require.NoError(t, err)
	req := protocol.SubscribeRequest{Channel: ch}
	if channelData != "" {
		req.ChannelData = channelData
		req.Auth = e.node.Validator().Token(c.ID(), ch, channelData)
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	frame, err := protocol.Frame{Event: protocol.EventSubscribe, Data: data}.Encode()
	require.NoError(t, err)
	require.NoError(t, e.node.HandleFrame(context.Background(), c, frame))
	return c, tr
}

func TestEventsDelivered(t *testing.T) {
	env := newTestEnv(t, Config{})
	_, tr := env.connect(t, "news", "")

	status, body := env.do(t, "POST", "/apps/app-id/events", nil, `{"name":"update","channel":"news","data":"{\"a\":1}"}`)
	require.Equal(t, http.StatusOK, status, body)
	require.JSONEq(t, `{}`, body)

	require.Eventually(t, func() bool { return len(tr.events("update")) == 1 }, time.Second, 5*time.Millisecond)
	f := tr.events("update")[0]
	require.Equal(t, "news", f.Channel)
	require.Equal(t, `"{\"a\":1}"`, string(f.Data))
}

func TestEventsExcludeSocketID(t *testing.T) {
	env := newTestEnv(t, Config{})
	c1, tr1 := env.connect(t, "news", "")
	_, tr2 := env.connect(t, "news", "")

	body := `{"name":"update","channels":["news"],"data":"x","socket_id":"` + c1.ID() + `"}`
	status, _ := env.do(t, "POST", "/apps/app-id/events", nil, body)
	require.Equal(t, http.StatusOK, status)

	require.Eventually(t, func() bool { return len(tr2.events("update")) == 1 }, time.Second, 5*time.Millisecond)
	require.Empty(t, tr1.events("update"))
}

func TestEventsWithInfo(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.connect(t, "news", "")
	env.connect(t, "news", "")

	status, body := env.do(t, "POST", "/apps/app-id/events", nil, `{"name":"update","channel":"news","data":"x","info":"subscription_count"}`)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"channels":{"news":{"subscription_count":2}}}`, body)
}

func TestEventsLimits(t *testing.T) {
	env := newTestEnv(t, Config{MaxRequestBodySize: 4096})
	testCases := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"empty", ``, http.StatusBadRequest},
		{"no_name", `{"channel":"news","data":"x"}`, http.StatusBadRequest},
		{"no_channel", `{"name":"e","data":"x"}`, http.StatusBadRequest},
		{"long_name", `{"name":"` + strings.Repeat("e", 51) + `","channel":"news","data":"x"}`, http.StatusBadRequest},
		{"bad_channel", `{"name":"e","channel":"bad channel","data":"x"}`, http.StatusBadRequest},
		{"too_many_channels", `{"name":"e","channels":["a","b","c","d"],"data":"x"}`, http.StatusBadRequest},
		{"payload_too_big", `{"name":"e","channel":"news","data":"` + strings.Repeat("a", 2048) + `"}`, http.StatusRequestEntityTooLarge},
		{"body_too_big", `{"name":"e","channel":"news","data":"` + strings.Repeat("a", 5000) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := env.do(t, "POST", "/apps/app-id/events", nil, tc.body)
			require.Equal(t, tc.status, status, body)
		})
	}
}

func TestBatchEvents(t *testing.T) {
	env := newTestEnv(t, Config{})
	_, tr := env.connect(t, "news", "")

	status, body := env.do(t, "POST", "/apps/app-id/batch_events", nil, `{"batch":[{"name":"a","channel":"news","data":"1"},{"name":"b","channel":"news","data":"2"}]}`)
	require.Equal(t, http.StatusOK, status, body)
	require.JSONEq(t, `{}`, body)
	require.Eventually(t, func() bool {
		return len(tr.events("a")) == 1 && len(tr.events("b")) == 1
	}, time.Second, 5*time.Millisecond)

	status, _ = env.do(t, "POST", "/apps/app-id/batch_events", nil, `{"batch":[{"name":"a","channel":"news","data":"1"},{"name":"b","channel":"news","data":"2"},{"name":"c","channel":"news","data":"3"}]}`)
	require.Equal(t, http.StatusBadRequest, status)

	// Invalid element rejects whole batch.
	status, _ = env.do(t, "POST", "/apps/app-id/batch_events", nil, `{"batch":[{"name":"c","channel":"news","data":"1"},{"name":"","channel":"news","data":"2"}]}`)
	require.Equal(t, http.StatusBadRequest, status)
	require.Empty(t, tr.events("c"))
}

func TestChannels(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.connect(t, "news", "")
	env.connect(t, "presence-room", `{"user_id":"u1"}`)
	env.connect(t, "presence-room", `{"user_id":"u2"}`)

	status, body := env.do(t, "GET", "/apps/app-id/channels", nil, "")
	require.Equal(t, http.StatusOK, status, body)
	require.JSONEq(t, `{"channels":{"news":{},"presence-room":{}}}`, body)

	status, body = env.do(t, "GET", "/apps/app-id/channels", url.Values{"filter_by_prefix": {"presence-"}, "info": {"user_count"}}, "")
	require.Equal(t, http.StatusOK, status, body)
	require.JSONEq(t, `{"channels":{"presence-room":{"user_count":2}}}`, body)

	status, _ = env.do(t, "GET", "/apps/app-id/channels", url.Values{"info": {"user_count"}}, "")
	require.Equal(t, http.StatusBadRequest, status)
}

func TestChannel(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.connect(t, "presence-room", `{"user_id":"u1"}`)
	env.connect(t, "presence-room", `{"user_id":"u1"}`)

	status, body := env.do(t, "GET", "/apps/app-id/channels/presence-room", url.Values{"info": {"user_count,subscription_count"}}, "")
	require.Equal(t, http.StatusOK, status, body)
	require.JSONEq(t, `{"occupied":true,"user_count":1,"subscription_count":2}`, body)

	status, body = env.do(t, "GET", "/apps/app-id/channels/empty", nil, "")
	require.Equal(t, http.StatusOK, status, body)
	require.JSONEq(t, `{"occupied":false}`, body)

	status, _ = env.do(t, "GET", "/apps/app-id/channels/news", url.Values{"info": {"user_count"}}, "")
	require.Equal(t, http.StatusBadRequest, status)
}

func TestUsers(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.connect(t, "presence-room", `{"user_id":"u2"}`)
	env.connect(t, "presence-room", `{"user_id":"u1","user_info":{"name":"A"}}`)

	status, body := env.do(t, "GET", "/apps/app-id/channels/presence-room/users", nil, "")
	require.Equal(t, http.StatusOK, status, body)
	require.JSONEq(t, `{"users":[{"id":"u1"},{"id":"u2"}]}`, body)

	status, _ = env.do(t, "GET", "/apps/app-id/channels/news/users", nil, "")
	require.Equal(t, http.StatusBadRequest, status)
}

func TestTerminateUserConnections(t *testing.T) {
	env := newTestEnv(t, Config{})
	_, tr1 := env.connect(t, "presence-room", `{"user_id":"u1"}`)
	_, tr2 := env.connect(t, "presence-room", `{"user_id":"u2"}`)

	status, body := env.do(t, "POST", "/apps/app-id/users/u1/terminate_connections", nil, "")
	require.Equal(t, http.StatusOK, status, body)
	require.JSONEq(t, `{}`, body)

	require.Eventually(t, func() bool {
		codes := tr1.closeCodes()
		return len(codes) == 1 && codes[0] == protocol.DisconnectUnauthorized.Code
	}, time.Second, 5*time.Millisecond)
	require.Empty(t, tr2.closeCodes())
	require.Equal(t, 1, env.node.Hub().NumConnections())
}

func TestSignatureRejected(t *testing.T) {
	env := newTestEnv(t, Config{})
	body := `{"name":"e","channel":"news","data":"x"}`

	status, _ := env.doRaw(t, "POST", "/apps/app-id/events", body)
	require.Equal(t, http.StatusUnauthorized, status)

	wrong := auth.NewValidator("app-key", "other-secret")
	signed := wrong.SignQuery("POST", "/apps/app-id/events", nil, []byte(body), time.Now())
	status, _ = env.doRaw(t, "POST", "/apps/app-id/events?"+signed.Encode(), body)
	require.Equal(t, http.StatusUnauthorized, status)

	stale := env.node.Validator().SignQuery("POST", "/apps/app-id/events", nil, []byte(body), time.Now().Add(-time.Hour))
	status, _ = env.doRaw(t, "POST", "/apps/app-id/events?"+stale.Encode(), body)
	require.Equal(t, http.StatusUnauthorized, status)

	// Body changed after signing.
	signed = env.node.Validator().SignQuery("POST", "/apps/app-id/events", nil, []byte(body), time.Now())
	status, _ = env.doRaw(t, "POST", "/apps/app-id/events?"+signed.Encode(), `{"name":"e","channel":"other","data":"x"}`)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestUnknownAndDisabledApps(t *testing.T) {
	env := newTestEnv(t, Config{})
	status, _ := env.doRaw(t, "GET", "/apps/unknown/channels", "")
	require.Equal(t, http.StatusNotFound, status)
	status, _ = env.doRaw(t, "GET", "/apps/off-id/channels", "")
	require.Equal(t, http.StatusForbidden, status)
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, Config{})
	status, _ := env.doRaw(t, "GET", "/apps/app-id/events", "")
	require.Equal(t, http.StatusMethodNotAllowed, status)
}
