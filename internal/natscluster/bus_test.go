//go:build integration

package natscluster

import (
	"context"
	"testing"
	"time"

	"github.com/ruslanjabari/soketi/internal/cluster"
	"github.com/ruslanjabari/soketi/internal/presence"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type testHandler struct {
	messages chan cluster.Message
}

func (h *testHandler) HandleMessage(msg cluster.Message) {
	h.messages <- msg
}

func (h *testHandler) LocalPresence(_ string, _ string) []presence.Member {
	return []presence.Member{{UserID: "bob"}}
}

func newTestAdapter(t *testing.T, prefix string) (*cluster.Horizontal, *testHandler) {
	t.Helper()
	bus, err := New(Config{Prefix: prefix})
	require.NoError(t, err)
	a := cluster.NewHorizontal(bus, cluster.HorizontalConfig{
		RequestTimeout:    time.Second,
		HeartbeatInterval: 100 * time.Millisecond,
	})
	h := &testHandler{messages: make(chan cluster.Message, 16)}
	require.NoError(t, a.Run(h))
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a, h
}

func TestNatsClusterRelay(t *testing.T) {
	prefix := "soketi-test-" + uuid.NewString()
	a1, _ := newTestAdapter(t, prefix)
	a2, h2 := newTestAdapter(t, prefix)
	require.Eventually(t, func() bool { return a1.NumPeers() == 1 && a2.NumPeers() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a1.Relay(context.Background(), cluster.Message{AppID: "app", Channel: "news", Event: "greeting"}))
	select {
	case msg := <-h2.messages:
		require.Equal(t, "greeting", msg.Event)
		require.Equal(t, a1.NodeID(), msg.NodeID)
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}

	members, err := a1.QueryPresence(context.Background(), "app", "presence-room")
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "bob", members[0].UserID)
}

func TestNatsClusterConnectError(t *testing.T) {
	_, err := New(Config{URL: "nats://127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	require.Error(t, err)
}
