package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ruslanjabari/soketi/internal/presence"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
)

// serialBus delivers messages to every subscriber in publish order from one
// goroutine per subscriber, the way NATS and Redis subscriptions do.
type serialBus struct {
	mu     sync.Mutex
	queues map[*serialBusClient]chan []byte
}

func newSerialBus() *serialBus {
	return &serialBus{queues: make(map[*serialBusClient]chan []byte)}
}

type serialBusClient struct {
	bus *serialBus
}

func (c *serialBusClient) Subscribe(handler func(data []byte)) error {
	queue := make(chan []byte, 1024)
	c.bus.mu.Lock()
	c.bus.queues[c] = queue
	c.bus.mu.Unlock()
	go func() {
		for data := range queue {
			handler(data)
		}
	}()
	return nil
}

func (c *serialBusClient) Publish(_ context.Context, data []byte) error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	for _, queue := range c.bus.queues {
		queue <- data
	}
	return nil
}

func (c *serialBusClient) Close(_ context.Context) error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	if queue, ok := c.bus.queues[c]; ok {
		delete(c.bus.queues, c)
		close(queue)
	}
	return nil
}

type testHandler struct {
	mu       sync.Mutex
	messages []Message
	members  map[string][]presence.Member
}

func newTestHandler() *testHandler {
	return &testHandler{members: make(map[string][]presence.Member)}
}

func (h *testHandler) HandleMessage(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

func (h *testHandler) LocalPresence(appID string, channel string) []presence.Member {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.members[appID+":"+channel]
}

func (h *testHandler) received() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message{}, h.messages...)
}

func TestMemoryAdapter(t *testing.T) {
	a := NewMemoryAdapter()
	members, err := a.QueryPresence(context.Background(), "app", "presence-room")
	require.NoError(t, err)
	require.Nil(t, members)

	h := newTestHandler()
	h.members["app:presence-room"] = []presence.Member{{UserID: "alice"}}
	require.NoError(t, a.Run(h))
	require.NoError(t, a.Relay(context.Background(), Message{AppID: "app", Channel: "room", Event: "e"}))
	require.Empty(t, h.received())

	members, err = a.QueryPresence(context.Background(), "app", "presence-room")
	require.NoError(t, err)
	require.Equal(t, []presence.Member{{UserID: "alice"}}, members)

	peers, err := a.PeerPresence(context.Background(), "app", "presence-room")
	require.NoError(t, err)
	require.Nil(t, peers)
	require.NoError(t, a.Close(context.Background()))
}

func newTestCluster(t *testing.T, n int) ([]*Horizontal, []*testHandler) {
	bus := newSerialBus()
	adapters := make([]*Horizontal, 0, n)
	handlers := make([]*testHandler, 0, n)
	for i := 0; i < n; i++ {
		a := NewHorizontal(&serialBusClient{bus: bus}, HorizontalConfig{
			RequestTimeout:    time.Second,
			HeartbeatInterval: time.Hour,
		})
		h := newTestHandler()
		require.NoError(t, a.Run(h))
		adapters = append(adapters, a)
		handlers = append(handlers, h)
	}
	require.Eventually(t, func() bool {
		for _, a := range adapters {
			if a.NumPeers() != n-1 {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
	t.Cleanup(func() {
		for _, a := range adapters {
			_ = a.Close(context.Background())
		}
	})
	return adapters, handlers
}

func TestHorizontalRelay(t *testing.T) {
	adapters, handlers := newTestCluster(t, 3)
	err := adapters[0].Relay(context.Background(), Message{AppID: "app", Channel: "room", Event: "greeting", Except: "1.1"})
	require.NoError(t, err)

	for i := 1; i < 3; i++ {
		h := handlers[i]
		require.Eventually(t, func() bool { return len(h.received()) == 1 }, time.Second, 5*time.Millisecond)
		msg := h.received()[0]
		require.Equal(t, adapters[0].NodeID(), msg.NodeID)
		require.Equal(t, "greeting", msg.Event)
		require.Equal(t, "1.1", msg.Except)
	}
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, handlers[0].received(), "origin node must not receive own message")
}

func TestHorizontalPresence(t *testing.T) {
	adapters, handlers := newTestCluster(t, 3)
	handlers[0].members["app:presence-room"] = []presence.Member{{UserID: "alice"}}
	handlers[1].members["app:presence-room"] = []presence.Member{{UserID: "bob"}, {UserID: "alice"}}
	handlers[2].members["app:presence-room"] = []presence.Member{{UserID: "carol"}}

	peers, err := adapters[0].PeerPresence(context.Background(), "app", "presence-room")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob", "carol"}, userIDs(peers))

	all, err := adapters[0].QueryPresence(context.Background(), "app", "presence-room")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "alice", all[0].UserID)
}

func TestHorizontalPresenceTimeout(t *testing.T) {
	bus := newSerialBus()
	a := NewHorizontal(&serialBusClient{bus: bus}, HorizontalConfig{RequestTimeout: 50 * time.Millisecond, HeartbeatInterval: time.Hour})
	require.NoError(t, a.Run(newTestHandler()))
	defer func() { _ = a.Close(context.Background()) }()

	// Pretend there is a peer which never answers.
	a.mu.Lock()
	a.peers["ghost"] = time.Now()
	a.mu.Unlock()

	members, err := a.PeerPresence(context.Background(), "app", "presence-room")
	require.ErrorIs(t, err, ErrRequestTimeout)
	require.Empty(t, members)
}

func TestHorizontalShutdownRemovesPeer(t *testing.T) {
	adapters, _ := newTestCluster(t, 2)
	require.NoError(t, adapters[1].Close(context.Background()))
	require.Eventually(t, func() bool { return adapters[0].NumPeers() == 0 }, time.Second, 5*time.Millisecond)
}

func userIDs(members []presence.Member) []string {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	return ids
}

// peerQueryingHandler asks peers for presence while handling "member_left"
// events, like a node does when a relayed terminate removes a presence member.
type peerQueryingHandler struct {
	*testHandler
	adapter *Horizontal

	mu       sync.Mutex
	queried  []presence.Member
	queryErr error
}

func (h *peerQueryingHandler) HandleMessage(msg Message) {
	if msg.Event == "member_left" {
		members, err := h.adapter.PeerPresence(context.Background(), msg.AppID, msg.Channel)
		h.mu.Lock()
		h.queried, h.queryErr = members, err
		h.mu.Unlock()
	}
	h.testHandler.HandleMessage(msg)
}

func TestHorizontalHandlerQueriesPeersOnSerialBus(t *testing.T) {
	bus := newSerialBus()
	config := HorizontalConfig{RequestTimeout: 2 * time.Second, HeartbeatInterval: time.Hour}
	a := NewHorizontal(&serialBusClient{bus: bus}, config)
	b := NewHorizontal(&serialBusClient{bus: bus}, config)
	t.Cleanup(func() {
		_ = a.Close(context.Background())
		_ = b.Close(context.Background())
	})

	ha := newTestHandler()
	ha.members["app:presence-room"] = []presence.Member{{UserID: "bob"}}
	hb := &peerQueryingHandler{testHandler: newTestHandler(), adapter: b}
	require.NoError(t, a.Run(ha))
	require.NoError(t, b.Run(hb))
	require.Eventually(t, func() bool {
		return a.NumPeers() == 1 && b.NumPeers() == 1
	}, time.Second, 5*time.Millisecond)

	started := time.Now()
	require.NoError(t, a.Relay(context.Background(), Message{AppID: "app", Channel: "presence-room", Event: "member_left", UserID: "alice"}))
	require.NoError(t, a.Relay(context.Background(), Message{AppID: "app", Channel: "news", Event: "greeting"}))

	require.Eventually(t, func() bool { return len(hb.received()) == 2 }, 500*time.Millisecond, 5*time.Millisecond)
	require.Less(t, time.Since(started), 500*time.Millisecond)
	received := hb.received()
	require.Equal(t, "member_left", received[0].Event)
	require.Equal(t, "greeting", received[1].Event)

	hb.mu.Lock()
	defer hb.mu.Unlock()
	require.NoError(t, hb.queryErr)
	require.Equal(t, []string{"bob"}, userIDs(hb.queried))
}

func TestHorizontalCloseStopsEventDelivery(t *testing.T) {
	a := NewHorizontal(&serialBusClient{bus: newSerialBus()}, HorizontalConfig{HeartbeatInterval: time.Hour})
	require.NoError(t, a.Run(newTestHandler()))
	require.NoError(t, a.Close(context.Background()))

	data, err := json.Marshal(envelope{Type: envelopeEvent, NodeID: "other", Message: &Message{Event: "e"}})
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < cap(a.events)+1; i++ {
			a.handle(data)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bus delivery blocked after close")
	}
}
