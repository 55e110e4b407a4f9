package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ruslanjabari/soketi/internal/cluster"
	"github.com/ruslanjabari/soketi/internal/connection"
	"github.com/ruslanjabari/soketi/internal/presence"
	"github.com/ruslanjabari/soketi/internal/protocol"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
)

type testMembers map[string][]string

func (m testMembers) MembersOf(ch string) []string {
	return m[ch]
}

type testDeliverer struct {
	mu           sync.Mutex
	received     map[string][][]byte
	errors       map[string]error
	disconnected map[string]protocol.Disconnect
}

func newTestDeliverer() *testDeliverer {
	return &testDeliverer{
		received:     make(map[string][][]byte),
		errors:       make(map[string]error),
		disconnected: make(map[string]protocol.Disconnect),
	}
}

func (d *testDeliverer) Deliver(connID string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.errors[connID]; ok {
		return err
	}
	d.received[connID] = append(d.received[connID], data)
	return nil
}

func (d *testDeliverer) ScheduleDisconnect(connID string, disconnect protocol.Disconnect) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnected[connID] = disconnect
}

type testAdapter struct {
	cluster.MemoryAdapter
	mu       sync.Mutex
	relayed  []cluster.Message
	relayErr error
}

func (a *testAdapter) Relay(_ context.Context, msg cluster.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.relayed = append(a.relayed, msg)
	return a.relayErr
}

func (a *testAdapter) QueryPresence(_ context.Context, _ string, _ string) ([]presence.Member, error) {
	return nil, nil
}

func decode(t *testing.T, data []byte) protocol.Frame {
	t.Helper()
	f, err := protocol.DecodeFrame(data)
	require.NoError(t, err)
	return f
}

func TestDispatchAllMembers(t *testing.T) {
	d := newTestDeliverer()
	adapter := &testAdapter{}
	dispatcher := New(testMembers{"room": {"x", "y"}}, d, adapter, Config{AppID: "app"})

	n, err := dispatcher.Dispatch(context.Background(), Event{
		Channel: "room",
		Name:    "greeting",
		Data:    json.RawMessage(`"{\"message\":\"hello\"}"`),
	}, FromBackend)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	for _, connID := range []string{"x", "y"} {
		require.Len(t, d.received[connID], 1)
		f := decode(t, d.received[connID][0])
		require.Equal(t, "greeting", f.Event)
		require.Equal(t, "room", f.Channel)
		require.Equal(t, `"{\"message\":\"hello\"}"`, string(f.Data))
	}
	require.Len(t, adapter.relayed, 1)
	require.Equal(t, "app", adapter.relayed[0].AppID)
	require.Equal(t, "greeting", adapter.relayed[0].Event)
}

func TestDispatchExclusion(t *testing.T) {
	d := newTestDeliverer()
	dispatcher := New(testMembers{"room": {"x", "y", "z"}}, d, nil, Config{})
	n, err := dispatcher.Dispatch(context.Background(), Event{Channel: "room", Name: "e", ExcludedConnID: "x"}, FromBackend)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Empty(t, d.received["x"])
	require.Len(t, d.received["y"], 1)
	require.Len(t, d.received["z"], 1)
}

func TestDispatchNoMembers(t *testing.T) {
	d := newTestDeliverer()
	adapter := &testAdapter{}
	dispatcher := New(testMembers{}, d, adapter, Config{})
	n, err := dispatcher.Dispatch(context.Background(), Event{Channel: "room", Name: "e"}, FromBackend)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Len(t, adapter.relayed, 1, "peers may have subscribers")
}

func TestDispatchFromClusterNotRelayed(t *testing.T) {
	d := newTestDeliverer()
	adapter := &testAdapter{}
	dispatcher := New(testMembers{"room": {"x"}}, d, adapter, Config{})
	n, err := dispatcher.Dispatch(context.Background(), Event{Channel: "room", Name: "e"}, FromCluster)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Empty(t, adapter.relayed)
}

func TestDispatchRelayErrorNotFatal(t *testing.T) {
	d := newTestDeliverer()
	adapter := &testAdapter{relayErr: errors.New("nats down")}
	dispatcher := New(testMembers{"room": {"x"}}, d, adapter, Config{})
	n, err := dispatcher.Dispatch(context.Background(), Event{Channel: "room", Name: "e"}, FromBackend)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestDispatchDeliveryFailures(t *testing.T) {
	d := newTestDeliverer()
	d.errors["gone"] = ErrConnectionNotFound
	d.errors["closing"] = connection.ErrClosed
	d.errors["slow"] = connection.ErrSlowConsumer
	d.errors["broken"] = errors.New("broken pipe")
	dispatcher := New(testMembers{"room": {"gone", "closing", "slow", "broken", "ok"}}, d, nil, Config{})

	n, err := dispatcher.Dispatch(context.Background(), Event{Channel: "room", Name: "e"}, FromBackend)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, d.received["ok"], 1)
	require.Equal(t, protocol.DisconnectSlow, d.disconnected["slow"])
	require.Equal(t, protocol.DisconnectWriteError, d.disconnected["broken"])
	require.NotContains(t, d.disconnected, "gone")
	require.NotContains(t, d.disconnected, "closing")
}

func TestDispatchFromClient(t *testing.T) {
	members := testMembers{"private-room": {"x", "y"}, "room": {"x", "y"}, "presence-room": {"x", "y"}}

	testCases := []struct {
		name    string
		enabled bool
		event   Event
		err     error
	}{
		{"private ok", true, Event{Channel: "private-room", Name: "client-typing", ExcludedConnID: "x"}, nil},
		{"presence ok", true, Event{Channel: "presence-room", Name: "client-typing", ExcludedConnID: "x", UserID: "u"}, nil},
		{"disabled for app", false, Event{Channel: "private-room", Name: "client-typing", ExcludedConnID: "x"}, ErrClientEventNotPermitted},
		{"public channel", true, Event{Channel: "room", Name: "client-typing", ExcludedConnID: "x"}, ErrClientEventNotPermitted},
		{"no client prefix", true, Event{Channel: "private-room", Name: "typing", ExcludedConnID: "x"}, ErrClientEventNotPermitted},
		{"reserved prefix", true, Event{Channel: "private-room", Name: "pusher:subscribe", ExcludedConnID: "x"}, ErrClientEventNotPermitted},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := newTestDeliverer()
			dispatcher := New(members, d, nil, Config{ClientEventsEnabled: tc.enabled})
			n, err := dispatcher.Dispatch(context.Background(), tc.event, FromClient)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				require.Equal(t, 0, n)
				require.Empty(t, d.received)
				return
			}
			require.NoError(t, err)
			require.Equal(t, 1, n)
			require.Empty(t, d.received["x"])
			f := decode(t, d.received["y"][0])
			require.Equal(t, tc.event.UserID, f.UserID)
		})
	}
}
