package connection

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ruslanjabari/soketi/internal/protocol"

	"github.com/stretchr/testify/require"
)

type testTransport struct {
	mu       sync.Mutex
	written  [][]byte
	closed   []protocol.Disconnect
	writeErr error
	block    chan struct{}
}

func (t *testTransport) Write(data []byte) error {
	if t.block != nil {
		<-t.block
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeErr != nil {
		return t.writeErr
	}
	t.written = append(t.written, data)
	return nil
}

func (t *testTransport) Close(d protocol.Disconnect) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = append(t.closed, d)
	return nil
}

func (t *testTransport) messages() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	result := make([]string, 0, len(t.written))
	for _, m := range t.written {
		result = append(result, string(m))
	}
	return result
}

func TestConnectionStateMachine(t *testing.T) {
	tr := &testTransport{}
	c := New("1.1", "app", tr, Config{})
	require.Equal(t, StateInitializing, c.State())
	require.ErrorIs(t, c.Send([]byte("x")), ErrClosed)

	require.True(t, c.MarkConnected())
	require.False(t, c.MarkConnected())
	require.Equal(t, StateConnected, c.State())

	require.True(t, c.MarkDisconnecting())
	require.False(t, c.MarkDisconnecting())
	require.Equal(t, StateDisconnecting, c.State())
	require.ErrorIs(t, c.Send([]byte("x")), ErrClosed)
	require.False(t, c.AddChannel("room"))

	require.NoError(t, c.Close(protocol.DisconnectShutdown))
	require.NoError(t, c.Close(protocol.DisconnectShutdown))
	require.Equal(t, StateClosed, c.State())
	require.Equal(t, []protocol.Disconnect{protocol.DisconnectShutdown}, tr.closed)
}

func TestConnectionSendFlushedOnClose(t *testing.T) {
	tr := &testTransport{}
	c := New("1.1", "app", tr, Config{})
	c.MarkConnected()
	require.NoError(t, c.Send([]byte("a")))
	require.NoError(t, c.Send([]byte("b")))
	require.NoError(t, c.Close(protocol.DisconnectShutdown))
	require.Equal(t, []string{"a", "b"}, tr.messages())
}

func TestConnectionSlowConsumer(t *testing.T) {
	tr := &testTransport{block: make(chan struct{})}
	c := New("1.1", "app", tr, Config{MaxQueueLen: 2})
	c.MarkConnected()

	// First message is taken by writer goroutine which blocks in Write.
	require.NoError(t, c.Send([]byte("a")))
	require.Eventually(t, func() bool { return c.writer.messages.Len() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, c.Send([]byte("b")))
	require.NoError(t, c.Send([]byte("c")))
	require.ErrorIs(t, c.Send([]byte("d")), ErrSlowConsumer)
	close(tr.block)
}

func TestConnectionWriteError(t *testing.T) {
	tr := &testTransport{writeErr: errors.New("boom")}
	errCh := make(chan error, 1)
	c := New("1.1", "app", tr, Config{OnWriteError: func(c *Connection, err error) {
		errCh <- err
	}})
	c.MarkConnected()
	require.NoError(t, c.Send([]byte("a")))
	select {
	case err := <-errCh:
		require.EqualError(t, err, "boom")
	case <-time.After(time.Second):
		t.Fatal("write error not reported")
	}
	require.NoError(t, c.Close(protocol.DisconnectWriteError))
}

func TestConnectionIdentity(t *testing.T) {
	c := New("1.1", "app", &testTransport{}, Config{})
	_, ok := c.Identity()
	require.False(t, ok)
	require.NoError(t, c.CheckIdentity("alice"))
	require.NoError(t, c.SetIdentity(Identity{UserID: "alice"}))
	require.NoError(t, c.SetIdentity(Identity{UserID: "alice", UserInfo: []byte(`{"x":1}`)}))
	require.ErrorIs(t, c.SetIdentity(Identity{UserID: "bob"}), ErrIdentityMismatch)
	require.ErrorIs(t, c.CheckIdentity("bob"), ErrIdentityMismatch)
	identity, ok := c.Identity()
	require.True(t, ok)
	require.Equal(t, "alice", identity.UserID)
	require.Nil(t, identity.UserInfo)
}

func TestConnectionChannels(t *testing.T) {
	c := New("1.1", "app", &testTransport{}, Config{})
	require.False(t, c.AddChannel("room"), "not connected yet")
	c.MarkConnected()
	require.True(t, c.AddChannel("room"))
	require.True(t, c.HasChannel("room"))
	require.Equal(t, []string{"room"}, c.Channels())
	c.RemoveChannel("room")
	require.False(t, c.HasChannel("room"))
}

func TestConnectionClientEventLimit(t *testing.T) {
	c := New("1.1", "app", &testTransport{}, Config{ClientEventsPerSecond: 2})
	require.True(t, c.AllowClientEvent())
	require.True(t, c.AllowClientEvent())
	require.False(t, c.AllowClientEvent())

	unlimited := New("1.2", "app", &testTransport{}, Config{})
	for i := 0; i < 100; i++ {
		require.True(t, unlimited.AllowClientEvent())
	}
}

func TestGenerateSocketID(t *testing.T) {
	require.Regexp(t, `^\d+\.\d+$`, GenerateSocketID())
	require.NotEqual(t, GenerateSocketID(), GenerateSocketID())
}
