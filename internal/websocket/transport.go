package websocket

import (
	"sync"
	"time"

	"github.com/ruslanjabari/soketi/internal/protocol"

	"github.com/gorilla/websocket"
)

// transport adapts gorilla connection to connection.Transport. Write is called by
// connection writer goroutine only, Close may be called from any goroutine.
type transport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
}

func newTransport(conn *websocket.Conn, writeTimeout time.Duration) *transport {
	return &transport{
		conn:         conn,
		writeTimeout: writeTimeout,
		closeCh:      make(chan struct{}),
	}
}

func (t *transport) Write(data []byte) error {
	select {
	case <-t.closeCh:
		return nil
	default:
	}
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Time{})
	}
	return nil
}

func (t *transport) Close(d protocol.Disconnect) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closeCh)
	t.mu.Unlock()

	if d.Code != protocol.DisconnectClientClosed.Code {
		msg := websocket.FormatCloseMessage(d.Code, d.Reason)
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	return t.conn.Close()
}

// done is closed after Close.
func (t *transport) done() <-chan struct{} {
	return t.closeCh
}
