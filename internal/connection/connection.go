// Package connection represents a single client session.
package connection

import (
	"errors"
	"math/rand/v2"
	"strconv"
	"sync"

	"github.com/ruslanjabari/soketi/internal/protocol"
	"github.com/ruslanjabari/soketi/internal/queue"

	"github.com/segmentio/encoding/json"
	"golang.org/x/time/rate"
)

var (
	// ErrClosed returned on attempt to send into connection which is not connected.
	ErrClosed = errors.New("connection closed")
	// ErrSlowConsumer returned when outbound queue of connection overflows.
	ErrSlowConsumer = errors.New("slow consumer")
	// ErrIdentityMismatch returned when connection tries to use different presence identity.
	ErrIdentityMismatch = errors.New("presence identity mismatch")
)

// State of connection.
type State int32

const (
	StateInitializing State = iota
	StateConnected
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "closed"
	}
}

// Transport is what connection needs from the underlying socket.
type Transport interface {
	// Write single encoded frame. Called from one goroutine only.
	Write(data []byte) error
	// Close transport with close code and reason.
	Close(d protocol.Disconnect) error
}

// Identity of presence user. Set once per connection.
type Identity struct {
	UserID   string
	UserInfo json.RawMessage
}

// Config of connection.
type Config struct {
	// MaxQueueSize of outbound queue in bytes.
	MaxQueueSize int
	// MaxQueueLen of outbound queue in messages.
	MaxQueueLen int
	// ClientEventsPerSecond limits client events, 0 means no limit.
	ClientEventsPerSecond int
	// OnWriteError called once when transport write fails.
	OnWriteError func(c *Connection, err error)
}

// Connection is one client session. Owned by hub.
type Connection struct {
	id        string
	appID     string
	transport Transport
	writer    *writer
	limiter   *rate.Limiter

	// opsMu serializes subscription changes with teardown.
	opsMu sync.Mutex

	mu       sync.RWMutex
	state    State
	channels map[string]struct{}
	identity *Identity
}

// GenerateSocketID returns a new Pusher compatible socket id: two random numbers
// joined with a dot.
func GenerateSocketID() string {
	return strconv.FormatInt(rand.Int64N(10000000000), 10) + "." + strconv.FormatInt(rand.Int64N(10000000000), 10)
}

// New creates connection in Initializing state.
func New(id string, appID string, transport Transport, config Config) *Connection {
	c := &Connection{
		id:        id,
		appID:     appID,
		transport: transport,
		channels:  make(map[string]struct{}),
	}
	if config.ClientEventsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(config.ClientEventsPerSecond), config.ClientEventsPerSecond)
	}
	c.writer = newWriter(writerConfig{
		MaxQueueSize: config.MaxQueueSize,
		MaxQueueLen:  config.MaxQueueLen,
		WriteFn:      transport.Write,
		OnError: func(err error) {
			if config.OnWriteError != nil {
				config.OnWriteError(c, err)
			}
		},
	})
	return c
}

// ID of connection (socket_id).
func (c *Connection) ID() string {
	return c.id
}

// AppID connection belongs to.
func (c *Connection) AppID() string {
	return c.appID
}

// State returns current state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Lock serializes lifecycle operations of connection: subscribe, unsubscribe and
// teardown. It does not block Send.
func (c *Connection) Lock() {
	c.opsMu.Lock()
}

// Unlock ...
func (c *Connection) Unlock() {
	c.opsMu.Unlock()
}

// MarkConnected moves connection from Initializing to Connected.
func (c *Connection) MarkConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInitializing {
		return false
	}
	c.state = StateConnected
	return true
}

// MarkDisconnecting starts teardown. Returns false if teardown already started,
// so only one caller proceeds with cleanup.
func (c *Connection) MarkDisconnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnecting || c.state == StateClosed {
		return false
	}
	c.state = StateDisconnecting
	return true
}

// Close finishes teardown: flushes queued frames, closes transport with given
// disconnect and moves connection to Closed.
func (c *Connection) Close(d protocol.Disconnect) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.channels = make(map[string]struct{})
	c.mu.Unlock()
	c.writer.close()
	return c.transport.Close(d)
}

// Send encoded frame to connection. Never blocks.
func (c *Connection) Send(data []byte) error {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()
	if state != StateConnected {
		return ErrClosed
	}
	switch err := c.writer.enqueue(data); {
	case errors.Is(err, queue.ErrFull):
		return ErrSlowConsumer
	case err != nil:
		return ErrClosed
	}
	return nil
}

// SendFrame encodes and sends frame.
func (c *Connection) SendFrame(f protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	return c.Send(data)
}

// AllowClientEvent consumes client event rate limit token.
func (c *Connection) AllowClientEvent() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

// AddChannel marks channel as subscribed. Returns false when connection is not
// connected anymore so caller can roll back registry subscription.
func (c *Connection) AddChannel(ch string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return false
	}
	c.channels[ch] = struct{}{}
	return true
}

// RemoveChannel ...
func (c *Connection) RemoveChannel(ch string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, ch)
}

// HasChannel reports whether connection is subscribed to channel.
func (c *Connection) HasChannel(ch string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.channels[ch]
	return ok
}

// Channels returns subscribed channels.
func (c *Connection) Channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	channels := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	return channels
}

// CheckIdentity returns ErrIdentityMismatch if connection already has presence
// identity with another user ID.
func (c *Connection) CheckIdentity(userID string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity != nil && c.identity.UserID != userID {
		return ErrIdentityMismatch
	}
	return nil
}

// SetIdentity sets presence identity once. Setting the same user again is allowed
// and keeps the first user info.
func (c *Connection) SetIdentity(identity Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity != nil {
		if c.identity.UserID != identity.UserID {
			return ErrIdentityMismatch
		}
		return nil
	}
	c.identity = &identity
	return nil
}

// Identity returns presence identity if set.
func (c *Connection) Identity() (Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity == nil {
		return Identity{}, false
	}
	return *c.identity, true
}
