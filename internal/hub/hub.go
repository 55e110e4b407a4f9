// Package hub owns live connections of one application and routes their frames.
package hub

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ruslanjabari/soketi/internal/connection"
	"github.com/ruslanjabari/soketi/internal/dispatch"
	"github.com/ruslanjabari/soketi/internal/metrics"
	"github.com/ruslanjabari/soketi/internal/presence"
	"github.com/ruslanjabari/soketi/internal/protocol"
	"github.com/ruslanjabari/soketi/internal/registry"
	"github.com/ruslanjabari/soketi/internal/tools"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"
)

const numShards = 64

var (
	// ErrOverQuota returned by Connect when app connection limit reached.
	ErrOverQuota = errors.New("connection quota exceeded")
)

// EventDispatcher delivers events to channel subscribers.
type EventDispatcher interface {
	Dispatch(ctx context.Context, e dispatch.Event, origin dispatch.Origin) (int, error)
}

// ClusterPresence answers presence questions beyond this node.
type ClusterPresence interface {
	PeerPresence(ctx context.Context, channel string) ([]presence.Member, error)
}

// Observer receives channel lifecycle notifications. Used for webhooks.
type Observer interface {
	// ChannelOccupied and ChannelVacated track subscriptions of this node only.
	// In cluster every node reports its own first and last subscriber.
	ChannelOccupied(channel string)
	ChannelVacated(channel string)
	// MemberAdded and MemberRemoved are cluster-wide: other nodes are asked first.
	MemberAdded(channel string, m presence.Member)
	MemberRemoved(channel string, m presence.Member)
	ClientEvent(channel string, event string, data json.RawMessage, socketID string, userID string)
}

// Config of Hub.
type Config struct {
	AppID string
	// ActivityTimeout is sent to clients in connection_established.
	ActivityTimeout time.Duration
	// MaxConnections for app, 0 means no limit.
	MaxConnections int
	// MaxEventPayloadSize of client events in bytes, 0 means no limit.
	MaxEventPayloadSize int
	// Connection options applied to every new connection.
	Connection connection.Config
}

// Hub is a connection manager. It keeps connections sharded by id, plus an index of
// presence users to their connections.
type Hub struct {
	config     Config
	registry   *registry.Registry
	dispatcher EventDispatcher
	presence   ClusterPresence
	observer   Observer

	numConns atomic.Int64
	conns    [numShards]*connShard
	users    [numShards]*userShard
}

type connShard struct {
	mu    sync.RWMutex
	conns map[string]*connection.Connection
}

type userShard struct {
	mu    sync.RWMutex
	users map[string]map[string]struct{}
}

// New creates Hub.
func New(reg *registry.Registry, config Config) *Hub {
	h := &Hub{
		config:   config,
		registry: reg,
	}
	for i := 0; i < numShards; i++ {
		h.conns[i] = &connShard{conns: make(map[string]*connection.Connection)}
		h.users[i] = &userShard{users: make(map[string]map[string]struct{})}
	}
	return h
}

// SetDispatcher must be called before hub starts accepting connections.
func (h *Hub) SetDispatcher(d EventDispatcher) {
	h.dispatcher = d
}

// SetClusterPresence sets source of peer presence.
func (h *Hub) SetClusterPresence(p ClusterPresence) {
	h.presence = p
}

// SetObserver sets channel lifecycle observer.
func (h *Hub) SetObserver(o Observer) {
	h.observer = o
}

// Registry used by hub.
func (h *Hub) Registry() *registry.Registry {
	return h.registry
}

func (h *Hub) connShard(connID string) *connShard {
	return h.conns[tools.ShardIndex(connID, numShards)]
}

func (h *Hub) userShard(userID string) *userShard {
	return h.users[tools.ShardIndex(userID, numShards)]
}

// Connect registers new connection over transport and sends connection_established.
func (h *Hub) Connect(transport connection.Transport) (*connection.Connection, error) {
	if n := h.numConns.Add(1); h.config.MaxConnections > 0 && n > int64(h.config.MaxConnections) {
		h.numConns.Add(-1)
		return nil, ErrOverQuota
	}

	connConfig := h.config.Connection
	connConfig.OnWriteError = func(c *connection.Connection, err error) {
		log.Debug().Err(err).Str("client", c.ID()).Msg("write error")
		h.Disconnect(c.ID(), protocol.DisconnectWriteError)
	}
	c := connection.New(connection.GenerateSocketID(), h.config.AppID, transport, connConfig)

	s := h.connShard(c.ID())
	s.mu.Lock()
	s.conns[c.ID()] = c
	s.mu.Unlock()

	c.MarkConnected()
	metrics.ConnectionsGauge.WithLabelValues(h.config.AppID).Inc()
	metrics.ConnectionsTotal.WithLabelValues(h.config.AppID).Inc()

	data, err := protocol.StringData(protocol.ConnectionEstablished{
		SocketID:        c.ID(),
		ActivityTimeout: int(h.config.ActivityTimeout.Seconds()),
	})
	if err != nil {
		h.Disconnect(c.ID(), protocol.DisconnectOverCapacity)
		return nil, err
	}
	if err := c.SendFrame(protocol.Frame{Event: protocol.EventConnectionEstablished, Data: data}); err != nil {
		h.Disconnect(c.ID(), protocol.DisconnectWriteError)
		return nil, err
	}
	log.Debug().Str("client", c.ID()).Str("app_id", h.config.AppID).Msg("client connected")
	return c, nil
}

// Connection returns live connection by id.
func (h *Hub) Connection(connID string) (*connection.Connection, bool) {
	s := h.connShard(connID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[connID]
	return c, ok
}

// NumConnections returns number of live connections.
func (h *Hub) NumConnections() int {
	return int(h.numConns.Load())
}

// ConnectionIDs returns ids of all live connections.
func (h *Hub) ConnectionIDs() []string {
	var ids []string
	for _, s := range h.conns {
		s.mu.RLock()
		for id := range s.conns {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
	}
	return ids
}

// UserConnections returns connections of presence user.
func (h *Hub) UserConnections(userID string) []string {
	s := h.userShard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.users[userID]))
	for id := range s.users[userID] {
		ids = append(ids, id)
	}
	return ids
}

func (h *Hub) addUser(userID string, connID string) {
	s := h.userShard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	conns, ok := s.users[userID]
	if !ok {
		conns = make(map[string]struct{})
		s.users[userID] = conns
	}
	conns[connID] = struct{}{}
}

func (h *Hub) removeUser(userID string, connID string) {
	s := h.userShard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	conns, ok := s.users[userID]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(s.users, userID)
	}
}

// Disconnect tears connection down: removes it from every channel, closes the
// transport and forgets the connection. Runs at most once per connection, later
// calls return false.
func (h *Hub) Disconnect(connID string, d protocol.Disconnect) bool {
	c, ok := h.Connection(connID)
	if !ok {
		return false
	}

	c.Lock()
	if !c.MarkDisconnecting() {
		c.Unlock()
		return false
	}
	results := h.registry.UnsubscribeAll(connID)
	if err := c.Close(d); err != nil {
		log.Debug().Err(err).Str("client", connID).Msg("error closing transport")
	}
	c.Unlock()

	s := h.connShard(connID)
	s.mu.Lock()
	delete(s.conns, connID)
	s.mu.Unlock()
	if identity, ok := c.Identity(); ok {
		h.removeUser(identity.UserID, connID)
	}
	h.numConns.Add(-1)
	metrics.ConnectionsGauge.WithLabelValues(h.config.AppID).Dec()
	metrics.DisconnectionsTotal.WithLabelValues(h.config.AppID, strconv.Itoa(d.Code)).Inc()

	ctx := context.Background()
	for _, res := range results {
		h.afterUnsubscribe(ctx, res.Channel, res.UnsubscribeResult)
	}
	log.Debug().Str("client", connID).Str("reason", d.Reason).Int("code", d.Code).Msg("client disconnected")
	return true
}

// ScheduleDisconnect runs Disconnect in a separate goroutine.
func (h *Hub) ScheduleDisconnect(connID string, d protocol.Disconnect) {
	go h.Disconnect(connID, d)
}

// Deliver queues encoded frame to connection.
func (h *Hub) Deliver(connID string, data []byte) error {
	c, ok := h.Connection(connID)
	if !ok {
		return dispatch.ErrConnectionNotFound
	}
	return c.Send(data)
}

// TerminateUserConnections disconnects every connection which used the user id
// in a presence channel. Returns number of terminated connections.
func (h *Hub) TerminateUserConnections(userID string) int {
	n := 0
	for _, connID := range h.UserConnections(userID) {
		if h.Disconnect(connID, protocol.DisconnectUnauthorized) {
			n++
		}
	}
	return n
}

// Shutdown disconnects all connections with reconnect advice.
func (h *Hub) Shutdown(ctx context.Context) error {
	for _, connID := range h.ConnectionIDs() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		h.Disconnect(connID, protocol.DisconnectShutdown)
	}
	return nil
}
