package cluster

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ruslanjabari/soketi/internal/metrics"
	"github.com/ruslanjabari/soketi/internal/presence"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"
)

// ErrRequestTimeout returned when not all peers answered presence request in time.
// Members collected so far are still returned.
var ErrRequestTimeout = errors.New("cluster request timeout")

// Bus is a broadcast medium shared by all nodes. Every node receives every message
// published to bus including its own.
type Bus interface {
	// Subscribe starts delivering messages from bus into handler.
	Subscribe(handler func(data []byte)) error
	// Publish message to all nodes.
	Publish(ctx context.Context, data []byte) error
	// Close bus.
	Close(ctx context.Context) error
}

type envelopeType int

const (
	envelopeEvent envelopeType = iota
	envelopePresenceRequest
	envelopePresenceResponse
	envelopeHeartbeat
	envelopeShutdown
)

type envelope struct {
	Type      envelopeType      `json:"type"`
	NodeID    string            `json:"node_id"`
	RequestID string            `json:"request_id,omitempty"`
	Target    string            `json:"target,omitempty"`
	AppID     string            `json:"app_id,omitempty"`
	Channel   string            `json:"channel,omitempty"`
	Message   *Message          `json:"message,omitempty"`
	Members   []presence.Member `json:"members,omitempty"`
}

// HorizontalConfig ...
type HorizontalConfig struct {
	// NodeID must be unique across cluster.
	NodeID string
	// RequestTimeout for presence requests to peers.
	RequestTimeout time.Duration
	// HeartbeatInterval of node announcements. Peers not seen for three
	// intervals are considered gone.
	HeartbeatInterval time.Duration
	// EventQueueSize bounds relayed events waiting for handler. Bus delivery
	// blocks when queue is full.
	EventQueueSize int
}

// Horizontal is a multi-node adapter on top of Bus. Peers discover each other
// with heartbeats so presence requests know how many answers to wait for.
//
// Relayed events are passed to handler from a separate goroutine in bus order.
// Presence requests and responses are processed on bus goroutine, so handler
// may query peers while handling an event.
type Horizontal struct {
	bus    Bus
	config HorizontalConfig
	events chan Message

	mu      sync.Mutex
	handler Handler
	pending map[string]chan []presence.Member
	peers   map[string]time.Time

	closeOnce sync.Once
	closeCh   chan struct{}
}

var _ Adapter = (*Horizontal)(nil)

// NewHorizontal creates adapter over bus.
func NewHorizontal(bus Bus, config HorizontalConfig) *Horizontal {
	if config.NodeID == "" {
		config.NodeID = uuid.NewString()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 5 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 3 * time.Second
	}
	if config.EventQueueSize <= 0 {
		config.EventQueueSize = 1024
	}
	return &Horizontal{
		bus:     bus,
		config:  config,
		events:  make(chan Message, config.EventQueueSize),
		pending: make(map[string]chan []presence.Member),
		peers:   make(map[string]time.Time),
		closeCh: make(chan struct{}),
	}
}

// NodeID of this node.
func (a *Horizontal) NodeID() string {
	return a.config.NodeID
}

// Run subscribes to bus and starts heartbeats.
func (a *Horizontal) Run(h Handler) error {
	a.mu.Lock()
	a.handler = h
	a.mu.Unlock()
	go a.runEvents(h)
	if err := a.bus.Subscribe(a.handle); err != nil {
		return err
	}
	a.publishHeartbeat()
	go a.runHeartbeat()
	return nil
}

func (a *Horizontal) runEvents(h Handler) {
	for {
		select {
		case <-a.closeCh:
			return
		case msg := <-a.events:
			h.HandleMessage(msg)
		}
	}
}

func (a *Horizontal) runHeartbeat() {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.closeCh:
			return
		case <-ticker.C:
			a.publishHeartbeat()
			a.prunePeers()
		}
	}
}

func (a *Horizontal) publishHeartbeat() {
	if err := a.publish(context.Background(), envelope{Type: envelopeHeartbeat}); err != nil {
		log.Warn().Err(err).Msg("error publishing cluster heartbeat")
	}
}

func (a *Horizontal) prunePeers() {
	deadline := time.Now().Add(-3 * a.config.HeartbeatInterval)
	a.mu.Lock()
	defer a.mu.Unlock()
	for nodeID, seen := range a.peers {
		if seen.Before(deadline) {
			delete(a.peers, nodeID)
			log.Info().Str("node_id", nodeID).Msg("cluster peer is gone")
		}
	}
}

// NumPeers returns number of known live peers.
func (a *Horizontal) NumPeers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.peers)
}

func (a *Horizontal) publish(ctx context.Context, e envelope) error {
	e.NodeID = a.config.NodeID
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return a.bus.Publish(ctx, data)
}

func (a *Horizontal) handle(data []byte) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		log.Error().Err(err).Msg("error decoding cluster message")
		return
	}
	if e.NodeID == a.config.NodeID {
		return
	}

	a.mu.Lock()
	h := a.handler
	_, known := a.peers[e.NodeID]
	if e.Type == envelopeShutdown {
		delete(a.peers, e.NodeID)
	} else {
		a.peers[e.NodeID] = time.Now()
	}
	a.mu.Unlock()

	if !known && e.Type != envelopeShutdown {
		log.Info().Str("node_id", e.NodeID).Msg("new cluster peer")
		// Let the new peer know about us without waiting for the next tick.
		go a.publishHeartbeat()
	}

	switch e.Type {
	case envelopeEvent:
		if e.Message == nil || h == nil {
			return
		}
		metrics.ClusterMessagesReceivedTotal.Inc()
		select {
		case a.events <- *e.Message:
		case <-a.closeCh:
		}
	case envelopePresenceRequest:
		var members []presence.Member
		if h != nil {
			members = h.LocalPresence(e.AppID, e.Channel)
		}
		resp := envelope{
			Type:      envelopePresenceResponse,
			RequestID: e.RequestID,
			Target:    e.NodeID,
			Members:   members,
		}
		if err := a.publish(context.Background(), resp); err != nil {
			log.Warn().Err(err).Str("channel", e.Channel).Msg("error publishing presence response")
		}
	case envelopePresenceResponse:
		if e.Target != a.config.NodeID {
			return
		}
		a.mu.Lock()
		ch, ok := a.pending[e.RequestID]
		a.mu.Unlock()
		if !ok {
			return
		}
		select {
		case ch <- e.Members:
		default:
		}
	}
}

// Relay publishes message to peers.
func (a *Horizontal) Relay(ctx context.Context, msg Message) error {
	msg.NodeID = a.config.NodeID
	return a.publish(ctx, envelope{Type: envelopeEvent, Message: &msg})
}

// PeerPresence asks every known peer for its local presence members of channel.
func (a *Horizontal) PeerPresence(ctx context.Context, appID string, channel string) ([]presence.Member, error) {
	numPeers := a.NumPeers()
	if numPeers == 0 {
		return nil, nil
	}
	requestID := uuid.NewString()
	replies := make(chan []presence.Member, numPeers)
	a.mu.Lock()
	a.pending[requestID] = replies
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, requestID)
		a.mu.Unlock()
	}()

	err := a.publish(ctx, envelope{
		Type:      envelopePresenceRequest,
		RequestID: requestID,
		AppID:     appID,
		Channel:   channel,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.RequestTimeout)
	defer cancel()

	collected := make([][]presence.Member, 0, numPeers)
	for len(collected) < numPeers {
		select {
		case members := <-replies:
			collected = append(collected, members)
		case <-ctx.Done():
			return presence.Merge(collected...), ErrRequestTimeout
		}
	}
	return presence.Merge(collected...), nil
}

// QueryPresence merges local and peer presence members.
func (a *Horizontal) QueryPresence(ctx context.Context, appID string, channel string) ([]presence.Member, error) {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	var local []presence.Member
	if h != nil {
		local = h.LocalPresence(appID, channel)
	}
	remote, err := a.PeerPresence(ctx, appID, channel)
	return presence.Merge(local, remote), err
}

// Close announces node shutdown and closes bus.
func (a *Horizontal) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closeCh)
		_ = a.publish(ctx, envelope{Type: envelopeShutdown})
		err = a.bus.Close(ctx)
	})
	return err
}
