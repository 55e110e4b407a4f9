// Package node composes channel registry, presence ledger, connection hub and event
// dispatcher of one application, and exposes operations for backend (HTTP API and
// consumers) and cluster.
package node

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ruslanjabari/soketi/internal/auth"
	"github.com/ruslanjabari/soketi/internal/channel"
	"github.com/ruslanjabari/soketi/internal/cluster"
	"github.com/ruslanjabari/soketi/internal/configtypes"
	"github.com/ruslanjabari/soketi/internal/connection"
	"github.com/ruslanjabari/soketi/internal/dispatch"
	"github.com/ruslanjabari/soketi/internal/hub"
	"github.com/ruslanjabari/soketi/internal/metrics"
	"github.com/ruslanjabari/soketi/internal/presence"
	"github.com/ruslanjabari/soketi/internal/protocol"
	"github.com/ruslanjabari/soketi/internal/registry"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"
)

// terminateUserEvent is relayed through cluster to terminate user connections on
// every node. Never delivered to clients.
const terminateUserEvent = "soketi_internal:terminate_user_connections"

var (
	ErrInvalidEvent    = errors.New("invalid event")
	ErrPayloadTooBig   = errors.New("event payload too large")
	ErrNotPresence     = errors.New("not a presence channel")
	ErrTooManyChannels = errors.New("too many channels")
)

// Config of Node.
type Config struct {
	App configtypes.App
	// ActivityTimeout is sent to clients in connection_established.
	ActivityTimeout time.Duration
	MaxQueueSize    int
	MaxQueueLen     int
	// Observer receives channel lifecycle events, may be nil.
	Observer hub.Observer
}

// Node serves a single app. Nodes of different apps share only the cluster adapter.
type Node struct {
	app        configtypes.App
	validator  *auth.Validator
	registry   *registry.Registry
	hub        *hub.Hub
	dispatcher *dispatch.Dispatcher
	adapter    cluster.Adapter
}

// New creates Node. adapter must not be nil, use cluster.NewMemoryAdapter for single
// node setup.
func New(adapter cluster.Adapter, config Config) *Node {
	app := config.App
	validator := auth.NewValidator(app.Key, app.Secret)
	reg := registry.New(validator, presence.NewLedger(), registry.Config{
		MaxChannelNameLength:  app.MaxChannelNameLength,
		MaxPresenceMembers:    app.MaxPresenceMembersPerChannel,
		MaxPresenceMemberSize: app.MaxPresenceMemberSizeInKb * 1024,
	})
	h := hub.New(reg, hub.Config{
		AppID:               app.ID,
		ActivityTimeout:     config.ActivityTimeout,
		MaxConnections:      app.MaxConnections,
		MaxEventPayloadSize: app.MaxEventPayloadInKb * 1024,
		Connection: connection.Config{
			MaxQueueSize:          config.MaxQueueSize,
			MaxQueueLen:           config.MaxQueueLen,
			ClientEventsPerSecond: app.MaxClientEventsPerSecond,
		},
	})
	d := dispatch.New(reg, h, adapter, dispatch.Config{
		AppID:               app.ID,
		ClientEventsEnabled: app.EnableClientMessages,
	})
	n := &Node{
		app:        app,
		validator:  validator,
		registry:   reg,
		hub:        h,
		dispatcher: d,
		adapter:    adapter,
	}
	h.SetDispatcher(d)
	h.SetClusterPresence(&appPresence{appID: app.ID, adapter: adapter})
	if config.Observer != nil {
		h.SetObserver(config.Observer)
	}
	return n
}

// appPresence binds cluster adapter to app.
type appPresence struct {
	appID   string
	adapter cluster.Adapter
}

func (p *appPresence) PeerPresence(ctx context.Context, ch string) ([]presence.Member, error) {
	return p.adapter.PeerPresence(ctx, p.appID, ch)
}

// App served by node.
func (n *Node) App() configtypes.App {
	return n.app
}

// Validator of app credentials.
func (n *Node) Validator() *auth.Validator {
	return n.validator
}

// Hub of app connections.
func (n *Node) Hub() *hub.Hub {
	return n.hub
}

// Connect registers new client connection.
func (n *Node) Connect(transport connection.Transport) (*connection.Connection, error) {
	return n.hub.Connect(transport)
}

// HandleFrame processes frame received from client.
func (n *Node) HandleFrame(ctx context.Context, c *connection.Connection, data []byte) error {
	return n.hub.HandleFrame(ctx, c, data)
}

// Disconnect closes client connection.
func (n *Node) Disconnect(connID string, d protocol.Disconnect) bool {
	return n.hub.Disconnect(connID, d)
}

// TriggerRequest is an event published by backend.
type TriggerRequest struct {
	Name     string          `json:"name"`
	Data     json.RawMessage `json:"data"`
	Channel  string          `json:"channel,omitempty"`
	Channels []string        `json:"channels,omitempty"`
	SocketID string          `json:"socket_id,omitempty"`
}

// TargetChannels of request, single channel form included.
func (r TriggerRequest) TargetChannels() []string {
	if r.Channel != "" {
		return append([]string{r.Channel}, r.Channels...)
	}
	return r.Channels
}

// Validate request against app limits.
func (n *Node) Validate(r TriggerRequest) error {
	if r.Name == "" {
		return fmt.Errorf("%w: name required", ErrInvalidEvent)
	}
	if len(r.Name) > n.app.MaxEventNameLength {
		return fmt.Errorf("%w: name longer than %d", ErrInvalidEvent, n.app.MaxEventNameLength)
	}
	channels := r.TargetChannels()
	if len(channels) == 0 {
		return fmt.Errorf("%w: channel required", ErrInvalidEvent)
	}
	if len(channels) > n.app.MaxEventChannelsAtOnce {
		return fmt.Errorf("%w: more than %d", ErrTooManyChannels, n.app.MaxEventChannelsAtOnce)
	}
	for _, ch := range channels {
		if err := channel.ValidateName(ch, n.app.MaxChannelNameLength); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidEvent, ch, err)
		}
	}
	if len(r.Data) > n.app.MaxEventPayloadInKb*1024 {
		return fmt.Errorf("%w: more than %d KB", ErrPayloadTooBig, n.app.MaxEventPayloadInKb)
	}
	return nil
}

// Trigger publishes backend event into channels. Connection with SocketID does not
// receive the event.
func (n *Node) Trigger(ctx context.Context, r TriggerRequest) error {
	if err := n.Validate(r); err != nil {
		return err
	}
	data, err := eventData(r.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	for _, ch := range r.TargetChannels() {
		_, err := n.dispatcher.Dispatch(ctx, dispatch.Event{
			Channel:        ch,
			Name:           r.Name,
			Data:           data,
			ExcludedConnID: r.SocketID,
		}, dispatch.FromBackend)
		if err != nil {
			return err
		}
	}
	return nil
}

func eventData(data json.RawMessage) (json.RawMessage, error) {
	if len(data) > 0 && !json.Valid(data) {
		return nil, errors.New("data is not valid JSON")
	}
	return protocol.PayloadBytes(data)
}

// ChannelInfo describes occupied channel.
type ChannelInfo struct {
	Occupied          bool `json:"occupied"`
	SubscriptionCount int  `json:"subscription_count,omitempty"`
	UserCount         int  `json:"user_count,omitempty"`
}

// Channels returns occupied channels with name prefix. User count is only available
// for presence channels and requested with withUserCount.
func (n *Node) Channels(ctx context.Context, prefix string, withUserCount bool) (map[string]ChannelInfo, error) {
	result := map[string]ChannelInfo{}
	for ch, count := range n.registry.Channels() {
		if !strings.HasPrefix(ch, prefix) {
			continue
		}
		info := ChannelInfo{Occupied: true, SubscriptionCount: count}
		if withUserCount && channel.KindOf(ch) == channel.KindPresence {
			members, err := n.Users(ctx, ch)
			if err != nil {
				return nil, err
			}
			info.UserCount = len(members)
		}
		result[ch] = info
	}
	return result, nil
}

// Channel returns info of one channel.
func (n *Node) Channel(ctx context.Context, ch string) (ChannelInfo, error) {
	info := ChannelInfo{SubscriptionCount: n.registry.SubscriptionCount(ch)}
	info.Occupied = info.SubscriptionCount > 0
	if channel.KindOf(ch) == channel.KindPresence {
		members, err := n.Users(ctx, ch)
		if err != nil {
			return ChannelInfo{}, err
		}
		info.UserCount = len(members)
		info.Occupied = info.Occupied || info.UserCount > 0
	}
	return info, nil
}

// Users returns members of presence channel across cluster. On cluster failure local
// members are returned.
func (n *Node) Users(ctx context.Context, ch string) ([]presence.Member, error) {
	if channel.KindOf(ch) != channel.KindPresence {
		return nil, ErrNotPresence
	}
	members, err := n.adapter.QueryPresence(ctx, n.app.ID, ch)
	if err != nil {
		metrics.ClusterPresenceQueryErrors.Inc()
		log.Warn().Err(err).Str("app_id", n.app.ID).Str("channel", ch).Msg("error querying cluster presence, using local")
		return presence.Merge(members, n.LocalPresence(ch)), nil
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members, nil
}

// LocalPresence returns presence members connected to this node.
func (n *Node) LocalPresence(ch string) []presence.Member {
	return n.registry.Ledger().Snapshot(ch)
}

// TerminateUserConnections closes connections of user on every node.
func (n *Node) TerminateUserConnections(ctx context.Context, userID string) int {
	terminated := n.hub.TerminateUserConnections(userID)
	err := n.adapter.Relay(ctx, cluster.Message{
		AppID:  n.app.ID,
		Event:  terminateUserEvent,
		UserID: userID,
	})
	if err != nil {
		metrics.ClusterRelayErrorsTotal.Inc()
		log.Warn().Err(err).Str("app_id", n.app.ID).Str("user", userID).Msg("error relaying terminate to cluster")
	}
	return terminated
}

// HandleMessage delivers message relayed from another node.
func (n *Node) HandleMessage(msg cluster.Message) {
	if msg.Event == terminateUserEvent {
		n.hub.TerminateUserConnections(msg.UserID)
		return
	}
	_, err := n.dispatcher.Dispatch(context.Background(), dispatch.Event{
		Channel:        msg.Channel,
		Name:           msg.Event,
		Data:           msg.Data,
		ExcludedConnID: msg.Except,
		UserID:         msg.UserID,
	}, dispatch.FromCluster)
	if err != nil {
		log.Error().Err(err).Str("app_id", n.app.ID).Str("channel", msg.Channel).Msg("error dispatching cluster message")
	}
}

// Shutdown disconnects all clients.
func (n *Node) Shutdown(ctx context.Context) error {
	return n.hub.Shutdown(ctx)
}
