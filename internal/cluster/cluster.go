// Package cluster relays events and presence queries between broker nodes.
package cluster

import (
	"context"

	"github.com/ruslanjabari/soketi/internal/presence"

	"github.com/segmentio/encoding/json"
)

// Message is an event already delivered on origin node and relayed to peers.
type Message struct {
	NodeID  string          `json:"node_id"`
	AppID   string          `json:"app_id"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
	Except  string          `json:"except,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
}

// Handler is implemented by the local node.
type Handler interface {
	// HandleMessage delivers relayed message to local subscribers only.
	// Messages are handled one at a time in relay order.
	HandleMessage(msg Message)
	// LocalPresence returns presence members known to this node.
	LocalPresence(appID string, channel string) []presence.Member
}

// Adapter extends event delivery and presence to multiple nodes.
type Adapter interface {
	// Run registers handler for messages coming from peers and starts adapter.
	Run(h Handler) error
	// Relay publishes locally delivered message for peers.
	Relay(ctx context.Context, msg Message) error
	// QueryPresence returns presence members across all nodes, local included.
	QueryPresence(ctx context.Context, appID string, channel string) ([]presence.Member, error)
	// PeerPresence returns presence members known to other nodes only.
	PeerPresence(ctx context.Context, appID string, channel string) ([]presence.Member, error)
	// Close stops adapter.
	Close(ctx context.Context) error
}
