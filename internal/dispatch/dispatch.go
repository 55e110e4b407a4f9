// Package dispatch delivers events to channel subscribers.
package dispatch

import (
	"context"
	"errors"
	"strings"

	"github.com/ruslanjabari/soketi/internal/channel"
	"github.com/ruslanjabari/soketi/internal/cluster"
	"github.com/ruslanjabari/soketi/internal/connection"
	"github.com/ruslanjabari/soketi/internal/logging"
	"github.com/ruslanjabari/soketi/internal/metrics"
	"github.com/ruslanjabari/soketi/internal/protocol"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"
)

var (
	// ErrClientEventNotPermitted returned for client events on channels or apps
	// that do not accept them.
	ErrClientEventNotPermitted = errors.New("client event not permitted")
	// ErrConnectionNotFound returned by Deliverer when connection is already gone.
	ErrConnectionNotFound = errors.New("connection not found")
)

// Origin of event.
type Origin int

const (
	FromClient Origin = iota
	FromBackend
	FromCluster
)

func (o Origin) String() string {
	switch o {
	case FromClient:
		return "client"
	case FromBackend:
		return "backend"
	default:
		return "cluster"
	}
}

// Event to deliver. Data is sent to clients as is.
type Event struct {
	Channel string
	Name    string
	Data    json.RawMessage
	// ExcludedConnID does not receive event, used to avoid echo of client events.
	ExcludedConnID string
	// UserID of presence member who sent client event.
	UserID string
}

// MembersSource provides channel subscribers.
type MembersSource interface {
	MembersOf(channel string) []string
}

// Deliverer sends encoded frames to connections.
type Deliverer interface {
	Deliver(connID string, data []byte) error
	// ScheduleDisconnect tears connection down asynchronously.
	ScheduleDisconnect(connID string, d protocol.Disconnect)
}

// Config of Dispatcher.
type Config struct {
	AppID               string
	ClientEventsEnabled bool
}

// Dispatcher fans events out to local subscribers and relays them to peers.
type Dispatcher struct {
	config    Config
	members   MembersSource
	deliverer Deliverer
	adapter   cluster.Adapter
}

// New creates Dispatcher. adapter may be nil for a single node.
func New(members MembersSource, deliverer Deliverer, adapter cluster.Adapter, config Config) *Dispatcher {
	return &Dispatcher{
		config:    config,
		members:   members,
		deliverer: deliverer,
		adapter:   adapter,
	}
}

// CheckClientEvent verifies client event may be published into channel.
func (d *Dispatcher) CheckClientEvent(e Event) error {
	if !d.config.ClientEventsEnabled {
		return ErrClientEventNotPermitted
	}
	if !channel.AllowsClientEvents(e.Channel) {
		return ErrClientEventNotPermitted
	}
	if !channel.IsClientEvent(e.Name) ||
		strings.HasPrefix(e.Name, protocol.ReservedPrefix) ||
		strings.HasPrefix(e.Name, protocol.ReservedInternalPrefix) {
		return ErrClientEventNotPermitted
	}
	return nil
}

// Dispatch delivers event to every current subscriber of channel except excluded
// connection and returns number of connections event was queued to. Failure to
// deliver to one connection never stops delivery to others. Events not coming from
// cluster are relayed to peers afterwards.
func (d *Dispatcher) Dispatch(ctx context.Context, e Event, origin Origin) (int, error) {
	if origin == FromClient {
		if err := d.CheckClientEvent(e); err != nil {
			return 0, err
		}
	}

	delivered, err := d.deliverLocal(e)
	if err != nil {
		return 0, err
	}

	if origin != FromCluster && d.adapter != nil {
		err := d.adapter.Relay(ctx, cluster.Message{
			AppID:   d.config.AppID,
			Channel: e.Channel,
			Event:   e.Name,
			Data:    e.Data,
			Except:  e.ExcludedConnID,
			UserID:  e.UserID,
		})
		if err != nil {
			metrics.ClusterRelayErrorsTotal.Inc()
			log.Warn().Err(err).Str("app_id", d.config.AppID).Str("channel", e.Channel).Msg("error relaying event to cluster")
		}
	}
	return delivered, nil
}

func (d *Dispatcher) deliverLocal(e Event) (int, error) {
	members := d.members.MembersOf(e.Channel)
	if len(members) == 0 {
		return 0, nil
	}
	data, err := protocol.Frame{
		Event:   e.Name,
		Channel: e.Channel,
		Data:    e.Data,
		UserID:  e.UserID,
	}.Encode()
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, connID := range members {
		if connID == e.ExcludedConnID {
			continue
		}
		err := d.deliverer.Deliver(connID, data)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrConnectionNotFound), errors.Is(err, connection.ErrClosed):
			// Connection is being torn down concurrently, cleanup is in progress.
			if logging.Enabled(zerolog.DebugLevel) {
				log.Debug().Str("client", connID).Str("channel", e.Channel).Msg("skip delivery to closing connection")
			}
		case errors.Is(err, connection.ErrSlowConsumer):
			metrics.SlowConsumerDisconnectsTotal.WithLabelValues(d.config.AppID).Inc()
			log.Info().Str("client", connID).Str("channel", e.Channel).Msg("slow consumer, disconnecting")
			d.deliverer.ScheduleDisconnect(connID, protocol.DisconnectSlow)
		default:
			log.Warn().Err(err).Str("client", connID).Str("channel", e.Channel).Msg("error delivering event")
			d.deliverer.ScheduleDisconnect(connID, protocol.DisconnectWriteError)
		}
	}
	if delivered > 0 {
		metrics.MessagesSentTotal.WithLabelValues(d.config.AppID).Add(float64(delivered))
	}
	return delivered, nil
}
