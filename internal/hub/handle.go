package hub

import (
	"context"
	"errors"

	"github.com/ruslanjabari/soketi/internal/channel"
	"github.com/ruslanjabari/soketi/internal/connection"
	"github.com/ruslanjabari/soketi/internal/dispatch"
	"github.com/ruslanjabari/soketi/internal/logging"
	"github.com/ruslanjabari/soketi/internal/metrics"
	"github.com/ruslanjabari/soketi/internal/presence"
	"github.com/ruslanjabari/soketi/internal/protocol"
	"github.com/ruslanjabari/soketi/internal/registry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"
)

// Subscription error types.
const (
	subscriptionErrorAuth         = "AuthError"
	subscriptionErrorInvalid      = "InvalidChannel"
	subscriptionErrorLimitReached = "LimitReached"
)

// HandleFrame processes one frame received from client. Client facing errors are
// reported to the client and never returned, an error is returned only when the
// frame can not be processed at all.
func (h *Hub) HandleFrame(ctx context.Context, c *connection.Connection, data []byte) error {
	metrics.MessagesReceivedTotal.WithLabelValues(h.config.AppID).Inc()
	f, err := protocol.DecodeFrame(data)
	if err != nil {
		h.sendError(c, protocol.ErrorBadRequest)
		return err
	}
	if logging.Enabled(zerolog.TraceLevel) {
		log.Trace().Str("client", c.ID()).Str("event", f.Event).Str("channel", f.Channel).Msg("frame received")
	}

	switch {
	case f.Event == protocol.EventPing:
		h.send(c, protocol.Frame{Event: protocol.EventPong, Data: json.RawMessage(`{}`)})
	case f.Event == protocol.EventPong:
	case f.Event == protocol.EventSubscribe:
		h.handleSubscribe(ctx, c, f)
	case f.Event == protocol.EventUnsubscribe:
		h.handleUnsubscribe(ctx, c, f)
	case channel.IsClientEvent(f.Event):
		h.handleClientEvent(ctx, c, f)
	default:
		log.Debug().Str("client", c.ID()).Str("event", f.Event).Msg("unsupported event from client")
	}
	return nil
}

func (h *Hub) send(c *connection.Connection, f protocol.Frame) {
	if err := c.SendFrame(f); err != nil && errors.Is(err, connection.ErrSlowConsumer) {
		h.ScheduleDisconnect(c.ID(), protocol.DisconnectSlow)
	}
}

func (h *Hub) sendError(c *connection.Connection, e *protocol.Error) {
	h.send(c, e.Frame())
}

func (h *Hub) subscriptionError(c *connection.Connection, ch string, errType string, message string, status int) {
	metrics.SubscriptionErrorsTotal.WithLabelValues(h.config.AppID, errType).Inc()
	data, _ := json.Marshal(protocol.SubscriptionError{Type: errType, Error: message, Status: status})
	h.send(c, protocol.Frame{Event: protocol.EventSubscriptionError, Channel: ch, Data: data})
}

func (h *Hub) handleSubscribe(ctx context.Context, c *connection.Connection, f protocol.Frame) {
	var req protocol.SubscribeRequest
	if err := json.Unmarshal(protocol.UnwrapData(f.Data), &req); err != nil || req.Channel == "" {
		h.subscriptionError(c, req.Channel, subscriptionErrorInvalid, "invalid subscribe request", 400)
		return
	}
	kind := channel.KindOf(req.Channel)

	var member presence.Member
	if kind == channel.KindPresence {
		var err error
		member, err = registry.ParseChannelData(req.ChannelData)
		if err != nil {
			h.subscriptionError(c, req.Channel, subscriptionErrorInvalid, "invalid channel_data", 400)
			return
		}
		if err := c.CheckIdentity(member.UserID); err != nil {
			h.subscriptionError(c, req.Channel, subscriptionErrorAuth, "user_id differs from the one used by this connection", 401)
			return
		}
	}

	c.Lock()
	if c.State() != connection.StateConnected {
		c.Unlock()
		return
	}
	res, err := h.registry.Subscribe(c.ID(), req.Channel, req.Auth, req.ChannelData)
	if err == nil && res.Status == registry.Succeeded {
		if !c.AddChannel(req.Channel) {
			out := h.registry.Unsubscribe(c.ID(), req.Channel)
			c.Unlock()
			h.afterRollback(ctx, req.Channel, res, out)
			return
		}
		if kind == channel.KindPresence {
			if err := c.SetIdentity(connection.Identity{UserID: member.UserID, UserInfo: member.UserInfo}); err == nil {
				h.addUser(member.UserID, c.ID())
			}
		}
	}
	c.Unlock()

	if err != nil {
		switch {
		case errors.Is(err, registry.ErrPresenceLimit), errors.Is(err, registry.ErrMemberTooLarge):
			h.subscriptionError(c, req.Channel, subscriptionErrorLimitReached, err.Error(), 4100)
		default:
			h.subscriptionError(c, req.Channel, subscriptionErrorInvalid, err.Error(), 400)
		}
		return
	}

	switch res.Status {
	case registry.AuthFailed:
		log.Debug().Str("client", c.ID()).Str("channel", req.Channel).Msg("invalid subscription signature")
		h.subscriptionError(c, req.Channel, subscriptionErrorAuth, "invalid signature", 401)
		return
	case registry.Succeeded:
		metrics.SubscriptionsTotal.WithLabelValues(h.config.AppID, kind.String()).Inc()
		if res.Occupied && h.observer != nil {
			h.observer.ChannelOccupied(req.Channel)
		}
	}

	var snapshot []presence.Member
	if kind == channel.KindPresence {
		snapshot = h.clusterSnapshot(ctx, req.Channel, res.Snapshot)
	}
	h.send(c, protocol.Frame{
		Event:   protocol.EventSubscriptionSucceeded,
		Channel: req.Channel,
		Data:    subscriptionData(kind, snapshot),
	})

	if res.MemberAdded != nil {
		h.memberAdded(ctx, req.Channel, *res.MemberAdded)
	}
}

func subscriptionData(kind channel.Kind, snapshot []presence.Member) json.RawMessage {
	if kind != channel.KindPresence {
		data, _ := protocol.StringData(struct{}{})
		return data
	}
	set := protocol.PresenceSet{
		IDs:   make([]string, 0, len(snapshot)),
		Hash:  make(map[string]json.RawMessage, len(snapshot)),
		Count: len(snapshot),
	}
	for _, m := range snapshot {
		set.IDs = append(set.IDs, m.UserID)
		set.Hash[m.UserID] = m.UserInfo
	}
	data, _ := protocol.StringData(protocol.PresenceData{Presence: set})
	return data
}

// clusterSnapshot merges local presence snapshot with members on other nodes.
// Falls back to local state when peers are not reachable.
func (h *Hub) clusterSnapshot(ctx context.Context, ch string, local []presence.Member) []presence.Member {
	if h.presence == nil {
		return local
	}
	remote, err := h.presence.PeerPresence(ctx, ch)
	if err != nil {
		metrics.ClusterPresenceQueryErrors.Inc()
		log.Warn().Err(err).Str("channel", ch).Msg("error querying cluster presence, using partial state")
	}
	return presence.Merge(local, remote)
}

// presentElsewhere reports whether user is still a member of channel on another node.
func (h *Hub) presentElsewhere(ctx context.Context, ch string, userID string) bool {
	if h.presence == nil {
		return false
	}
	remote, err := h.presence.PeerPresence(ctx, ch)
	if err != nil {
		metrics.ClusterPresenceQueryErrors.Inc()
		log.Warn().Err(err).Str("channel", ch).Msg("error querying cluster presence")
	}
	for _, m := range remote {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

func (h *Hub) memberAdded(ctx context.Context, ch string, m presence.Member) {
	if h.presentElsewhere(ctx, ch, m.UserID) {
		return
	}
	data, err := protocol.StringData(protocol.MemberAdded{UserID: m.UserID, UserInfo: m.UserInfo})
	if err != nil {
		log.Error().Err(err).Str("channel", ch).Msg("error encoding member_added")
		return
	}
	h.dispatchInternal(ctx, ch, protocol.EventMemberAdded, data)
	if h.observer != nil {
		h.observer.MemberAdded(ch, m)
	}
}

func (h *Hub) memberRemoved(ctx context.Context, ch string, m presence.Member) {
	if h.presentElsewhere(ctx, ch, m.UserID) {
		return
	}
	data, err := protocol.StringData(protocol.MemberRemoved{UserID: m.UserID})
	if err != nil {
		log.Error().Err(err).Str("channel", ch).Msg("error encoding member_removed")
		return
	}
	h.dispatchInternal(ctx, ch, protocol.EventMemberRemoved, data)
	if h.observer != nil {
		h.observer.MemberRemoved(ch, m)
	}
}

func (h *Hub) dispatchInternal(ctx context.Context, ch string, event string, data json.RawMessage) {
	if h.dispatcher == nil {
		return
	}
	_, err := h.dispatcher.Dispatch(ctx, dispatch.Event{Channel: ch, Name: event, Data: data}, dispatch.FromBackend)
	if err != nil {
		log.Error().Err(err).Str("channel", ch).Str("event", event).Msg("error dispatching presence event")
	}
}

func (h *Hub) afterUnsubscribe(ctx context.Context, ch string, res registry.UnsubscribeResult) {
	if res.MemberRemoved != nil {
		h.memberRemoved(ctx, ch, *res.MemberRemoved)
	}
	if res.Vacated && h.observer != nil {
		h.observer.ChannelVacated(ch)
	}
}

// afterRollback emits only notifications whose counterpart was not emitted yet.
func (h *Hub) afterRollback(ctx context.Context, ch string, sub registry.Result, out registry.UnsubscribeResult) {
	if out.MemberRemoved != nil && sub.MemberAdded == nil {
		h.memberRemoved(ctx, ch, *out.MemberRemoved)
	}
	if out.Vacated && !sub.Occupied && h.observer != nil {
		h.observer.ChannelVacated(ch)
	}
}

func (h *Hub) handleUnsubscribe(ctx context.Context, c *connection.Connection, f protocol.Frame) {
	var req protocol.UnsubscribeRequest
	if err := json.Unmarshal(protocol.UnwrapData(f.Data), &req); err != nil || req.Channel == "" {
		h.sendError(c, protocol.ErrorBadRequest)
		return
	}
	c.Lock()
	res := h.registry.Unsubscribe(c.ID(), req.Channel)
	c.RemoveChannel(req.Channel)
	c.Unlock()
	h.afterUnsubscribe(ctx, req.Channel, res)
}

func (h *Hub) handleClientEvent(ctx context.Context, c *connection.Connection, f protocol.Frame) {
	if !c.HasChannel(f.Channel) {
		metrics.ClientEventsTotal.WithLabelValues(h.config.AppID, "not_subscribed").Inc()
		h.sendError(c, protocol.ErrorNotSubscribed)
		return
	}
	if h.config.MaxEventPayloadSize > 0 && len(f.Data) > h.config.MaxEventPayloadSize {
		metrics.ClientEventsTotal.WithLabelValues(h.config.AppID, "too_large").Inc()
		h.sendError(c, protocol.ErrorEventTooLarge)
		return
	}
	if !c.AllowClientEvent() {
		metrics.ClientEventsTotal.WithLabelValues(h.config.AppID, "rate_limited").Inc()
		h.sendError(c, protocol.ErrorClientEventRejected)
		return
	}
	var userID string
	if channel.KindOf(f.Channel) == channel.KindPresence {
		if identity, ok := c.Identity(); ok {
			userID = identity.UserID
		}
	}
	_, err := h.dispatcher.Dispatch(ctx, dispatch.Event{
		Channel:        f.Channel,
		Name:           f.Event,
		Data:           f.Data,
		ExcludedConnID: c.ID(),
		UserID:         userID,
	}, dispatch.FromClient)
	if err != nil {
		metrics.ClientEventsTotal.WithLabelValues(h.config.AppID, "rejected").Inc()
		if errors.Is(err, dispatch.ErrClientEventNotPermitted) {
			h.sendError(c, protocol.ErrorClientEventNotPermitted)
			return
		}
		log.Error().Err(err).Str("client", c.ID()).Str("channel", f.Channel).Msg("error dispatching client event")
		return
	}
	metrics.ClientEventsTotal.WithLabelValues(h.config.AppID, "ok").Inc()
	if h.observer != nil {
		h.observer.ClientEvent(f.Channel, f.Event, f.Data, c.ID(), userID)
	}
}
