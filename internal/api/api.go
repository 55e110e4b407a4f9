// Package api implements Pusher compatible HTTP API of an app.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ruslanjabari/soketi/internal/channel"
	"github.com/ruslanjabari/soketi/internal/node"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"
)

// Error is returned to API client with HTTP status.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func badRequest(format string, args ...any) *Error {
	return &Error{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrorUnauthorized = &Error{Status: http.StatusUnauthorized, Message: "unauthorized"}
	ErrorNotFound     = &Error{Status: http.StatusNotFound, Message: "app not found"}
	ErrorForbidden    = &Error{Status: http.StatusForbidden, Message: "app is disabled"}
	ErrorTooLarge     = &Error{Status: http.StatusRequestEntityTooLarge, Message: "request too large"}
	ErrorInternal     = &Error{Status: http.StatusInternalServerError, Message: "internal server error"}
)

// triggerError maps node errors to API errors.
func triggerError(err error) error {
	switch {
	case errors.Is(err, node.ErrPayloadTooBig):
		return &Error{Status: http.StatusRequestEntityTooLarge, Message: err.Error()}
	case errors.Is(err, node.ErrInvalidEvent), errors.Is(err, node.ErrTooManyChannels), errors.Is(err, node.ErrNotPresence):
		return badRequest("%s", err.Error())
	default:
		return err
	}
}

// EventRequest of events endpoint and of batch element.
type EventRequest struct {
	node.TriggerRequest
	// Info is comma separated list of channel attributes to return.
	Info string `json:"info,omitempty"`
}

// BatchRequest of batch_events endpoint.
type BatchRequest struct {
	Batch []EventRequest `json:"batch"`
}

// ChannelAttributes returned by channel endpoints.
type ChannelAttributes struct {
	Occupied          *bool `json:"occupied,omitempty"`
	SubscriptionCount *int  `json:"subscription_count,omitempty"`
	UserCount         *int  `json:"user_count,omitempty"`
}

// EventResponse contains attributes of channels when requested with info.
type EventResponse struct {
	Channels map[string]ChannelAttributes `json:"channels,omitempty"`
}

// BatchResponse contains one element per batch event when info requested.
type BatchResponse struct {
	Batch []ChannelAttributes `json:"batch,omitempty"`
}

type ChannelsResponse struct {
	Channels map[string]ChannelAttributes `json:"channels"`
}

type User struct {
	ID string `json:"id"`
}

type UsersResponse struct {
	Users []User `json:"users"`
}

type infoFields struct {
	subscriptionCount bool
	userCount         bool
}

func parseInfo(info string) infoFields {
	var fields infoFields
	for _, f := range strings.Split(info, ",") {
		switch strings.TrimSpace(f) {
		case "subscription_count":
			fields.subscriptionCount = true
		case "user_count":
			fields.userCount = true
		}
	}
	return fields
}

// Executor runs API methods against app node.
type Executor struct {
	config Config
}

func NewExecutor(config Config) *Executor {
	return &Executor{config: config}
}

func (e *Executor) channelAttributes(ctx context.Context, n *node.Node, ch string, fields infoFields, occupied bool) (ChannelAttributes, error) {
	info, err := n.Channel(ctx, ch)
	if err != nil {
		return ChannelAttributes{}, err
	}
	var attrs ChannelAttributes
	if occupied {
		attrs.Occupied = &info.Occupied
	}
	if fields.subscriptionCount {
		attrs.SubscriptionCount = &info.SubscriptionCount
	}
	if fields.userCount && channel.KindOf(ch) == channel.KindPresence {
		attrs.UserCount = &info.UserCount
	}
	return attrs, nil
}

// Trigger publishes event into one or more channels.
func (e *Executor) Trigger(ctx context.Context, n *node.Node, req EventRequest) (*EventResponse, error) {
	if err := n.Trigger(ctx, req.TriggerRequest); err != nil {
		return nil, triggerError(err)
	}
	resp := &EventResponse{}
	if req.Info == "" {
		return resp, nil
	}
	fields := parseInfo(req.Info)
	resp.Channels = make(map[string]ChannelAttributes)
	for _, ch := range req.TargetChannels() {
		attrs, err := e.channelAttributes(ctx, n, ch, fields, false)
		if err != nil {
			return nil, err
		}
		resp.Channels[ch] = attrs
	}
	return resp, nil
}

// Batch validates all events first, then publishes them in order.
func (e *Executor) Batch(ctx context.Context, n *node.Node, req BatchRequest) (*BatchResponse, error) {
	if len(req.Batch) == 0 {
		return nil, badRequest("batch required")
	}
	if maxSize := n.App().MaxEventBatchSize; maxSize > 0 && len(req.Batch) > maxSize {
		return nil, badRequest("batch size exceeds %d", maxSize)
	}
	withInfo := false
	for i, event := range req.Batch {
		if err := n.Validate(event.TriggerRequest); err != nil {
			log.Debug().Err(err).Int("index", i).Str("app_id", n.App().ID).Msg("invalid batch event")
			return nil, triggerError(err)
		}
		if event.Info != "" {
			withInfo = true
		}
	}
	resp := &BatchResponse{}
	if withInfo {
		resp.Batch = make([]ChannelAttributes, 0, len(req.Batch))
	}
	for _, event := range req.Batch {
		if err := n.Trigger(ctx, event.TriggerRequest); err != nil {
			return nil, triggerError(err)
		}
		if !withInfo {
			continue
		}
		var attrs ChannelAttributes
		if event.Info != "" {
			var err error
			attrs, err = e.channelAttributes(ctx, n, event.TargetChannels()[0], parseInfo(event.Info), false)
			if err != nil {
				return nil, err
			}
		}
		resp.Batch = append(resp.Batch, attrs)
	}
	return resp, nil
}

// Channels lists occupied channels with prefix. user_count may only be requested
// for presence channels.
func (e *Executor) Channels(ctx context.Context, n *node.Node, prefix string, info string) (*ChannelsResponse, error) {
	fields := parseInfo(info)
	if fields.userCount && !strings.HasPrefix(prefix, channel.PresencePrefix) {
		return nil, badRequest("user_count may only be requested for presence channels")
	}
	channels, err := n.Channels(ctx, prefix, fields.userCount)
	if err != nil {
		return nil, err
	}
	resp := &ChannelsResponse{Channels: make(map[string]ChannelAttributes, len(channels))}
	for ch, chInfo := range channels {
		var attrs ChannelAttributes
		if fields.userCount {
			userCount := chInfo.UserCount
			attrs.UserCount = &userCount
		}
		resp.Channels[ch] = attrs
	}
	return resp, nil
}

// Channel returns attributes of one channel.
func (e *Executor) Channel(ctx context.Context, n *node.Node, ch string, info string) (*ChannelAttributes, error) {
	if err := channel.ValidateName(ch, n.App().MaxChannelNameLength); err != nil {
		return nil, badRequest("invalid channel: %v", err)
	}
	fields := parseInfo(info)
	if fields.userCount && channel.KindOf(ch) != channel.KindPresence {
		return nil, badRequest("user_count may only be requested for presence channels")
	}
	attrs, err := e.channelAttributes(ctx, n, ch, fields, true)
	if err != nil {
		return nil, err
	}
	return &attrs, nil
}

// Users returns users of presence channel.
func (e *Executor) Users(ctx context.Context, n *node.Node, ch string) (*UsersResponse, error) {
	if err := channel.ValidateName(ch, n.App().MaxChannelNameLength); err != nil {
		return nil, badRequest("invalid channel: %v", err)
	}
	members, err := n.Users(ctx, ch)
	if err != nil {
		return nil, triggerError(err)
	}
	resp := &UsersResponse{Users: make([]User, 0, len(members))}
	for _, m := range members {
		resp.Users = append(resp.Users, User{ID: m.UserID})
	}
	return resp, nil
}

// TerminateUserConnections closes connections of user across cluster.
func (e *Executor) TerminateUserConnections(ctx context.Context, n *node.Node, userID string) error {
	if userID == "" {
		return badRequest("user id required")
	}
	terminated := n.TerminateUserConnections(ctx, userID)
	log.Debug().Str("app_id", n.App().ID).Str("user", userID).Int("local", terminated).Msg("terminated user connections")
	return nil
}

func decodeJSON(body []byte, v any) error {
	if len(body) == 0 {
		return badRequest("empty body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return badRequest("malformed JSON: %v", err)
	}
	return nil
}
