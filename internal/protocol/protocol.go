// Package protocol contains Pusher wire protocol frames and event names.
package protocol

import (
	"github.com/segmentio/encoding/json"
)

// Version of Pusher protocol served.
const Version = 7

// Events sent by server.
const (
	EventConnectionEstablished = "pusher:connection_established"
	EventError                 = "pusher:error"
	EventPing                  = "pusher:ping"
	EventPong                  = "pusher:pong"
	EventSubscriptionError     = "pusher:subscription_error"
	EventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	EventMemberAdded           = "pusher_internal:member_added"
	EventMemberRemoved         = "pusher_internal:member_removed"
	EventSubscribe             = "pusher:subscribe"
	EventUnsubscribe           = "pusher:unsubscribe"
	ReservedPrefix             = "pusher:"
	ReservedInternalPrefix     = "pusher_internal:"
)

// Frame is a single message in both directions.
type Frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
}

// Encode frame to JSON.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFrame decodes inbound client frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// StringData encodes v as JSON and then wraps the result into a JSON string.
// Pusher sends data of server-generated events as a string.
func StringData(v any) (json.RawMessage, error) {
	inner, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(string(inner))
}

// PayloadBytes returns event data as clients publishing through the HTTP API expect it
// to be delivered: a JSON string value is kept as is, any other value is re-encoded
// as a string.
func PayloadBytes(data json.RawMessage) (json.RawMessage, error) {
	if len(data) == 0 {
		return json.RawMessage(`""`), nil
	}
	if data[0] == '"' {
		return data, nil
	}
	return json.Marshal(string(data))
}

// UnwrapData returns raw JSON behind data which may be sent as JSON string
// (pusher-js sends subscribe data as an object, some clients as a string).
func UnwrapData(data json.RawMessage) []byte {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			return []byte(s)
		}
	}
	return data
}

// ConnectionEstablished is the payload of EventConnectionEstablished.
type ConnectionEstablished struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

// SubscribeRequest is data of pusher:subscribe.
type SubscribeRequest struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

// UnsubscribeRequest is data of pusher:unsubscribe.
type UnsubscribeRequest struct {
	Channel string `json:"channel"`
}

// SubscriptionError is data of pusher:subscription_error.
type SubscriptionError struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// PresenceData is the member snapshot sent with subscription_succeeded on presence channels.
type PresenceData struct {
	Presence PresenceSet `json:"presence"`
}

type PresenceSet struct {
	IDs   []string                   `json:"ids"`
	Hash  map[string]json.RawMessage `json:"hash"`
	Count int                        `json:"count"`
}

// MemberAdded is data of pusher_internal:member_added.
type MemberAdded struct {
	UserID   string          `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
}

// MemberRemoved is data of pusher_internal:member_removed.
type MemberRemoved struct {
	UserID string `json:"user_id"`
}

// ChannelData is presence member description sent by client in channel_data.
// user_id can be a number in some client libraries.
type ChannelData struct {
	UserID   json.RawMessage `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
}

// ErrorData is data of pusher:error.
type ErrorData struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}
