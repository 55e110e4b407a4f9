package protocol

import (
	"testing"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
)

func TestStringData(t *testing.T) {
	data, err := StringData(ConnectionEstablished{SocketID: "1.2", ActivityTimeout: 120})
	require.NoError(t, err)
	require.Equal(t, `"{\"socket_id\":\"1.2\",\"activity_timeout\":120}"`, string(data))
}

func TestDecodeFrame(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"event":"pusher:subscribe","data":{"channel":"private-room1","auth":"k:s"}}`))
	require.NoError(t, err)
	require.Equal(t, EventSubscribe, f.Event)
	var req SubscribeRequest
	require.NoError(t, json.Unmarshal(UnwrapData(f.Data), &req))
	require.Equal(t, "private-room1", req.Channel)
	require.Equal(t, "k:s", req.Auth)

	_, err = DecodeFrame([]byte(`{"event":`))
	require.Error(t, err)
}

func TestUnwrapData(t *testing.T) {
	require.Equal(t, `{"a":1}`, string(UnwrapData(json.RawMessage(`"{\"a\":1}"`))))
	require.Equal(t, `{"a":1}`, string(UnwrapData(json.RawMessage(`{"a":1}`))))
}

func TestPayloadBytes(t *testing.T) {
	data, err := PayloadBytes(json.RawMessage(`{"message":"hello"}`))
	require.NoError(t, err)
	require.Equal(t, `"{\"message\":\"hello\"}"`, string(data))

	data, err = PayloadBytes(json.RawMessage(`"hello"`))
	require.NoError(t, err)
	require.Equal(t, `"hello"`, string(data))

	data, err = PayloadBytes(nil)
	require.NoError(t, err)
	require.Equal(t, `""`, string(data))
}

func TestErrorFrame(t *testing.T) {
	f := ErrorClientEventRejected.Frame()
	require.Equal(t, EventError, f.Event)
	var s string
	require.NoError(t, json.Unmarshal(f.Data, &s))
	var data ErrorData
	require.NoError(t, json.Unmarshal([]byte(s), &data))
	require.Equal(t, 4301, data.Code)
}
