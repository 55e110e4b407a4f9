package protocol

import "fmt"

// Error is a client-facing error sent as pusher:error. It never closes the connection.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// Frame converts error into pusher:error frame.
func (e *Error) Frame() Frame {
	data, _ := StringData(ErrorData{Message: e.Message, Code: e.Code})
	return Frame{Event: EventError, Data: data}
}

var (
	ErrorBadRequest              = &Error{Code: 4009, Message: "bad request"}
	ErrorClientEventRejected     = &Error{Code: 4301, Message: "client event rejected due to rate limit"}
	ErrorClientEventNotPermitted = &Error{Code: 4301, Message: "client event not permitted"}
	ErrorNotSubscribed           = &Error{Code: 4301, Message: "the client is not subscribed to the channel"}
	ErrorEventTooLarge           = &Error{Code: 4301, Message: "the event payload is too large"}
)

// Disconnect describes the close frame sent to a client.
type Disconnect struct {
	Code   int
	Reason string
}

func (d Disconnect) String() string {
	return fmt.Sprintf("code: %d, reason: %s", d.Code, d.Reason)
}

// Close codes. 4000-4099 mean the client must not reconnect, 4100-4199 mean reconnect
// with backoff, 4200-4299 mean reconnect immediately.
var (
	DisconnectAppNotFound    = Disconnect{Code: 4001, Reason: "app does not exist"}
	DisconnectAppDisabled    = Disconnect{Code: 4003, Reason: "app is disabled"}
	DisconnectOverQuota      = Disconnect{Code: 4004, Reason: "app is over connection quota"}
	DisconnectBadProtocol    = Disconnect{Code: 4007, Reason: "unsupported protocol version"}
	DisconnectUnauthorized   = Disconnect{Code: 4009, Reason: "connection is unauthorized"}
	DisconnectOverCapacity   = Disconnect{Code: 4100, Reason: "over capacity"}
	DisconnectSlow           = Disconnect{Code: 4100, Reason: "slow consumer"}
	DisconnectShutdown       = Disconnect{Code: 4200, Reason: "server is closing"}
	DisconnectPongNotReceive = Disconnect{Code: 4201, Reason: "pong reply not received"}
	DisconnectWriteError     = Disconnect{Code: 4201, Reason: "write error"}
	// DisconnectClientClosed is used when client went away, nothing is written back.
	DisconnectClientClosed = Disconnect{Code: 1000, Reason: "client closed connection"}
)
