// Package websocket serves Pusher protocol clients over WebSocket.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ruslanjabari/soketi/internal/apps"
	"github.com/ruslanjabari/soketi/internal/connection"
	"github.com/ruslanjabari/soketi/internal/hub"
	"github.com/ruslanjabari/soketi/internal/node"
	"github.com/ruslanjabari/soketi/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"
)

// Supported Pusher protocol versions.
const (
	minProtocolVersion = 5
	maxProtocolVersion = 7
)

// AppSource resolves app node by key from connection URL.
type AppSource interface {
	ByKey(key string) (*node.Node, error)
}

// Config of Handler.
type Config struct {
	// HandlerPrefix is stripped from request path to get app key.
	HandlerPrefix string
	// ActivityTimeout of silence after which server sends pusher:ping.
	ActivityTimeout time.Duration
	// PongTimeout to wait for any frame after server ping.
	PongTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadBufferSize     int
	WriteBufferSize    int
	UseWriteBufferPool bool
	MessageSizeLimit   int
	Compression        bool
	// CheckOrigin of handshake, nil allows all origins.
	CheckOrigin func(r *http.Request) bool
}

// Handler upgrades connections at /app/{key} and runs read loop of each client.
type Handler struct {
	apps     AppSource
	config   Config
	upgrader websocket.Upgrader
	closing  atomic.Bool
}

func NewHandler(apps AppSource, config Config) *Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:    config.ReadBufferSize,
		WriteBufferSize:   config.WriteBufferSize,
		EnableCompression: config.Compression,
		CheckOrigin:       config.CheckOrigin,
	}
	if upgrader.CheckOrigin == nil {
		upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}
	if config.UseWriteBufferPool {
		upgrader.WriteBufferPool = &sync.Pool{}
	}
	return &Handler{
		apps:     apps,
		config:   config,
		upgrader: upgrader,
	}
}

// Shutdown makes handler close new connections with 4200.
func (h *Handler) Shutdown() {
	h.closing.Store(true)
}

func protocolSupported(r *http.Request) bool {
	v := r.URL.Query().Get("protocol")
	if v == "" {
		return true
	}
	version, err := strconv.Atoi(v)
	return err == nil && version >= minProtocolVersion && version <= maxProtocolVersion
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade error")
		return
	}
	if h.config.MessageSizeLimit > 0 {
		conn.SetReadLimit(int64(h.config.MessageSizeLimit))
	}
	tr := newTransport(conn, h.config.WriteTimeout)

	if h.closing.Load() {
		_ = tr.Close(protocol.DisconnectShutdown)
		return
	}
	if !protocolSupported(r) {
		_ = tr.Close(protocol.DisconnectBadProtocol)
		return
	}

	key := strings.Trim(strings.TrimPrefix(r.URL.Path, h.config.HandlerPrefix), "/")
	n, err := h.apps.ByKey(key)
	if err != nil {
		d := protocol.DisconnectAppNotFound
		if errors.Is(err, apps.ErrAppDisabled) {
			d = protocol.DisconnectAppDisabled
		}
		log.Debug().Str("key", key).Err(err).Msg("rejecting connection")
		_ = tr.Close(d)
		return
	}

	c, err := n.Connect(tr)
	if err != nil {
		d := protocol.DisconnectOverCapacity
		if errors.Is(err, hub.ErrOverQuota) {
			d = protocol.DisconnectOverQuota
		}
		_ = tr.Close(d)
		return
	}

	var lastRead atomic.Int64
	lastRead.Store(time.Now().UnixNano())
	go h.watchActivity(n, c, tr, &lastRead)

	ctx := context.WithoutCancel(r.Context())
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		lastRead.Store(time.Now().UnixNano())
		if err := n.HandleFrame(ctx, c, data); err != nil {
			log.Debug().Err(err).Str("client", c.ID()).Msg("error handling frame")
		}
	}
	n.Disconnect(c.ID(), protocol.DisconnectClientClosed)
}

var pingFrame = protocol.Frame{Event: protocol.EventPing, Data: json.RawMessage(`{}`)}

// watchActivity pings client silent for ActivityTimeout and closes it with 4201
// when nothing is read within PongTimeout after ping.
func (h *Handler) watchActivity(n *node.Node, c *connection.Connection, tr *transport, lastRead *atomic.Int64) {
	if h.config.ActivityTimeout <= 0 {
		return
	}
	wait := func(d time.Duration) bool {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return true
		case <-tr.done():
			return false
		}
	}
	for {
		idle := time.Since(time.Unix(0, lastRead.Load()))
		if idle < h.config.ActivityTimeout {
			if !wait(h.config.ActivityTimeout - idle) {
				return
			}
			continue
		}
		pingAt := time.Now().UnixNano()
		if err := c.SendFrame(pingFrame); err != nil {
			return
		}
		if !wait(h.config.PongTimeout) {
			return
		}
		if lastRead.Load() < pingAt {
			n.Disconnect(c.ID(), protocol.DisconnectPongNotReceive)
			return
		}
	}
}
