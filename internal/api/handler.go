package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ruslanjabari/soketi/internal/apps"
	"github.com/ruslanjabari/soketi/internal/auth"
	"github.com/ruslanjabari/soketi/internal/node"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"
)

// AppSource resolves app node by id from request path.
type AppSource interface {
	ByID(id string) (*node.Node, error)
}

// Config of Handler.
type Config struct {
	// MaxRequestBodySize in bytes, 0 means no limit.
	MaxRequestBodySize int
	// TimestampGrace is allowed auth_timestamp skew, 0 means auth.DefaultTimestampGrace.
	TimestampGrace time.Duration
}

// Handler serves Pusher HTTP API under /apps/{appId}/.
type Handler struct {
	mux    *http.ServeMux
	apps   AppSource
	config Config
	api    *Executor
	now    func() time.Time
}

// appHandlerFunc handles request signed for app n. Returned value is encoded as
// JSON response body.
type appHandlerFunc func(ctx context.Context, r *http.Request, n *node.Node, body []byte) (any, error)

func NewHandler(apps AppSource, c Config) *Handler {
	h := &Handler{
		mux:    http.NewServeMux(),
		apps:   apps,
		config: c,
		api:    NewExecutor(c),
		now:    time.Now,
	}
	h.mux.Handle("POST /apps/{appId}/events", h.signed("events", h.handleEvents))
	h.mux.Handle("POST /apps/{appId}/batch_events", h.signed("batch_events", h.handleBatchEvents))
	h.mux.Handle("GET /apps/{appId}/channels", h.signed("channels", h.handleChannels))
	h.mux.Handle("GET /apps/{appId}/channels/{channel}", h.signed("channel", h.handleChannel))
	h.mux.Handle("GET /apps/{appId}/channels/{channel}/users", h.signed("users", h.handleUsers))
	h.mux.Handle("POST /apps/{appId}/users/{userId}/terminate_connections", h.signed("terminate_connections", h.handleTerminateConnections))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleEvents(ctx context.Context, _ *http.Request, n *node.Node, body []byte) (any, error) {
	var req EventRequest
	if err := decodeJSON(body, &req); err != nil {
		return nil, err
	}
	return h.api.Trigger(ctx, n, req)
}

func (h *Handler) handleBatchEvents(ctx context.Context, _ *http.Request, n *node.Node, body []byte) (any, error) {
	var req BatchRequest
	if err := decodeJSON(body, &req); err != nil {
		return nil, err
	}
	return h.api.Batch(ctx, n, req)
}

func (h *Handler) handleChannels(ctx context.Context, r *http.Request, n *node.Node, _ []byte) (any, error) {
	query := r.URL.Query()
	return h.api.Channels(ctx, n, query.Get("filter_by_prefix"), query.Get("info"))
}

func (h *Handler) handleChannel(ctx context.Context, r *http.Request, n *node.Node, _ []byte) (any, error) {
	return h.api.Channel(ctx, n, r.PathValue("channel"), r.URL.Query().Get("info"))
}

func (h *Handler) handleUsers(ctx context.Context, r *http.Request, n *node.Node, _ []byte) (any, error) {
	return h.api.Users(ctx, n, r.PathValue("channel"))
}

func (h *Handler) handleTerminateConnections(ctx context.Context, r *http.Request, n *node.Node, _ []byte) (any, error) {
	if err := h.api.TerminateUserConnections(ctx, n, r.PathValue("userId")); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// signed resolves app from path, reads limited body and verifies Pusher request
// signature before calling handler.
func (h *Handler) signed(endpoint string, handler appHandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		result, err := h.serveApp(r, handler)
		status := http.StatusOK
		if err != nil {
			var apiErr *Error
			if !errors.As(err, &apiErr) {
				log.Error().Err(err).Str("endpoint", endpoint).Msg("error handling API request")
				apiErr = ErrorInternal
			}
			status = apiErr.Status
			writeJSON(w, status, map[string]string{"error": apiErr.Message})
		} else {
			writeJSON(w, status, result)
		}
		observe(started, endpoint, status)
	})
}

func (h *Handler) serveApp(r *http.Request, handler appHandlerFunc) (any, error) {
	n, err := h.apps.ByID(r.PathValue("appId"))
	if err != nil {
		if errors.Is(err, apps.ErrAppDisabled) {
			return nil, ErrorForbidden
		}
		return nil, ErrorNotFound
	}

	var body []byte
	if r.Body != nil {
		reader := io.Reader(r.Body)
		if h.config.MaxRequestBodySize > 0 {
			reader = io.LimitReader(r.Body, int64(h.config.MaxRequestBodySize)+1)
		}
		body, err = io.ReadAll(reader)
		if err != nil {
			return nil, badRequest("error reading body: %v", err)
		}
		if h.config.MaxRequestBodySize > 0 && len(body) > h.config.MaxRequestBodySize {
			return nil, ErrorTooLarge
		}
	}

	err = n.Validator().VerifyRequest(r.Method, r.URL.Path, r.URL.Query(), body, h.now(), h.config.TimestampGrace)
	if err != nil {
		log.Debug().Err(err).Str("app_id", n.App().ID).Str("path", r.URL.Path).Msg("API request signature rejected")
		if errors.Is(err, auth.ErrTimestamp) {
			return nil, &Error{Status: http.StatusUnauthorized, Message: err.Error()}
		}
		return nil, ErrorUnauthorized
	}
	return handler(r.Context(), r, n, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("error encoding API reply")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
