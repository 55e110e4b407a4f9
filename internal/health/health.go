// Package health serves liveness and readiness endpoints.
package health

import (
	"net/http"
)

// Config of health check handler.
type Config struct{}

// Handler handles health endpoint. It answers {} while process is able to serve HTTP.
type Handler struct {
	config Config
}

// NewHandler creates new Handler.
func NewHandler(c Config) *Handler {
	return &Handler{config: c}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{}`))
}

// Lifecycle reports whether broker stopped accepting connections.
type Lifecycle interface {
	ShuttingDown() bool
}

// ReadyHandler answers 503 once shutdown started so load balancers stop routing
// new clients to node.
type ReadyHandler struct {
	lifecycle Lifecycle
}

func NewReadyHandler(l Lifecycle) *ReadyHandler {
	return &ReadyHandler{lifecycle: l}
}

func (h *ReadyHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.lifecycle.ShuttingDown() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"shutting down"}`))
		return
	}
	_, _ = w.Write([]byte(`{}`))
}
