package middleware

import (
	"net/http"
	"strconv"

	"github.com/ruslanjabari/soketi/internal/metrics"
)

// HTTPServerInstrumentation counts requests per mux pattern. Durations are not
// observed since WebSocket requests live as long as connection.
func HTTPServerInstrumentation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		path := r.Pattern
		if path == "" {
			path = r.URL.Path
		}
		metrics.HTTPRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(sw.Status())).Inc()
	})
}
