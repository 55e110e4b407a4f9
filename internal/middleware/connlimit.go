package middleware

import (
	"net/http"

	"github.com/ruslanjabari/soketi/internal/metrics"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ConnectionCounter returns number of clients connected to node.
type ConnectionCounter interface {
	NumConnections() int
}

// ConnLimit rejects WebSocket handshakes with 503 when node connection limit reached
// or connection rate exceeded.
type ConnLimit struct {
	counter   ConnectionCounter
	limit     int
	rateLimit *rate.Limiter
}

// NewConnLimit creates ConnLimit. Zero limit and zero ratePerSecond disable
// corresponding check.
func NewConnLimit(counter ConnectionCounter, limit int, ratePerSecond int) *ConnLimit {
	l := &ConnLimit{counter: counter, limit: limit}
	if ratePerSecond > 0 {
		l.rateLimit = rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond)
	}
	return l
}

func (l *ConnLimit) Middleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.limit > 0 && l.counter.NumConnections() >= l.limit {
			metrics.ConnLimitReached.Inc()
			log.Warn().Int("limit", l.limit).Msg("node connection limit reached")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if l.rateLimit != nil && !l.rateLimit.Allow() {
			metrics.ConnLimitReached.Inc()
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		h.ServeHTTP(w, r)
	})
}
