package api

import (
	"strconv"
	"time"

	"github.com/ruslanjabari/soketi/internal/metrics"
)

func observe(started time.Time, endpoint string, status int) {
	metrics.APIRequestDurationHistogram.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())
	metrics.APIRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}
