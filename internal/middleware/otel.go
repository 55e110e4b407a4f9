package middleware

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// OpenTelemetryHandler starts server span for every request.
type OpenTelemetryHandler struct {
	operation string
	opts      []otelhttp.Option
}

// NewOpenTelemetryHandler creates handler. Spans are named after matched mux
// pattern so app IDs do not explode span cardinality.
func NewOpenTelemetryHandler(operation string, opts []otelhttp.Option) *OpenTelemetryHandler {
	opts = append([]otelhttp.Option{otelhttp.WithSpanNameFormatter(spanName)}, opts...)
	return &OpenTelemetryHandler{operation: operation, opts: opts}
}

func spanName(operation string, r *http.Request) string {
	if r.Pattern != "" {
		return operation + " " + r.Pattern
	}
	return operation + " " + r.Method
}

func (t *OpenTelemetryHandler) Middleware(h http.Handler) http.Handler {
	return otelhttp.NewHandler(h, t.operation, t.opts...)
}
