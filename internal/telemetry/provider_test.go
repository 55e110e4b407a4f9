package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

func TestServiceName(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "")
	require.Equal(t, "soketi", serviceName())
	t.Setenv("OTEL_SERVICE_NAME", "ws-eu")
	require.Equal(t, "ws-eu", serviceName())
}

func TestResourceAttributes(t *testing.T) {
	rs := newResource("ws-eu")
	v, ok := rs.Set().Value(semconv.ServiceNameKey)
	require.True(t, ok)
	require.Equal(t, "ws-eu", v.AsString())
	_, ok = rs.Set().Value(attribute.Key("version"))
	require.True(t, ok)
}

func TestShutdownFuncRun(t *testing.T) {
	called := make(chan struct{})
	f := ShutdownFunc(func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		require.True(t, ok)
		close(called)
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.Run(ctx))
	<-called
}
