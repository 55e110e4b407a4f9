package config

import (
	"testing"
	"time"

	"github.com/ruslanjabari/soketi/internal/configtypes"

	"github.com/stretchr/testify/require"
)

func getConfig(t *testing.T, configFile string) (Config, Meta) {
	t.Helper()
	conf, meta, err := GetConfig(nil, configFile)
	require.NoError(t, err)
	return conf, meta
}

func checkConfig(t *testing.T, conf Config) {
	t.Helper()
	require.Equal(t, "debug", conf.Log.Level)
	require.Equal(t, 6002, conf.HTTP.Port)

	require.Len(t, conf.Apps, 2)
	app := conf.Apps[0]
	require.Equal(t, "app-id", app.ID)
	require.Equal(t, "app-key", app.Key)
	require.True(t, app.IsEnabled())
	require.True(t, app.EnableClientMessages)
	require.Equal(t, 1000, app.MaxConnections)
	// Defaults are applied to apps.
	require.Equal(t, 100, app.MaxPresenceMembersPerChannel)
	require.Equal(t, 200, app.MaxChannelNameLength)
	require.Equal(t, 10, app.MaxEventBatchSize)
	require.Len(t, app.Webhooks, 1)
	require.Equal(t, []string{configtypes.WebhookChannelOccupied, configtypes.WebhookChannelVacated}, app.Webhooks[0].EventTypes)
	require.Len(t, app.Webhooks[0].Headers, 1)
	require.Equal(t, "private-", app.Webhooks[0].Filter.ChannelNameStartsWith)
	require.False(t, conf.Apps[1].IsEnabled())

	require.Equal(t, 60*time.Second, conf.WebSocket.ActivityTimeout.ToDuration())
	require.Equal(t, 30*time.Second, conf.WebSocket.PongTimeout.ToDuration())
	require.Equal(t, []string{"http://localhost:3000"}, conf.WebSocket.AllowedOrigins)

	require.Equal(t, configtypes.ClusterNats, conf.Cluster.Type)
	require.Equal(t, "nats://nats:4222", conf.Cluster.Nats.URL)

	require.Len(t, conf.Consumers, 1)
	require.Equal(t, configtypes.ConsumerTypeKafka, conf.Consumers[0].Type)
	require.True(t, conf.Consumers[0].Kafka.TLS.Enabled)
	require.Equal(t, 100, conf.Consumers[0].Kafka.MaxPollRecords)
	require.Equal(t, 16, conf.Consumers[0].Kafka.PartitionBufferSize)

	require.NoError(t, conf.Validate())
}

func TestConfigJSON(t *testing.T) {
	conf, meta := getConfig(t, "testdata/config.json")
	checkConfig(t, conf)
	require.Len(t, meta.UnknownKeys, 0)
	require.Len(t, meta.UnknownEnvs, 0)
}

func TestConfigYAML(t *testing.T) {
	conf, _ := getConfig(t, "testdata/config.yaml")
	checkConfig(t, conf)
}

func TestConfigTOML(t *testing.T) {
	conf, _ := getConfig(t, "testdata/config.toml")
	checkConfig(t, conf)
}

func TestConfigFileNotFound(t *testing.T) {
	_, meta := getConfig(t, "testdata/not_exists.json")
	require.True(t, meta.FileNotFound)
}

func TestDefaultConfig(t *testing.T) {
	conf := DefaultConfig()
	require.Equal(t, 6001, conf.HTTP.Port)
	require.Equal(t, "info", conf.Log.Level)
	require.Equal(t, configtypes.ClusterMemory, conf.Cluster.Type)
	require.Equal(t, "/app/", conf.WebSocket.HandlerPrefix)
	require.Equal(t, 1048576, conf.WebSocket.MaxQueueSize)
	require.Equal(t, 5*time.Second, conf.Cluster.RequestTimeout.ToDuration())
	require.Equal(t, 3, conf.Webhooks.MaxAttempts)
	require.Equal(t, "redis://127.0.0.1:6379", conf.Cluster.Redis.Address)
	require.Empty(t, conf.Apps)
	require.NoError(t, conf.Validate())
}

func TestConfigEnvVars(t *testing.T) {
	t.Setenv("SOKETI_WEBSOCKET_ALLOWED_ORIGINS", "*,http://localhost:4000")
	t.Setenv("SOKETI_CLUSTER_NATS_URL", "nats://env:4222")
	t.Setenv("SOKETI_WEBSOCKET_MAX_QUEUE_LEN", "64")
	t.Setenv("SOKETI_UNKNOWN_ENV", "1")
	t.Setenv("SOKETI_VAR_WEBHOOK_TOKEN", "secret")
	t.Setenv("SOKETI_APPS", `[{"id": "env", "key": "env-key", "secret": "env-secret", "max_connections": 5}]`)

	conf, meta := getConfig(t, "testdata/config.json")
	require.Equal(t, []string{"*", "http://localhost:4000"}, conf.WebSocket.AllowedOrigins)
	require.Equal(t, "nats://env:4222", conf.Cluster.Nats.URL)
	require.Equal(t, 64, conf.WebSocket.MaxQueueLen)
	require.Len(t, conf.Apps, 1)
	require.Equal(t, "env", conf.Apps[0].ID)
	require.Equal(t, 5, conf.Apps[0].MaxConnections)
	require.Equal(t, 100, conf.Apps[0].MaxEventChannelsAtOnce)
	require.Equal(t, []string{"SOKETI_UNKNOWN_ENV"}, meta.UnknownEnvs)
	require.Equal(t, "cluster.nats.url", meta.KnownEnvVars["SOKETI_CLUSTER_NATS_URL"])
}

func TestFindUnknownKeys(t *testing.T) {
	data := map[string]any{
		"log":     map[string]any{"level": "info", "colors": true},
		"unknown": 1,
		"apps": []any{
			map[string]any{"id": "1", "extra": "x"},
		},
		"consumers": []any{
			map[string]any{"name": "redis", "redis_stream": map[string]any{"address": "redis://localhost", "streams": []any{"s"}, "bad": 1}},
		},
	}
	unknown := findUnknownKeys(data, &Config{}, "")
	require.ElementsMatch(t, []string{"log.colors", "unknown", "apps.[0].extra", "consumers.[0].redis_stream.bad"}, unknown)
}

func TestIsKubernetesEnvVar(t *testing.T) {
	require.True(t, isKubernetesEnvVar("SOKETI_PORT"))
	require.True(t, isKubernetesEnvVar("SOKETI_SERVICE_HOST"))
	require.True(t, isKubernetesEnvVar("SOKETI_WS_PORT_6001_TCP"))
	require.False(t, isKubernetesEnvVar("SOKETI_HTTP_SERVER_PORT"))
}
