package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ruslanjabari/soketi/internal/configtypes"
)

var logLevels = []string{"none", "trace", "debug", "info", "warn", "error", "fatal"}

// Validate validates config and returns error if problems found.
func (c Config) Validate() error {
	if c.HTTP.Port <= 0 {
		return fmt.Errorf("invalid http_server.port: %d", c.HTTP.Port)
	}
	if c.HTTP.TLS.Enabled && c.HTTP.TLSAutocert.Enabled {
		return errors.New("http_server.tls and http_server.tls_autocert can not be enabled together")
	}
	if !slices.Contains(logLevels, strings.ToLower(c.Log.Level)) {
		return fmt.Errorf("unknown log level: %s", c.Log.Level)
	}

	if err := validateApps(c.Apps); err != nil {
		return err
	}

	if err := validateWebSocket(c.WebSocket); err != nil {
		return err
	}

	switch c.Cluster.Type {
	case configtypes.ClusterMemory, configtypes.ClusterNats:
	case configtypes.ClusterRedis:
		if err := c.Cluster.Redis.Validate(); err != nil {
			return fmt.Errorf("cluster redis: %w", err)
		}
	default:
		return fmt.Errorf("unknown cluster type: %s", c.Cluster.Type)
	}
	if c.Cluster.RequestTimeout <= 0 {
		return errors.New("cluster.request_timeout must be positive")
	}
	if c.Cluster.HeartbeatInterval <= 0 {
		return errors.New("cluster.heartbeat_interval must be positive")
	}

	if c.Webhooks.Workers < 1 {
		return errors.New("webhooks.workers must be positive")
	}
	if c.Webhooks.MaxAttempts < 1 {
		return errors.New("webhooks.max_attempts must be positive")
	}

	var consumerNames []string
	for _, consumer := range c.Consumers {
		if slices.Contains(consumerNames, consumer.Name) {
			return fmt.Errorf("invalid consumer name: %s, must be unique", consumer.Name)
		}
		if err := consumer.Validate(); err != nil {
			return err
		}
		if consumer.AppID != "" && !slices.ContainsFunc(c.Apps, func(a configtypes.App) bool { return a.ID == consumer.AppID }) {
			return fmt.Errorf("consumer %s: app %s not found", consumer.Name, consumer.AppID)
		}
		consumerNames = append(consumerNames, consumer.Name)
	}

	return nil
}

func validateApps(apps []configtypes.App) error {
	ids := map[string]struct{}{}
	keys := map[string]struct{}{}
	for i, app := range apps {
		if app.ID == "" {
			return fmt.Errorf("app [%d]: id required", i)
		}
		if app.Key == "" || app.Secret == "" {
			return fmt.Errorf("app %s: key and secret required", app.ID)
		}
		if _, ok := ids[app.ID]; ok {
			return fmt.Errorf("duplicate app id: %s", app.ID)
		}
		if _, ok := keys[app.Key]; ok {
			return fmt.Errorf("duplicate app key: %s", app.Key)
		}
		ids[app.ID] = struct{}{}
		keys[app.Key] = struct{}{}

		if app.MaxConnections < 0 || app.MaxClientEventsPerSecond < 0 || app.MaxPresenceMembersPerChannel < 0 {
			return fmt.Errorf("app %s: limits can not be negative", app.ID)
		}
		if app.MaxChannelNameLength <= 0 || app.MaxEventNameLength <= 0 {
			return fmt.Errorf("app %s: name length limits must be positive", app.ID)
		}
		if app.MaxEventChannelsAtOnce <= 0 || app.MaxEventBatchSize <= 0 || app.MaxEventPayloadInKb <= 0 {
			return fmt.Errorf("app %s: event limits must be positive", app.ID)
		}
		for j, w := range app.Webhooks {
			if err := w.Validate(); err != nil {
				return fmt.Errorf("app %s: webhook [%d]: %w", app.ID, j, err)
			}
		}
	}
	return nil
}

func validateWebSocket(c configtypes.WebSocket) error {
	if !strings.HasPrefix(c.HandlerPrefix, "/") {
		return fmt.Errorf("websocket.handler_prefix must start with /: %s", c.HandlerPrefix)
	}
	if c.ActivityTimeout <= 0 {
		return errors.New("websocket.activity_timeout must be positive")
	}
	if c.PongTimeout <= 0 {
		return errors.New("websocket.pong_timeout must be positive")
	}
	if c.MaxQueueSize <= 0 {
		return errors.New("websocket.max_queue_size must be positive")
	}
	if c.MaxQueueLen < 0 {
		return errors.New("websocket.max_queue_len can not be negative")
	}
	return nil
}
