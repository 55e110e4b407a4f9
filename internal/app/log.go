package app

import (
	"slices"
	"strings"

	"github.com/ruslanjabari/soketi/internal/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// logStartWarnings reports configuration which is valid but most probably
// not what operator wants in production.
func logStartWarnings(cfg config.Config, cfgMeta config.Meta) {
	if len(cfg.Apps) == 0 {
		log.Warn().Msg("no apps configured, all connections will be rejected")
	}
	for _, app := range cfg.Apps {
		if !app.IsEnabled() {
			log.Warn().Str("app_id", app.ID).Msg("app is disabled, connections and API calls will be rejected")
		}
	}
	switch {
	case slices.Contains(cfg.WebSocket.AllowedOrigins, "*"):
		log.Warn().Msg("websocket.allowed_origins contains *, connections from any origin are accepted")
	case len(cfg.WebSocket.AllowedOrigins) == 0:
		log.Warn().Msg("websocket.allowed_origins is empty, browser connections are accepted from same origin only")
	}
	if cfg.Debug.Enabled {
		log.Warn().Str("prefix", cfg.Debug.HandlerPrefix).Msg("debug handlers enabled")
	}
	for _, key := range cfgMeta.UnknownKeys {
		log.Warn().Str("key", key).Msg("unknown key in configuration file")
	}
	for _, key := range cfgMeta.UnknownEnvs {
		log.Warn().Str("var", key).Msg("unknown var in environment")
	}
}

// httpErrorLogWriter routes net/http server errors (TLS handshake failures
// and such) into zerolog.
type httpErrorLogWriter struct {
	zerolog.Logger
}

func (w *httpErrorLogWriter) Write(data []byte) (int, error) {
	w.Logger.Warn().Str("source", "http_server").Msg(strings.TrimSpace(string(data)))
	return len(data), nil
}
