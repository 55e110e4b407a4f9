package natscluster

import (
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// LogAdapter bridges Nats client callbacks into zerolog.
type LogAdapter struct{}

func (l *LogAdapter) errorHandler(_ *nats.Conn, sub *nats.Subscription, err error) {
	event := log.Error().Err(err)
	if sub != nil {
		event = event.Str("subject", sub.Subject)
	}
	event.Msg("nats error")
}

func (l *LogAdapter) disconnectHandler(_ *nats.Conn, err error) {
	if err == nil {
		log.Debug().Msg("nats disconnected")
		return
	}
	log.Warn().Err(err).Msg("nats disconnected")
}

func (l *LogAdapter) reconnectHandler(nc *nats.Conn) {
	log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
}
