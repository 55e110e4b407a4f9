// Package natscluster implements cluster bus on top of Nats messaging system.
package natscluster

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ruslanjabari/soketi/internal/cluster"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Config of Bus.
type Config struct {
	URL         string
	Prefix      string
	DialTimeout time.Duration
	TLS         *tls.Config
}

// Bus publishes cluster envelopes into one Nats subject.
type Bus struct {
	config Config

	mu  sync.Mutex
	nc  *nats.Conn
	sub *nats.Subscription
}

var _ cluster.Bus = (*Bus)(nil)

// New connects to Nats.
func New(config Config) (*Bus, error) {
	if config.URL == "" {
		config.URL = nats.DefaultURL
	}
	if config.Prefix == "" {
		config.Prefix = "soketi"
	}
	logger := &LogAdapter{}
	opts := []nats.Option{
		nats.Name("soketi"),
		nats.ReconnectBufSize(-1),
		nats.MaxReconnects(math.MaxInt32),
		nats.ErrorHandler(logger.errorHandler),
		nats.DisconnectErrHandler(logger.disconnectHandler),
		nats.ReconnectHandler(logger.reconnectHandler),
	}
	if config.DialTimeout > 0 {
		opts = append(opts, nats.Timeout(config.DialTimeout))
	}
	if config.TLS != nil {
		opts = append(opts, nats.Secure(config.TLS))
	}
	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("error connecting to Nats: %w", err)
	}
	log.Info().Str("url", config.URL).Msg("nats cluster bus connected")
	return &Bus{config: config, nc: nc}, nil
}

func (b *Bus) subject() string {
	return b.config.Prefix + ".cluster"
}

// Subscribe to cluster subject. Subscription is flushed to server before return
// so messages published by peers afterwards are not missed.
func (b *Bus) Subscribe(handler func(data []byte)) error {
	sub, err := b.nc.Subscribe(b.subject(), func(m *nats.Msg) {
		handler(m.Data)
	})
	if err != nil {
		return err
	}
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return err
	}
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()
	return nil
}

// Publish message to every node.
func (b *Bus) Publish(_ context.Context, data []byte) error {
	return b.nc.Publish(b.subject(), data)
}

// Close drains subscription and closes connection.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	sub := b.sub
	b.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = b.nc.FlushTimeout(time.Until(deadline))
	}
	b.nc.Close()
	return nil
}
