// Package redisshard builds Redis clients from configuration.
package redisshard

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/redis/rueidis"
)

// RedisShardConfig describes one Redis deployment: standalone, Sentinel or Cluster.
type RedisShardConfig struct {
	// Address is host:port or redis:// URL of standalone server.
	Address string
	// ClusterAddresses are seed addresses of Redis Cluster.
	ClusterAddresses []string
	// SentinelAddresses enable Sentinel mode.
	SentinelAddresses []string

	DB         int
	User       string
	Password   string
	ClientName string
	TLSConfig  *tls.Config
	ForceRESP2 bool

	ConnectTimeout time.Duration
	IOTimeout      time.Duration

	SentinelUser       string
	SentinelPassword   string
	SentinelMasterName string
	SentinelClientName string
	SentinelTLSConfig  *tls.Config
}

// RedisShard wraps rueidis client.
type RedisShard struct {
	config RedisShardConfig
	client rueidis.Client
}

// NewRedisShard creates client, connection is established lazily by rueidis
// on first command when no address answers at start.
func NewRedisShard(config RedisShardConfig) (*RedisShard, error) {
	options, err := clientOptions(config)
	if err != nil {
		return nil, err
	}
	client, err := rueidis.NewClient(options)
	if err != nil {
		return nil, err
	}
	return &RedisShard{config: config, client: client}, nil
}

func clientOptions(config RedisShardConfig) (rueidis.ClientOption, error) {
	var options rueidis.ClientOption
	switch {
	case len(config.SentinelAddresses) > 0:
		options.InitAddress = config.SentinelAddresses
		options.Sentinel = rueidis.SentinelOption{
			MasterSet:  config.SentinelMasterName,
			Username:   config.SentinelUser,
			Password:   config.SentinelPassword,
			ClientName: config.SentinelClientName,
			TLSConfig:  config.SentinelTLSConfig,
		}
	case len(config.ClusterAddresses) > 0:
		options.InitAddress = config.ClusterAddresses
	case config.Address != "":
		if _, _, err := net.SplitHostPort(config.Address); err == nil {
			options.InitAddress = []string{config.Address}
		} else {
			parsed, err := rueidis.ParseURL(config.Address)
			if err != nil {
				return rueidis.ClientOption{}, err
			}
			options = parsed
		}
	default:
		return rueidis.ClientOption{}, errors.New("no Redis address configured")
	}

	if config.DB != 0 {
		options.SelectDB = config.DB
	}
	if config.User != "" {
		options.Username = config.User
	}
	if config.Password != "" {
		options.Password = config.Password
	}
	if config.ClientName != "" {
		options.ClientName = config.ClientName
	}
	if config.TLSConfig != nil {
		options.TLSConfig = config.TLSConfig
	}
	options.AlwaysRESP2 = config.ForceRESP2
	options.DisableCache = true
	if config.ConnectTimeout > 0 {
		options.Dialer.Timeout = config.ConnectTimeout
		options.Sentinel.Dialer.Timeout = config.ConnectTimeout
	}
	if config.IOTimeout > 0 {
		options.ConnWriteTimeout = config.IOTimeout
	}
	return options, nil
}

// RunOp runs operation with shard client.
func (s *RedisShard) RunOp(op func(client rueidis.Client) rueidis.RedisResult) rueidis.RedisResult {
	return op(s.client)
}

// RunMulti runs pipelined operation with shard client.
func (s *RedisShard) RunMulti(op func(client rueidis.Client) []rueidis.RedisResult) []rueidis.RedisResult {
	return op(s.client)
}

// Client returns underlying rueidis client.
func (s *RedisShard) Client() rueidis.Client {
	return s.client
}

// Ping checks Redis is reachable.
func (s *RedisShard) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

// Close closes client.
func (s *RedisShard) Close() {
	s.client.Close()
}
