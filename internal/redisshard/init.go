package redisshard

import (
	"fmt"
	"net"

	"github.com/ruslanjabari/soketi/internal/configtypes"
)

// BuildRedisShard creates shard from Redis section of configuration.
func BuildRedisShard(redisConf configtypes.Redis, entity string) (*RedisShard, error) {
	conf, err := getRedisShardConfig(redisConf, entity)
	if err != nil {
		return nil, err
	}
	return NewRedisShard(conf)
}

func getRedisShardConfig(redisConf configtypes.Redis, entity string) (RedisShardConfig, error) {
	conf := RedisShardConfig{
		DB:             redisConf.DB,
		User:           redisConf.User,
		Password:       redisConf.Password,
		ClientName:     redisConf.ClientName,
		ForceRESP2:     redisConf.ForceResp2,
		ConnectTimeout: redisConf.ConnectTimeout.ToDuration(),
		IOTimeout:      redisConf.IOTimeout.ToDuration(),
	}
	if redisConf.TLS.Enabled {
		tlsConfig, err := redisConf.TLS.ToGoTLSConfig(entity)
		if err != nil {
			return RedisShardConfig{}, fmt.Errorf("error creating Redis TLS config: %w", err)
		}
		conf.TLSConfig = tlsConfig
	}

	if len(redisConf.SentinelAddress) > 0 {
		if err := checkAddresses(redisConf.SentinelAddress, "Sentinel"); err != nil {
			return RedisShardConfig{}, err
		}
		if redisConf.SentinelMasterName == "" {
			return RedisShardConfig{}, fmt.Errorf("master name must be set when using Redis Sentinel")
		}
		conf.SentinelAddresses = redisConf.SentinelAddress
		conf.SentinelUser = redisConf.SentinelUser
		conf.SentinelPassword = redisConf.SentinelPassword
		conf.SentinelMasterName = redisConf.SentinelMasterName
		conf.SentinelClientName = redisConf.SentinelClientName
		if redisConf.SentinelTLS.Enabled {
			tlsConfig, err := redisConf.SentinelTLS.ToGoTLSConfig(entity + "_sentinel")
			if err != nil {
				return RedisShardConfig{}, fmt.Errorf("error creating Redis Sentinel TLS config: %w", err)
			}
			conf.SentinelTLSConfig = tlsConfig
		}
		return conf, nil
	}

	if len(redisConf.ClusterAddress) > 0 {
		if err := checkAddresses(redisConf.ClusterAddress, "Cluster"); err != nil {
			return RedisShardConfig{}, err
		}
		conf.ClusterAddresses = redisConf.ClusterAddress
		return conf, nil
	}

	if redisConf.Address == "" {
		return RedisShardConfig{}, fmt.Errorf("no Redis address configured")
	}
	conf.Address = redisConf.Address
	return conf, nil
}

func checkAddresses(addresses []string, kind string) error {
	for _, address := range addresses {
		if _, _, err := net.SplitHostPort(address); err != nil {
			return fmt.Errorf("malformed Redis %s address: %s", kind, address)
		}
	}
	return nil
}
