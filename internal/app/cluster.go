package app

import (
	"fmt"
	"strings"

	"github.com/ruslanjabari/soketi/internal/cluster"
	"github.com/ruslanjabari/soketi/internal/config"
	"github.com/ruslanjabari/soketi/internal/configtypes"
	"github.com/ruslanjabari/soketi/internal/natscluster"
	"github.com/ruslanjabari/soketi/internal/rediscluster"
	"github.com/ruslanjabari/soketi/internal/redisshard"
	"github.com/ruslanjabari/soketi/internal/tools"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// clusterAdapter builds adapter of configured type and returns node id used in it.
func clusterAdapter(cfg config.Config) (cluster.Adapter, string, error) {
	nodeID := cfg.Cluster.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	horizontalConfig := cluster.HorizontalConfig{
		NodeID:            nodeID,
		RequestTimeout:    cfg.Cluster.RequestTimeout.ToDuration(),
		HeartbeatInterval: cfg.Cluster.HeartbeatInterval.ToDuration(),
	}
	switch cfg.Cluster.Type {
	case "", configtypes.ClusterMemory:
		return cluster.NewMemoryAdapter(), nodeID, nil
	case configtypes.ClusterNats:
		tlsConfig, err := cfg.Cluster.Nats.TLS.ToGoTLSConfig("cluster.nats")
		if err != nil {
			return nil, "", err
		}
		bus, err := natscluster.New(natscluster.Config{
			URL:         cfg.Cluster.Nats.URL,
			Prefix:      cfg.Cluster.Prefix,
			DialTimeout: cfg.Cluster.Nats.DialTimeout.ToDuration(),
			TLS:         tlsConfig,
		})
		if err != nil {
			return nil, "", err
		}
		return cluster.NewHorizontal(bus, horizontalConfig), nodeID, nil
	case configtypes.ClusterRedis:
		shard, err := redisshard.BuildRedisShard(cfg.Cluster.Redis, "cluster")
		if err != nil {
			return nil, "", fmt.Errorf("error connecting to Redis: %w", err)
		}
		bus := rediscluster.New(shard, rediscluster.Config{Prefix: cfg.Cluster.Prefix})
		return cluster.NewHorizontal(bus, horizontalConfig), nodeID, nil
	default:
		return nil, "", fmt.Errorf("unknown cluster type: %s", cfg.Cluster.Type)
	}
}

func clusterAddress(cfg config.Config) string {
	switch cfg.Cluster.Type {
	case configtypes.ClusterNats:
		return tools.RedactedLogURLs(cfg.Cluster.Nats.URL)
	case configtypes.ClusterRedis:
		if len(cfg.Cluster.Redis.ClusterAddress) > 0 {
			return tools.RedactedLogURLs(strings.Join(cfg.Cluster.Redis.ClusterAddress, ","))
		}
		if len(cfg.Cluster.Redis.SentinelAddress) > 0 {
			return tools.RedactedLogURLs(strings.Join(cfg.Cluster.Redis.SentinelAddress, ","))
		}
		return tools.RedactedLogURL(cfg.Cluster.Redis.Address)
	}
	return ""
}

// mustClusterAdapter falls back to memory adapter when cluster backend is not
// reachable, node then works standalone.
func mustClusterAdapter(cfg config.Config) (cluster.Adapter, string) {
	adapter, nodeID, err := clusterAdapter(cfg)
	if err == nil {
		log.Info().Str("cluster_type", cfg.Cluster.Type).Str("node_id", nodeID).Str("address", clusterAddress(cfg)).Msg("cluster adapter initialized")
		return adapter, nodeID
	}
	if cfg.Cluster.Type != configtypes.ClusterNats && cfg.Cluster.Type != configtypes.ClusterRedis {
		log.Fatal().Err(err).Msg("error creating cluster adapter")
	}
	log.Warn().Err(err).Str("cluster_type", cfg.Cluster.Type).Msg("cluster backend unavailable, falling back to memory adapter")
	nodeID = cfg.Cluster.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	return cluster.NewMemoryAdapter(), nodeID
}
