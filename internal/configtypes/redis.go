package configtypes

import "errors"

// Redis connection options. SentinelAddress takes precedence over ClusterAddress,
// ClusterAddress over Address.
type Redis struct {
	Address            string    `mapstructure:"address" json:"address" yaml:"address" toml:"address" default:"redis://127.0.0.1:6379"`
	ConnectTimeout     Duration  `mapstructure:"connect_timeout" json:"connect_timeout" yaml:"connect_timeout" toml:"connect_timeout" default:"1s"`
	IOTimeout          Duration  `mapstructure:"io_timeout" json:"io_timeout" yaml:"io_timeout" toml:"io_timeout" default:"4s"`
	DB                 int       `mapstructure:"db" json:"db" yaml:"db" toml:"db"`
	User               string    `mapstructure:"user" json:"user" yaml:"user" toml:"user"`
	Password           string    `mapstructure:"password" json:"password" yaml:"password" toml:"password"`
	ClientName         string    `mapstructure:"client_name" json:"client_name" yaml:"client_name" toml:"client_name"`
	ForceResp2         bool      `mapstructure:"force_resp2" json:"force_resp2" yaml:"force_resp2" toml:"force_resp2"`
	ClusterAddress     []string  `mapstructure:"cluster_address" json:"cluster_address" yaml:"cluster_address" toml:"cluster_address"`
	TLS                TLSConfig `mapstructure:"tls" json:"tls" yaml:"tls" toml:"tls"`
	SentinelAddress    []string  `mapstructure:"sentinel_address" json:"sentinel_address" yaml:"sentinel_address" toml:"sentinel_address"`
	SentinelUser       string    `mapstructure:"sentinel_user" json:"sentinel_user" yaml:"sentinel_user" toml:"sentinel_user"`
	SentinelPassword   string    `mapstructure:"sentinel_password" json:"sentinel_password" yaml:"sentinel_password" toml:"sentinel_password"`
	SentinelMasterName string    `mapstructure:"sentinel_master_name" json:"sentinel_master_name" yaml:"sentinel_master_name" toml:"sentinel_master_name"`
	SentinelClientName string    `mapstructure:"sentinel_client_name" json:"sentinel_client_name" yaml:"sentinel_client_name" toml:"sentinel_client_name"`
	SentinelTLS        TLSConfig `mapstructure:"sentinel_tls" json:"sentinel_tls" yaml:"sentinel_tls" toml:"sentinel_tls"`
}

func (r Redis) Validate() error {
	if len(r.SentinelAddress) > 0 && r.SentinelMasterName == "" {
		return errors.New("sentinel_master_name required when sentinel_address set")
	}
	if r.Address == "" && len(r.ClusterAddress) == 0 && len(r.SentinelAddress) == 0 {
		return errors.New("no redis address set")
	}
	return nil
}
