package configtypes

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TLSConfig is a common configuration for TLS of servers and outgoing connections
// (NATS, Redis, Kafka, PostgreSQL).
type TLSConfig struct {
	// Enabled turns on using TLS.
	Enabled bool `mapstructure:"enabled" json:"enabled" yaml:"enabled" toml:"enabled"`
	// CertPem is a PEM certificate: raw, base64 encoded or a path to file.
	CertPem PEMData `mapstructure:"cert_pem" json:"cert_pem" yaml:"cert_pem" toml:"cert_pem"`
	// KeyPem is a PEM key: raw, base64 encoded or a path to file.
	KeyPem PEMData `mapstructure:"key_pem" json:"key_pem" yaml:"key_pem" toml:"key_pem"`
	// ServerCAPem is used by clients to verify server certificate.
	ServerCAPem PEMData `mapstructure:"server_ca_pem" json:"server_ca_pem" yaml:"server_ca_pem" toml:"server_ca_pem"`
	// ClientCAPem is used by servers to require and verify client certificates.
	ClientCAPem PEMData `mapstructure:"client_ca_pem" json:"client_ca_pem" yaml:"client_ca_pem" toml:"client_ca_pem"`
	// InsecureSkipVerify turns off server certificate verification.
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify" json:"insecure_skip_verify" yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`
	// ServerName is used to verify the hostname on the returned certificates.
	ServerName string `mapstructure:"server_name" json:"server_name" yaml:"server_name" toml:"server_name"`
}

// ToGoTLSConfig builds *tls.Config, returns nil when TLS is not enabled.
func (c TLSConfig) ToGoTLSConfig(entity string) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	logger := log.With().Str("entity", entity).Logger()
	tlsConfig, err := makeTLSConfig(c, logger, os.ReadFile, os.Stat)
	if err != nil {
		return nil, fmt.Errorf("error make TLS config (for %s): %w", entity, err)
	}
	logger.Debug().Msg("TLS config created")
	return tlsConfig, nil
}

// ReadFileFunc is like os.ReadFile but helps in testing.
type ReadFileFunc func(name string) ([]byte, error)

// StatFileFunc is like os.Stat but helps in testing.
type StatFileFunc func(name string) (os.FileInfo, error)

func makeTLSConfig(cfg TLSConfig, logger zerolog.Logger, readFile ReadFileFunc, statFile StatFileFunc) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CertPem != "" && cfg.KeyPem != "" {
		certBlock, source, err := cfg.CertPem.Load(statFile, readFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS certificate: %w", err)
		}
		logger.Debug().Str("pem_source", source).Msg("loaded PEM certificate")
		keyBlock, source, err := cfg.KeyPem.Load(statFile, readFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS key: %w", err)
		}
		logger.Debug().Str("pem_source", source).Msg("loaded PEM key")
		cert, err := tls.X509KeyPair(certBlock, keyBlock)
		if err != nil {
			return nil, fmt.Errorf("error create x509 key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.ServerCAPem != "" {
		pool, err := loadCertPool(cfg.ServerCAPem, logger, readFile, statFile)
		if err != nil {
			return nil, fmt.Errorf("error load server CA: %w", err)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.ClientCAPem != "" {
		pool, err := loadCertPool(cfg.ClientCAPem, logger, readFile, statFile)
		if err != nil {
			return nil, fmt.Errorf("error load client CA: %w", err)
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsConfig, nil
}

func loadCertPool(data PEMData, logger zerolog.Logger, readFile ReadFileFunc, statFile StatFileFunc) (*x509.CertPool, error) {
	pemBytes, source, err := data.Load(statFile, readFile)
	if err != nil {
		return nil, err
	}
	logger.Debug().Str("pem_source", source).Msg("loaded CA PEM")
	return newCertPoolFromPEM(pemBytes)
}

// newCertPoolFromPEM ignores invalid blocks as long as one certificate is valid.
func newCertPoolFromPEM(pem []byte) (*x509.CertPool, error) {
	certPool := x509.NewCertPool()
	if !certPool.AppendCertsFromPEM(pem) {
		return nil, errors.New("no valid certificates found")
	}
	return certPool, nil
}

// TLSAutocert configures automatic certificates from ACME provider (Let's Encrypt).
type TLSAutocert struct {
	Enabled       bool     `mapstructure:"enabled" json:"enabled" yaml:"enabled" toml:"enabled"`
	HostWhitelist []string `mapstructure:"host_whitelist" json:"host_whitelist" yaml:"host_whitelist" toml:"host_whitelist"`
	CacheDir      string   `mapstructure:"cache_dir" json:"cache_dir" yaml:"cache_dir" toml:"cache_dir"`
	Email         string   `mapstructure:"email" json:"email" yaml:"email" toml:"email"`
	ServerName    string   `mapstructure:"server_name" json:"server_name" yaml:"server_name" toml:"server_name"`
	HTTP          bool     `mapstructure:"http" json:"http" yaml:"http" toml:"http"`
	HTTPAddr      string   `mapstructure:"http_addr" json:"http_addr" default:":80" yaml:"http_addr" toml:"http_addr"`
}
