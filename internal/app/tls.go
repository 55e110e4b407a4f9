package app

import (
	"crypto/tls"
	stdlog "log"
	"net/http"
	"sync"

	"github.com/ruslanjabari/soketi/internal/configtypes"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
)

var challengeServerOnce sync.Once

// serverTLSConfig returns nil when server must serve plain HTTP.
func serverTLSConfig(cfg configtypes.HTTPServer) (*tls.Config, error) {
	if cfg.TLSAutocert.Enabled {
		return autocertTLSConfig(cfg.TLSAutocert), nil
	}
	return cfg.TLS.ToGoTLSConfig("http_server")
}

func autocertTLSConfig(cfg configtypes.TLSAutocert) *tls.Config {
	certManager := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		Email:  cfg.Email,
	}
	if len(cfg.HostWhitelist) > 0 {
		certManager.HostPolicy = autocert.HostWhitelist(cfg.HostWhitelist...)
	}
	if cfg.CacheDir != "" {
		certManager.Cache = autocert.DirCache(cfg.CacheDir)
	}
	if cfg.HTTP {
		challengeServerOnce.Do(func() {
			server := &http.Server{
				Addr:     cfg.HTTPAddr,
				Handler:  certManager.HTTPHandler(nil),
				ErrorLog: stdlog.New(&httpErrorLogWriter{log.Logger}, "", 0),
			}
			go func() {
				log.Info().Str("addr", cfg.HTTPAddr).Msg("serving ACME http_01 challenge")
				if err := server.ListenAndServe(); err != nil {
					log.Fatal().Err(err).Str("addr", cfg.HTTPAddr).Msg("can't serve ACME http challenge")
				}
			}()
		})
	}
	return &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			// Some clients do not send SNI.
			if cfg.ServerName != "" && hello.ServerName == "" {
				hello.ServerName = cfg.ServerName
			}
			return certManager.GetCertificate(hello)
		},
		NextProtos: []string{"h2", "http/1.1", acme.ALPNProto},
	}
}
