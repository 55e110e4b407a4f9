package app

import (
	"errors"
	stdlog "log"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"

	"github.com/ruslanjabari/soketi/internal/api"
	"github.com/ruslanjabari/soketi/internal/apps"
	"github.com/ruslanjabari/soketi/internal/config"
	"github.com/ruslanjabari/soketi/internal/health"
	"github.com/ruslanjabari/soketi/internal/middleware"
	"github.com/ruslanjabari/soketi/internal/origin"
	"github.com/ruslanjabari/soketi/internal/websocket"

	"github.com/justinas/alice"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HandlerFlag is a bit mask of handlers that must be enabled in mux.
type HandlerFlag int

const (
	// HandlerWebsocket enables Pusher protocol WebSocket handler.
	HandlerWebsocket HandlerFlag = 1 << iota
	// HandlerAPI enables server HTTP API.
	HandlerAPI
	// HandlerDebug enables debug handlers.
	HandlerDebug
	// HandlerPrometheus enables Prometheus handler.
	HandlerPrometheus
	// HandlerHealth enables health and readiness endpoints.
	HandlerHealth
)

var handlerText = map[HandlerFlag]string{
	HandlerWebsocket:  "websocket",
	HandlerAPI:        "api",
	HandlerDebug:      "debug",
	HandlerPrometheus: "prometheus",
	HandlerHealth:     "health",
}

func (flags HandlerFlag) String() string {
	flagsOrdered := []HandlerFlag{HandlerWebsocket, HandlerAPI, HandlerPrometheus, HandlerDebug, HandlerHealth}
	var endpoints []string
	for _, flag := range flagsOrdered {
		text, ok := handlerText[flag]
		if !ok {
			continue
		}
		if flags&flag != 0 {
			endpoints = append(endpoints, text)
		}
	}
	return strings.Join(endpoints, ", ")
}

// handlers shared by all HTTP servers.
type handlers struct {
	websocket *websocket.Handler
	api       *api.Handler
	ready     *health.ReadyHandler
	connLimit *middleware.ConnLimit
	checker   *origin.Checker
}

func newHandlers(cfg config.Config, manager *apps.Manager, lifecycle health.Lifecycle) (*handlers, error) {
	checker, err := origin.NewChecker(cfg.WebSocket.AllowedOrigins)
	if err != nil {
		return nil, err
	}
	h := &handlers{
		ready:   health.NewReadyHandler(lifecycle),
		checker: checker,
	}
	h.websocket = websocket.NewHandler(manager, websocket.Config{
		HandlerPrefix:      cfg.WebSocket.HandlerPrefix,
		ActivityTimeout:    cfg.WebSocket.ActivityTimeout.ToDuration(),
		PongTimeout:        cfg.WebSocket.PongTimeout.ToDuration(),
		WriteTimeout:       cfg.WebSocket.WriteTimeout.ToDuration(),
		ReadBufferSize:     cfg.WebSocket.ReadBufferSize,
		WriteBufferSize:    cfg.WebSocket.WriteBufferSize,
		UseWriteBufferPool: cfg.WebSocket.UseWriteBufferPool,
		MessageSizeLimit:   cfg.WebSocket.MessageSizeLimit,
		Compression:        cfg.WebSocket.Compression,
		CheckOrigin:        h.checkOrigin,
	})
	if !cfg.HttpAPI.Disabled {
		h.api = api.NewHandler(manager, api.Config{
			MaxRequestBodySize: cfg.HttpAPI.MaxRequestBodySize,
		})
	}
	if cfg.WebSocket.ConnectionLimit > 0 || cfg.WebSocket.ConnectionRateLimit > 0 {
		h.connLimit = middleware.NewConnLimit(manager, cfg.WebSocket.ConnectionLimit, cfg.WebSocket.ConnectionRateLimit)
	}
	return h, nil
}

func (h *handlers) checkOrigin(r *http.Request) bool {
	if err := h.checker.Check(r); err != nil {
		log.Info().Str("error", err.Error()).Msg("origin check failure")
		return false
	}
	return true
}

func trimPrefix(prefix string) string {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return "/"
	}
	return prefix
}

// Mux returns a mux including set of handlers enabled by flags.
func Mux(cfg config.Config, h *handlers, flags HandlerFlag) *http.ServeMux {
	mux := http.NewServeMux()

	var commonMiddlewares []alice.Constructor

	useLoggingMW := zerolog.GlobalLevel() <= zerolog.DebugLevel
	if useLoggingMW {
		commonMiddlewares = append(commonMiddlewares, middleware.LogRequest)
	}
	if cfg.Prometheus.Enabled && cfg.Prometheus.InstrumentHTTP {
		commonMiddlewares = append(commonMiddlewares, middleware.HTTPServerInstrumentation)
	}

	basicChain := alice.New(commonMiddlewares...)

	if flags&HandlerDebug != 0 {
		debugPrefix := strings.TrimRight(cfg.Debug.HandlerPrefix, "/")
		mux.Handle(debugPrefix+"/", basicChain.Then(http.HandlerFunc(pprof.Index)))
		mux.Handle(debugPrefix+"/cmdline", basicChain.Then(http.HandlerFunc(pprof.Cmdline)))
		mux.Handle(debugPrefix+"/profile", basicChain.Then(http.HandlerFunc(pprof.Profile)))
		mux.Handle(debugPrefix+"/symbol", basicChain.Then(http.HandlerFunc(pprof.Symbol)))
		mux.Handle(debugPrefix+"/trace", basicChain.Then(http.HandlerFunc(pprof.Trace)))
	}

	if flags&HandlerWebsocket != 0 {
		connMiddlewares := append([]alice.Constructor{}, commonMiddlewares...)
		if h.connLimit != nil {
			connMiddlewares = append(connMiddlewares, h.connLimit.Middleware)
		}
		// App key follows prefix so pattern always ends with slash.
		wsPrefix := strings.TrimRight(cfg.WebSocket.HandlerPrefix, "/") + "/"
		mux.Handle(wsPrefix, alice.New(connMiddlewares...).Then(h.websocket))
	}

	if flags&HandlerAPI != 0 && h.api != nil {
		apiMiddlewares := append([]alice.Constructor{}, commonMiddlewares...)
		if cfg.OpenTelemetry.Enabled && cfg.OpenTelemetry.API {
			apiMiddlewares = append(apiMiddlewares, middleware.NewOpenTelemetryHandler("http_api", nil).Middleware)
		}
		apiMiddlewares = append(apiMiddlewares, middleware.NewCORS(h.checkOrigin).Middleware)
		mux.Handle("/apps/", alice.New(apiMiddlewares...).Then(h.api))
	}

	if flags&HandlerPrometheus != 0 {
		mux.Handle(trimPrefix(cfg.Prometheus.HandlerPrefix), basicChain.Then(promhttp.Handler()))
	}

	if flags&HandlerHealth != 0 {
		healthChain := basicChain.Append(middleware.Get)
		mux.Handle(trimPrefix(cfg.Health.HandlerPrefix), healthChain.Then(health.NewHandler(health.Config{})))
		mux.Handle(trimPrefix(cfg.Health.ReadyPrefix), healthChain.Then(h.ready))
	}

	return mux
}

// addrFlags maps listen address to handlers served on it. Connections and API
// are served on main address, observability endpoints on internal one.
func addrFlags(cfg config.Config) (map[string]HandlerFlag, string) {
	httpAddress := cfg.HTTP.Address
	httpPort := strconv.Itoa(cfg.HTTP.Port)
	httpInternalAddress := cfg.HTTP.InternalAddress
	httpInternalPort := cfg.HTTP.InternalPort

	if httpInternalAddress == "" && httpAddress != "" {
		httpInternalAddress = httpAddress
	}
	if httpInternalPort == "" {
		httpInternalPort = httpPort
	}

	result := map[string]HandlerFlag{}

	externalAddr := net.JoinHostPort(httpAddress, httpPort)
	flags := HandlerWebsocket
	if !cfg.HttpAPI.Disabled {
		flags |= HandlerAPI
	}
	result[externalAddr] = flags

	internalAddr := net.JoinHostPort(httpInternalAddress, httpInternalPort)
	flags = result[internalAddr]
	if cfg.Prometheus.Enabled {
		flags |= HandlerPrometheus
	}
	if cfg.Debug.Enabled {
		flags |= HandlerDebug
	}
	if cfg.Health.Enabled {
		flags |= HandlerHealth
	}
	result[internalAddr] = flags
	return result, externalAddr
}

func runHTTPServers(cfg config.Config, h *handlers) ([]*http.Server, error) {
	tlsConfig, err := serverTLSConfig(cfg.HTTP)
	if err != nil {
		return nil, err
	}

	flagsByAddr, externalAddr := addrFlags(cfg)

	var servers []*http.Server
	for addr, handlerFlags := range flagsByAddr {
		if handlerFlags == 0 {
			continue
		}
		log.Info().Msgf("serving %s endpoints on %s", handlerFlags, addr)

		server := &http.Server{
			Addr:     addr,
			Handler:  Mux(cfg, h, handlerFlags),
			ErrorLog: stdlog.New(&httpErrorLogWriter{Logger: log.Logger}, "", 0),
		}
		if addr == externalAddr {
			server.TLSConfig = tlsConfig
		}
		servers = append(servers, server)

		go func() {
			if server.TLSConfig != nil {
				if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal().Err(err).Msg("error ListenAndServeTLS")
				}
				return
			}
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("error ListenAndServe")
			}
		}()
	}
	return servers, nil
}
