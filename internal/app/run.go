package app

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ruslanjabari/soketi/internal/apps"
	"github.com/ruslanjabari/soketi/internal/build"
	"github.com/ruslanjabari/soketi/internal/cluster"
	"github.com/ruslanjabari/soketi/internal/config"
	"github.com/ruslanjabari/soketi/internal/consuming"
	"github.com/ruslanjabari/soketi/internal/logging"
	"github.com/ruslanjabari/soketi/internal/metrics"
	"github.com/ruslanjabari/soketi/internal/service"
	"github.com/ruslanjabari/soketi/internal/telemetry"
	"github.com/ruslanjabari/soketi/internal/tools"
	"github.com/ruslanjabari/soketi/internal/webhook"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
)

// lifecycle tracks graceful shutdown for readiness endpoint.
type lifecycle struct {
	closing atomic.Bool
}

func (l *lifecycle) ShuttingDown() bool {
	return l.closing.Load()
}

func Run(cmd *cobra.Command, configFile string) {
	dotEnvUsed := false
	if tools.FileExists(".env") {
		err := godotenv.Load()
		if err != nil {
			log.Fatal().Err(err).Msg("error loading .env file")
		}
		dotEnvUsed = true
	}
	cfg, cfgMeta, err := config.GetConfig(cmd, configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("error getting config")
	}

	ctx, serviceCancel := context.WithCancel(context.Background())
	defer serviceCancel()

	logCloseFn, err := logging.Setup(cfg.Log)
	if err != nil {
		log.Fatal().Err(err).Msg("error setting up logging")
	}
	defer logCloseFn()

	if cfgMeta.FileNotFound {
		log.Warn().Msg("config file not found, continue using environment and flag options")
	} else {
		absConfPath, _ := filepath.Abs(configFile)
		log.Info().Str("path", absConfPath).Msg("using config file")
	}
	if dotEnvUsed {
		log.Info().Msg("environment variables have been loaded from .env file")
	}
	err = tools.WritePidFile(cfg.PidFile)
	if err != nil {
		log.Fatal().Err(err).Msg("error writing PID")
	}
	_, _ = maxprocs.Set(maxprocs.Logger(func(s string, i ...interface{}) {
		log.Info().Msgf(strings.ToLower(s), i...)
	}))

	log.Info().
		Str("version", build.Version).
		Str("runtime", runtime.Version()).
		Int("pid", os.Getpid()).
		Int("gomaxprocs", runtime.GOMAXPROCS(0)).
		Str("cluster", cfg.Cluster.Type).
		Int("apps", len(cfg.Apps)).
		Msg("starting Soketi")

	if build.Version == "0.0.0" {
		log.Warn().Msg("running a development build of Soketi (version 0.0.0), ensure to use release build in production")
	}

	err = cfg.Validate()
	if err != nil {
		log.Fatal().Err(err).Msg("error validating config")
	}

	if cfg.Prometheus.Enabled || cfg.Graphite.Enabled {
		if err := metrics.Init(metrics.Config{}); err != nil {
			log.Fatal().Err(err).Msg("error initializing metrics")
		}
	}

	adapter, nodeID := mustClusterAdapter(cfg)

	// Registered services are run after cluster adapter started receiving messages
	// and stopped after connections were closed.
	serviceManager := service.NewManager()

	if cfg.OpenTelemetry.Enabled {
		tracingShutdown, err := telemetry.SetupTracing(context.Background())
		if err != nil {
			log.Fatal().Err(err).Msg("error setting up opentelemetry tracing")
		}
		serviceManager.Register(tracingShutdown)
	}

	webhookSender := webhook.NewSender(webhook.Config{
		Workers:     cfg.Webhooks.Workers,
		QueueSize:   cfg.Webhooks.QueueSize,
		MaxAttempts: cfg.Webhooks.MaxAttempts,
		Timeout:     cfg.Webhooks.Timeout.ToDuration(),
	})
	serviceManager.Register(webhookSender)

	manager := apps.New(cfg.Apps, adapter, apps.Config{
		ActivityTimeout: cfg.WebSocket.ActivityTimeout.ToDuration(),
		MaxQueueSize:    cfg.WebSocket.MaxQueueSize,
		MaxQueueLen:     cfg.WebSocket.MaxQueueLen,
		Observer:        webhookSender.Observer,
	})

	consumingServices, err := consuming.New(nodeID, consuming.NewTriggerDispatcher(manager), cfg.Consumers)
	if err != nil {
		log.Fatal().Err(err).Msg("error initializing consumers")
	}
	serviceManager.Register(consumingServices...)

	if cfg.Graphite.Enabled {
		serviceManager.Register(graphiteExporter(cfg, nodeID))
	}

	if err = manager.Run(); err != nil {
		log.Fatal().Err(err).Msg("error running cluster adapter")
	}

	serviceManager.Run(ctx)

	state := &lifecycle{}
	h, err := newHandlers(cfg, manager, state)
	if err != nil {
		log.Fatal().Err(err).Msg("error creating HTTP handlers")
	}

	httpServers, err := runHTTPServers(cfg, h)
	if err != nil {
		log.Fatal().Err(err).Msg("error running HTTP server")
	}

	logStartWarnings(cfg, cfgMeta)

	handleSignals(cfg, state, h, manager, adapter, httpServers, serviceManager, serviceCancel)
}

func handleSignals(
	cfg config.Config, state *lifecycle, h *handlers, manager *apps.Manager, adapter cluster.Adapter,
	httpServers []*http.Server, serviceManager *service.Manager, serviceCancel context.CancelFunc,
) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, os.Interrupt, syscall.SIGTERM)
	for {
		sig := <-sigCh
		log.Info().Msgf("signal received: %v", sig)
		switch sig {
		case syscall.SIGHUP:
			// Apps and limits are bound to running nodes.
			log.Info().Msg("configuration reload is not supported, restart process to apply changes")
		case syscall.SIGINT, os.Interrupt, syscall.SIGTERM:
			log.Info().Msg("shutting down ...")
			pidFile := cfg.PidFile
			shutdownTimeout := cfg.Shutdown.Timeout
			time.AfterFunc(shutdownTimeout.ToDuration(), func() {
				tools.RemovePidFile(pidFile)
				log.Fatal().Msg("shutdown timeout reached")
			})

			state.closing.Store(true)
			h.websocket.Shutdown()

			var wg sync.WaitGroup

			// Clients get 4200 before servers stop so they reconnect elsewhere.
			_ = manager.Shutdown(context.Background()) // We have a separate timeout goroutine.

			for _, srv := range httpServers {
				wg.Add(1)
				go func(srv *http.Server) {
					defer wg.Done()
					_ = srv.Shutdown(context.Background())
				}(srv)
			}
			wg.Wait()

			serviceCancel()
			_ = serviceManager.Wait()

			_ = adapter.Close(context.Background())

			tools.RemovePidFile(pidFile)
			os.Exit(0)
		}
	}
}
