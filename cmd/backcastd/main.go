// Command backcastd launches the interactive backtest replay daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantfold/backcast/internal/catalog"
	"github.com/quantfold/backcast/internal/config"
	"github.com/quantfold/backcast/internal/eventbus"
	"github.com/quantfold/backcast/internal/observability"
	"github.com/quantfold/backcast/internal/replay"
	"github.com/quantfold/backcast/internal/schema"
	"github.com/quantfold/backcast/internal/session"
	"github.com/quantfold/backcast/internal/snapshot"
	"github.com/quantfold/backcast/internal/telemetry"
)

const (
	defaultConfigPath = "config/backcast.yaml"
	shutdownTimeout   = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		log.Printf("fatal: %v", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", defaultConfigPath, "Path to the configuration file")
	host := flag.String("host", "", "Listen host (overrides the configuration file)")
	port := flag.Int("port", 0, "Listen port (overrides the configuration file)")
	heartbeatInterval := flag.Duration("heartbeat-interval", 0, "Heartbeat interval (overrides the configuration file)")
	heartbeatTimeout := flag.Duration("heartbeat-timeout", 0, "Heartbeat timeout (overrides the configuration file)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logger := log.New(os.Stdout, "backcastd ", log.LstdFlags)
	observability.SetLogger(observability.NewStdLogger(logger, *debug))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, fromFile, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	if !fromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	applyFlagOverrides(&cfg, *host, *port, *heartbeatInterval, *heartbeatTimeout)

	_, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			logger.Printf("telemetry shutdown: %v", err)
		}
	}()

	bus := eventbus.New(eventbus.Config{MaxHistory: cfg.Bus.MaxHistory})
	manager := snapshot.NewManager()
	controller := replay.NewController(replay.Config{
		TimeUnit:             cfg.Replay.TimeUnit.Std(),
		InitialSpeed:         replay.Speed(cfg.Replay.InitialSpeed),
		SnapshotDir:          cfg.Replay.SnapshotDir,
		AutoSnapshotInterval: cfg.Replay.AutoSnapshotInterval,
		InitialCash:          cfg.Replay.InitialCashDecimal(),
	})

	var provider replay.Provider
	if cfg.Replay.DataFile != "" {
		csvProvider, err := replay.NewCSVProvider(cfg.Replay.DataFile)
		if err != nil {
			return err
		}
		logger.Printf("historical data loaded: file=%s records=%d", cfg.Replay.DataFile, csvProvider.Len())
		provider = csvProvider
	} else {
		logger.Printf("no data file configured; waiting for start_backtest with inline data bounds")
		provider = replay.NewSliceProvider(nil, true)
	}

	if cfg.Catalog.DSN != "" {
		if err := catalog.ApplyMigrations(ctx, cfg.Catalog.DSN, logger); err != nil {
			return err
		}
		store, err := catalog.Connect(ctx, cfg.Catalog.DSN)
		if err != nil {
			return err
		}
		defer store.Close()
		controller.SetSnapshotRecorder(store)
		logger.Printf("snapshot catalog enabled")
	}

	router := session.NewRouter(cfg.Server.CommandTimeout.Std())
	handlers := session.NewHandlers(controller, bus, manager, provider)
	handlers.InstallRoutes(router)

	server := session.NewServer(session.Config{
		Host:                 cfg.Server.Host,
		Port:                 cfg.Server.Port,
		HeartbeatInterval:    cfg.Server.HeartbeatInterval.Std(),
		HeartbeatTimeout:     cfg.Server.HeartbeatTimeout.Std(),
		MaxMessageSize:       cfg.Server.MaxMessageSize,
		ReconnectGracePeriod: cfg.Server.ReconnectGracePeriod.Std(),
		CommandTimeout:       cfg.Server.CommandTimeout.Std(),
	}, router)
	server.SetStateProvider(handlers.StateSnapshot)
	handlers.SetBroadcast(func(msg schema.Message) { server.Broadcast(msg) })
	if err := server.AttachBus(bus); err != nil {
		return err
	}

	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Printf("backcastd listening on %s", server.Addr())

	<-ctx.Done()
	logger.Printf("shutting down")

	controller.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Printf("server shutdown: %v", err)
	}
	return nil
}

func applyFlagOverrides(cfg *config.Config, host string, port int, heartbeatInterval, heartbeatTimeout time.Duration) {
	if host != "" {
		cfg.Server.Host = host
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	if heartbeatInterval > 0 {
		cfg.Server.HeartbeatInterval = config.Duration(heartbeatInterval)
	}
	if heartbeatTimeout > 0 {
		cfg.Server.HeartbeatTimeout = config.Duration(heartbeatTimeout)
	}
}
