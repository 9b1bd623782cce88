// Command nestd polls the Nest cloud and exposes Nest temperature sensors,
// Protects and cameras as sensor entities over HTTP, MQTT and InfluxDB.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trymwestin/nestd/internal/config"
	"github.com/trymwestin/nestd/internal/core/nest"
	"github.com/trymwestin/nestd/internal/core/state"
	"github.com/trymwestin/nestd/internal/entity"
	"github.com/trymwestin/nestd/internal/history"
	"github.com/trymwestin/nestd/internal/httpapi"
	"github.com/trymwestin/nestd/internal/logging"
	"github.com/trymwestin/nestd/internal/metrics"
	"github.com/trymwestin/nestd/internal/mqtt"
	"github.com/trymwestin/nestd/internal/registry"
	"github.com/trymwestin/nestd/internal/sensor"
)

// Set at build time via -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", envOr("NEST_CONFIG", "config.yaml"), "path to YAML config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	log := logging.New(cfg.Log, version)
	log.Info("starting nestd", "version", version, "config", configPath)

	bus := state.NewEventBus(log)
	store := state.NewStore(bus, log)
	m := metrics.New()

	client := nest.NewClient(cfg.Nest, nil, log)
	sessions := nest.NewSessionManager(client, cfg.Session.Path, log)
	provider := nest.NewProvider(client, sessions, store, bus, m, nest.ProviderConfig{
		MinRefresh:  time.Duration(cfg.Poll.MinRefresh) * time.Second,
		EventWindow: time.Duration(cfg.Nest.EventWindow) * time.Second,
		MaxEvents:   cfg.Nest.MaxEvents,
		CachePath:   cfg.Cache.Path,
	}, log)

	if err := provider.LoadCache(); err != nil && !errors.Is(err, state.ErrNoSnapshot) {
		log.Warn("ignoring unreadable device cache", "path", cfg.Cache.Path, "error", err)
	}
	if err := provider.Update(ctx); err != nil {
		// Sensors are built from whatever the cache restored; idle polls retry
		// and later refreshes register the rest.
		log.Warn("initial refresh failed", "error", err)
	}

	reg, err := registry.Open(cfg.Registry)
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}
	defer func() {
		if err := reg.Close(); err != nil {
			log.Error("error closing registry", "error", err)
		}
	}()

	mgr := entity.NewManager(entity.Config{
		Interval:   time.Duration(cfg.Poll.Interval) * time.Second,
		StaleAfter: time.Duration(cfg.Poll.StaleAfter) * time.Second,
		Idle:       provider.Update,
	}, bus, reg, m, log)
	defer mgr.Close()

	if err := sensor.Setup(ctx, provider, mgr.Add, log); err != nil {
		return fmt.Errorf("setting up sensors: %w", err)
	}
	log.Info("sensors registered", "entities", len(mgr.Descriptors()))

	refreshed, unsubRefreshed := bus.Subscribe(64)
	defer unsubRefreshed()
	go sensor.Watch(ctx, refreshed, provider, mgr.Has, mgr.Add, log)

	refresh := func(ctx context.Context) error {
		if err := provider.Refresh(ctx); err != nil {
			return err
		}
		if failed := mgr.PollOnce(ctx); failed > 0 {
			log.Warn("entities failed to update after refresh", "failed", failed)
		}
		return nil
	}

	hist, err := history.Connect(cfg.InfluxDB, log)
	switch {
	case errors.Is(err, history.ErrDisabled):
		log.Info("influxdb history disabled")
	case err != nil:
		return fmt.Errorf("connecting to influxdb: %w", err)
	default:
		defer func() {
			if err := hist.Close(); err != nil {
				log.Error("error closing influxdb", "error", err)
			}
		}()
		go hist.Run(ctx, bus)
	}

	var pub mqtt.Publisher = mqtt.NewStubPublisher(log)
	if cfg.MQTT.Enabled {
		pub = mqtt.NewHAPublisher(cfg.MQTT, mgr, refresh, bus, log)
	}
	if err := pub.Start(ctx); err != nil {
		return fmt.Errorf("starting mqtt: %w", err)
	}

	hub := httpapi.NewHub(log)
	go hub.Run(ctx, bus)

	api := httpapi.NewServer(httpapi.Deps{
		Entities: mgr,
		Devices:  store,
		Registry: reg,
		Refresh:  refresh,
		Metrics:  m.Handler(),
		Hub:      hub,
		Version:  version,
	}, cfg.HTTP.CORSAll, log)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		log.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := mgr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("entity poller: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case runErr = <-errCh:
		log.Error("fatal error, shutting down", "error", runErr)
	}

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdown(shutdownCtx, log, pub, srv)
	return runErr
}

func shutdown(ctx context.Context, log *slog.Logger, pub mqtt.Publisher, srv *http.Server) {
	if err := pub.Stop(ctx); err != nil {
		log.Error("error stopping mqtt", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("error shutting down http server", "error", err)
	}
	log.Info("nestd stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
