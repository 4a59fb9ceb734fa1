package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"fleetgate/internal/agents"
	"fleetgate/internal/auth"
	"fleetgate/internal/bridge"
	"fleetgate/internal/config"
	"fleetgate/internal/events"
	"fleetgate/internal/handlers"
	"fleetgate/internal/license"
	"fleetgate/internal/logging"
	"fleetgate/internal/metrics"
	"fleetgate/internal/middleware"
	"fleetgate/internal/notify"
	"fleetgate/internal/rollout"
	"fleetgate/internal/server"
	"fleetgate/internal/store"
)

var version = "dev"

func main() {
	configPath := pflag.StringP("config", "c", "", "Path to fleetgate.yaml")
	showVersion := pflag.Bool("version", false, "Show version")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("fleetgate-server %s\n", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	bus := events.NewBus()
	defer bus.Close()

	registry := agents.NewRegistry(bus, m, logger)
	dispatcher := agents.NewDispatcher(registry, agents.DispatcherOptions{
		DefaultTimeout: cfg.Dispatcher.DefaultTimeout,
		MaxTimeout:     cfg.Dispatcher.MaxTimeout,
	}, logger)
	presence := agents.NewPresence(registry, dispatcher, agents.PresenceOptions{
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
		MissedHeartbeats:  cfg.Presence.MissedHeartbeats,
		SweepInterval:     cfg.Presence.SweepInterval,
		WakeTimeout:       cfg.Dispatcher.WakeTimeout,
	}, logger)
	updates := rollout.NewService(st, m, logger)
	hub := agents.NewHub(registry, st, updates, agents.HubOptions{
		HandshakeTimeout:  cfg.Presence.HandshakeTimeout,
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
	}, logger)

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}
	revoker := license.NewRevoker(st, registry, rdb, cfg.Redis.RevocationChannel, logger)

	var validator *auth.Validator
	if cfg.Auth.Enabled {
		if validator, err = auth.NewValidator(cfg.Auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	} else {
		logger.Warn("bearer auth disabled; bridge and operator API are open")
	}
	limiter := middleware.NewRateLimiter(cfg.Bridge.RateLimitRPS, cfg.Bridge.RateLimitBurst, m, logger)

	srv := server.New(server.Deps{
		Hub:       hub,
		Bridge:    bridge.New(dispatcher, registry, bridge.Options{Version: version}, m, logger),
		Agents:    handlers.NewAgentHandler(registry, presence, revoker),
		Licenses:  handlers.NewLicenseHandler(st, revoker),
		Updates:   handlers.NewUpdateHandler(updates, st),
		Health:    handlers.Health(st, registry, version),
		Gatherer:  reg,
		Validator: validator,
		Limiter:   limiter,
		Logger:    logger,
	})

	// Background workers stop with ctx.
	go func() {
		if err := presence.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("presence sweeper stopped", zap.Error(err))
		}
	}()
	go st.TrackPresence(ctx, registry.Subscribe(256, events.AgentOnline, events.AgentOffline))
	if len(cfg.Notify.URLs) > 0 {
		notifier := notify.NewDispatcher(notify.Options{
			URLs:     cfg.Notify.URLs,
			Cooldown: cfg.Notify.Cooldown,
		}, nil, m, logger)
		go notifier.Run(ctx, registry.Subscribe(256))
	}
	if rdb != nil {
		go func() {
			if err := revoker.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("revocation listener stopped", zap.Error(err))
			}
		}()
	}
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Cleanup(10 * time.Minute)
			}
		}
	}()

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("control plane listening",
			zap.String("addr", httpSrv.Addr),
			zap.String("version", version))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Hijacked agent sockets are not tracked by Shutdown; close them first
	// so pending commands fail fast.
	registry.CloseAll()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
