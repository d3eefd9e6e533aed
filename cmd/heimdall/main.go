package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"heimdall/config"
	"heimdall/internal/api"
	"heimdall/internal/core"
	"heimdall/internal/holiday"
	"heimdall/internal/logging"
	"heimdall/internal/notify"
	"heimdall/internal/push"
	"heimdall/internal/rules"
	"heimdall/internal/scheduler"
	"heimdall/internal/storage/sqlite"
	"heimdall/internal/tan"
	"heimdall/internal/totp"
)

const (
	shutdownTimeout   = 10 * time.Second
	defaultConfigPath = "config.json"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "heimdall: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	useEnv := flag.Bool("env", false, "Load configuration from environment variables")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *useEnv {
		cfg, err = config.LoadFromEnv()
	} else {
		cfg, err = config.Load(*configPath)
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)
	mainLogger := logger.With("component", "main")

	mainLogger.Info("Initializing SQLite database", "path", cfg.Database.Path)
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	clock := core.RealClock{}

	resolver := rules.NewResolver(store, clock, logger)
	resolved := logging.NewResolverLogger(resolver, logger)

	tans := tan.NewEngine(store, clock, logger)
	totpService := totp.NewService(store, tans, clock, logger)
	registry := push.NewRegistry(logger)

	// The notifier stays a nil interface unless Telegram is fully
	// configured; a typed nil would defeat the orchestrator's nil check.
	var notifier push.Notifier
	if cfg.Telegram.Enabled() {
		tg, err := notify.NewTelegram(cfg.Telegram, logger)
		if err != nil {
			mainLogger.Warn("Telegram notifier unavailable", "error", err)
		} else {
			mainLogger.Info("Telegram notifier enabled", "chat_id", cfg.Telegram.ChatID)
			notifier = tg
		}
	}

	events := push.NewOrchestrator(store, resolved, registry, notifier, clock, logger)

	holidayClient := holiday.NewClient(cfg.Holiday)
	holidaySyncer := holiday.NewSyncer(store, holidayClient, logger)

	mainLogger.Info("Starting background scheduler")
	sched := scheduler.NewScheduler(store, tans, holidaySyncer, events, clock, logger)
	sched.Start()

	router := api.NewRouter(api.RouterConfig{
		Store:     store,
		Resolver:  resolved,
		TANs:      tans,
		TOTP:      totpService,
		Registry:  registry,
		Events:    events,
		Clock:     clock,
		JWTSecret: cfg.Security.JWTSecret,
		Logger:    logger,
	})

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
		// No blanket read/write timeouts: the agent and portal
		// websockets on this listener are long-lived connections.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		mainLogger.Info("Starting HTTP server", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		mainLogger.Info("Shutdown signal received", "signal", sig.String())

		sched.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		mainLogger.Info("Graceful shutdown complete")
	}

	return nil
}
