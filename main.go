package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"cl-range-bot/config"
	"cl-range-bot/internal/api"
	"cl-range-bot/internal/cache"
	"cl-range-bot/internal/database"
	"cl-range-bot/internal/episode"
	"cl-range-bot/internal/events"
	"cl-range-bot/internal/ingest"
	"cl-range-bot/internal/logging"
	"cl-range-bot/internal/pipeline"
	"cl-range-bot/internal/reconcile"
	"cl-range-bot/internal/secrets"
	"cl-range-bot/internal/vaultapi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		Component:  "main",
		JSONFormat: cfg.LoggingConfig.JSONFormat,
	})
	logging.SetDefault(logger)
	logger.Info("starting cl-range-bot")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Secrets. Vault-sourced credentials override config/env values.
	secretsClient, err := secrets.NewClient(secrets.Config{
		Enabled:    cfg.SecretsConfig.Enabled,
		Address:    cfg.SecretsConfig.Address,
		Token:      cfg.SecretsConfig.Token,
		MountPath:  cfg.SecretsConfig.MountPath,
		SecretPath: cfg.SecretsConfig.SecretPath,
		TLSEnabled: cfg.SecretsConfig.TLSEnabled,
		CACert:     cfg.SecretsConfig.CACert,
	})
	if err != nil {
		logger.Fatal("failed to create secrets client", "error", err)
	}
	dbPassword := secretsClient.GetOrDefault(ctx, secrets.SecretDatabase, "password", cfg.DatabaseConfig.Password)
	vaultServiceToken := secretsClient.GetOrDefault(ctx, secrets.SecretVaultService, "token", cfg.VaultService.Token)
	jwtSecret := secretsClient.GetOrDefault(ctx, secrets.SecretAPIAuth, "jwt_secret", cfg.AuthConfig.JWTSecret)

	// Database.
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: dbPassword,
		Database: cfg.DatabaseConfig.Name,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal("failed to run migrations", "error", err)
	}
	logger.Info("database ready")

	bus := events.NewBus()

	// Catalog cache, optional. Without Redis the dispatcher reads the
	// database directly.
	var catalog ingest.Catalog = db
	var catalogCache *cache.CatalogCache
	if cfg.RedisConfig.Enabled {
		catalogCache = cache.NewCatalogCache(cache.Config{
			Address:  cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		}, db, logger.WithComponent("cache"))
		defer catalogCache.Close()
		catalog = catalogCache
	}

	// On-chain vault control service client.
	vaultClient := vaultapi.NewClient(vaultapi.Config{
		BaseURL:        cfg.VaultService.BaseURL,
		Token:          vaultServiceToken,
		RequestTimeout: cfg.VaultService.RequestTimeout,
		StatusTimeout:  cfg.VaultService.StatusTimeout,
		StatusRPS:      cfg.VaultService.StatusRPS,
	})

	// Signal core: planner, episode engine, dispatcher, stream.
	planner := reconcile.New(vaultClient, logger.WithComponent("reconcile"))
	episodeEngine := episode.NewEngine(db, planner, db, bus, logger.WithComponent("episode"))
	dispatcher := ingest.NewDispatcher(db, catalog, db, episodeEngine, bus, logger.WithComponent("dispatch"))

	stream := ingest.NewStream(ingest.StreamConfig{
		URL:       cfg.FeedConfig.URL,
		Symbols:   cfg.FeedConfig.Symbols,
		Interval:  cfg.FeedConfig.Interval,
		QueueSize: cfg.FeedConfig.QueueSize,
	}, bus, logger.WithComponent("ingest"))

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Run(ctx, stream.Candles())
	}()
	if err := stream.Start(); err != nil {
		logger.Fatal("failed to start stream", "error", err)
	}

	// Execution pipeline.
	zl := zerolog.New(os.Stdout).With().Timestamp().Logger()
	executor := pipeline.NewExecutor(db, vaultClient, bus, pipeline.Config{
		MaxRetries:   cfg.PipelineConfig.MaxRetries,
		BaseBackoff:  cfg.PipelineConfig.BaseBackoff,
		BatchSize:    cfg.PipelineConfig.BatchSize,
		PollInterval: cfg.PipelineConfig.PollInterval,
		MinSwapUSD:   cfg.PipelineConfig.MinSwapUSD,
	}, zl)
	go executor.Run(ctx)

	// Ops API.
	tokens := api.NewTokenManager(jwtSecret, cfg.AuthConfig.TokenDuration)
	var invalidator api.CacheInvalidator
	if catalogCache != nil {
		invalidator = catalogCache
	}
	server := api.NewServer(api.ServerConfig{
		Host:           cfg.ServerConfig.Host,
		Port:           cfg.ServerConfig.Port,
		ProductionMode: cfg.ServerConfig.ProductionMode,
		AllowOrigins:   cfg.ServerConfig.AllowedOrigins,
	}, db, invalidator, bus, tokens, logger.WithComponent("api"))
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	// Shutdown order: stop the feed, let the dispatcher drain, cancel the
	// pipeline, then close the API.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutting down", "signal", sig.String())

	stream.Stop()
	select {
	case <-dispatchDone:
	case <-time.After(10 * time.Second):
		logger.Warn("dispatcher did not drain within 10s")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", "error", err)
	}

	logger.Info("shutdown complete")
}
