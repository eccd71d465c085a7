package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/husam-hammami/hercules-sfms-sub001/internal/api"
	"github.com/husam-hammami/hercules-sfms-sub001/internal/core"
	"github.com/husam-hammami/hercules-sfms-sub001/internal/infrastructure"
	"github.com/spf13/cobra"
)

var serveDev bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the gateway API server",
	Long:  `Launches the HTTP server handling gateway activation, heartbeats, data batch ingestion and command dispatch.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveDev, "dev", false, "run with in-memory storage and rate limiting (no Postgres/Redis)")
	rootCmd.AddCommand(serveCmd)
}

func runServer() error {
	logger.Info("Initializing Hercules gateway service...")

	var (
		repo    core.Repository
		limiter core.RateLimiter
		sink    core.BatchSink
		cleanup []func()
	)
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if serveDev {
		logger.Warn("Running in dev mode with in-memory storage")
		repo = core.NewMemStore()
		limiter = core.NewMemoryRateLimiter(cfg.Activation.RateLimitWindow, cfg.Activation.RateLimitAttempts)
	} else {
		// --- Infrastructure Setup ---
		logger.Info("Connecting to database...")
		db, err := infrastructure.NewDatabase(cfg.Database)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, func() { db.Close() })
		repo = core.NewRepository(db.DB)

		logger.Info("Connecting to cache...")
		cache, err := infrastructure.NewCache(cfg.Redis)
		if err != nil {
			return fmt.Errorf("cache connection failed: %w", err)
		}
		cleanup = append(cleanup, func() { cache.Close() })
		limiter = core.NewRedisRateLimiter(cache, cfg.Activation.RateLimitWindow, cfg.Activation.RateLimitAttempts)

		logger.Info("Connecting to messaging service...")
		messaging, err := infrastructure.NewMessaging(cfg.ServiceBus)
		if err != nil {
			logger.WithError(err).Warn("Messaging service unavailable, batches will not be forwarded")
		} else {
			cleanup = append(cleanup, func() { messaging.Close() })

			wal, werr := infrastructure.NewWAL(cfg.Storage.WALPath)
			if werr != nil {
				logger.WithError(werr).Warn("WAL unavailable, publish failures will be surfaced to gateways")
				sink = core.NewDurableSink(messaging, nil, cfg.ServiceBus.QueueName, logger)
			} else {
				cleanup = append(cleanup, func() { wal.Close() })
				sink = core.NewDurableSink(messaging, wal, cfg.ServiceBus.QueueName, logger)
			}
		}
	}

	// --- Service Layer Setup ---
	tokens := core.NewTokenService([]byte(cfg.Token.Secret), cfg.Token.Lifetime, cfg.Token.RefreshGrace)
	services := &core.Services{
		Activation: core.NewActivationService(repo, limiter, tokens, logger, cfg.Activation.CodeValidity),
		Tokens:     tokens,
		Gateways:   core.NewGatewayService(repo, logger, cfg.Gateway.HeartbeatFreshness, cfg.Gateway.HeartbeatGrace),
		Ingestion:  core.NewIngestionService(repo, sink, logger, cfg.Ingest.MaxBatchSize, cfg.Ingest.MaxFutureSkew, cfg.Ingest.MaxSampleAge),
		Commands:   core.NewCommandService(repo, logger, cfg.Commands.MaxQueueDepth),
	}

	// --- Optional MQTT ingest bridge ---
	if cfg.MQTT != nil && cfg.MQTT.BrokerURL != "" {
		handler := core.MQTTIngestHandler(tokens, services.Gateways, services.Ingestion, logger)
		bridge, err := infrastructure.NewMQTTSubscriber(*cfg.MQTT, logger, handler)
		if err != nil {
			return fmt.Errorf("failed to create MQTT bridge: %w", err)
		}
		if err := bridge.Start(); err != nil {
			logger.WithError(err).Warn("MQTT bridge unavailable, continuing with HTTP ingestion only")
		} else {
			cleanup = append(cleanup, bridge.Stop)
		}
	}

	// --- API Layer Setup ---
	if !serveDev {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handlers := api.NewAPIHandlers(services, logger, Version)
	api.SetupRoutes(router, handlers, services, cfg, logger)

	// --- HTTP Server ---
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful Shutdown ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Infof("Gateway API listening on %s", serverAddr)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-shutdownChan

	logger.Warn("Shutdown signal received, initiating graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	} else {
		logger.Info("Server stopped gracefully")
	}

	logger.Info("Gateway service shutdown complete")
	return nil
}
