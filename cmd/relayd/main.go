package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/parcelpost/relay/internal/api"
	"github.com/parcelpost/relay/internal/config"
	"github.com/parcelpost/relay/internal/engine"
	"github.com/parcelpost/relay/internal/failover"
	"github.com/parcelpost/relay/internal/kv"
	"github.com/parcelpost/relay/internal/observ"
	"github.com/parcelpost/relay/internal/provider"
	"github.com/parcelpost/relay/internal/queue"
	"github.com/parcelpost/relay/internal/store"
	"github.com/parcelpost/relay/internal/tracking"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting relay gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	database, err := store.New(ctx, store.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := store.NewRepository(database, logger)

	// Redis holds the health markers, failure counters, and tracking
	// dedup windows workers share.
	kvClient, err := kv.New(ctx, kv.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer func() { _ = kvClient.Close() }()

	rateLimiter := kv.NewRateLimiter(kvClient, logger, kv.RateLimitConfig{
		Limit:  cfg.RateLimit,
		Window: cfg.RateWindow,
	})

	registry, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// No active providers is a configuration error, not a degraded mode.
	providerConfigs, err := repo.GetActiveProviderConfigs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load provider configs: %w", err)
	}
	if len(providerConfigs) == 0 {
		return fmt.Errorf("no active providers configured; seed provider_configs before starting")
	}
	for _, pc := range providerConfigs {
		if _, err := registry.Get(pc.Name); err != nil {
			logger.Warn("active provider has no registered implementation",
				zap.String("provider", pc.Name),
				zap.String("type", pc.Type),
			)
		}
	}

	failoverCfg := failover.DefaultConfig()
	failoverCfg.FailureThreshold = cfg.FailureThreshold
	failoverCfg.HealthInterval = cfg.HealthInterval
	failoverCfg.RecoveryInterval = cfg.RecoveryInterval

	controller := failover.New(repo, kvClient, registry, failoverCfg, logger)

	deliveryQueue := queue.New(repo, controller, queue.Config{
		Workers:     cfg.QueueWorkers,
		MaxAttempts: cfg.QueueMaxAttempts,
		BaseBackoff: cfg.QueueBaseBackoff,
	}, logger)

	tracker := tracking.New(repo, kvClient, tracking.Config{
		DedupTTL: cfg.TrackingDedupTTL,
	}, logger)

	eng := engine.New(repo, deliveryQueue, tracker, engine.NewTemplateRenderer(), nil, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	controller.Start(workerCtx)
	deliveryQueue.Start(workerCtx)
	logger.Info("dispatch workers started",
		zap.Int("workers", cfg.QueueWorkers),
		zap.Strings("providers", registry.Names()),
	)

	handler := api.NewHandler(logger, eng)
	router := api.NewRouter(logger, handler, rateLimiter)

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		// Drain in-flight dispatch attempts before cancelling the worker
		// context, or the cancellation would abort their provider calls.
		deliveryQueue.Stop()
		controller.Stop()
		workerCancel()

		logger.Info("server stopped gracefully")
	}

	return nil
}

// buildRegistry registers every provider the configuration enables. The
// log provider is always present so development installs can dispatch
// without cloud credentials.
func buildRegistry(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*provider.Registry, error) {
	registry := provider.NewRegistry()
	registry.Register(provider.NewLogProvider("log", logger))

	sesProvider, err := provider.NewSESProvider(ctx, provider.SESConfig{
		Name:      "ses",
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create SES provider: %w", err)
	}
	registry.Register(sesProvider)

	snsProvider, err := provider.NewSNSProvider(ctx, provider.SNSConfig{
		Name:   "sns",
		Region: cfg.SNSRegion,
	}, logger)
	if err != nil {
		logger.Warn("SNS provider unavailable, SMS dispatch disabled",
			zap.Error(err),
		)
	} else {
		registry.Register(snsProvider)
	}

	if cfg.WebhookEndpoint != "" {
		registry.Register(provider.NewWebhookProvider(provider.WebhookConfig{
			Name:     "webhook",
			Endpoint: cfg.WebhookEndpoint,
			Timeout:  time.Duration(cfg.WebhookTimeout) * time.Second,
		}, logger))
	}

	return registry, nil
}
