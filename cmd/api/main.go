package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/therealutkarshpriyadarshi/suberase/internal/cache"
	"github.com/therealutkarshpriyadarshi/suberase/internal/config"
	"github.com/therealutkarshpriyadarshi/suberase/internal/credits"
	"github.com/therealutkarshpriyadarshi/suberase/internal/database"
	"github.com/therealutkarshpriyadarshi/suberase/internal/logging"
	"github.com/therealutkarshpriyadarshi/suberase/internal/metrics"
	"github.com/therealutkarshpriyadarshi/suberase/internal/middleware"
	"github.com/therealutkarshpriyadarshi/suberase/internal/provider"
	"github.com/therealutkarshpriyadarshi/suberase/internal/queue"
	"github.com/therealutkarshpriyadarshi/suberase/internal/storage"
	"github.com/therealutkarshpriyadarshi/suberase/internal/task"
	"github.com/therealutkarshpriyadarshi/suberase/internal/tracing"
	"github.com/therealutkarshpriyadarshi/suberase/internal/upload"
	"github.com/therealutkarshpriyadarshi/suberase/internal/webhook"
)

func main() {
	// Local development keeps secrets in .env
	_ = godotenv.Load()

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	closer, err := tracing.Init(cfg.Tracing)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}
	defer closer.Close()

	// Initialize JWT secret from config
	middleware.SetJWTSecret(cfg.Auth.JWTSecret)

	// Initialize database
	db, err := database.New(cfg.Database)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	if cfg.Database.Migrate {
		if err := db.Migrate(context.Background()); err != nil {
			logger.WithError(err).Fatal("Failed to migrate database")
		}
	}

	repo := database.NewRepository(db)

	// Initialize storage
	stor, err := storage.New(cfg.Storage, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize storage")
	}

	// Initialize cache
	c, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer c.Close()

	// Initialize queue
	q, err := queue.New(cfg.Queue)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to queue")
	}
	defer q.Close()

	p, err := provider.New(cfg.Provider)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure provider")
	}
	inpainter := provider.Instrument(p, logger)

	ledger := credits.NewLedger(repo, credits.Options{
		Initial:    cfg.Credits.Initial,
		TaskCost:   cfg.Credits.TaskCost,
		DailyBonus: cfg.Credits.DailyBonus,
	}, logger)

	tasks := task.NewService(task.Deps{
		Store:    repo,
		Accounts: ledger,
		Objects:  stor,
		Provider: inpainter,
		Cache:    c,
		Notifier: q,
	}, task.Options{
		LockTTL:         cfg.Poller.LockTTL,
		RetryAfter:      cfg.Poller.ClientInterval,
		ProviderTimeout: cfg.Provider.Timeout,
	}, logger)

	uploads := upload.NewService(stor, c, upload.Options{
		MaxSize:      cfg.Upload.MaxSize,
		AllowedTypes: cfg.Upload.AllowedTypes,
		SessionTTL:   cfg.Upload.SessionTTL,
	}, logger)

	var verifier *webhook.Verifier
	if cfg.Provider.WebhookURL != "" {
		verifier, err = webhook.NewVerifier(cfg.Provider.WebhookSecret, cfg.Provider.WebhookToken)
		if err != nil {
			logger.WithError(err).Fatal("Failed to configure provider callbacks")
		}
	}

	api := &API{
		tasks:    tasks,
		uploads:  uploads,
		credits:  ledger,
		webhooks: verifier,
		checks: map[string]HealthCheck{
			"database": db.Health,
			"redis":    c.Ping,
			"storage":  stor.Ping,
		},
		logger:    logger,
		maxUpload: cfg.Upload.MaxSize,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	go limiter.Cleanup(ctx, 10*time.Minute, 30*time.Minute)

	router := setupRouter(api, routeLimits{
		perClient:      limiter,
		window:         c,
		processPerHour: int64(cfg.RateLimit.ProcessPerHour),
	})

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Port)
		go func() {
			logger.Infof("Starting metrics server on %s", metricsServer.Addr())
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.WithField("provider", inpainter.Name()).Infof("Starting API server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Metrics server forced to shutdown")
		}
	}

	logger.Info("Server stopped")
}
