package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/therealutkarshpriyadarshi/suberase/internal/cache"
	"github.com/therealutkarshpriyadarshi/suberase/internal/config"
	"github.com/therealutkarshpriyadarshi/suberase/internal/credits"
	"github.com/therealutkarshpriyadarshi/suberase/internal/database"
	"github.com/therealutkarshpriyadarshi/suberase/internal/logging"
	"github.com/therealutkarshpriyadarshi/suberase/internal/metrics"
	"github.com/therealutkarshpriyadarshi/suberase/internal/provider"
	"github.com/therealutkarshpriyadarshi/suberase/internal/queue"
	"github.com/therealutkarshpriyadarshi/suberase/internal/task"
	"github.com/therealutkarshpriyadarshi/suberase/internal/tracing"
)

func main() {
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
	logger = logger.WithField("component", "worker")

	closer, err := tracing.Init(cfg.Tracing)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}
	defer closer.Close()

	// Initialize database
	db, err := database.New(cfg.Database)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	repo := database.NewRepository(db)

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

	ledger := credits.NewLedger(repo, credits.Options{
		Initial:    cfg.Credits.Initial,
		TaskCost:   cfg.Credits.TaskCost,
		DailyBonus: cfg.Credits.DailyBonus,
	}, logger)

	// The worker never submits, so it needs no object store.
	svc := task.NewService(task.Deps{
		Store:    repo,
		Accounts: ledger,
		Provider: provider.Instrument(p, logger),
		Cache:    c,
	}, task.Options{
		ProviderTimeout: cfg.Provider.Timeout,
	}, logger)

	watcher := task.NewWatcher(svc, q, task.WatcherOptions{
		Interval:    cfg.Poller.WatchInterval,
		MaxAttempts: cfg.Poller.MaxAttempts,
	}, logger)

	// Create context with cancellation
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return watcher.Run(gctx)
	})

	g.Go(func() error {
		sweep(gctx, cfg.Poller.SweepInterval, watcher, ledger, q, logger)
		return nil
	})

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Metrics.Port)
		g.Go(func() error {
			logger.Infof("Starting metrics server on %s", metricsServer.Addr())
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer shutdownCancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	logger.WithField("provider", p.Name()).Info("Worker started, waiting for tasks...")
	if err := g.Wait(); err != nil {
		// Non-zero exit so the supervisor restarts the worker.
		logger.WithError(err).Fatal("Worker exited with error")
	}
	logger.Info("Worker stopped")
}

// sweep periodically re-enqueues lost watches and repairs ledger drift
func sweep(ctx context.Context, interval time.Duration, w *task.Watcher, ledger *credits.Ledger, q *queue.Queue, logger *logging.Logger) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := w.Sweep(ctx); err != nil {
			logger.WithError(err).Error("Stale task sweep failed")
		}

		if _, err := ledger.Reconcile(ctx); err != nil {
			logger.WithError(err).Error("Ledger reconciliation failed")
		}

		if depth, err := q.GetQueueDepth(); err == nil {
			metrics.RecordQueueDepth(queue.WatchQueueName, depth)
		}
		if depth, err := q.GetDLQDepth(); err == nil {
			metrics.RecordQueueDepth(queue.DeadLetterQueueName, depth)
			if depth > 0 {
				logger.WithField("depth", depth).Warn("Watch dead letter queue is not empty")
			}
		}
	}
}
