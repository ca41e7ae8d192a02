// Command worker consumes queued BOQ imports from Redis.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/fibreflow/boq-import/internal/app"
	"github.com/fibreflow/boq-import/internal/config"
	"github.com/fibreflow/boq-import/internal/logging"
	"github.com/fibreflow/boq-import/internal/queue"
	"github.com/fibreflow/boq-import/internal/s3storage"
	"github.com/fibreflow/boq-import/internal/worker"
)

const historyInterval = time.Minute

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if !cfg.Redis.Enabled() || !cfg.S3.Enabled() {
		return errors.New("worker requires REDIS_ADDR and S3_ENDPOINT")
	}
	deps, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()
	recorder := deps.JobStore()
	if recorder == nil {
		return errors.New("worker requires DB_URL to report job status")
	}

	store, err := s3storage.New(cfg.S3)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}

	// Finished jobs reach Postgres through the manager's history sink, so
	// the in-memory history only needs to stay bounded.
	manager := app.NewManager(ctx, cfg.Import, deps, logger)
	proc, err := app.NewProcessor(cfg, deps, manager, logger)
	if err != nil {
		return err
	}
	processor := worker.NewProcessor(manager, proc, store, recorder, logger.Named("worker"))

	server := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, asynq.Config{
		Concurrency:     cfg.Import.Workers,
		Queues:          map[string]int{queue.Queue: 1},
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		Logger:          logger.Named("asynq").Sugar(),
	})

	go func() {
		ticker := time.NewTicker(historyInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				manager.CleanupHistory(cfg.Import.HistoryMaxSize)
			}
		}
	}()

	if err := server.Start(processor.Handler()); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	logger.Info("worker started", zap.Int("concurrency", cfg.Import.Workers))
	<-ctx.Done()
	server.Shutdown()
	return nil
}
