// Command server runs the BOQ import API. In local mode imports run on an
// in-process worker pool; in queue mode they are handed to cmd/worker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fibreflow/boq-import/internal/api"
	"github.com/fibreflow/boq-import/internal/app"
	"github.com/fibreflow/boq-import/internal/config"
	"github.com/fibreflow/boq-import/internal/importer"
	"github.com/fibreflow/boq-import/internal/logging"
	"github.com/fibreflow/boq-import/internal/queue"
	"github.com/fibreflow/boq-import/internal/s3storage"
)

const janitorInterval = time.Minute

func main() {
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	deps, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	manager := app.NewManager(ctx, cfg.Import, deps, logger)
	proc, err := app.NewProcessor(cfg, deps, manager, logger)
	if err != nil {
		return err
	}

	var options []importer.ServiceOption
	if cfg.S3.Enabled() {
		store, err := s3storage.New(cfg.S3)
		if err != nil {
			return fmt.Errorf("init storage: %w", err)
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("ensure bucket: %w", err)
		}
		options = append(options, importer.WithObjectStore(store))
	}
	if store := deps.JobStore(); store != nil {
		options = append(options, importer.WithJobStore(store))
	}

	var pool *importer.Pool
	if cfg.Import.Mode == config.ModeQueue {
		client := asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		options = append(options, importer.WithQueue(queue.NewClient(client, cfg.Import.JobTimeout)))
	} else {
		pool = importer.NewPool(proc, manager, cfg.Import.Workers, cfg.Import.QueueSize, cfg.Import.JobTimeout, logger.Named("pool"))
	}

	svc, err := importer.NewService(manager, pool, importer.Options{
		Mode:                 cfg.Import.Mode,
		AllowedExtensions:    cfg.HTTP.AllowedExtensions,
		MaxUploadBytes:       cfg.HTTP.MaxUploadBytes,
		HistoryMaxSize:       cfg.Import.HistoryMaxSize,
		HistoryRetention:     cfg.Import.HistoryRetention,
		MinMappingConfidence: cfg.Import.MinMappingConfidence,
	}, logger.Named("service"), options...)
	if err != nil {
		return err
	}

	logger.Info("starting",
		zap.String("mode", cfg.Import.Mode),
		zap.Int("workers", cfg.Import.Workers),
		zap.Bool("database", deps.DB != nil),
		zap.Bool("object_store", cfg.S3.Enabled()),
	)

	g, gctx := errgroup.WithContext(ctx)
	if pool != nil {
		pool.Start(gctx)
		g.Go(func() error {
			<-gctx.Done()
			pool.Wait()
			return nil
		})
	}
	g.Go(func() error {
		svc.RunJanitor(gctx, janitorInterval)
		return nil
	})
	g.Go(func() error {
		return api.New(cfg.HTTP, svc, logger.Named("api")).Run(gctx)
	})
	return g.Wait()
}
