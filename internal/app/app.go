// Package app assembles the import pipeline from configuration. The API
// server, the queue worker and boqctl all build their processor here.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fibreflow/boq-import/internal/catalog"
	"github.com/fibreflow/boq-import/internal/config"
	"github.com/fibreflow/boq-import/internal/database"
	"github.com/fibreflow/boq-import/internal/importer"
	"github.com/fibreflow/boq-import/internal/jobs"
	"github.com/fibreflow/boq-import/internal/model"
	"github.com/fibreflow/boq-import/internal/parser"
	"github.com/fibreflow/boq-import/internal/repository"
	"github.com/fibreflow/boq-import/internal/validation"
)

// ErrNoDatabase is what the save stage reports when DB_URL is unset.
var ErrNoDatabase = errors.New("no database configured (set DB_URL)")

// Deps are the long-lived connections shared by a binary.
type Deps struct {
	DB    *pgxpool.Pool
	Redis *redis.Client
}

// Open connects to Postgres (running migrations) and Redis when they are
// configured. Both are optional.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Deps, error) {
	deps := &Deps{}
	if cfg.Postgres.URL != "" {
		if err := database.MigrateUp(cfg.Postgres.URL); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		pool, err := database.Connect(ctx, cfg.Postgres.URL, cfg.Postgres.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		deps.DB = pool
		logger.Info("database ready")
	} else {
		logger.Warn("DB_URL not set; imports will fail at the save stage")
	}
	if cfg.Redis.Enabled() {
		deps.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	return deps, nil
}

// Close releases whatever Open connected.
func (d *Deps) Close() {
	if d.Redis != nil {
		_ = d.Redis.Close()
	}
	if d.DB != nil {
		d.DB.Close()
	}
}

// JobStore returns the persisted job table, or nil without a database.
func (d *Deps) JobStore() *repository.JobRepository {
	if d.DB == nil {
		return nil
	}
	return repository.NewJobRepository(d.DB)
}

// Catalog picks the catalog source: an explicit seed file wins, then the
// catalog_items table, then the embedded seed. A Redis snapshot is put in
// front when Redis is configured.
func Catalog(cfg config.ImportConfig, deps *Deps, logger *zap.Logger) (catalog.Source, error) {
	var source catalog.Source
	switch {
	case cfg.CatalogSeedPath != "":
		static, err := catalog.LoadStatic(cfg.CatalogSeedPath)
		if err != nil {
			return nil, err
		}
		source = static
	case deps.DB != nil:
		source = catalog.NewPostgres(deps.DB)
	default:
		source = catalog.DefaultStatic()
	}
	if deps.Redis != nil && cfg.CatalogCacheTTL > 0 {
		source = catalog.NewCached(source, deps.Redis, cfg.CatalogCacheTTL, logger.Named("catalog"))
	}
	return source, nil
}

// NewProcessor wires parser, validator, mapper and saver into a processor
// bound to manager.
func NewProcessor(cfg *config.Config, deps *Deps, manager *jobs.Manager, logger *zap.Logger) (*importer.Processor, error) {
	source, err := Catalog(cfg.Import, deps, logger)
	if err != nil {
		return nil, err
	}
	var saver importer.Saver = unavailableSaver{}
	if deps.DB != nil {
		saver = repository.NewBOQRepository(deps.DB)
	}
	return importer.NewProcessor(
		manager,
		parser.New(cfg.Import.MaxRows),
		validation.New(),
		catalog.NewMapper(source, logger.Named("mapper")),
		saver,
		logger.Named("importer"),
	), nil
}

// NewManager builds a job manager that mirrors finished jobs into the job
// table when there is one, and reloads recent history from it.
func NewManager(ctx context.Context, cfg config.ImportConfig, deps *Deps, logger *zap.Logger) *jobs.Manager {
	opts := []jobs.Option{jobs.WithLogger(logger.Named("jobs"))}
	store := deps.JobStore()
	if store == nil {
		return jobs.NewManager(opts...)
	}
	manager := jobs.NewManager(append(opts, jobs.WithHistorySink(store))...)
	loaded, err := store.ListHistory(ctx, cfg.HistoryMaxSize)
	if err != nil {
		logger.Warn("load job history", zap.Error(err))
		return manager
	}
	logger.Info("job history loaded", zap.Int("jobs", manager.LoadHistory(loaded)))
	return manager
}

type unavailableSaver struct{}

func (unavailableSaver) Save(context.Context, model.MappingResult, model.ProcurementContext, model.ImportConfig, model.FileInfo) (model.SaveResult, error) {
	return model.SaveResult{}, ErrNoDatabase
}
