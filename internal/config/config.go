// Package config reads runtime configuration from the environment (and an
// optional .env file) into typed structs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Import execution modes.
const (
	ModeLocal = "local"
	ModeQueue = "queue"
)

const (
	defaultMaxUploadBytes = 50 << 20 // 50 MiB
	defaultWorkers        = 2
	defaultHistoryMax     = 100
	defaultJobTimeout     = 10 * time.Minute
	defaultMinConfidence  = 0.8
)

// Config is the root configuration, one struct per subsystem.
type Config struct {
	HTTP     HTTPConfig     `envPrefix:"HTTP_"`
	Postgres PostgresConfig `envPrefix:"DB_"`
	Redis    RedisConfig    `envPrefix:"REDIS_"`
	S3       S3Config       `envPrefix:"S3_"`
	Import   ImportConfig   `envPrefix:"IMPORT_"`
	Log      LogConfig      `envPrefix:"LOG_"`
}

// HTTPConfig controls the upload API.
type HTTPConfig struct {
	Address           string        `env:"ADDRESS" envDefault:":8080"`
	MaxUploadBytes    int64         `env:"MAX_UPLOAD_BYTES" envDefault:"52428800"`
	AllowedExtensions []string      `env:"ALLOWED_EXTENSIONS" envDefault:".csv,.txt,.xlsx,.xlsm,.pdf" envSeparator:","`
	UploadRate        float64       `env:"UPLOAD_RATE" envDefault:"5"`
	UploadBurst       int           `env:"UPLOAD_BURST" envDefault:"10"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	// SigningSecret enables expiring download links for retained uploads.
	SigningSecret string        `env:"SIGNING_SECRET"`
	LinkTTL       time.Duration `env:"LINK_TTL" envDefault:"15m"`
}

// PostgresConfig points at the BOQ database. An empty URL disables
// persistence; imports then fail at the save stage.
type PostgresConfig struct {
	URL      string `env:"URL"`
	MaxConns int32  `env:"MAX_CONNS" envDefault:"8"`
}

// RedisConfig is shared by the asynq queue and the catalog cache.
type RedisConfig struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

// Enabled reports whether a Redis address was configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// S3Config holds MinIO/S3 settings for retaining raw uploads.
type S3Config struct {
	Endpoint  string `env:"ENDPOINT"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	Bucket    string `env:"BUCKET" envDefault:"boq-uploads"`
	UseSSL    bool   `env:"USE_SSL" envDefault:"false"`
	Region    string `env:"REGION" envDefault:"us-east-1"`
}

// Enabled reports whether object storage was configured.
func (c S3Config) Enabled() bool { return c.Endpoint != "" }

// ImportConfig tunes the pipeline.
type ImportConfig struct {
	Mode                 string        `env:"MODE" envDefault:"local"`
	Workers              int           `env:"WORKERS" envDefault:"2"`
	QueueSize            int           `env:"QUEUE_SIZE"`
	JobTimeout           time.Duration `env:"JOB_TIMEOUT" envDefault:"10m"`
	MaxRows              int           `env:"MAX_ROWS" envDefault:"50000"`
	HistoryMaxSize       int           `env:"HISTORY_MAX_SIZE" envDefault:"100"`
	HistoryRetention     time.Duration `env:"HISTORY_RETENTION" envDefault:"720h"`
	CatalogSeedPath      string        `env:"CATALOG_SEED_PATH"`
	CatalogCacheTTL      time.Duration `env:"CATALOG_CACHE_TTL" envDefault:"5m"`
	MinMappingConfidence float64       `env:"MIN_MAPPING_CONFIDENCE" envDefault:"0.8"`
}

// LogConfig selects the zap encoder and level.
type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

// Load reads .env (if present) and the process environment, then applies
// guardrails.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("load .env file: %w", err)
		}
	}
	return Parse()
}

// Parse reads the process environment only.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Sanitize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Sanitize replaces out-of-range values with defaults and rejects settings
// that cannot work.
func (c *Config) Sanitize() error {
	if c.HTTP.MaxUploadBytes <= 0 {
		c.HTTP.MaxUploadBytes = defaultMaxUploadBytes
	}
	for i, ext := range c.HTTP.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.HTTP.AllowedExtensions[i] = ext
	}
	if c.HTTP.UploadRate <= 0 {
		c.HTTP.UploadRate = 5
	}
	if c.HTTP.UploadBurst <= 0 {
		c.HTTP.UploadBurst = 1
	}
	if c.Import.Workers <= 0 {
		c.Import.Workers = defaultWorkers
	}
	if c.Import.QueueSize <= 0 {
		c.Import.QueueSize = c.Import.Workers * 4
	}
	if c.Import.JobTimeout <= 0 {
		c.Import.JobTimeout = defaultJobTimeout
	}
	if c.Import.HistoryMaxSize <= 0 {
		c.Import.HistoryMaxSize = defaultHistoryMax
	}
	if c.Import.MinMappingConfidence <= 0 || c.Import.MinMappingConfidence > 1 {
		c.Import.MinMappingConfidence = defaultMinConfidence
	}
	c.Import.Mode = strings.ToLower(strings.TrimSpace(c.Import.Mode))
	switch c.Import.Mode {
	case "":
		c.Import.Mode = ModeLocal
	case ModeLocal:
	case ModeQueue:
		if !c.Redis.Enabled() {
			return errors.New("IMPORT_MODE=queue requires REDIS_ADDR")
		}
		if !c.S3.Enabled() {
			return errors.New("IMPORT_MODE=queue requires S3_ENDPOINT")
		}
	default:
		return fmt.Errorf("unknown IMPORT_MODE %q", c.Import.Mode)
	}
	c.Log.Level = strings.ToLower(c.Log.Level)
	return nil
}
