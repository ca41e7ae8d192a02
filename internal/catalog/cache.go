package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fibreflow/boq-import/internal/model"
)

// DefaultCacheKey holds the JSON catalog snapshot.
const DefaultCacheKey = "boq:catalog:snapshot"

// CachedCatalog keeps a JSON snapshot of another Source in Redis. Redis
// failures fall through to the wrapped source.
type CachedCatalog struct {
	next   Source
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

// NewCached wraps next with a Redis snapshot that lives for ttl.
func NewCached(next Source, client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *CachedCatalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedCatalog{next: next, client: client, key: DefaultCacheKey, ttl: ttl, logger: logger}
}

// Items implements Source.
func (c *CachedCatalog) Items(ctx context.Context) ([]model.CatalogItem, error) {
	raw, err := c.client.Get(ctx, c.key).Bytes()
	switch {
	case err == nil:
		var items []model.CatalogItem
		jerr := json.Unmarshal(raw, &items)
		if jerr == nil {
			return items, nil
		}
		c.logger.Warn("discarding corrupt catalog snapshot", zap.Error(jerr))
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("catalog cache read failed", zap.Error(err))
	}

	items, err := c.next.Items(ctx)
	if err != nil {
		return nil, err
	}
	if payload, err := json.Marshal(items); err == nil {
		if err := c.client.Set(ctx, c.key, payload, c.ttl).Err(); err != nil {
			c.logger.Warn("catalog cache write failed", zap.Error(err))
		}
	}
	return items, nil
}

// Invalidate drops the snapshot so the next read goes to the source.
func (c *CachedCatalog) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		return fmt.Errorf("invalidate catalog cache: %w", err)
	}
	return nil
}
