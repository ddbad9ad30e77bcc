package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/winpackhq/winpack/internal/core"
	"github.com/winpackhq/winpack/internal/domain/model"
)

const (
	catalogVersionsKey        = "catalog:latest_versions"
	defaultCatalogVersionsTTL = 15 * time.Minute
)

// CachedCatalog is a Redis read-through decorator over a Catalog. The full
// latest-versions map is cached as one JSON blob; installer lookups pass
// through uncached since they are rare.
type CachedCatalog struct {
	inner  core.Catalog
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// CachedCatalogConfig groups options for NewCachedCatalog.
type CachedCatalogConfig struct {
	TTL    time.Duration
	Logger *slog.Logger
}

// NewCachedCatalog wraps the given catalog with a Redis cache.
func NewCachedCatalog(inner core.Catalog, client redis.UniversalClient, cfg CachedCatalogConfig) (*CachedCatalog, error) {
	if inner == nil {
		return nil, errors.New("inner catalog is required")
	}
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultCatalogVersionsTTL
	}
	return &CachedCatalog{
		inner:  inner,
		client: client,
		ttl:    ttl,
		logger: cfg.Logger,
	}, nil
}

// LatestVersions returns the cached package version map, falling back to the
// inner catalog on a miss or a cache error. Cache failures never fail the read.
func (c *CachedCatalog) LatestVersions(ctx context.Context) (map[string]model.CatalogEntry, error) {
	raw, err := c.client.Get(ctx, catalogVersionsKey).Result()
	if err == nil {
		var cached map[string]model.CatalogEntry
		if uerr := json.Unmarshal([]byte(raw), &cached); uerr == nil {
			return cached, nil
		}
		// A corrupt blob falls through to a fresh load and rewrite.
	} else if !errors.Is(err, redis.Nil) && c.logger != nil {
		c.logger.WarnContext(ctx, "catalog cache read failed", "error", err)
	}

	versions, err := c.inner.LatestVersions(ctx)
	if err != nil {
		return nil, err
	}

	if data, merr := json.Marshal(versions); merr == nil {
		if serr := c.client.Set(ctx, catalogVersionsKey, data, c.ttl).Err(); serr != nil && c.logger != nil {
			c.logger.WarnContext(ctx, "catalog cache write failed", "error", serr)
		}
	}
	return versions, nil
}

// InstallerFor passes through to the inner catalog.
func (c *CachedCatalog) InstallerFor(ctx context.Context, wingetID, version string) (*model.InstallerMetadata, error) {
	return c.inner.InstallerFor(ctx, wingetID, version)
}

// Invalidate drops the cached version map, forcing the next read to reload.
func (c *CachedCatalog) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, catalogVersionsKey).Err(); err != nil {
		return fmt.Errorf("invalidate catalog cache: %w", err)
	}
	return nil
}
