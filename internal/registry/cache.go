package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/pubvault/pubvault/internal/common"
	"github.com/rs/zerolog/log"
)

// VersionCache is the read-through cache for hot read paths: the gzipped
// versions listing and package existence. Mutations purge per-package keys.
type VersionCache struct {
	cache *common.Cache
	ttl   time.Duration
}

// NewVersionCache wraps the shared cache with registry key conventions
func NewVersionCache(cache *common.Cache, ttl time.Duration) *VersionCache {
	return &VersionCache{cache: cache, ttl: ttl}
}

func listingKey(pkg string) string { return fmt.Sprintf("pkg:%s:versions.gz", pkg) }
func existsKey(pkg string) string  { return fmt.Sprintf("pkg:%s:exists", pkg) }

// GetListing returns the cached gzipped versions listing, if present
func (c *VersionCache) GetListing(ctx context.Context, pkg string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	data, err := c.cache.GetBytes(ctx, listingKey(pkg))
	if err != nil {
		if err != common.ErrCacheMiss {
			log.Warn().Err(err).Str("package", pkg).Msg("listing cache read failed")
		}
		return nil, false
	}
	return data, true
}

// SetListing stores the gzipped versions listing
func (c *VersionCache) SetListing(ctx context.Context, pkg string, body []byte) {
	if c == nil {
		return
	}
	if err := c.cache.SetBytes(ctx, listingKey(pkg), body, c.ttl); err != nil {
		log.Warn().Err(err).Str("package", pkg).Msg("listing cache write failed")
	}
}

// GetExists returns the cached existence flag for a package name
func (c *VersionCache) GetExists(ctx context.Context, pkg string) (bool, bool) {
	if c == nil {
		return false, false
	}
	var exists bool
	if err := c.cache.Get(ctx, existsKey(pkg), &exists); err != nil {
		return false, false
	}
	return exists, true
}

// SetExists stores the existence flag for a package name
func (c *VersionCache) SetExists(ctx context.Context, pkg string, exists bool) {
	if c == nil {
		return
	}
	if err := c.cache.Set(ctx, existsKey(pkg), exists, c.ttl); err != nil {
		log.Warn().Err(err).Str("package", pkg).Msg("exists cache write failed")
	}
}

// Purge drops all cached entries for a package
func (c *VersionCache) Purge(ctx context.Context, pkg string) {
	if c == nil {
		return
	}
	if err := c.cache.Delete(ctx, listingKey(pkg), existsKey(pkg)); err != nil {
		log.Warn().Err(err).Str("package", pkg).Msg("cache purge failed")
	}
}
