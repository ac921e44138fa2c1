package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/platinummonkey/impromptu/pkg/observability"
	"github.com/platinummonkey/impromptu/pkg/pluginkey"
	"github.com/sirupsen/logrus"
)

const latestMarker = "latest"

// CacheConfig configures a CachingSource
type CacheConfig struct {
	// Size is the L1 entry limit
	Size int
	// TTL bounds staleness of both layers
	TTL time.Duration
	// Redis is the optional shared L2 layer
	Redis *redis.Client
	// KeyPrefix namespaces L2 keys
	KeyPrefix string
	Metrics   *observability.Metrics
	Logger    *logrus.Logger
}

// DefaultCacheConfig returns the defaults used by the CLI
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Size:      1024,
		TTL:       5 * time.Minute,
		KeyPrefix: "impromptu:index",
	}
}

// CacheStats reports L1 and L2 hit counts
type CacheStats struct {
	L1Hits int64
	L2Hits int64
	Misses int64
}

// CachingSource memoizes package resolution of a remote source. Only
// successful lookups are cached; archives are never cached here since the
// retriever's extracted directories already are.
type CachingSource struct {
	inner   Source
	l1      *lru.LRU[string, *Package]
	redis   *redis.Client
	ttl     time.Duration
	prefix  string
	metrics *observability.Metrics
	logger  *logrus.Logger

	l1Hits atomic.Int64
	l2Hits atomic.Int64
	misses atomic.Int64
}

// NewCachingSource wraps inner with an index cache
func NewCachingSource(inner Source, cfg CacheConfig) *CachingSource {
	defaults := DefaultCacheConfig()
	if cfg.Size <= 0 {
		cfg.Size = defaults.Size
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaults.KeyPrefix
	}

	return &CachingSource{
		inner:   inner,
		l1:      lru.NewLRU[string, *Package](cfg.Size, nil, cfg.TTL),
		redis:   cfg.Redis,
		ttl:     cfg.TTL,
		prefix:  cfg.KeyPrefix,
		metrics: cfg.Metrics,
		logger:  observability.OrDefault(cfg.Logger),
	}
}

// NewRedisClient parses url and verifies the connection
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Name returns the wrapped source's name
func (c *CachingSource) Name() string {
	return c.inner.Name()
}

// Stats returns hit counters
func (c *CachingSource) Stats() CacheStats {
	return CacheStats{
		L1Hits: c.l1Hits.Load(),
		L2Hits: c.l2Hits.Load(),
		Misses: c.misses.Load(),
	}
}

// Purge drops the L1 layer. L2 entries expire on their own.
func (c *CachingSource) Purge() {
	c.l1.Purge()
}

func (c *CachingSource) cacheKey(id, version string) string {
	return fmt.Sprintf("%s:%s:%s:%s", c.prefix, c.inner.Name(), id, version)
}

// Find resolves id at version through the cache
func (c *CachingSource) Find(ctx context.Context, id string, version pluginkey.Version) (*Package, error) {
	return c.lookup(ctx, c.cacheKey(id, version.Normalized()), func() (*Package, error) {
		return c.inner.Find(ctx, id, version)
	})
}

// FindLatest resolves the latest version of id through the cache
func (c *CachingSource) FindLatest(ctx context.Context, id string) (*Package, error) {
	return c.lookup(ctx, c.cacheKey(id, latestMarker), func() (*Package, error) {
		return c.inner.FindLatest(ctx, id)
	})
}

// Extract delegates to the wrapped source
func (c *CachingSource) Extract(ctx context.Context, pkg *Package, dest string) error {
	return c.inner.Extract(ctx, pkg, dest)
}

func (c *CachingSource) lookup(ctx context.Context, key string, load func() (*Package, error)) (*Package, error) {
	if pkg, ok := c.l1.Get(key); ok {
		c.l1Hits.Add(1)
		c.metrics.ObserveIndexCache("l1", true)
		return pkg, nil
	}
	c.metrics.ObserveIndexCache("l1", false)

	if c.redis != nil {
		if pkg := c.getRedis(ctx, key); pkg != nil {
			c.l2Hits.Add(1)
			c.metrics.ObserveIndexCache("l2", true)
			c.l1.Add(key, pkg)
			return pkg, nil
		}
		c.metrics.ObserveIndexCache("l2", false)
	}

	c.misses.Add(1)
	pkg, err := load()
	if err != nil {
		return nil, err
	}

	c.l1.Add(key, pkg)
	if c.redis != nil {
		c.setRedis(ctx, key, pkg)
	}
	return pkg, nil
}

// getRedis treats every L2 failure as a miss
func (c *CachingSource) getRedis(ctx context.Context, key string) *Package {
	data, err := c.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil
	} else if err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("Index cache read failed")
		return nil
	}

	var pkg Package
	if err := json.Unmarshal(data, &pkg); err != nil {
		c.redis.Del(ctx, key)
		c.logger.WithError(err).WithField("key", key).Warn("Dropping corrupt index cache entry")
		return nil
	}
	return &pkg
}

func (c *CachingSource) setRedis(ctx context.Context, key string, pkg *Package) {
	data, err := json.Marshal(pkg)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to encode index cache entry")
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("Index cache write failed")
	}
}
