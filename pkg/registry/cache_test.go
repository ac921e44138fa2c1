package registry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/platinummonkey/impromptu/pkg/observability"
	"github.com/platinummonkey/impromptu/pkg/pluginkey"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSource counts lookups reaching the wrapped source
type countingSource struct {
	Source
	finds atomic.Int32
}

func (c *countingSource) Find(ctx context.Context, id string, v pluginkey.Version) (*Package, error) {
	c.finds.Add(1)
	return c.Source.Find(ctx, id, v)
}

func (c *countingSource) FindLatest(ctx context.Context, id string) (*Package, error) {
	c.finds.Add(1)
	return c.Source.FindLatest(ctx, id)
}

func TestCachingSource_L1(t *testing.T) {
	ctx := context.Background()
	inner := &countingSource{Source: newFeed(t, "Pkg", "1.0.0")}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	cache := NewCachingSource(inner, CacheConfig{Size: 8, TTL: time.Minute, Metrics: metrics})

	for i := 0; i < 3; i++ {
		pkg, err := cache.FindLatest(ctx, "Pkg")
		require.NoError(t, err)
		assert.Equal(t, "1.0.0", pkg.Version.Normalized())
	}
	assert.Equal(t, int32(1), inner.finds.Load())
	assert.Equal(t, CacheStats{L1Hits: 2, Misses: 1}, cache.Stats())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.IndexCacheTotal.WithLabelValues("l1", "hit")))

	cache.Purge()
	_, err := cache.FindLatest(ctx, "Pkg")
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.finds.Load())
}

func TestCachingSource_NotFoundIsNotCached(t *testing.T) {
	ctx := context.Background()
	feed := newFeed(t, "Pkg", "1.0.0")
	inner := &countingSource{Source: feed}
	cache := NewCachingSource(inner, CacheConfig{})

	_, err := cache.Find(ctx, "Pkg", pluginkey.MustParseVersion("2.0"))
	assert.ErrorIs(t, err, ErrNotFound)

	publish(t, feed, "Pkg", "2.0.0", FormatZip)

	pkg, err := cache.Find(ctx, "Pkg", pluginkey.MustParseVersion("2.0"))
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", pkg.Version.Normalized())
	assert.Equal(t, int32(2), inner.finds.Load())
}

func TestCachingSource_RedisSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	inner := &countingSource{Source: newFeed(t, "Pkg", "1.0.0", "1.3.0")}

	first := NewCachingSource(inner, CacheConfig{Redis: client, TTL: time.Minute})
	pkg, err := first.FindLatest(ctx, "Pkg")
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", pkg.Version.Normalized())

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0], "impromptu:index:")
	assert.True(t, mr.TTL(keys[0]) > 0)

	second := NewCachingSource(inner, CacheConfig{Redis: client, TTL: time.Minute})
	pkg, err = second.FindLatest(ctx, "Pkg")
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", pkg.Version.Normalized())
	assert.Equal(t, FormatZip, pkg.Format)

	assert.Equal(t, int32(1), inner.finds.Load())
	assert.Equal(t, int64(1), second.Stats().L2Hits)
}

func TestCachingSource_CorruptRedisEntry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	inner := &countingSource{Source: newFeed(t, "Pkg", "1.0.0")}
	cache := NewCachingSource(inner, CacheConfig{Redis: client})

	key := cache.cacheKey("Pkg", latestMarker)
	require.NoError(t, mr.Set(key, "{not json"))

	pkg, err := cache.FindLatest(ctx, "Pkg")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", pkg.Version.Normalized())
	assert.Equal(t, int32(1), inner.finds.Load())
}

func TestCachingSource_RedisDown(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	inner := &countingSource{Source: newFeed(t, "Pkg", "1.0.0")}
	cache := NewCachingSource(inner, CacheConfig{Redis: client})

	pkg, err := cache.FindLatest(ctx, "Pkg")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", pkg.Version.Normalized())
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	client.Close()

	_, err = NewRedisClient(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestCachingSource_Extract(t *testing.T) {
	ctx := context.Background()
	cache := NewCachingSource(newFeed(t, "Pkg", "1.0.0"), CacheConfig{})

	pkg, err := cache.FindLatest(ctx, "Pkg")
	require.NoError(t, err)
	require.NoError(t, cache.Extract(ctx, pkg, t.TempDir()))
	assert.Contains(t, cache.Name(), "file:")
}
