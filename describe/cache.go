package describe

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"midas.oar.dev/common"
)

// CacheConfig configures the optional redis read-through cache for
// resolved records.
type CacheConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// CachingMetadataClient wraps a MetadataClient with a redis cache keyed by
// canonical id and version.  Cache failures degrade to direct lookups.
type CachingMetadataClient struct {
	inner *MetadataClient
	rdb   *redis.Client
	ttl   time.Duration
}

// NewCachingMetadataClient creates the caching wrapper.
func NewCachingMetadataClient(inner *MetadataClient, cfg CacheConfig) *CachingMetadataClient {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &CachingMetadataClient{inner: inner, rdb: rdb, ttl: ttl}
}

func cacheKey(id, version string) string {
	if version == "" {
		version = "latest"
	}
	return "describe:" + id + "@" + version
}

// Describe implements the metadata lookup with a read-through cache.
func (c *CachingMetadataClient) Describe(id, version string) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := cacheKey(id, version)

	if raw, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var doc map[string]interface{}
		if json.Unmarshal(raw, &doc) == nil {
			return doc, nil
		}
	} else if err != redis.Nil {
		common.Logger.WithField("service", "describe.cache").
			Debugf("cache read failed for %s: %v", key, err)
	}

	doc, err := c.inner.Describe(id, version)
	if err != nil {
		return nil, err
	}
	if raw, merr := json.Marshal(doc); merr == nil {
		if serr := c.rdb.Set(ctx, key, raw, c.ttl).Err(); serr != nil {
			common.Logger.WithField("service", "describe.cache").
				Debugf("cache write failed for %s: %v", key, serr)
		}
	}
	return doc, nil
}

// Search proxies to the wrapped client; search results are not cached.
func (c *CachingMetadataClient) Search(query map[string]string, latest bool) ([]map[string]interface{}, error) {
	return c.inner.Search(query, latest)
}

// Close releases the redis connection.
func (c *CachingMetadataClient) Close() error { return c.rdb.Close() }
