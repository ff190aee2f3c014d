package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/bradfitz/gomemcache/memcache"
	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	bs "github.com/eko/gocache/store/bigcache/v4"
	mc "github.com/eko/gocache/store/memcache/v4"
	rs "github.com/eko/gocache/store/redis/v4"
	rrs "github.com/eko/gocache/store/rediscluster/v4"
	"github.com/redis/go-redis/v9"
)

// L2 backends.
const (
	BackendRedis        = "redis"
	BackendRedisCluster = "redis-cluster"
	BackendMemcached    = "memcached"
)

var ErrNoCacheConfigured = errors.New("no cache configured")

type Config struct {
	Enabled   bool          `mapstructure:"enabled"`
	Namespace string        `mapstructure:"namespace"` // prefix of every key
	TTL       time.Duration `mapstructure:"ttl"`       // default time to live of entries
	LockTTL   time.Duration `mapstructure:"lock_ttl"`  // how long a lock suppresses writes
	L1        L1Config      `mapstructure:"l1"`
	L2        L2Config      `mapstructure:"l2"`
}

// Init builds the cache: L1 alone, L2 alone, or L1 in front of L2.
func (c Config) Init(ctx context.Context) (cache.CacheInterface[any], error) {
	if !c.Enabled {
		return nil, ErrNoCacheConfigured
	}
	switch {
	case c.L1.Enabled && !c.L2.Enabled:
		l1, err := c.L1.Init(ctx)
		if err != nil {
			return nil, err
		}
		return cache.New[any](l1), nil
	case !c.L1.Enabled && c.L2.Enabled:
		l2, err := c.L2.Init(ctx)
		if err != nil {
			return nil, err
		}
		return cache.New[any](l2), nil
	case c.L1.Enabled && c.L2.Enabled:
		l1, err := c.L1.Init(ctx)
		if err != nil {
			return nil, err
		}
		l2, err := c.L2.Init(ctx)
		if err != nil {
			return nil, err
		}
		return cache.NewChain[any](cache.New[any](l1), cache.New[any](l2)), nil
	}
	return nil, ErrNoCacheConfigured
}

type L1Config struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxSize      int           `mapstructure:"max_size"` // megabytes
	MaxItemSize  int           `mapstructure:"max_item_size"`
	Shards       int           `mapstructure:"shards"`
	CleanTime    time.Duration `mapstructure:"clean_time"`
	EvictionTime time.Duration `mapstructure:"eviction_time"`
}

type L2Config struct {
	Enabled   bool     `mapstructure:"enabled"`
	Backend   string   `mapstructure:"backend"`
	Addresses []string `mapstructure:"addresses"`
	Database  int      `mapstructure:"database"` // redis only
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
}

func (c L1Config) Init(ctx context.Context) (store.StoreInterface, error) {
	eviction := c.EvictionTime
	if eviction == 0 {
		eviction = 10 * time.Minute
	}
	conf := bigcache.DefaultConfig(eviction)
	conf.HardMaxCacheSize = c.MaxSize
	conf.CleanWindow = c.CleanTime
	conf.Shards = 64
	if c.Shards > 0 {
		conf.Shards = c.Shards
	}
	// Both only size the initial allocation; rule sets are small.
	conf.MaxEntriesInWindow = 1024
	conf.MaxEntrySize = c.MaxItemSize
	if conf.MaxEntrySize == 0 {
		conf.MaxEntrySize = 4 << 10
	}
	client, err := bigcache.New(ctx, conf)
	if err != nil {
		return nil, err
	}
	return bs.NewBigcache(client), nil
}

func (c L2Config) Init(ctx context.Context) (store.StoreInterface, error) {
	if len(c.Addresses) == 0 {
		return nil, fmt.Errorf("%s addresses are required", c.Backend)
	}
	switch c.Backend {
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     c.Addresses[0],
			Username: c.Username,
			Password: c.Password,
			DB:       c.Database,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		return rs.NewRedis(client), nil
	case BackendRedisCluster:
		client := redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    c.Addresses,
			Username: c.Username,
			Password: c.Password,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		return rrs.NewRedisCluster(client), nil
	case BackendMemcached:
		client := memcache.New(c.Addresses...)
		if err := client.Ping(); err != nil {
			return nil, err
		}
		return mc.NewMemcache(client), nil
	default:
		return nil, fmt.Errorf("unsupported l2 backend %q", c.Backend)
	}
}
