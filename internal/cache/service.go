package cache

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/eko/gocache/lib/v4/marshaler"
	"github.com/eko/gocache/lib/v4/store"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"
)

var ErrMissCache = errors.New("key not found in cache")

const defaultLockTTL = 10 * time.Second

// Key hashes arbitrary parts into a stable cache key. Maps are encoded with
// sorted keys, so equal values always hash alike.
func Key(parts ...any) (string, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	for _, p := range parts {
		if err := enc.Encode(p); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%x", md5.Sum(buf.Bytes())), nil
}

// Service is a namespaced key/value cache. Keys are prefixed with the
// namespace and the current epoch; bumping the epoch orphans every key this
// process wrote before. While the lock is held Set is a no-op.
type Service struct {
	config  Config
	enabled bool

	group singleflight.Group
	cache *marshaler.Marshaler
	epoch atomic.Uint64
}

func New(config Config) *Service {
	if config.LockTTL == 0 {
		config.LockTTL = defaultLockTTL
	}
	return &Service{config: config}
}

func (s *Service) Init(ctx context.Context) error {
	cm, err := s.config.Init(ctx)
	if errors.Is(err, ErrNoCacheConfigured) {
		s.enabled = false
		return nil
	}
	if err != nil {
		return err
	}

	s.cache = marshaler.New(cm)
	s.enabled = true
	return nil
}

func (s *Service) Enabled() bool {
	return s.enabled
}

func (s *Service) formatKey(key string) string {
	return s.epochKey(s.epoch.Load(), key)
}

func (s *Service) epochKey(epoch uint64, key string) string {
	return fmt.Sprintf("%s:%d:%s", s.config.Namespace, epoch, key)
}

func (s *Service) lockKey() string {
	return s.config.Namespace + ":lock"
}

// Get decodes the value stored under key into out.
func (s *Service) Get(ctx context.Context, key string, out any) error {
	if !s.enabled {
		return ErrMissCache
	}
	v, err := s.cache.Get(ctx, s.formatKey(key), out)
	if err != nil || v == nil {
		return ErrMissCache
	}
	return nil
}

func (s *Service) Set(ctx context.Context, key string, data any, options ...Option) error {
	if !s.enabled {
		return nil
	}
	return s.setAt(ctx, s.epoch.Load(), key, data, options...)
}

// setAt stores data under the key of epoch. Nothing is stored when the epoch
// has moved on, so a value computed before an invalidation never outlives it.
func (s *Service) setAt(ctx context.Context, epoch uint64, key string, data any, options ...Option) error {
	if s.epoch.Load() != epoch {
		return nil
	}
	locked, err := s.IsLocked(ctx)
	if err != nil {
		return err
	}
	if locked {
		return nil
	}
	o := s.defaultOptions()
	for _, opt := range options {
		opt(o)
	}
	return s.cache.Set(ctx, s.epochKey(epoch, key), data, o.toStoreOptions()...)
}

// Load returns the cached value of key or computes, stores and returns it.
// Concurrent loads of one key share a single computation. A failure to store
// the computed value is logged and otherwise ignored.
func Load[T any](ctx context.Context, s *Service, key string, fn func(context.Context) (T, error), options ...Option) (T, error) {
	var out T
	if s == nil || !s.enabled {
		return fn(ctx)
	}
	if err := s.Get(ctx, key, &out); err == nil {
		return out, nil
	}

	epoch := s.epoch.Load()
	v, err, _ := s.group.Do(s.epochKey(epoch, key), func() (any, error) {
		var cached T
		if err := s.Get(ctx, key, &cached); err == nil {
			return cached, nil
		}
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.setAt(ctx, epoch, key, v, options...); err != nil {
			slog.Warn("cache set failed", "key", key, "err", err)
		}
		return v, nil
	})
	if err != nil {
		return out, err
	}
	out, _ = v.(T)
	return out, nil
}

func (s *Service) Delete(ctx context.Context, key string) error {
	if !s.enabled {
		return nil
	}
	return s.cache.Delete(ctx, s.formatKey(key))
}

// Invalidate drops the entries carrying any of tags, or everything when no
// tag is given.
func (s *Service) Invalidate(ctx context.Context, tags ...string) error {
	if !s.enabled {
		return nil
	}
	if len(tags) == 0 {
		return s.cache.Clear(ctx)
	}
	return s.cache.Invalidate(ctx, store.WithInvalidateTags(tags))
}

// Lock suppresses Set until Unlock or until the lock TTL passes.
func (s *Service) Lock(ctx context.Context) error {
	if !s.enabled {
		return nil
	}
	deadline := time.Now().Add(s.config.LockTTL).UnixNano()
	return s.cache.Set(ctx, s.lockKey(), deadline, store.WithExpiration(s.config.LockTTL))
}

func (s *Service) Unlock(ctx context.Context) error {
	if !s.enabled {
		return nil
	}
	return s.cache.Delete(ctx, s.lockKey())
}

func (s *Service) IsLocked(ctx context.Context) (bool, error) {
	if !s.enabled {
		return false, nil
	}
	var deadline int64
	v, err := s.cache.Get(ctx, s.lockKey(), &deadline)
	if err != nil || v == nil {
		return false, nil
	}
	return time.Now().UnixNano() < deadline, nil
}

// Epoch is the generation folded into every key.
func (s *Service) Epoch() uint64 {
	return s.epoch.Load()
}

// BumpEpoch makes every key written so far unreachable from this process.
func (s *Service) BumpEpoch() uint64 {
	return s.epoch.Add(1)
}

func (s *Service) defaultOptions() *Options {
	return &Options{ttl: s.config.TTL}
}

type Option func(o *Options)

type Options struct {
	ttl  time.Duration
	tags []string
}

func (o *Options) toStoreOptions() []store.Option {
	var oo []store.Option
	oo = append(oo, store.WithExpiration(o.ttl))
	if len(o.tags) > 0 {
		oo = append(oo, store.WithTags(o.tags))
	}
	return oo
}

func WithTTL(ttl time.Duration) Option {
	return func(o *Options) {
		o.ttl = ttl
	}
}

func WithTags(tags ...string) Option {
	return func(o *Options) {
		o.tags = tags
	}
}
