package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ruleEntry struct {
	Collection string   `msgpack:"collection"`
	Fields     []string `msgpack:"fields"`
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	s := New(Config{
		Enabled:   true,
		Namespace: "test",
		TTL:       time.Minute,
		L1:        L1Config{Enabled: true, Shards: 8, EvictionTime: time.Minute},
	})
	require.NoError(t, s.Init(context.Background()))
	require.True(t, s.Enabled())
	return s
}

func TestSetGet(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	require.NoError(t, s.Set(ctx, "k", ruleEntry{Collection: "posts", Fields: []string{"id"}}))

	var got ruleEntry
	require.NoError(t, s.Get(ctx, "k", &got))
	assert.Equal(t, "posts", got.Collection)
	assert.Equal(t, []string{"id"}, got.Fields)

	assert.ErrorIs(t, s.Get(ctx, "missing", &got), ErrMissCache)

	require.NoError(t, s.Delete(ctx, "k"))
	assert.ErrorIs(t, s.Get(ctx, "k", &got), ErrMissCache)
}

func TestLoadComputesOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	var calls atomic.Int32
	fn := func(context.Context) (ruleEntry, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return ruleEntry{Collection: "posts"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := Load(ctx, s, "rules", fn)
			assert.NoError(t, err)
			assert.Equal(t, "posts", v.Collection)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())

	v, err := Load(ctx, s, "rules", fn)
	require.NoError(t, err)
	assert.Equal(t, "posts", v.Collection)
	assert.Equal(t, int32(1), calls.Load(), "second load is served from the cache")
}

func TestLoadPropagatesErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	boom := errors.New("boom")

	_, err := Load(ctx, s, "k", func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
}

func TestLockSuppressesWrites(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	require.NoError(t, s.Lock(ctx))
	locked, err := s.IsLocked(ctx)
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, s.Set(ctx, "k", 1))
	var n int
	assert.ErrorIs(t, s.Get(ctx, "k", &n), ErrMissCache)

	require.NoError(t, s.Unlock(ctx))
	locked, err = s.IsLocked(ctx)
	require.NoError(t, err)
	assert.False(t, locked)

	require.NoError(t, s.Set(ctx, "k", 1))
	require.NoError(t, s.Get(ctx, "k", &n))
	assert.Equal(t, 1, n)
}

func TestLockExpires(t *testing.T) {
	ctx := context.Background()
	s := New(Config{
		Enabled:   true,
		Namespace: "test",
		LockTTL:   time.Millisecond,
		L1:        L1Config{Enabled: true, Shards: 8},
	})
	require.NoError(t, s.Init(ctx))

	require.NoError(t, s.Lock(ctx))
	time.Sleep(5 * time.Millisecond)
	locked, err := s.IsLocked(ctx)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestEpochOrphansKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	require.NoError(t, s.Set(ctx, "k", "v1"))
	assert.Equal(t, uint64(1), s.BumpEpoch())
	assert.Equal(t, uint64(1), s.Epoch())

	var v string
	assert.ErrorIs(t, s.Get(ctx, "k", &v), ErrMissCache)
}

func TestLoadAcrossInvalidationIsNotCached(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan string)
	go func() {
		v, err := Load(ctx, s, "rules", func(context.Context) (string, error) {
			close(started)
			<-release
			return "stale", nil
		})
		assert.NoError(t, err)
		done <- v
	}()

	<-started
	require.NoError(t, s.Lock(ctx))
	s.BumpEpoch()
	require.NoError(t, s.Invalidate(ctx))
	require.NoError(t, s.Unlock(ctx))
	close(release)
	assert.Equal(t, "stale", <-done, "the running load still answers its own caller")

	v, err := Load(ctx, s, "rules", func(context.Context) (string, error) { return "fresh", nil })
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
}

func TestInvalidateByTag(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	require.NoError(t, s.Set(ctx, "a", "x", WithTags("permissions")))
	require.NoError(t, s.Set(ctx, "b", "y"))
	require.NoError(t, s.Invalidate(ctx, "permissions"))

	var v string
	assert.ErrorIs(t, s.Get(ctx, "a", &v), ErrMissCache)
	require.NoError(t, s.Get(ctx, "b", &v))
	assert.Equal(t, "y", v)
}

func TestDisabledService(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})
	require.NoError(t, s.Init(ctx))
	assert.False(t, s.Enabled())

	require.NoError(t, s.Set(ctx, "k", 1))
	var n int
	assert.ErrorIs(t, s.Get(ctx, "k", &n), ErrMissCache)

	calls := 0
	for i := 0; i < 2; i++ {
		_, err := Load(ctx, s, "k", func(context.Context) (int, error) { calls++; return 1, nil })
		require.NoError(t, err)
	}
	assert.Equal(t, 2, calls)
}

func TestKeyIsStable(t *testing.T) {
	a, err := Key("rules", map[string]any{"b": 1, "a": []string{"x"}})
	require.NoError(t, err)
	b, err := Key("rules", map[string]any{"a": []string{"x"}, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Key("rules", map[string]any{"a": []string{"y"}, "b": 1})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestL2RequiresAddresses(t *testing.T) {
	_, err := L2Config{Enabled: true, Backend: BackendRedis}.Init(context.Background())
	assert.Error(t, err)
}
