package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	fail    error
}

func newMemStore() *memStore { return &memStore{entries: make(map[string]Entry)} }

func (m *memStore) Lookup(_ context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *memStore) Touch(_ context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	e.AccessedAt = at
	e.AccessCount++
	m.entries[key] = e
	return nil
}

func (m *memStore) Put(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	entry.AccessCount = 0
	m.entries[entry.Key] = entry
	return nil
}

func (m *memStore) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	delete(m.entries, key)
	return ok, nil
}

func (m *memStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.entries {
		if !now.Before(e.ExpiresAt) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func (m *memStore) Count(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.entries)), nil
}

func (m *memStore) EvictLeastRecent(_ context.Context, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].AccessedAt.Before(all[j].AccessedAt) })
	var evicted int64
	for _, e := range all {
		if evicted >= n {
			break
		}
		delete(m.entries, e.Key)
		evicted++
	}
	return evicted, nil
}

func (m *memStore) Clear(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.entries))
	m.entries = make(map[string]Entry)
	return n, nil
}

func (m *memStore) Stats(_ context.Context, now time.Time) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Stats
	for _, e := range m.entries {
		s.Total++
		if !now.Before(e.ExpiresAt) {
			s.Expired++
			continue
		}
		s.TotalAccesses += e.AccessCount
	}
	s.Active = s.Total - s.Expired
	return s, nil
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestCache(store Store, opts Options) (*Cache, *clock) {
	clk := &clock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	return New(store, opts, zerolog.Nop()).WithClock(clk.Now), clk
}

func TestFingerprintIgnoresParamOrderAndAPIKey(t *testing.T) {
	a := Fingerprint("/events/E1", map[string]string{"locale": "en-us", "size": "20", "apikey": "secret-1"})
	b := Fingerprint("/events/E1", map[string]string{"size": "20", "apikey": "secret-2", "locale": "en-us"})
	c := Fingerprint("/events/E1", map[string]string{"size": "21", "locale": "en-us"})
	d := Fingerprint("/events/E2", map[string]string{"size": "20", "locale": "en-us"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Len(t, a, 64)
}

func TestGetRoundTripBeforeExpiryAndMissAfter(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCache(newMemStore(), Options{DefaultTTL: 10 * time.Minute, MaxEntries: 10})

	payload := []byte(`{"name":"Arena Night"}`)
	require.NoError(t, c.Set(ctx, "k", payload, 0))

	clk.now = clk.now.Add(9*time.Minute + 59*time.Second)
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, payload, got)

	clk.now = clk.now.Add(time.Second)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok, "read at expiry is a miss")

	_, ok = c.Get(ctx, "absent")
	assert.False(t, ok)
}

func TestTTLOverride(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCache(newMemStore(), Options{DefaultTTL: time.Hour, MaxEntries: 10})

	require.NoError(t, c.Set(ctx, "short", []byte("x"), time.Minute))
	clk.now = clk.now.Add(2 * time.Minute)
	_, ok := c.Get(ctx, "short")
	assert.False(t, ok)
}

func TestGetUpdatesAccessStats(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c, clk := newTestCache(store, Options{MaxEntries: 10})

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	clk.now = clk.now.Add(time.Minute)
	c.Get(ctx, "k")
	c.Get(ctx, "k")

	e := store.entries["k"]
	assert.Equal(t, int64(2), e.AccessCount)
	assert.Equal(t, clk.now, e.AccessedAt)
}

func TestSetEvictsExpiredThenLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c, clk := newTestCache(store, Options{DefaultTTL: time.Hour, MaxEntries: 3, EvictionBuffer: 1})

	require.NoError(t, c.Set(ctx, "expired", []byte("0"), time.Minute))
	for _, k := range []string{"a", "b", "c"} {
		clk.now = clk.now.Add(2 * time.Minute)
		require.NoError(t, c.Set(ctx, k, []byte(k), 0))
	}
	_, stillThere := store.entries["expired"]
	assert.False(t, stillThere, "expired entry swept first")
	assert.Len(t, store.entries, 3)

	clk.now = clk.now.Add(time.Minute)
	_, ok := c.Get(ctx, "a")
	require.True(t, ok)

	clk.now = clk.now.Add(time.Minute)
	require.NoError(t, c.Set(ctx, "d", []byte("d"), 0))

	assert.Len(t, store.entries, 2, "count - max + buffer entries evicted")
	assert.Contains(t, store.entries, "a", "recently read entry survives")
	assert.Contains(t, store.entries, "d")
}

func TestInvalidateAndSweep(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCache(newMemStore(), Options{DefaultTTL: time.Hour, MaxEntries: 10})

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), time.Minute))
	require.NoError(t, c.Set(ctx, "c", []byte("3"), 0))

	require.NoError(t, c.Invalidate(ctx, "c"))
	_, ok := c.Get(ctx, "c")
	assert.False(t, ok)

	clk.now = clk.now.Add(5 * time.Minute)
	n, err := c.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestStoreFailureIsAMiss(t *testing.T) {
	store := newMemStore()
	store.fail = errors.New("disk I/O error")
	c, _ := newTestCache(store, Options{})

	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
	assert.Error(t, c.Set(context.Background(), "k", []byte("v"), 0))
}

func newRedisCache(t *testing.T, opts Options) (*Cache, *RedisStore, *miniredis.Miniredis, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStore(client, "tixwatch:test:")
	c, clk := newTestCache(store, opts)
	mr.SetTime(clk.now)
	return c, store, mr, clk
}

func TestRedisStoreEvictsLeastRecentlyAccessed(t *testing.T) {
	ctx := context.Background()
	c, store, _, clk := newRedisCache(t, Options{DefaultTTL: time.Hour, MaxEntries: 2})

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	clk.now = clk.now.Add(time.Second)
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))
	clk.now = clk.now.Add(time.Second)

	got, ok := c.Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), got)
	clk.now = clk.now.Add(time.Second)

	require.NoError(t, c.Set(ctx, "c", []byte("3"), 0))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	evicted, err := store.Lookup(ctx, "b")
	require.NoError(t, err)
	assert.Nil(t, evicted, "b was the least recently accessed")

	kept, err := store.Lookup(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, int64(1), kept.AccessCount)
	assert.True(t, kept.AccessedAt.Equal(clk.now.Add(-time.Second)))

	_, ok = c.Get(ctx, "c")
	assert.True(t, ok)
}

func TestRedisStoreSweepsExpired(t *testing.T) {
	ctx := context.Background()
	c, store, mr, clk := newRedisCache(t, Options{DefaultTTL: time.Hour, MaxEntries: 10})

	require.NoError(t, c.Set(ctx, "short", []byte("s"), 10*time.Second))
	require.NoError(t, c.Set(ctx, "long", []byte("l"), 0))
	clk.now = clk.now.Add(30 * time.Second)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 2, Expired: 1, Active: 1}, stats)

	removed, err := c.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	gone, err := store.Lookup(ctx, "short")
	require.NoError(t, err)
	assert.Nil(t, gone)

	// redis drops the hash on its own; the index entry is cleaned up on sweep
	mr.SetTime(clk.now)
	require.NoError(t, c.Set(ctx, "brief", []byte("b"), 10*time.Second))
	mr.FastForward(time.Minute)
	assert.False(t, mr.Exists("tixwatch:test:brief"))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	removed, err = c.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	count, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	_, ok := c.Get(ctx, "long")
	assert.True(t, ok)
}

func TestRedisStoreClear(t *testing.T) {
	ctx := context.Background()
	c, store, mr, _ := newRedisCache(t, Options{})

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))

	n, err := c.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, mr.Keys())
}
