package statestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-price-alerts/internal/cache"
	"ticket-price-alerts/internal/ratelimit"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRateRecordsDriveLimiter(t *testing.T) {
	ctx := context.Background()
	store := openMemory(t)

	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	var slept []time.Duration
	l := ratelimit.New(store, ratelimit.Options{Service: "ticketmaster", MaxRequests: 2, Window: time.Minute}, zerolog.Nop())
	l.WithClock(func() time.Time { return now }, func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		now = now.Add(d)
		return nil
	})

	require.NoError(t, l.Record(ctx))
	now = now.Add(20 * time.Second)
	require.NoError(t, l.Record(ctx))
	require.NoError(t, store.RecordRequest(ctx, "other", now))

	assert.False(t, l.CanProceed(ctx))
	assert.Equal(t, 0, l.Remaining(ctx))

	require.NoError(t, l.WaitIfNeeded(ctx, time.Minute))
	require.Len(t, slept, 1)
	assert.Equal(t, 40*time.Second+time.Millisecond, slept[0])
	assert.True(t, l.CanProceed(ctx))

	assert.ErrorIs(t, ratelimit.New(store, ratelimit.Options{Service: "other", MaxRequests: 1, Window: time.Hour}, zerolog.Nop()).
		WithClock(func() time.Time { return now }, nil).
		WaitIfNeeded(ctx, time.Second), ratelimit.ErrMustDefer)
}

func TestOldestSinceAndPrune(t *testing.T) {
	ctx := context.Background()
	store := openMemory(t)
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	for _, ago := range []time.Duration{3 * time.Hour, time.Hour, time.Minute} {
		require.NoError(t, store.RecordRequest(ctx, "tm", base.Add(-ago)))
	}

	oldest, ok, err := store.OldestSince(ctx, "tm", base.Add(-2*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, oldest.Equal(base.Add(-time.Hour)))

	_, ok, err = store.OldestSince(ctx, "nobody", base.Add(-2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	removed, err := store.PruneBefore(ctx, "tm", base.Add(-2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	n, err := store.CountSince(ctx, "tm", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCacheOverSQLite(t *testing.T) {
	ctx := context.Background()
	store := openMemory(t)

	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	c := cache.New(store, cache.Options{DefaultTTL: 10 * time.Minute, MaxEntries: 3, EvictionBuffer: 1}, zerolog.Nop()).
		WithClock(func() time.Time { return now })

	require.NoError(t, c.Set(ctx, "a", []byte(`{"id":"a"}`), 0))
	now = now.Add(time.Minute)
	got, ok := c.Get(ctx, "a")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"a"}`, string(got))

	entry, err := store.Lookup(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.AccessCount)
	assert.True(t, entry.AccessedAt.Equal(now))

	require.NoError(t, c.Set(ctx, "b", []byte("b"), 0))
	now = now.Add(time.Minute)
	require.NoError(t, c.Set(ctx, "c", []byte("c"), 0))
	now = now.Add(time.Minute)
	require.NoError(t, c.Set(ctx, "d", []byte("d"), 0))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	for _, k := range []string{"c", "d"} {
		_, ok := c.Get(ctx, k)
		assert.True(t, ok, k)
	}

	now = now.Add(time.Hour)
	_, ok = c.Get(ctx, "c")
	assert.False(t, ok, "expired read is a miss")

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, cache.Stats{Total: 1, Expired: 1, Active: 0, TotalAccesses: 0}, stats)

	swept, err := c.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)
}

func TestPutResetsAccessStats(t *testing.T) {
	ctx := context.Background()
	store := openMemory(t)
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	entry := cache.Entry{Key: "k", Value: []byte("1"), ExpiresAt: now.Add(time.Hour), CreatedAt: now, AccessedAt: now}
	require.NoError(t, store.Put(ctx, entry))
	require.NoError(t, store.Touch(ctx, "k", now.Add(time.Second)))
	require.NoError(t, store.Put(ctx, entry))

	got, err := store.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.AccessCount)

	missing, err := store.Lookup(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	deleted, err := store.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, deleted)

	cleared, err := store.Clear(ctx)
	require.NoError(t, err)
	assert.Zero(t, cleared)
}

func TestOpenFileCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	s, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.RecordRequest(context.Background(), "tm", time.Now()))
	require.NoError(t, s.Close())
}

func TestOpenFileAppliesPragmas(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "state.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	var mode string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var timeout int
	require.NoError(t, s.db.QueryRow("PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, 5000, timeout)
}
