// Package cache keeps API responses for a bounded time in a persistent store.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Entry is a stored response.
type Entry struct {
	Key         string
	Value       []byte
	ExpiresAt   time.Time
	CreatedAt   time.Time
	AccessedAt  time.Time
	AccessCount int64
}

// Stats summarises cache contents.
type Stats struct {
	Total         int64 `json:"total"`
	Expired       int64 `json:"expired"`
	Active        int64 `json:"active"`
	TotalAccesses int64 `json:"total_accesses"`
}

// Store persists cache entries.
type Store interface {
	// Lookup returns nil, nil when the key is absent.
	Lookup(ctx context.Context, key string) (*Entry, error)
	Touch(ctx context.Context, key string, at time.Time) error
	// Put inserts or replaces an entry, resetting its access statistics.
	Put(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, key string) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	Count(ctx context.Context) (int64, error)
	EvictLeastRecent(ctx context.Context, n int64) (int64, error)
	Clear(ctx context.Context) (int64, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)
}

// Options configure a Cache.
type Options struct {
	DefaultTTL     time.Duration
	MaxEntries     int
	EvictionBuffer int
}

// Cache is a TTL cache with least-recently-accessed eviction once the entry
// count passes MaxEntries. Store failures degrade to misses.
type Cache struct {
	store  Store
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Cache.
func New(store Store, opts Options, logger zerolog.Logger) *Cache {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 30 * time.Minute
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1000
	}
	if opts.EvictionBuffer < 0 {
		opts.EvictionBuffer = 0
	}
	return &Cache{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "cache").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock swaps the time source.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Fingerprint derives a stable key from an endpoint and its parameters.
// Parameter order does not matter and the API key is left out.
func Fingerprint(endpoint string, params map[string]string) string {
	values := url.Values{}
	for k, v := range params {
		if strings.EqualFold(k, "apikey") {
			continue
		}
		values.Set(k, v)
	}
	sum := sha256.Sum256([]byte(strings.TrimRight(endpoint, "/") + "?" + values.Encode()))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached value for key. Expired entries are removed and
// reported as misses.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	entry, err := c.store.Lookup(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", short(key)).Msg("cache lookup failed")
		return nil, false
	}
	if entry == nil {
		return nil, false
	}

	now := c.now()
	if !now.Before(entry.ExpiresAt) {
		if _, err := c.store.Delete(ctx, key); err != nil {
			c.logger.Debug().Err(err).Str("key", short(key)).Msg("failed to drop expired entry")
		}
		return nil, false
	}

	if err := c.store.Touch(ctx, key, now); err != nil {
		c.logger.Debug().Err(err).Str("key", short(key)).Msg("failed to update access stats")
	}
	c.logger.Debug().Str("key", short(key)).Msg("cache hit")
	return entry.Value, true
}

// Set stores value under key. A non-positive ttl uses the default TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	now := c.now()
	entry := Entry{
		Key:        key,
		Value:      value,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
		AccessedAt: now,
	}
	if err := c.store.Put(ctx, entry); err != nil {
		c.logger.Warn().Err(err).Str("key", short(key)).Msg("cache write failed")
		return fmt.Errorf("cache put: %w", err)
	}
	c.enforceLimit(ctx)
	return nil
}

// Invalidate removes key.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if _, err := c.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}

// SweepExpired removes every expired entry and returns how many were removed.
func (c *Cache) SweepExpired(ctx context.Context) (int64, error) {
	n, err := c.store.DeleteExpired(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	if n > 0 {
		c.logger.Info().Int64("removed", n).Msg("swept expired cache entries")
	}
	return n, nil
}

// Clear removes every entry.
func (c *Cache) Clear(ctx context.Context) (int64, error) {
	n, err := c.store.Clear(ctx)
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	return n, nil
}

// Stats reports entry counts.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	return c.store.Stats(ctx, c.now())
}

func (c *Cache) enforceLimit(ctx context.Context) {
	max := int64(c.opts.MaxEntries)
	count, err := c.store.Count(ctx)
	if err != nil || count <= max {
		return
	}

	if _, err := c.SweepExpired(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("sweep during eviction failed")
	}
	count, err = c.store.Count(ctx)
	if err != nil || count <= max {
		return
	}

	n := count - max + int64(c.opts.EvictionBuffer)
	if n > count {
		n = count
	}
	evicted, err := c.store.EvictLeastRecent(ctx, n)
	if err != nil {
		c.logger.Warn().Err(err).Msg("cache eviction failed")
		return
	}
	c.logger.Info().Int64("evicted", evicted).Int64("count", count).Int64("max", max).Msg("evicted least recently used entries")
}

func short(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
