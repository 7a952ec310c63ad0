package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"ticket-price-alerts/internal/cache"
	"ticket-price-alerts/internal/ratelimit"
)

const (
	recordRequestSQL = `INSERT INTO rate_limits (service, requested_at) VALUES ($1, $2);`
	countSinceSQL    = `SELECT COUNT(*) FROM rate_limits WHERE service = $1 AND requested_at >= $2;`
	oldestSinceSQL   = `SELECT MIN(requested_at) FROM rate_limits WHERE service = $1 AND requested_at >= $2;`
	pruneBeforeSQL   = `DELETE FROM rate_limits WHERE service = $1 AND requested_at < $2;`

	cacheLookupSQL = `SELECT cache_key, value, expires_at, created_at, accessed_at, access_count
    FROM api_cache WHERE cache_key = $1;`
	cacheTouchSQL = `UPDATE api_cache SET accessed_at = $2, access_count = access_count + 1
    WHERE cache_key = $1;`
	cachePutSQL = `INSERT INTO api_cache (cache_key, value, expires_at, created_at, accessed_at, access_count)
    VALUES ($1,$2,$3,$4,$5,0)
    ON CONFLICT (cache_key) DO UPDATE
    SET
        value        = EXCLUDED.value,
        expires_at   = EXCLUDED.expires_at,
        created_at   = EXCLUDED.created_at,
        accessed_at  = EXCLUDED.accessed_at,
        access_count = 0;`
	cacheDeleteSQL        = `DELETE FROM api_cache WHERE cache_key = $1;`
	cacheDeleteExpiredSQL = `DELETE FROM api_cache WHERE expires_at <= $1;`
	cacheCountSQL         = `SELECT COUNT(*) FROM api_cache;`
	cacheEvictSQL         = `DELETE FROM api_cache WHERE cache_key IN (
        SELECT cache_key FROM api_cache ORDER BY accessed_at ASC LIMIT $1
    );`
	cacheClearSQL = `DELETE FROM api_cache;`
	cacheStatsSQL = `SELECT
        COUNT(*),
        COALESCE(SUM(CASE WHEN expires_at <= $1 THEN 1 ELSE 0 END), 0)::bigint,
        COALESCE(SUM(CASE WHEN expires_at > $1 THEN access_count ELSE 0 END), 0)::bigint
    FROM api_cache;`
)

// RecordRequest implements ratelimit.Store.
func (s *Store) RecordRequest(ctx context.Context, service string, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, recordRequestSQL, service, at); execErr != nil {
		return fmt.Errorf("record request: %w", execErr)
	}
	return nil
}

// CountSince implements ratelimit.Store.
func (s *Store) CountSince(ctx context.Context, service string, since time.Time) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var n int
	if scanErr := pool.QueryRow(ctx, countSinceSQL, service, since).Scan(&n); scanErr != nil {
		return 0, fmt.Errorf("count requests: %w", scanErr)
	}
	return n, nil
}

// OldestSince implements ratelimit.Store.
func (s *Store) OldestSince(ctx context.Context, service string, since time.Time) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}
	var oldest *time.Time
	if scanErr := pool.QueryRow(ctx, oldestSinceSQL, service, since).Scan(&oldest); scanErr != nil {
		return time.Time{}, false, fmt.Errorf("oldest request: %w", scanErr)
	}
	if oldest == nil {
		return time.Time{}, false, nil
	}
	return oldest.UTC(), true, nil
}

// PruneBefore implements ratelimit.Store.
func (s *Store) PruneBefore(ctx context.Context, service string, before time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, pruneBeforeSQL, service, before)
	if execErr != nil {
		return 0, fmt.Errorf("prune requests: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// Lookup implements cache.Store.
func (s *Store) Lookup(ctx context.Context, key string) (*cache.Entry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	var e cache.Entry
	scanErr := pool.QueryRow(ctx, cacheLookupSQL, key).
		Scan(&e.Key, &e.Value, &e.ExpiresAt, &e.CreatedAt, &e.AccessedAt, &e.AccessCount)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return nil, nil
	}
	if scanErr != nil {
		return nil, fmt.Errorf("cache lookup: %w", scanErr)
	}
	return &e, nil
}

// Touch implements cache.Store.
func (s *Store) Touch(ctx context.Context, key string, at time.Time) error {
	return s.exec(ctx, "cache touch", cacheTouchSQL, key, at)
}

// Put implements cache.Store.
func (s *Store) Put(ctx context.Context, entry cache.Entry) error {
	return s.exec(ctx, "cache put", cachePutSQL,
		entry.Key, entry.Value, entry.ExpiresAt, entry.CreatedAt, entry.AccessedAt)
}

// Delete implements cache.Store.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.execCount(ctx, "cache delete", cacheDeleteSQL, key)
	return n > 0, err
}

// DeleteExpired implements cache.Store.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.execCount(ctx, "cache sweep", cacheDeleteExpiredSQL, now)
}

// Count implements cache.Store.
func (s *Store) Count(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var n int64
	if scanErr := pool.QueryRow(ctx, cacheCountSQL).Scan(&n); scanErr != nil {
		return 0, fmt.Errorf("cache count: %w", scanErr)
	}
	return n, nil
}

// EvictLeastRecent implements cache.Store.
func (s *Store) EvictLeastRecent(ctx context.Context, n int64) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	return s.execCount(ctx, "cache evict", cacheEvictSQL, n)
}

// Clear implements cache.Store.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	return s.execCount(ctx, "cache clear", cacheClearSQL)
}

// Stats implements cache.Store.
func (s *Store) Stats(ctx context.Context, now time.Time) (cache.Stats, error) {
	pool, err := s.getPool()
	if err != nil {
		return cache.Stats{}, err
	}
	var st cache.Stats
	if scanErr := pool.QueryRow(ctx, cacheStatsSQL, now).Scan(&st.Total, &st.Expired, &st.TotalAccesses); scanErr != nil {
		return cache.Stats{}, fmt.Errorf("cache stats: %w", scanErr)
	}
	st.Active = st.Total - st.Expired
	return st, nil
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) error {
	_, err := s.execCount(ctx, op, query, args...)
	return err
}

func (s *Store) execCount(ctx context.Context, op, query string, args ...any) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, query, args...)
	if execErr != nil {
		return 0, fmt.Errorf("%s: %w", op, execErr)
	}
	return tag.RowsAffected(), nil
}

var (
	_ ratelimit.Store = (*Store)(nil)
	_ cache.Store     = (*Store)(nil)
)
