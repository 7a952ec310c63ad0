// Package statestore keeps rate-limit records and cached API responses in a
// local SQLite file for deployments without Postgres.
package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"ticket-price-alerts/internal/cache"
	"ticket-price-alerts/internal/ratelimit"
)

// Store is a single-connection SQLite database.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	connStr := ":memory:"
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create state dir: %w", err)
			}
		}
		connStr = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, logger: logger.With().Str("component", "statestore").Logger()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state db: %w", err)
	}
	s.logger.Debug().Str("path", path).Msg("state store ready")
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS rate_limits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		service TEXT NOT NULL,
		requested_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rate_limits_service_time ON rate_limits(service, requested_at);

	CREATE TABLE IF NOT EXISTS api_cache (
		cache_key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		accessed_at INTEGER NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_api_cache_expires ON api_cache(expires_at);
	CREATE INDEX IF NOT EXISTS idx_api_cache_accessed ON api_cache(accessed_at);
	`)
	return err
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRequest implements ratelimit.Store.
func (s *Store) RecordRequest(ctx context.Context, service string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_limits (service, requested_at) VALUES (?, ?)`, service, at.UnixNano())
	if err != nil {
		return fmt.Errorf("record request: %w", err)
	}
	return nil
}

// CountSince implements ratelimit.Store.
func (s *Store) CountSince(ctx context.Context, service string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rate_limits WHERE service = ? AND requested_at >= ?`,
		service, since.UnixNano()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count requests: %w", err)
	}
	return n, nil
}

// OldestSince implements ratelimit.Store.
func (s *Store) OldestSince(ctx context.Context, service string, since time.Time) (time.Time, bool, error) {
	var oldest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(requested_at) FROM rate_limits WHERE service = ? AND requested_at >= ?`,
		service, since.UnixNano()).Scan(&oldest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("oldest request: %w", err)
	}
	if !oldest.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, oldest.Int64).UTC(), true, nil
}

// PruneBefore implements ratelimit.Store.
func (s *Store) PruneBefore(ctx context.Context, service string, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limits WHERE service = ? AND requested_at < ?`, service, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune requests: %w", err)
	}
	return res.RowsAffected()
}

// Lookup implements cache.Store.
func (s *Store) Lookup(ctx context.Context, key string) (*cache.Entry, error) {
	var e cache.Entry
	var expires, created, accessed int64
	err := s.db.QueryRowContext(ctx,
		`SELECT cache_key, value, expires_at, created_at, accessed_at, access_count
		 FROM api_cache WHERE cache_key = ?`, key).
		Scan(&e.Key, &e.Value, &expires, &created, &accessed, &e.AccessCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	e.ExpiresAt = time.Unix(0, expires).UTC()
	e.CreatedAt = time.Unix(0, created).UTC()
	e.AccessedAt = time.Unix(0, accessed).UTC()
	return &e, nil
}

// Touch implements cache.Store.
func (s *Store) Touch(ctx context.Context, key string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_cache SET accessed_at = ?, access_count = access_count + 1 WHERE cache_key = ?`,
		at.UnixNano(), key)
	return err
}

// Put implements cache.Store.
func (s *Store) Put(ctx context.Context, entry cache.Entry) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO api_cache (cache_key, value, expires_at, created_at, accessed_at, access_count)
	VALUES (?, ?, ?, ?, ?, 0)
	ON CONFLICT(cache_key) DO UPDATE SET
		value = excluded.value,
		expires_at = excluded.expires_at,
		created_at = excluded.created_at,
		accessed_at = excluded.accessed_at,
		access_count = 0`,
		entry.Key, entry.Value, entry.ExpiresAt.UnixNano(), entry.CreatedAt.UnixNano(), entry.AccessedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Delete implements cache.Store.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_cache WHERE cache_key = ?`, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteExpired implements cache.Store.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_cache WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Count implements cache.Store.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_cache`).Scan(&n)
	return n, err
}

// EvictLeastRecent implements cache.Store.
func (s *Store) EvictLeastRecent(ctx context.Context, n int64) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
	DELETE FROM api_cache WHERE cache_key IN (
		SELECT cache_key FROM api_cache ORDER BY accessed_at ASC LIMIT ?
	)`, n)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Clear implements cache.Store.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_cache`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Stats implements cache.Store.
func (s *Store) Stats(ctx context.Context, now time.Time) (cache.Stats, error) {
	var st cache.Stats
	err := s.db.QueryRowContext(ctx, `
	SELECT COUNT(*),
	       COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0),
	       COALESCE(SUM(CASE WHEN expires_at > ? THEN access_count ELSE 0 END), 0)
	FROM api_cache`, now.UnixNano(), now.UnixNano()).Scan(&st.Total, &st.Expired, &st.TotalAccesses)
	if err != nil {
		return cache.Stats{}, fmt.Errorf("cache stats: %w", err)
	}
	st.Active = st.Total - st.Expired
	return st, nil
}

var (
	_ ratelimit.Store = (*Store)(nil)
	_ cache.Store     = (*Store)(nil)
)
