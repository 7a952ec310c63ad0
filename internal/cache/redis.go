package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldValue    = "v"
	fieldExpires  = "exp"
	fieldCreated  = "created"
	fieldAccessed = "accessed"
	fieldCount    = "count"
)

// RedisStore keeps each entry in a hash and ranks keys by last access in a
// sorted set. Redis expires the hashes on its own; the index is cleaned by
// DeleteExpired.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps a go-redis client.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "tixwatch:cache:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(k string) string { return r.prefix + k }

func (r *RedisStore) index() string { return r.prefix + "__index" }

// Lookup implements Store.
func (r *RedisStore) Lookup(ctx context.Context, key string) (*Entry, error) {
	fields, err := r.client.HGetAll(ctx, r.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	entry := &Entry{Key: key, Value: []byte(fields[fieldValue])}
	entry.ExpiresAt = unixNano(fields[fieldExpires])
	entry.CreatedAt = unixNano(fields[fieldCreated])
	entry.AccessedAt = unixNano(fields[fieldAccessed])
	entry.AccessCount, _ = strconv.ParseInt(fields[fieldCount], 10, 64)
	return entry, nil
}

// Touch implements Store.
func (r *RedisStore) Touch(ctx context.Context, key string, at time.Time) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.key(key), fieldAccessed, at.UnixNano())
		pipe.HIncrBy(ctx, r.key(key), fieldCount, 1)
		pipe.ZAdd(ctx, r.index(), redis.Z{Score: float64(at.UnixNano()), Member: key})
		return nil
	})
	return err
}

// Put implements Store.
func (r *RedisStore) Put(ctx context.Context, entry Entry) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		k := r.key(entry.Key)
		pipe.Del(ctx, k)
		pipe.HSet(ctx, k,
			fieldValue, entry.Value,
			fieldExpires, entry.ExpiresAt.UnixNano(),
			fieldCreated, entry.CreatedAt.UnixNano(),
			fieldAccessed, entry.AccessedAt.UnixNano(),
			fieldCount, 0,
		)
		pipe.PExpireAt(ctx, k, entry.ExpiresAt)
		pipe.ZAdd(ctx, r.index(), redis.Z{Score: float64(entry.AccessedAt.UnixNano()), Member: entry.Key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.key(key))
		pipe.ZRem(ctx, r.index(), key)
		return nil
	})
	if err != nil {
		return false, err
	}
	return del.Val() > 0, nil
}

// DeleteExpired implements Store. Keys that redis already expired are
// dropped from the index as well.
func (r *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	members, err := r.client.ZRange(ctx, r.index(), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	var removed int64
	for _, member := range members {
		raw, err := r.client.HGet(ctx, r.key(member), fieldExpires).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return removed, err
		}
		if err == nil && now.Before(unixNano(raw)) {
			continue
		}
		if _, err := r.Delete(ctx, member); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Count implements Store.
func (r *RedisStore) Count(ctx context.Context) (int64, error) {
	return r.client.ZCard(ctx, r.index()).Result()
}

// EvictLeastRecent implements Store.
func (r *RedisStore) EvictLeastRecent(ctx context.Context, n int64) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	members, err := r.client.ZRange(ctx, r.index(), 0, n-1).Result()
	if err != nil {
		return 0, err
	}
	var evicted int64
	for _, member := range members {
		if _, err := r.Delete(ctx, member); err != nil {
			return evicted, err
		}
		evicted++
	}
	return evicted, nil
}

// Clear implements Store.
func (r *RedisStore) Clear(ctx context.Context) (int64, error) {
	members, err := r.client.ZRange(ctx, r.index(), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	keys := make([]string, 0, len(members)+1)
	for _, member := range members {
		keys = append(keys, r.key(member))
	}
	keys = append(keys, r.index())
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return 0, err
	}
	return int64(len(members)), nil
}

// Stats implements Store.
func (r *RedisStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	members, err := r.client.ZRange(ctx, r.index(), 0, -1).Result()
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	for _, member := range members {
		entry, err := r.Lookup(ctx, member)
		if err != nil {
			return Stats{}, err
		}
		stats.Total++
		if entry == nil || !now.Before(entry.ExpiresAt) {
			stats.Expired++
			continue
		}
		stats.TotalAccesses += entry.AccessCount
	}
	stats.Active = stats.Total - stats.Expired
	return stats, nil
}

func unixNano(raw string) time.Time {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

var _ Store = (*RedisStore)(nil)
