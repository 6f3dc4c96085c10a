package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every gateway key in the shared keyspace.
const keyPrefix = "voxgate:"

// RedisBackend is the remote [Backend]. Entries are JSON values written with
// a server-side TTL, so expiry is autonomous and the periodic expired-entry
// sweep is a no-op here.
type RedisBackend struct {
	client *redis.Client
}

// Compile-time interface check.
var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend connects to the given redis URL
// (redis://host:port/db) and verifies the connection with a ping.
func NewRedisBackend(ctx context.Context, url string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}
	return &RedisBackend{client: client}, nil
}

// Get implements [Backend].
func (r *RedisBackend) Get(ctx context.Context, key string) (*Entry, bool, error) {
	raw, err := r.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: redis get: %w", err)
	}
	entry := &Entry{}
	if err := json.Unmarshal(raw, entry); err != nil {
		return nil, false, fmt.Errorf("cache: decode entry: %w", err)
	}
	return entry, true, nil
}

// Set implements [Backend] via SET with EX.
func (r *RedisBackend) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	cp := *entry
	if ttl > 0 {
		cp.ExpiresAt = time.Now().Add(ttl)
	}
	raw, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("cache: encode entry: %w", err)
	}
	if err := r.client.Set(ctx, keyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

// Delete implements [Backend].
func (r *RedisBackend) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, keyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("cache: redis del: %w", err)
	}
	return n > 0, nil
}

// Clear implements [Backend] by deleting every prefixed key.
func (r *RedisBackend) Clear(ctx context.Context) error {
	_, err := r.DeletePattern(ctx, "*")
	return err
}

// DeletePattern implements [Backend] with a cursor SCAN over the prefixed
// keyspace, deleting matches in batches.
func (r *RedisBackend) DeletePattern(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, keyPrefix+pattern, 200).Result()
		if err != nil {
			return removed, fmt.Errorf("cache: redis scan: %w", err)
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("cache: redis del: %w", err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// DeleteIf implements [Backend]. Redis expires entries server-side, so the
// expiry sweep has nothing to do; other predicates scan and inspect.
func (r *RedisBackend) DeleteIf(ctx context.Context, drop func(key string, entry *Entry) bool) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, keyPrefix+"*", 200).Result()
		if err != nil {
			return removed, fmt.Errorf("cache: redis scan: %w", err)
		}
		for _, full := range keys {
			key := strings.TrimPrefix(full, keyPrefix)
			entry, found, err := r.Get(ctx, key)
			if err != nil || !found {
				continue
			}
			if drop(key, entry) {
				if ok, _ := r.Delete(ctx, key); ok {
					removed++
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// Len implements [Backend] by counting prefixed keys.
func (r *RedisBackend) Len(ctx context.Context) (int, error) {
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, keyPrefix+"*", 500).Result()
		if err != nil {
			return 0, fmt.Errorf("cache: redis scan: %w", err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

// Close implements [Backend].
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
