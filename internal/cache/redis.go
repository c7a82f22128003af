package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores entries in a shared Redis so every API instance sees the same
// invalidations. Each namespace has a generation counter; entries live under
// the generation that was current when they were read, so bumping the
// counter orphans every older entry at once and Redis expiry reclaims them.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(redisURL string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisWithClient(client, ttl), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, prefix: "cache:", ttl: ttl}
}

// Client exposes the connection so other components can share it.
func (r *Redis) Client() *redis.Client {
	return r.client
}

func (r *Redis) genKey(ns string) string {
	return r.prefix + ns + ":gen"
}

func (r *Redis) entryKey(ns string, gen uint64, key string) string {
	return r.prefix + ns + ":" + strconv.FormatUint(gen, 10) + ":" + key
}

func (r *Redis) generation(ctx context.Context, ns string) (uint64, error) {
	raw, err := r.client.Get(ctx, r.genKey(ns)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cache generation: %w", err)
	}
	gen, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cache generation %q: %w", raw, err)
	}
	return gen, nil
}

func (r *Redis) Get(ctx context.Context, ns, key string) ([]byte, uint64, bool, error) {
	gen, err := r.generation(ctx, ns)
	if err != nil {
		return nil, 0, false, err
	}
	value, err := r.client.Get(ctx, r.entryKey(ns, gen, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, gen, false, nil
	}
	if err != nil {
		return nil, gen, false, fmt.Errorf("read cache entry: %w", err)
	}
	return value, gen, true, nil
}

func (r *Redis) Set(ctx context.Context, ns, key string, gen uint64, value []byte) error {
	if err := r.client.Set(ctx, r.entryKey(ns, gen, key), value, r.ttl).Err(); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

func (r *Redis) Invalidate(ctx context.Context, ns string) error {
	if err := r.client.Incr(ctx, r.genKey(ns)).Err(); err != nil {
		return fmt.Errorf("invalidate cache namespace %s: %w", ns, err)
	}
	return nil
}

// Clear deletes every entry under the cache prefix. Generation counters are
// bumped rather than deleted: a counter that restarted at zero would climb
// back to generations that in-flight fills still hold.
func (r *Redis) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	keys := make([]string, 0, 100)
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, ":gen") {
			if err := r.client.Incr(ctx, key).Err(); err != nil {
				return fmt.Errorf("clear cache: %w", err)
			}
			continue
		}
		keys = append(keys, key)
		if len(keys) == cap(keys) {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("clear cache: %w", err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan cache keys: %w", err)
	}
	if len(keys) > 0 {
		if err := r.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
