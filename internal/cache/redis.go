package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/llm-relay/internal/provider"
)

const defaultRedisPrefix = "llm-relay:cache"

// countHit bumps the hit counter of an existing entry. It returns -1 when the
// entry is gone, so an eviction racing the lookup cannot recreate it.
var countHit = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
return redis.call("HINCRBY", KEYS[1], "hits", 1)
`)

// Redis is a Store shared between relay processes. Each entry is a hash and
// a sorted set scored by insertion time keeps the eviction order.
type Redis struct {
	rdb     redis.Cmdable
	prefix  string
	maxSize int
	ttl     time.Duration
	now     func() time.Time
	stats   counters
}

func NewRedis(rdb redis.Cmdable, maxSize int, ttl time.Duration) *Redis {
	return &Redis{
		rdb:     rdb,
		prefix:  defaultRedisPrefix,
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (r *Redis) entryKey(key string) string {
	return fmt.Sprintf("%s:entry:%s", r.prefix, key)
}

func (r *Redis) orderKey() string {
	return r.prefix + ":order"
}

func (r *Redis) Get(ctx context.Context, key string) (*Entry, bool, error) {
	fields, err := r.rdb.HGetAll(ctx, r.entryKey(key)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	if len(fields) == 0 {
		r.stats.misses.Add(1)
		_ = r.rdb.ZRem(ctx, r.orderKey(), key).Err()
		return nil, false, nil
	}

	e, err := decodeEntry(key, fields)
	if err != nil {
		_ = r.delete(ctx, key)
		r.stats.misses.Add(1)
		return nil, false, err
	}
	if r.ttl > 0 && r.now().Sub(e.InsertedAt) > r.ttl {
		if err := r.delete(ctx, key); err != nil {
			return nil, false, err
		}
		r.stats.expired.Add(1)
		r.stats.misses.Add(1)
		return nil, false, nil
	}

	hits, err := r.incrHits(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if hits < 0 {
		r.stats.misses.Add(1)
		return nil, false, nil
	}
	e.Hits = int(hits)
	r.stats.hits.Add(1)
	return e, true, nil
}

func (r *Redis) incrHits(ctx context.Context, key string) (int64, error) {
	hits, err := countHit.Run(ctx, r.rdb, []string{r.entryKey(key)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("cache hit count: %w", err)
	}
	return hits, nil
}

func decodeEntry(key string, fields map[string]string) (*Entry, error) {
	var resp provider.Response
	if err := json.Unmarshal([]byte(fields["response"]), &resp); err != nil {
		return nil, fmt.Errorf("decode cached response: %w", err)
	}
	inserted, err := strconv.ParseInt(fields["inserted_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode cache timestamp: %w", err)
	}
	hits, _ := strconv.Atoi(fields["hits"])
	return &Entry{
		Key:        key,
		Response:   &resp,
		Provider:   fields["provider"],
		InsertedAt: time.Unix(0, inserted),
		Hits:       hits,
	}, nil
}

func (r *Redis) Put(ctx context.Context, key string, resp *provider.Response, providerName string) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode cached response: %w", err)
	}
	now := r.now()

	// Re-putting a key resets its hits and moves it to the newest slot.
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.entryKey(key))
		pipe.HSet(ctx, r.entryKey(key),
			"response", data,
			"provider", providerName,
			"inserted_at", now.UnixNano(),
			"hits", 0,
		)
		if r.ttl > 0 {
			// Lazy expiry decides; the key TTL only reclaims abandoned entries.
			pipe.Expire(ctx, r.entryKey(key), 2*r.ttl)
		}
		pipe.ZAdd(ctx, r.orderKey(), redis.Z{Score: float64(now.UnixNano()), Member: key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	r.stats.puts.Add(1)

	if r.maxSize <= 0 {
		return nil
	}
	size, err := r.rdb.ZCard(ctx, r.orderKey()).Result()
	if err != nil {
		return fmt.Errorf("cache size: %w", err)
	}
	if excess := size - int64(r.maxSize); excess > 0 {
		oldest, err := r.rdb.ZRange(ctx, r.orderKey(), 0, excess-1).Result()
		if err != nil {
			return fmt.Errorf("cache eviction: %w", err)
		}
		if err := r.delete(ctx, oldest...); err != nil {
			return err
		}
		r.stats.evictions.Add(uint64(len(oldest)))
	}
	return nil
}

func (r *Redis) EvictExpired(ctx context.Context) (int, error) {
	if r.ttl <= 0 {
		return 0, nil
	}
	cutoff := r.now().Add(-r.ttl).UnixNano()
	keys, err := r.rdb.ZRangeByScore(ctx, r.orderKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("cache sweep: %w", err)
	}
	if err := r.delete(ctx, keys...); err != nil {
		return 0, err
	}
	r.stats.expired.Add(uint64(len(keys)))
	return len(keys), nil
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	n, err := r.rdb.ZCard(ctx, r.orderKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("cache size: %w", err)
	}
	return int(n), nil
}

func (r *Redis) Clear(ctx context.Context) error {
	keys, err := r.rdb.ZRange(ctx, r.orderKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	if err := r.delete(ctx, keys...); err != nil {
		return err
	}
	return r.rdb.Del(ctx, r.orderKey()).Err()
}

func (r *Redis) Stats() Stats {
	return r.stats.snapshot()
}

func (r *Redis) delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	entryKeys := make([]string, len(keys))
	members := make([]any, len(keys))
	for i, k := range keys {
		entryKeys[i] = r.entryKey(k)
		members[i] = k
	}
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, entryKeys...)
		pipe.ZRem(ctx, r.orderKey(), members...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}
