package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the limiter with a shared Redis instance so accounting
// stays correct when the gateway runs on more than one node. Buckets are
// fixed windows: the key embeds the window index and expires with it.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "pf:rl:", now: time.Now}
}

func (s *RedisStore) key(key string, window time.Duration, now time.Time) (string, time.Time) {
	idx := now.UnixMilli() / window.Milliseconds()
	start := time.UnixMilli(idx * window.Milliseconds())
	return fmt.Sprintf("%s%s:%d", s.prefix, key, idx), start
}

func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	now := s.now()
	rkey, start := s.key(key, window, now)

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, rkey)
	// Expire a little after the window so a client reading ResetAt right at
	// the boundary still observes the bucket.
	pipe.Expire(ctx, rkey, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("ratelimit: redis increment: %w", err)
	}
	return int(incr.Val()), start, nil
}

func (s *RedisStore) Forgive(ctx context.Context, key string, window time.Duration) error {
	now := s.now()
	rkey, _ := s.key(key, window, now)
	n, err := s.client.Decr(ctx, rkey).Result()
	if err != nil {
		return fmt.Errorf("ratelimit: redis forgive: %w", err)
	}
	if n < 0 {
		// Never let a bucket go negative; a stray forgive would otherwise
		// widen the window for the next caller.
		if err := s.client.Set(ctx, rkey, 0, window+time.Second).Err(); err != nil {
			return fmt.Errorf("ratelimit: redis forgive reset: %w", err)
		}
	}
	return nil
}
