package recovery

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "warden:rate:"

// RedisLimiter keeps one sorted set per context, scored by event time in ms, so
// several processes share a rate window.
type RedisLimiter struct {
	rdb    *redis.Client
	policy LimitPolicy
	now    func() time.Time
}

// NewRedisLimiter connects to the Redis server at url (redis://host:port/db).
func NewRedisLimiter(url string, policy LimitPolicy) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisLimiter{rdb: rdb, policy: policy.withDefaults(), now: time.Now}, nil
}

func rateKey(key string) string { return redisKeyPrefix + key }

func (l *RedisLimiter) IsLimited(ctx context.Context, key string) (bool, error) {
	now := l.now()
	k := rateKey(key)

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(l.cutoff(now), 10))
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()})
	card := pipe.ZCard(ctx, k)
	pipe.Expire(ctx, k, l.policy.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate window update failed: %w", err)
	}
	return card.Val() > int64(l.policy.Threshold), nil
}

func (l *RedisLimiter) Count(ctx context.Context, key string) (int, error) {
	n, err := l.rdb.ZCount(ctx, rateKey(key), "("+strconv.FormatInt(l.cutoff(l.now()), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("zcount failed: %w", err)
	}
	return int(n), nil
}

func (l *RedisLimiter) Limited(ctx context.Context) ([]string, error) {
	var keys []string
	iter := l.rdb.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), redisKeyPrefix)
		n, err := l.Count(ctx, key)
		if err != nil {
			return nil, err
		}
		if n > l.policy.Threshold {
			keys = append(keys, key)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (l *RedisLimiter) Close() error { return l.rdb.Close() }

func (l *RedisLimiter) cutoff(now time.Time) int64 {
	return now.Add(-l.policy.Window).UnixMilli()
}
