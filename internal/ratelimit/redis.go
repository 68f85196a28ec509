package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a Redis-backed sliding-window limiter, shared across
// fluxod replicas. The check-and-increment is a single Lua script so the
// read-modify-write stays atomic under concurrent callers.
type RedisLimiter struct {
	client *redis.Client
	cfg    Config
	script *redis.Script
}

var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window_ms = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window_ms)
	local current = redis.call('ZCARD', key)

	if current < limit then
		redis.call('ZADD', key, now, now .. ':' .. math.random())
		redis.call('PEXPIRE', key, window_ms)
		return {1, limit - current - 1}
	end

	return {0, 0}
`)

func NewRedisLimiter(cfg Config) (*RedisLimiter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ratelimit: redis ping failed: %w", err)
	}

	return &RedisLimiter{client: client, cfg: cfg, script: slidingWindowScript}, nil
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey := "fluxo:ratelimit:" + key
	now := time.Now()
	windowMS := l.cfg.Window.Milliseconds()

	result, err := l.script.Run(ctx, l.client, []string{redisKey}, l.cfg.Limit, windowMS, now.UnixMilli()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis script: %w", err)
	}
	if len(result) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected redis script result")
	}

	allowed, _ := result[0].(int64)
	remaining, _ := result[1].(int64)

	return Decision{
		Allowed:   allowed == 1,
		Limit:     l.cfg.Limit,
		Remaining: int(remaining),
		ResetAt:   now.Add(l.cfg.Window),
	}, nil
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
