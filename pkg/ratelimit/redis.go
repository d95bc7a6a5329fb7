package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a Redis-backed token-bucket Limiter, for sharing rate
// limits across multiple gateway instances. Bucket state (tokens, last
// refill timestamp) lives in a Redis hash per key; refill-and-consume is
// done atomically via a Lua script to avoid read-modify-write races across
// processes.
type RedisLimiter struct {
	client *redis.Client
	config *Config
	script *redis.Script
}

// NewRedisLimiter builds a RedisLimiter, pinging the server to fail fast
// on a bad configuration.
func NewRedisLimiter(cfg *Config) (*RedisLimiter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	script := redis.NewScript(`
		local key = KEYS[1]
		local rate = tonumber(ARGV[1])
		local burst = tonumber(ARGV[2])
		local now = tonumber(ARGV[3])
		local n = tonumber(ARGV[4])

		local tokens = tonumber(redis.call('HGET', key, 'tokens'))
		local last = tonumber(redis.call('HGET', key, 'last'))

		if tokens == nil then
			tokens = burst
			last = now
		end

		local elapsed = math.max(0, now - last) / 1000.0
		tokens = math.min(burst, tokens + elapsed * rate)

		local allowed = 0
		if tokens >= n then
			tokens = tokens - n
			allowed = 1
		end

		redis.call('HSET', key, 'tokens', tokens, 'last', now)
		redis.call('EXPIRE', key, 3600)

		return {allowed, tostring(tokens)}
	`)

	return &RedisLimiter{
		client: client,
		config: cfg,
		script: script,
	}, nil
}

func (l *RedisLimiter) bucketKey(key string) string {
	return fmt.Sprintf("ratelimit:%s", key)
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return l.AllowN(ctx, key, 1)
}

func (l *RedisLimiter) AllowN(ctx context.Context, key string, n int) (bool, error) {
	now := time.Now().UnixMilli()

	result, err := l.script.Run(ctx, l.client, []string{l.bucketKey(key)},
		l.config.DefaultRate, l.config.DefaultBurst, now, n).Slice()
	if err != nil {
		return false, fmt.Errorf("redis script error: %w", err)
	}
	if len(result) == 0 {
		return false, fmt.Errorf("unexpected empty result from redis script")
	}

	allowed, ok := result[0].(int64)
	if !ok {
		return false, fmt.Errorf("unexpected result type from redis script")
	}
	return allowed == 1, nil
}

func (l *RedisLimiter) Wait(ctx context.Context, key string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			allowed, err := l.Allow(ctx, key)
			if err != nil {
				return err
			}
			if allowed {
				return nil
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.bucketKey(key)).Err()
}

func (l *RedisLimiter) GetInfo(ctx context.Context, key string) (*LimitInfo, error) {
	vals, err := l.client.HMGet(ctx, l.bucketKey(key), "tokens", "last").Result()
	if err != nil {
		return nil, err
	}

	tokens := l.config.DefaultBurst
	if vals[0] != nil {
		if s, ok := vals[0].(string); ok {
			var f float64
			fmt.Sscanf(s, "%f", &f)
			tokens = int(f)
		}
	}

	var retryAfter time.Duration
	if tokens < 1 && l.config.DefaultRate > 0 {
		retryAfter = time.Duration(float64(1-tokens) / l.config.DefaultRate * float64(time.Second))
	}

	return &LimitInfo{
		Limit:      l.config.DefaultBurst,
		Remaining:  tokens,
		ResetAt:    time.Now().Add(retryAfter),
		RetryAfter: retryAfter,
	}, nil
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
