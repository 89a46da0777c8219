package counter

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/martinmaurice/pescan/pkg/env"
	"github.com/redis/go-redis/v9"
)

//go:embed scripts/token_bucket.lua
var tokenBucketScriptSource string

var tokenBucketScript = redis.NewScript(tokenBucketScriptSource)

var incrExpireScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
redis.call("PEXPIRE", KEYS[1], ARGV[1])
return current
`)

type RedisStorage struct {
	dB *redis.Client
}

// NewRedis builds a store with short socket timeouts so a hung backend cannot stall request
// goroutines.
func NewRedis(envObj *env.Specification) *RedisStorage {
	return NewRedisWithClient(redis.NewClient(&redis.Options{
		Addr:         envObj.RedisAddr,
		Password:     envObj.RedisPassword,
		DB:           envObj.RedisDb,
		PoolSize:     envObj.RedisPoolSize,
		DialTimeout:  envObj.RedisDialTimeout,
		ReadTimeout:  envObj.RedisReadTimeout,
		WriteTimeout: envObj.RedisWriteTimeout,
		MaxRetries:   1,
	}))
}

func NewRedisWithClient(client *redis.Client) *RedisStorage {
	return &RedisStorage{dB: client}
}

// unavailable marks err as a backend failure, unless the caller's context ended first: a
// cancelled request says nothing about the backend.
func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, op, err)
}

func (r *RedisStorage) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.dB.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("get", err)
	}
	return value, true, nil
}

func (r *RedisStorage) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.dB.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (r *RedisStorage) Incr(ctx context.Context, key string) (int64, error) {
	value, err := r.dB.Incr(ctx, key).Result()
	if err != nil {
		var redisErr redis.Error
		if errors.As(err, &redisErr) {
			// the server answered, the value is not a counter
			return 0, fmt.Errorf("%w: %s: %v", ErrNotInteger, key, err)
		}
		return 0, unavailable("incr", err)
	}
	return value, nil
}

func (r *RedisStorage) ExpireAt(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.dB.Expire(ctx, key, ttl).Err(); err != nil {
		return unavailable("expire", err)
	}
	return nil
}

func (r *RedisStorage) IncrExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	value, err := incrExpireScript.Run(ctx, r.dB, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		var redisErr redis.Error
		if errors.As(err, &redisErr) {
			return 0, fmt.Errorf("%w: %s: %v", ErrNotInteger, key, err)
		}
		return 0, unavailable("incr expire script", err)
	}
	return value, nil
}

func (r *RedisStorage) Del(ctx context.Context, key string) error {
	if err := r.dB.Del(ctx, key).Err(); err != nil {
		return unavailable("del", err)
	}
	return nil
}

func (r *RedisStorage) Ping(ctx context.Context) error {
	if err := r.dB.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (r *RedisStorage) TakeTokens(ctx context.Context, key string, bucket Bucket, cost float64, now time.Time) (TokenResult, error) {
	result, err := tokenBucketScript.Run(
		ctx,
		r.dB,
		[]string{key},
		bucket.Burst,
		bucket.Rate,
		cost,
		now.UnixMilli(),
		bucket.ExpiresIn.Milliseconds(),
	).Result()
	if err != nil {
		return TokenResult{}, unavailable("token bucket script", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) < 2 {
		return TokenResult{}, fmt.Errorf("unexpected token bucket script response %v", result)
	}
	allowed, _ := values[0].(int64)
	rawTokens, _ := values[1].(string)
	tokens, err := strconv.ParseFloat(rawTokens, 64)
	if err != nil {
		return TokenResult{}, fmt.Errorf("invalid token bucket size %q: %w", rawTokens, err)
	}

	slog.Debug("token bucket", "key", key, "allowed", allowed > 0, "tokens", tokens)
	return TokenResult{Allowed: allowed > 0, Tokens: tokens}, nil
}

func (r *RedisStorage) Close() error {
	return r.dB.Close()
}
