package counter

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tokensRedisFieldName     = "tokens"
	lastRefillRedisFieldName = "last_refill_ms"
)

type redisTokenBucket struct {
	lastRefill time.Time
	tokens     float64
}

// newTestRedisStorage create a fake redis initialized with the given buckets
// and returns the fake redis instance and the RedisStorage instance
func newTestRedisStorage(t *testing.T, db map[string]redisTokenBucket) (*miniredis.Miniredis, *RedisStorage) {
	mr := miniredis.RunT(t)
	for key, bucket := range db {
		mr.HSet(
			key,
			tokensRedisFieldName,
			fmt.Sprintf("%f", bucket.tokens),
			lastRefillRedisFieldName,
			fmt.Sprintf("%d", bucket.lastRefill.UnixMilli()),
		)
	}

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() {
		rc.Close()
	})

	return mr, NewRedisWithClient(rc)
}

func getBucketSize(t *testing.T, mr *miniredis.Miniredis, key string) float64 {
	tokens, err := strconv.ParseFloat(mr.HGet(key, tokensRedisFieldName), 64)
	require.NoError(t, err)
	return tokens
}

func assertBucketSize(t *testing.T, mr *miniredis.Miniredis, key string, expected float64, message string) {
	assert.InDelta(t, expected, getBucketSize(t, mr, key), 1e-9, message)
}

func assertAllowed(t *testing.T, res TokenResult, err error, message string) {
	require.NoError(t, err)
	assert.True(t, res.Allowed, message)
}

func assertNotAllowed(t *testing.T, res TokenResult, err error, message string) {
	require.NoError(t, err)
	assert.False(t, res.Allowed, message)
}

func TestRedisStorage_TakeTokens(t *testing.T) {
	var (
		now    = time.UnixMilli(1_773_489_600_000)
		bucket = Bucket{Burst: 2, Rate: 1.0, ExpiresIn: 10 * time.Second}
	)

	tests := []struct {
		id                 string
		key                string
		db                 map[string]redisTokenBucket
		expectedBucketSize float64
		want               bool
	}{
		{
			id:                 "Allow request because the bucket does not exist and so will be created and filled with max tokens",
			key:                "token_bucket:john",
			expectedBucketSize: 1,
			want:               true,
		},
		{
			id:  "Allow request because the bucket is not empty yet",
			key: "token_bucket:john",
			db: map[string]redisTokenBucket{
				"token_bucket:john": {lastRefill: now, tokens: 1},
			},
			expectedBucketSize: 0,
			want:               true,
		},
		{
			id:  "Disallow request because the bucket is empty",
			key: "token_bucket:john",
			db: map[string]redisTokenBucket{
				"token_bucket:john": {lastRefill: now.Add(-250 * time.Millisecond), tokens: 0},
			},
			expectedBucketSize: 0.25,
			want:               false,
		},
		{
			id:  "Allow request because the bucket have been refilled with enough tokens due to elapsed time rule",
			key: "token_bucket:john",
			db: map[string]redisTokenBucket{
				"token_bucket:john": {lastRefill: now.Add(-1 * time.Second), tokens: 0},
			},
			expectedBucketSize: 0,
			want:               true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			mr, storage := newTestRedisStorage(t, tt.db)

			res, err := storage.TakeTokens(context.Background(), tt.key, bucket, 1, now)
			require.NoError(t, err)
			require.Equal(t, tt.want, res.Allowed)
			assert.InDelta(t, tt.expectedBucketSize, res.Tokens, 1e-9)
			assertBucketSize(t, mr, tt.key, tt.expectedBucketSize, "stored bucket size")
			assert.Equal(t, strconv.FormatInt(now.UnixMilli(), 10), mr.HGet(tt.key, lastRefillRedisFieldName))
		})
	}
}

func TestRedisStorage_TokenBucket_EdgeCases(t *testing.T) {
	ctx := context.Background()

	t.Run("Exact boundary - exactly enough tokens for request", func(t *testing.T) {
		key := "token:boundary"
		now := time.UnixMilli(1_773_489_600_000)
		mr, storage := newTestRedisStorage(t, map[string]redisTokenBucket{
			key: {lastRefill: now, tokens: 1.0},
		})

		res, err := storage.TakeTokens(ctx, key, Bucket{Burst: 10, Rate: 1}, 1, now)
		assertAllowed(t, res, err, "Should allow request when tokens exactly equal the cost")
		assertBucketSize(t, mr, key, 0.0, "tokens should be 0 after consuming exactly 1.0")
	})

	t.Run("Sequential requests - rapid fire", func(t *testing.T) {
		_, storage := newTestRedisStorage(t, nil)
		now := time.Now()
		bucket := Bucket{Burst: 5, Rate: 10}

		successCount := 0
		for i := 0; i < 11; i++ {
			res, err := storage.TakeTokens(ctx, "token:sequential", bucket, 1, now)
			require.NoError(t, err)
			if res.Allowed {
				successCount++
			}
		}

		assert.Equal(t, bucket.Burst, successCount, "Should allow up to burst requests before denying")
	})

	t.Run("Refill does not exceed burst", func(t *testing.T) {
		key := "token:overflow"
		now := time.Now()
		mr, storage := newTestRedisStorage(t, map[string]redisTokenBucket{
			key: {lastRefill: now.Add(-10 * time.Second), tokens: 5},
		})

		res, err := storage.TakeTokens(ctx, key, Bucket{Burst: 10, Rate: 100}, 1, now)
		assertAllowed(t, res, err, "Request should succeed")
		assertBucketSize(t, mr, key, 9, "tokens should be capped at the burst before consuming")
	})

	t.Run("Zero cost refills without consuming", func(t *testing.T) {
		key := "token:peek"
		now := time.UnixMilli(1_773_489_600_000)
		mr, storage := newTestRedisStorage(t, map[string]redisTokenBucket{
			key: {lastRefill: now.Add(-500 * time.Millisecond), tokens: 1},
		})

		res, err := storage.TakeTokens(ctx, key, Bucket{Burst: 5, Rate: 2}, 0, now)
		assertAllowed(t, res, err, "peeking is always allowed")
		assert.InDelta(t, 2.0, res.Tokens, 1e-9)
		assertBucketSize(t, mr, key, 2, "refill is persisted")
	})

	t.Run("Zero refill rate - tokens never refill", func(t *testing.T) {
		key := "token:zero-refill"
		now := time.Now()
		_, storage := newTestRedisStorage(t, map[string]redisTokenBucket{
			key: {lastRefill: now.Add(-10 * time.Second), tokens: 2},
		})
		bucket := Bucket{Burst: 10, Rate: 0}

		res, err := storage.TakeTokens(ctx, key, bucket, 1, now)
		assertAllowed(t, res, err, "First request must be allowed given current config")

		res, err = storage.TakeTokens(ctx, key, bucket, 1, now)
		assertAllowed(t, res, err, "Second request must be allowed given current config")

		res, err = storage.TakeTokens(ctx, key, bucket, 1, now)
		assertNotAllowed(t, res, err, "Should deny request when refill rate is 0")
	})

	t.Run("Concurrent requests - race condition test", func(t *testing.T) {
		_, storage := newTestRedisStorage(t, nil)
		now := time.Now()
		bucket := Bucket{Burst: 10, Rate: 1}

		var (
			wg           sync.WaitGroup
			countMutex   sync.Mutex
			successCount int
		)
		for i := 0; i < 20; i++ {
			wg.Go(func() {
				res, err := storage.TakeTokens(ctx, "token:concurrent", bucket, 1, now)
				assert.NoError(t, err)
				if res.Allowed {
					countMutex.Lock()
					successCount++
					countMutex.Unlock()
				}
			})
		}
		wg.Wait()

		assert.Equal(t, bucket.Burst, successCount, "Concurrent requests must not exceed the burst")
	})

	t.Run("Buckets are removed when they expire", func(t *testing.T) {
		mr, storage := newTestRedisStorage(t, nil)
		key := "token:expired"
		bucket := Bucket{Burst: 1, Rate: 0, ExpiresIn: 10 * time.Millisecond}
		now := time.Now()

		res, err := storage.TakeTokens(ctx, key, bucket, 1, now)
		assertAllowed(t, res, err, "Request should succeed")
		assertBucketSize(t, mr, key, 0.0, "Bucket size should be decremented")
		assert.True(t, mr.Exists(key))

		mr.FastForward(20 * time.Millisecond)
		assert.False(t, mr.Exists(key))

		res, err = storage.TakeTokens(ctx, key, bucket, 1, now)
		assertAllowed(t, res, err, "Request should succeed because previous bucket was removed")
	})
}

func TestRedisStorage_Counters(t *testing.T) {
	ctx := context.Background()

	t.Run("Get on a missing key is not found and not an error", func(t *testing.T) {
		_, storage := newTestRedisStorage(t, nil)
		value, found, err := storage.Get(ctx, "ratelimit:free:bob:2026-03-14")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Empty(t, value)
	})

	t.Run("Incr and ExpireAt", func(t *testing.T) {
		mr, storage := newTestRedisStorage(t, nil)
		key := "ratelimit:free:bob:2026-03-14"

		for want := int64(1); want <= 2; want++ {
			got, err := storage.Incr(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		require.NoError(t, storage.ExpireAt(ctx, key, 25*time.Hour))

		value, found, err := storage.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "2", value)
		assert.Equal(t, 25*time.Hour, mr.TTL(key))

		mr.FastForward(25 * time.Hour)
		_, found, err = storage.Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("Incr on a non integer value is not a backend outage", func(t *testing.T) {
		mr, storage := newTestRedisStorage(t, nil)
		require.NoError(t, mr.Set("name", "bob"))

		_, err := storage.Incr(ctx, "name")
		require.ErrorIs(t, err, ErrNotInteger)
		assert.NotErrorIs(t, err, ErrBackendUnavailable)
	})

	t.Run("IncrExpire sets and refreshes the expiry atomically", func(t *testing.T) {
		mr, storage := newTestRedisStorage(t, nil)
		key := "ratelimit:free:bob:2026-03-14"

		got, err := storage.IncrExpire(ctx, key, 25*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got)
		assert.Equal(t, 25*time.Hour, mr.TTL(key))

		mr.FastForward(time.Hour)
		got, err = storage.IncrExpire(ctx, key, 25*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got)
		assert.Equal(t, 25*time.Hour, mr.TTL(key), "every increment resets the expiry")
	})

	t.Run("IncrExpire on a non integer value is not a backend outage", func(t *testing.T) {
		mr, storage := newTestRedisStorage(t, nil)
		require.NoError(t, mr.Set("name", "bob"))

		_, err := storage.IncrExpire(ctx, "name", time.Hour)
		require.ErrorIs(t, err, ErrNotInteger)
		assert.NotErrorIs(t, err, ErrBackendUnavailable)
	})

	t.Run("A cancelled context is not a backend outage", func(t *testing.T) {
		_, storage := newTestRedisStorage(t, nil)
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, _, err := storage.Get(cancelled, "k")
		require.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrBackendUnavailable)

		_, err = storage.IncrExpire(cancelled, "k", time.Hour)
		require.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrBackendUnavailable)

		err = storage.Ping(cancelled)
		require.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrBackendUnavailable)
	})

	t.Run("Set with ttl and Del", func(t *testing.T) {
		mr, storage := newTestRedisStorage(t, nil)

		require.NoError(t, storage.Set(ctx, "k", "v", time.Minute))
		assert.Equal(t, time.Minute, mr.TTL("k"))

		require.NoError(t, storage.Del(ctx, "k"))
		assert.False(t, mr.Exists("k"))
	})

	t.Run("Every operation reports an unreachable backend", func(t *testing.T) {
		mr, storage := newTestRedisStorage(t, nil)
		mr.Close()

		_, _, err := storage.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrBackendUnavailable)
		assert.ErrorIs(t, storage.Set(ctx, "k", "v", 0), ErrBackendUnavailable)
		_, err = storage.Incr(ctx, "k")
		assert.ErrorIs(t, err, ErrBackendUnavailable)
		assert.ErrorIs(t, storage.ExpireAt(ctx, "k", time.Second), ErrBackendUnavailable)
		_, err = storage.IncrExpire(ctx, "k", time.Second)
		assert.ErrorIs(t, err, ErrBackendUnavailable)
		assert.ErrorIs(t, storage.Del(ctx, "k"), ErrBackendUnavailable)
		assert.ErrorIs(t, storage.Ping(ctx), ErrBackendUnavailable)
		_, err = storage.TakeTokens(ctx, "b", Bucket{Burst: 1, Rate: 1}, 1, time.Now())
		assert.ErrorIs(t, err, ErrBackendUnavailable)
	})
}
