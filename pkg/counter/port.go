package counter

import (
	"context"
	"errors"
	"time"

	"github.com/martinmaurice/pescan/pkg/enum"
)

// ErrBackendUnavailable wraps every failure to reach the shared counter backend.
// Callers fall back to local state on it; it never reaches an end user.
var ErrBackendUnavailable = errors.New("shared counter backend unavailable")

// ErrNotInteger is returned when a counter key holds something else than an integer.
var ErrNotInteger = errors.New("value is not an integer")

// Store is the key/value contract shared by the Redis backend and the local fallback.
type Store interface {
	// Get returns found=false for a missing or expired key.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	// Set stores value; a zero ttl keeps the key forever.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	ExpireAt(ctx context.Context, key string, ttl time.Duration) error
	// IncrExpire increments key and resets its expiry to ttl in one atomic step.
	IncrExpire(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Del(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	TokenBucketHandler
}

// ModeReporter is implemented by stores that can lose authority to a local fallback.
type ModeReporter interface {
	Mode() enum.StoreMode
}

// ModeOf reports enum.Shared for stores that never degrade.
func ModeOf(s Store) enum.StoreMode {
	if r, ok := s.(ModeReporter); ok {
		return r.Mode()
	}
	return enum.Shared
}
