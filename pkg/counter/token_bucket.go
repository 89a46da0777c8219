package counter

import (
	"context"
	"math"
	"time"
)

type TokenBucketHandler interface {
	// TakeTokens refills the bucket at key up to now and, when cost > 0 and enough tokens are
	// available, consumes cost tokens. Refill and consume are one atomic step.
	// A cost of 0 refills and reports without consuming.
	TakeTokens(ctx context.Context, key string, bucket Bucket, cost float64, now time.Time) (TokenResult, error)
}

type Bucket struct {
	Burst     int           // max tokens allowed in the bucket
	Rate      float64       // number of tokens refilled per second
	ExpiresIn time.Duration // remove an idle bucket after this long, zero keeps it
}

type TokenResult struct {
	Allowed bool
	Tokens  float64 // tokens left after the operation
}

// refill returns the tokens held at now. A last refill in the future (clock skew between
// processes) adds nothing.
func (b Bucket) refill(tokens float64, lastRefill, now time.Time) float64 {
	elapsed := now.Sub(lastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return math.Min(float64(b.Burst), tokens+elapsed*b.Rate)
}

// take applies cost to the refilled token count.
func (b Bucket) take(tokens, cost float64) TokenResult {
	if cost <= 0 {
		return TokenResult{Allowed: true, Tokens: tokens}
	}
	if tokens >= cost {
		return TokenResult{Allowed: true, Tokens: tokens - cost}
	}
	return TokenResult{Allowed: false, Tokens: tokens}
}
