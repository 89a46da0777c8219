package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/martinmaurice/pescan/pkg/quota"
)

const (
	DecisionContextKey = "quotaDecision"

	UpgradeURL = "https://pe-scanner.com/pricing"
	SignupURL  = "https://pe-scanner.com/sign-up"

	timestampLayout = "2006-01-02T15:04:05Z"
)

type QuotaChecker interface {
	Check(ctx context.Context, tier, identifier string) quota.Decision
}

type QuotaOptions struct {
	// FreeTierLimit is quoted to anonymous callers to encourage signing up.
	FreeTierLimit int
	Now           func() time.Time
}

func (o QuotaOptions) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

// SetQuotaHeaders writes the X-RateLimit-* headers of d.
func SetQuotaHeaders(c *gin.Context, d quota.Decision) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// Decision returns the quota decision stored by RateLimitMiddleware.
func Decision(c *gin.Context) (quota.Decision, bool) {
	v, exists := c.Get(DecisionContextKey)
	if !exists {
		return quota.Decision{}, false
	}
	d, ok := v.(quota.Decision)
	return d, ok
}

func exceededMessage(d quota.Decision, freeLimit int) string {
	if d.SuggestUpgrade {
		return fmt.Sprintf(
			"You've hit your daily limit of %d free analyses. Markets are moving and signals update "+
				"throughout the day. Sign up free for %d daily analyses and never miss a signal shift!",
			d.Limit, freeLimit)
	}
	return fmt.Sprintf(
		"You've used all %d of your daily analyses. Stock prices change by the minute. Upgrade to Pro "+
			"for unlimited real-time analysis, or wait until tomorrow when your limit resets.",
		d.Limit)
}

// AbortWithQuotaExceeded answers 429 with the reset time and an upgrade nudge. An empty message
// uses the default wording for the tier.
func AbortWithQuotaExceeded(c *gin.Context, d quota.Decision, opts QuotaOptions, message string) {
	now := opts.now()
	if message == "" {
		message = exceededMessage(d, opts.FreeTierLimit)
	}

	body := gin.H{
		"error":       "RateLimitExceeded",
		"message":     message,
		"remaining":   d.Remaining,
		"limit":       d.Limit,
		"reset_at":    d.ResetAt.UTC().Format(timestampLayout),
		"tier":        d.Tier,
		"upgrade_url": nil,
		"signup_url":  nil,
		"hint":        "Markets don't wait. Upgrade for unlimited real-time analysis.",
		"timestamp":   now.UTC().Format(timestampLayout),
	}
	if d.Tier != quota.TierPro {
		body["upgrade_url"] = UpgradeURL
	}
	if d.SuggestUpgrade {
		body["signup_url"] = SignupURL
		body["hint"] = "Stock signals update throughout the day as prices move. Don't miss the next shift!"
	}

	SetQuotaHeaders(c, d)
	c.Header("Retry-After", strconv.Itoa(d.RetryAfter(now)))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, body)
}

// RateLimitMiddleware checks the daily quota of the caller resolved by AuthenticationMiddleware.
// Allowed requests carry the decision in the context for the handler to record usage.
func RateLimitMiddleware(checker QuotaChecker, opts QuotaOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		tier, identifier := Caller(c)
		d := checker.Check(c.Request.Context(), tier, identifier)
		c.Set(DecisionContextKey, d)

		if d.Allowed {
			SetQuotaHeaders(c, d)
			c.Next()
			return
		}

		slog.Info("Request not allowed", "tier", tier, "identifier", identifier, "limit", d.Limit)
		AbortWithQuotaExceeded(c, d, opts, "")
	}
}
