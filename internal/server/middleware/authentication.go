package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	apiKeyHeader     = "X-API-KEY"
	adminTokenHeader = "X-Admin-Token"

	TierContextKey                 = "callerTier"
	IdentifierContextKey           = "callerIdentifier"
	IsAuthenticatedContextValueKey = "isUserAuthenticated"
)

// TierResolver maps a request to the quota tier and identifier of its caller.
type TierResolver interface {
	Resolve(r *http.Request) (tier, identifier string)
}

// APIKeyResolver resolves callers presenting a known API key to the key's tier and everyone
// else to the anonymous tier, identified by client IP.
type APIKeyResolver struct {
	keys          map[string]string // api key -> tier
	anonymousTier string
	clientIP      func(r *http.Request) string
}

func NewAPIKeyResolver(keys map[string]string, anonymousTier string) *APIKeyResolver {
	return &APIKeyResolver{keys: keys, anonymousTier: anonymousTier, clientIP: remoteIP}
}

func (a *APIKeyResolver) Resolve(r *http.Request) (string, string) {
	if key := r.Header.Get(apiKeyHeader); key != "" {
		if tier, ok := a.keys[key]; ok {
			return tier, key
		}
	}
	return a.anonymousTier, ClientIP(r, a.clientIP)
}

func (a *APIKeyResolver) isKnownKey(key string) bool {
	_, ok := a.keys[key]
	return ok
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ClientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then fallback.
func ClientIP(r *http.Request, fallback func(*http.Request) string) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	if ip := fallback(r); ip != "" {
		return ip
	}
	return "unknown"
}

// AuthenticationMiddleware stores the caller's tier and identifier in the gin context.
func AuthenticationMiddleware(resolver TierResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		tier, identifier := resolver.Resolve(c.Request)
		c.Set(TierContextKey, tier)
		c.Set(IdentifierContextKey, identifier)

		authenticated := false
		if a, ok := resolver.(*APIKeyResolver); ok {
			authenticated = a.isKnownKey(c.GetHeader(apiKeyHeader))
		}
		c.Set(IsAuthenticatedContextValueKey, authenticated)

		c.Next()
	}
}

// Caller returns the tier and identifier stored by AuthenticationMiddleware.
func Caller(c *gin.Context) (tier, identifier string) {
	return c.GetString(TierContextKey), c.GetString(IdentifierContextKey)
}

// AdminTokenMiddleware only lets through requests carrying token in the X-Admin-Token header.
func AdminTokenMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		given := c.GetHeader(adminTokenHeader)
		if token == "" || subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": "a valid admin token is required",
			})
			return
		}
		c.Next()
	}
}
