package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	// PrincipalKey is the gin context key an auth layer sets to the caller's id.
	PrincipalKey = "principal"
	// APIKeyKey is the gin context key an auth layer sets to an API key it
	// has verified. Raw request headers are never trusted as an identity.
	APIKeyKey  = "ratelimit.api_key"
	chargedKey = "ratelimit.charged"
)

// Identifier picks the caller identity: principal id, then verified API key,
// then client IP. Keys are hashed so secrets never reach the counter store.
func Identifier(c *gin.Context) string {
	if p := c.GetString(PrincipalKey); p != "" {
		return "user:" + p
	}
	if key := c.GetString(APIKeyKey); key != "" {
		return "key:" + hashKey(key)
	}
	return "ip:" + c.ClientIP()
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

// Middleware enforces the named policy. A request already charged by an
// earlier limiter in the chain passes through without a second charge.
func Middleware(l *Limiter, policyName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetBool(chargedKey) {
			c.Next()
			return
		}
		c.Set(chargedKey, true)

		policy := l.Policy(policyName)
		decision := l.TryAcquire(c.Request.Context(), policy, Identifier(c))

		h := c.Writer.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		h.Set("X-RateLimit-Provider", decision.Backend)

		if !decision.Allowed {
			retry := decision.RetryAfter(l.now())
			h.Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": int(retry.Seconds()),
			})
			return
		}
		c.Next()
	}
}
