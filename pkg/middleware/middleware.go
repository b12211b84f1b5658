package middleware

import (
	"context"
	"crypto/subtle"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-ledger/internal/auth"
	"github.com/ksred/klear-ledger/pkg/response"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// budget is the token bucket applied to routes under prefix.
type budget struct {
	prefix string
	limit  rate.Limit
	burst  int
}

// RateLimiter keeps one token bucket per caller and route group.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	budgets  []budget
}

func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60.0)
}

// NewRateLimiter allows tradingPerMinute order requests per caller per
// minute; auth and status routes get fixed budgets around it.
func NewRateLimiter(tradingPerMinute int) *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		budgets: []budget{
			{prefix: "/api/v1/auth", limit: perMinute(10), burst: 1},
			{prefix: "/api/v1/orders", limit: perMinute(tradingPerMinute), burst: 5},
			{prefix: "/api/v1/account", limit: perMinute(1000), burst: 10},
		},
	}
}

// SetBudget replaces the budget for routes under prefix, adding it if absent.
// Callers already tracked keep their current bucket until they go idle.
func (l *RateLimiter) SetBudget(prefix string, requestsPerMinute, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.budgets {
		if l.budgets[i].prefix == prefix {
			l.budgets[i].limit = perMinute(requestsPerMinute)
			l.budgets[i].burst = burst
			return
		}
	}
	l.budgets = append(l.budgets, budget{prefix: prefix, limit: perMinute(requestsPerMinute), burst: burst})
}

// limitFor must be called with l.mu held.
func (l *RateLimiter) limitFor(path string) (rate.Limit, int) {
	for _, b := range l.budgets {
		if strings.HasPrefix(path, b.prefix) {
			return b.limit, b.burst
		}
	}
	return rate.Inf, 1
}

func (l *RateLimiter) get(path, caller string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := caller + ":" + path
	v, exists := l.visitors[key]
	if !exists {
		limit, burst := l.limitFor(path)
		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Cleanup drops idle callers every minute until ctx is done.
func (l *RateLimiter) Cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			for key, v := range l.visitors {
				if time.Since(v.lastSeen) > 3*time.Minute {
					delete(l.visitors, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := auth.AccountID(c)
		if caller == "" {
			caller = c.ClientIP()
		}

		if !l.get(c.FullPath(), caller).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}
		c.Next()
	}
}

func bearer(c *gin.Context) (string, bool) {
	parts := strings.Split(c.GetHeader("Authorization"), " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// JWTAuth binds the request to the account named in a valid token.
func JWTAuth(tokens *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearer(c)
		if !ok {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		claims, err := tokens.ValidateToken(tokenString)
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("account_id", claims.AccountID)
		c.Next()
	}
}

// InternalAuth admits callers presenting the shared internal token. An
// empty configured token rejects everything.
func InternalAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented, ok := bearer(c)
		if !ok || token == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			response.Unauthorized(c, "Invalid internal token")
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequestLogger writes one structured line per request.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := log.Debug()
		if c.Writer.Status() >= 500 {
			event = log.Error()
		}
		event.Str("component", "http").
			Str("method", c.Request.Method).
			Str("route", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("account_id", auth.AccountID(c)).
			Msg("request")
	}
}
