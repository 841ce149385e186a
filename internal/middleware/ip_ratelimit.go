package middleware

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/syncflow/link-server/internal/audit"
	apperrors "github.com/syncflow/link-server/internal/errors"
	"github.com/syncflow/link-server/internal/httputil"
)

// IPRateLimitMiddleware limits unauthenticated endpoints, such as session
// creation, by client address.
type IPRateLimitMiddleware struct {
	limiter *RedisRateLimiter
	limit   int
	window  time.Duration
	prefix  string
}

func NewIPRateLimitMiddleware(limiter *RedisRateLimiter, limit int, window time.Duration, prefix string) *IPRateLimitMiddleware {
	return &IPRateLimitMiddleware{
		limiter: limiter,
		limit:   limit,
		window:  window,
		prefix:  prefix,
	}
}

func (m *IPRateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := fmt.Sprintf("ip:%s:%s", m.prefix, clientIP(r))
		allowed, _, resetAt := m.limiter.Check(r.Context(), key, m.limit, m.window)

		if !allowed {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventRateLimitExceed,
				Details: map[string]interface{}{"scope": m.prefix},
			})
			secondsLeft := int(time.Until(time.Unix(resetAt, 0)).Seconds()) + 1
			if secondsLeft < 1 {
				secondsLeft = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", secondsLeft))
			httputil.WriteError(w, apperrors.RateLimitExceeded())
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP strips the port so reconnecting clients share one bucket.
// chi's RealIP middleware has already rewritten RemoteAddr when proxied.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
