package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncflow/link-server/internal/model"
)

func TestRateLimiter(t *testing.T) {
	t.Run("allows requests under limit", func(t *testing.T) {
		limiter := NewRateLimiter()

		for i := 0; i < 5; i++ {
			allowed, remaining, _ := limiter.Check("key-1", 10, time.Minute)
			assert.True(t, allowed)
			assert.Equal(t, 10-i-1, remaining)
		}
	})

	t.Run("blocks requests over limit", func(t *testing.T) {
		limiter := NewRateLimiter()

		for i := 0; i < 5; i++ {
			limiter.Check("key-2", 5, time.Minute)
		}

		allowed, remaining, _ := limiter.Check("key-2", 5, time.Minute)
		assert.False(t, allowed)
		assert.Equal(t, 0, remaining)
	})

	t.Run("tracks keys separately", func(t *testing.T) {
		limiter := NewRateLimiter()

		for i := 0; i < 5; i++ {
			limiter.Check("key-a", 5, time.Minute)
		}

		allowed, _, _ := limiter.Check("key-b", 5, time.Minute)
		assert.True(t, allowed)
	})

	t.Run("window slides", func(t *testing.T) {
		limiter := NewRateLimiter()
		now := time.Now()
		limiter.now = func() time.Time { return now }

		for i := 0; i < 3; i++ {
			limiter.Check("key-3", 3, time.Minute)
		}
		allowed, _, _ := limiter.Check("key-3", 3, time.Minute)
		assert.False(t, allowed)

		now = now.Add(61 * time.Second)
		allowed, _, _ = limiter.Check("key-3", 3, time.Minute)
		assert.True(t, allowed)
	})
}

func setupRedisLimiter(t *testing.T) (*RedisRateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisRateLimiter(client, "link:"), mr
}

func TestRedisRateLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("enforces limit across calls", func(t *testing.T) {
		limiter, mr := setupRedisLimiter(t)

		for i := 0; i < 3; i++ {
			allowed, remaining, _ := limiter.Check(ctx, "ip:create:10.0.0.1", 3, time.Minute)
			require.True(t, allowed)
			assert.Equal(t, 3-i-1, remaining)
		}

		allowed, remaining, resetAt := limiter.Check(ctx, "ip:create:10.0.0.1", 3, time.Minute)
		assert.False(t, allowed)
		assert.Zero(t, remaining)
		assert.Greater(t, resetAt, time.Now().Unix())
		assert.True(t, mr.Exists("link:ratelimit:ip:create:10.0.0.1"))
	})

	t.Run("falls back to local window when redis is down", func(t *testing.T) {
		limiter, mr := setupRedisLimiter(t)
		mr.Close()

		allowed, _, _ := limiter.Check(ctx, "k", 1, time.Minute)
		assert.True(t, allowed)
		allowed, _, _ = limiter.Check(ctx, "k", 1, time.Minute)
		assert.False(t, allowed)
	})
}

func TestIPRateLimitMiddleware(t *testing.T) {
	limiter, _ := setupRedisLimiter(t)
	m := NewIPRateLimitMiddleware(limiter, 2, time.Minute, "create")
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	send := func(remoteAddr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v2/pairing/sessions", nil)
		req.RemoteAddr = remoteAddr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusCreated, send("10.0.0.1:5000").Code)
	assert.Equal(t, http.StatusCreated, send("10.0.0.1:5001").Code, "port is ignored")

	rec := send("10.0.0.1:5002")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusCreated, send("10.0.0.2:5000").Code)
}

func TestRedisRateLimitMiddleware(t *testing.T) {
	t.Run("passes through without principal", func(t *testing.T) {
		limiter, _ := setupRedisLimiter(t)
		m := NewRedisRateLimitMiddleware(limiter, 1)
		handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		for i := 0; i < 3; i++ {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
			assert.Equal(t, http.StatusOK, rec.Code)
		}
	})

	t.Run("limits per account and sets headers", func(t *testing.T) {
		limiter, _ := setupRedisLimiter(t)
		m := NewRedisRateLimitMiddleware(limiter, 2)
		handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		send := func(accountID string) *httptest.ResponseRecorder {
			req := httptest.NewRequest("GET", "/v1/devices", nil)
			req = req.WithContext(WithPrincipal(req.Context(), &model.Principal{Kind: model.PrincipalAccount, AccountID: accountID}))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			return rec
		}

		rec := send("U1")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))

		send("U1")
		rec = send("U1")
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "60", rec.Header().Get("Retry-After"))

		assert.Equal(t, http.StatusOK, send("U2").Code)
	})

	t.Run("non-positive limit uses default", func(t *testing.T) {
		limiter, _ := setupRedisLimiter(t)
		m := NewRedisRateLimitMiddleware(limiter, 0)
		assert.Equal(t, 60, m.limit)
	})
}
