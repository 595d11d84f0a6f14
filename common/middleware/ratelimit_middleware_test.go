package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/lyzr/imageintake/common/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}

func TestUploadRateLimitMiddleware(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	e := echo.New()
	h := UploadRateLimitMiddleware(ratelimit.NewRateLimiter(rdb, nopLogger{}), 16, "s3cret")(func(c echo.Context) error {
		return c.NoContent(http.StatusAccepted)
	})

	do := func(body string, internal string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", strings.NewReader(body))
		req.Header.Set(echo.HeaderXRealIP, "192.0.2.10")
		if internal != "" {
			req.Header.Set("X-Internal-Service", internal)
		}
		rec := httptest.NewRecorder()
		_ = h(e.NewContext(req, rec))
		return rec
	}

	large := strings.Repeat("x", 32)
	for i := int64(0); i < ratelimit.GetLimitForTier(ratelimit.TierLarge); i++ {
		assert.Equal(t, http.StatusAccepted, do(large, "").Code)
	}
	rec := do(large, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// standard tier has its own counter
	assert.Equal(t, http.StatusAccepted, do("small", "").Code)
	// the shared secret bypasses the limit, a wrong one does not
	assert.Equal(t, http.StatusAccepted, do(large, "s3cret").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(large, "guess").Code)
}

func TestUploadRateLimitFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	mr.Close()

	e := echo.New()
	h := UploadRateLimitMiddleware(ratelimit.NewRateLimiter(rdb, nopLogger{}), 16, "")(func(c echo.Context) error {
		return c.NoContent(http.StatusAccepted)
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", strings.NewReader("x"))
	rec := httptest.NewRecorder()
	_ = h(e.NewContext(req, rec))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
