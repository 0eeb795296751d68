package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/talknote/ingest/common/logger"
	"github.com/talknote/ingest/common/ratelimit"
)

type stubLimiter struct {
	result *ratelimit.RateLimitResult
	err    error
	keys   []string
}

func (s *stubLimiter) Check(ctx context.Context, key string, limit int64, window time.Duration) (*ratelimit.RateLimitResult, error) {
	s.keys = append(s.keys, key)
	return s.result, s.err
}

func newTestEcho(mw ...echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.Use(ExtractOwner())
	e.POST("/things", func(c echo.Context) error {
		owner, ok, err := RequireOwner(c)
		if !ok {
			return err
		}
		return c.String(http.StatusOK, owner)
	}, mw...)
	return e
}

func TestRequireOwner(t *testing.T) {
	e := newTestEcho()

	req := httptest.NewRequest(http.MethodPost, "/things", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/things", nil)
	req.Header.Set(OwnerHeader, "alice")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", rec.Body.String())
}

func TestOwnerRateLimitMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		owner    string
		limiter  *stubLimiter
		wantCode int
		wantKeys int
	}{
		{
			name:     "allowed",
			owner:    "alice",
			limiter:  &stubLimiter{result: &ratelimit.RateLimitResult{Allowed: true, CurrentCount: 1, Limit: 5}},
			wantCode: http.StatusOK,
			wantKeys: 1,
		},
		{
			name:     "denied",
			owner:    "alice",
			limiter:  &stubLimiter{result: &ratelimit.RateLimitResult{Allowed: false, CurrentCount: 6, Limit: 5, RetryAfterSeconds: 12}},
			wantCode: http.StatusTooManyRequests,
			wantKeys: 1,
		},
		{
			name:     "limiter error fails open",
			owner:    "alice",
			limiter:  &stubLimiter{err: errors.New("redis down")},
			wantCode: http.StatusOK,
			wantKeys: 1,
		},
		{
			name:     "anonymous skips limiter",
			limiter:  &stubLimiter{},
			wantCode: http.StatusUnauthorized,
			wantKeys: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEcho(OwnerRateLimitMiddleware(tt.limiter, "uploads", 5, time.Minute, logger.Discard()))
			req := httptest.NewRequest(http.MethodPost, "/things", nil)
			if tt.owner != "" {
				req.Header.Set(OwnerHeader, tt.owner)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Len(t, tt.limiter.keys, tt.wantKeys)
			if tt.wantCode == http.StatusTooManyRequests {
				assert.Equal(t, "12", rec.Header().Get("Retry-After"))
				assert.Contains(t, rec.Body.String(), "rate_limit_exceeded")
				assert.Equal(t, "rate_limit:owner:alice:uploads", tt.limiter.keys[0])
			}
		})
	}
}

func TestRequestContext_CarriesRequestID(t *testing.T) {
	e := echo.New()
	e.Use(echomw.RequestID())
	e.Use(RequestContext())

	var got string
	e.GET("/ping", func(c echo.Context) error {
		h := &captureHandler{}
		log := &logger.Logger{Logger: slog.New(h)}
		log.WithContext(c.Request().Context()).Info("ping")
		got = h.requestID
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(echo.HeaderXRequestID, "req-42")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", got)
}

type captureHandler struct {
	attrs     []slog.Attr
	requestID string
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	for _, a := range h.attrs {
		if a.Key == "request_id" {
			h.requestID = a.Value.String()
		}
	}
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h.attrs = append(h.attrs, attrs...)
	return h
}

func (h *captureHandler) WithGroup(string) slog.Handler { return h }
