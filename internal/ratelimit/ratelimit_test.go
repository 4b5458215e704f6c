package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m := NewMemoryLimiter(0.001, 3) // effectively no refill within the test
	defer m.Close()

	for i := 0; i < 3; i++ {
		ok, err := m.Allow(context.Background(), "k")
		require.NoError(t, err)
		assert.True(t, ok, "request %d should pass", i)
	}
	ok, err := m.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted")
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	m := NewMemoryLimiter(0.001, 1)
	defer m.Close()

	ok, _ := m.Allow(context.Background(), "a")
	assert.True(t, ok)
	ok, _ = m.Allow(context.Background(), "a")
	assert.False(t, ok)
	ok, _ = m.Allow(context.Background(), "b")
	assert.True(t, ok, "key b has its own bucket")
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var n NoopLimiter
	for i := 0; i < 100; i++ {
		ok, err := n.Allow(context.Background(), "any")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestMiddlewareReturns429(t *testing.T) {
	m := NewMemoryLimiter(0.001, 1)
	defer m.Close()

	handler := Middleware(m, IPKeyFunc, testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/agents", nil)
	req.RemoteAddr = "10.0.0.1:5000"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "too many requests")
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	m := NewMemoryLimiter(0.001, 1)
	defer m.Close()

	handler := Middleware(m, func(*http.Request) string { return "" }, testLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.7:61234"
	assert.Equal(t, "192.168.1.7", IPKeyFunc(req))
}
