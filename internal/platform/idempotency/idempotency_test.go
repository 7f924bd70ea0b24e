package idempotency

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ReserveCompleteRelease(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec, ok, err := s.Reserve(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, rec)

	rec, ok, err = s.Reserve(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, rec.Pending())

	require.NoError(t, s.Complete(ctx, "k", Record{Status: 201, Body: []byte(`{}`)}, time.Minute))
	rec, ok, _ = s.Reserve(ctx, "k", time.Minute)
	assert.False(t, ok)
	assert.Equal(t, 201, rec.Status)

	require.NoError(t, s.Release(ctx, "k"))
	_, ok, _ = s.Reserve(ctx, "k", time.Minute)
	assert.True(t, ok)
}

func TestMemoryStore_Expiry(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	s.now = func() time.Time { return now }

	_, ok, _ := s.Reserve(context.Background(), "k", time.Second)
	require.True(t, ok)
	now = now.Add(2 * time.Second)
	_, ok, _ = s.Reserve(context.Background(), "k", time.Second)
	assert.True(t, ok)
}

func TestMemoryStore_SweepsExpiredEntries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	s.now = func() time.Time { return now }

	for _, k := range []string{"a", "b", "c"} {
		_, ok, err := s.Reserve(ctx, k, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, s.Complete(ctx, "c", Record{Status: http.StatusCreated}, time.Hour))

	// Expired but inside the sweep interval: entries are still held.
	now = now.Add(2 * time.Second)
	_, _, err := s.Reserve(ctx, "d", time.Second)
	require.NoError(t, err)
	assert.Len(t, s.entries, 4)

	now = now.Add(memorySweepInterval)
	_, ok, err := s.Reserve(ctx, "e", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, s.entries, 2)
	assert.Contains(t, s.entries, "c")
	assert.Contains(t, s.entries, "e")
}

func serve(t *testing.T, e *echo.Echo, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/invoices", nil)
	if key != "" {
		req.Header.Set(HeaderKey, key)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_ReplaysSuccessfulResponse(t *testing.T) {
	e := echo.New()
	calls := 0
	e.Use(Middleware(NewMemoryStore(), time.Hour, zerolog.Nop()))
	e.POST("/api/v1/invoices", func(c echo.Context) error {
		calls++
		return c.JSON(http.StatusCreated, map[string]int{"call": calls})
	})

	first := serve(t, e, "abc")
	second := serve(t, e, "abc")

	assert.Equal(t, 1, calls)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get(HeaderReplay))

	serve(t, e, "other")
	serve(t, e, "")
	assert.Equal(t, 3, calls)
}

func TestMiddleware_FailureReleasesKey(t *testing.T) {
	e := echo.New()
	calls := 0
	e.Use(Middleware(NewMemoryStore(), time.Hour, zerolog.Nop()))
	e.POST("/api/v1/invoices", func(c echo.Context) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return c.NoContent(http.StatusCreated)
	})

	assert.Equal(t, http.StatusInternalServerError, serve(t, e, "k").Code)
	assert.Equal(t, http.StatusCreated, serve(t, e, "k").Code)
	assert.Equal(t, 2, calls)
}

func TestMiddleware_InFlightConflict(t *testing.T) {
	store := NewMemoryStore()
	_, ok, _ := store.Reserve(context.Background(), ":"+":"+"/api/v1/invoices:busy", time.Hour)
	require.True(t, ok)

	e := echo.New()
	e.Use(Middleware(store, time.Hour, zerolog.Nop()))
	e.POST("/api/v1/invoices", func(c echo.Context) error { return c.NoContent(http.StatusCreated) })

	assert.Equal(t, http.StatusConflict, serve(t, e, "busy").Code)
}
