package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/cachesync-go/auth"
	"github.com/glimte/cachesync-go/cache"
	"github.com/glimte/cachesync-go/health"
	"github.com/glimte/cachesync-go/internal/jsoncodec"
	"github.com/glimte/cachesync-go/internal/reliability"
)

type decoded struct {
	Success    bool           `json:"success"`
	StatusCode int            `json:"statusCode"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data"`
}

func newTestServiceRouter(t *testing.T) http.Handler {
	t.Helper()
	ctx := context.Background()

	users := cache.NewMemoryStore[cache.UserRecord]()
	_, err := users.Upsert(ctx, "7", cache.UserRecord{ID: "7", Name: "Ada", Email: "ada@example.com", Role: "admin"})
	require.NoError(t, err)

	products := cache.NewMemoryStore[cache.ProductRecord]()
	_, err = products.Upsert(ctx, "p1", cache.ProductRecord{ID: "p1", Name: "Lamp", Stock: 3})
	require.NoError(t, err)

	deadLetters := reliability.NewInMemoryDeadLetterStore(10)
	require.NoError(t, deadLetters.Store(ctx, reliability.DeadLetter{
		ID:             "dl-1",
		Queue:          "order-events-queue",
		Error:          "product not cached",
		DeadLetteredAt: time.Now(),
	}))

	return newServiceRouter(serviceRoutes{
		users:       users,
		products:    products,
		deadLetters: deadLetters,
		authorizer:  auth.NewAuthorizer(auth.DefaultPolicy(), auth.WithAuthorizerLogger(discardLogger())),
		health:      health.NewHandler(health.NewRegistry(), time.Second),
		logger:      discardLogger(),
	})
}

func asUser(req *http.Request, id, role string, perms string) *http.Request {
	req.Header.Set(auth.HeaderUserID, id)
	req.Header.Set(auth.HeaderUserEmail, "ada@example.com")
	req.Header.Set(auth.HeaderUserRole, role)
	req.Header.Set(auth.HeaderUserRoleLevel, "10")
	req.Header.Set(auth.HeaderUserPermissions, perms)
	return req
}

func serve(t *testing.T, h http.Handler, req *http.Request) (int, decoded) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body decoded
	if rec.Body.Len() > 0 {
		require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec.Code, body
}

func TestServiceRouter(t *testing.T) {
	router := newTestServiceRouter(t)
	readAll := `["read_user","read_product"]`

	t.Run("serves cached users to callers with read_user", func(t *testing.T) {
		code, body := serve(t, router, asUser(httptest.NewRequest(http.MethodGet, "/api/v1/cache/users/7", nil), "7", "user", readAll))
		require.Equal(t, http.StatusOK, code)
		assert.True(t, body.Success)
		assert.Equal(t, "Ada", body.Data["name"])
	})

	t.Run("serves cached products", func(t *testing.T) {
		code, body := serve(t, router, asUser(httptest.NewRequest(http.MethodGet, "/api/v1/cache/products/p1", nil), "7", "user", readAll))
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, float64(3), body.Data["stock"])
	})

	t.Run("returns 404 for entries that are not cached", func(t *testing.T) {
		code, body := serve(t, router, asUser(httptest.NewRequest(http.MethodGet, "/api/v1/cache/users/8", nil), "7", "user", readAll))
		assert.Equal(t, http.StatusNotFound, code)
		assert.False(t, body.Success)
	})

	t.Run("refuses requests that bypassed the gateway", func(t *testing.T) {
		code, body := serve(t, router, httptest.NewRequest(http.MethodGet, "/api/v1/cache/users/7", nil))
		assert.Equal(t, http.StatusForbidden, code)
		assert.Equal(t, "Authentication required", body.Message)
	})

	t.Run("refuses callers without the permission", func(t *testing.T) {
		code, _ := serve(t, router, asUser(httptest.NewRequest(http.MethodGet, "/api/v1/cache/products/p1", nil), "7", "user", `["read_user"]`))
		assert.Equal(t, http.StatusForbidden, code)
	})

	t.Run("derives permissions from the cached role", func(t *testing.T) {
		code, body := serve(t, router, asUser(httptest.NewRequest(http.MethodGet, "/api/v1/me/permissions", nil), "7", "user", `["read_user"]`))
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, "admin", body.Data["role"])
		assert.Len(t, body.Data["permissions"], 12)
	})

	t.Run("rejects subjects missing from the cache", func(t *testing.T) {
		code, _ := serve(t, router, asUser(httptest.NewRequest(http.MethodGet, "/api/v1/me/permissions", nil), "99", "user", readAll))
		assert.Equal(t, http.StatusUnauthorized, code)
	})

	t.Run("lists dead letters", func(t *testing.T) {
		code, body := serve(t, router, httptest.NewRequest(http.MethodGet, "/internal/dead-letters?queue=order-events-queue", nil))
		require.Equal(t, http.StatusOK, code)
		assert.Len(t, body.Data["entries"], 1)
	})

	t.Run("validates the dead letter limit", func(t *testing.T) {
		code, _ := serve(t, router, httptest.NewRequest(http.MethodGet, "/internal/dead-letters?limit=many", nil))
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("reports health", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
