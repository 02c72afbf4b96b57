package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/services"
	"rillcall/internal/infrastructure/middleware"
	"rillcall/internal/infrastructure/repositories/memory"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	return router
}

func postJSON(router *gin.Engine, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAuthHandler_IssueToken(t *testing.T) {
	auth := services.NewAuthService("secret", time.Hour)
	router := newRouter()
	NewAuthHandler(auth, time.Hour).SetupRoutes(router)

	w := postJSON(router, "/api/v1/token", `{"username":"  alice "}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, 3600, resp.ExpiresIn)
	assert.Equal(t, "alice", resp.Username)

	claims, err := auth.ValidateToken(context.Background(), resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)
}

func TestAuthHandler_RejectsBadInput(t *testing.T) {
	router := newRouter()
	NewAuthHandler(services.NewAuthService("secret", time.Hour), time.Hour).SetupRoutes(router)

	assert.Equal(t, http.StatusBadRequest, postJSON(router, "/api/v1/token", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, postJSON(router, "/api/v1/token", `not json`).Code)
	assert.Equal(t, http.StatusBadRequest, postJSON(router, "/api/v1/token", `{"username":"   "}`).Code)
}

func TestDirectoryHandler(t *testing.T) {
	repo := memory.NewMemoryPresenceRepository()
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, &domain.Presence{User: domain.User{ID: "p2", Username: "bob"}}))
	require.NoError(t, repo.Upsert(ctx, &domain.Presence{User: domain.User{ID: "p1", Username: "alice"}, InCall: true}))

	router := newRouter()
	NewDirectoryHandler(repo).SetupRoutes(router)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/users", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var list struct {
		Users []domain.Presence `json:"users"`
		Count int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, 2, list.Count)
	assert.Equal(t, "alice", list.Users[0].Username)
	assert.True(t, list.Users[0].InCall)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/users/p2", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/users/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
