package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devils-shadow/quail/internal/auth"
)

func newGuardedRouter(sessions *auth.SessionManager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/guarded", AdminSession(sessions, nil), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	return router
}

func TestAdminSession(t *testing.T) {
	sessions := auth.NewSessionManager(strings.Repeat("k", 32), "quail", time.Minute)
	router := newGuardedRouter(sessions)

	token, _, err := sessions.IssueToken()
	require.NoError(t, err)

	t.Run("Bearer头放行", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/guarded", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("查询参数放行", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/guarded?token="+token, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("缺少令牌", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/guarded", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "解锁")
	})

	t.Run("伪造令牌", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/guarded", nil)
		req.Header.Set("Authorization", "Bearer forged.token.value")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("过期令牌", func(t *testing.T) {
		expired := auth.NewSessionManager(strings.Repeat("k", 32), "quail", -time.Minute)
		expiredToken, _, err := expired.IssueToken()
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/guarded", nil)
		req.Header.Set("Authorization", "Bearer "+expiredToken)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "过期")
	})

	t.Run("其他签名密钥的令牌", func(t *testing.T) {
		other := auth.NewSessionManager(strings.Repeat("x", 32), "quail", time.Minute)
		otherToken, _, err := other.IssueToken()
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/guarded?token="+otherToken, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestBodySizeLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/echo", BodySizeLimit(16), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	t.Run("小请求体放行", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("short"))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "16", rec.Header().Get("X-Max-Body-Size"))
	})

	t.Run("声明超限直接拒绝", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(strings.Repeat("a", 64)))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}
