package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragchat-go/pkg/token"
)

// newAuthRouter 搭一个只挂认证中间件的路由，把上下文里的身份回显出来。
func newAuthRouter(jwtManager *token.JWTManager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(jwtManager))
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id":   c.GetString("user_id"),
			"tenant_id": c.GetString("tenant_id"),
		})
	})
	return r
}

func doRequest(r *gin.Engine, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	jwtManager := token.NewJWTManager("test-secret", 2, 7)
	r := newAuthRouter(jwtManager)

	t.Run("有效token写入租户与用户标识", func(t *testing.T) {
		tokenString, err := jwtManager.GenerateToken("alice", "t1", "user")
		require.NoError(t, err)

		w := doRequest(r, "Bearer "+tokenString)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"user_id":"alice"`)
		assert.Contains(t, w.Body.String(), `"tenant_id":"t1"`)
	})

	t.Run("refresh token同样可通过验证", func(t *testing.T) {
		refresh, err := jwtManager.GenerateRefreshToken("bob", "t2", "admin")
		require.NoError(t, err)

		claims, err := jwtManager.VerifyToken(refresh)
		require.NoError(t, err)
		assert.Equal(t, "bob", claims.UserID)
		assert.Equal(t, "t2", claims.TenantID)
		assert.Equal(t, "admin", claims.Role)

		w := doRequest(r, "Bearer "+refresh)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"tenant_id":"t2"`)
	})

	t.Run("缺少授权头返回401", func(t *testing.T) {
		w := doRequest(r, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("非Bearer格式返回401", func(t *testing.T) {
		w := doRequest(r, "Basic abc123")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("其他密钥签发的token返回401", func(t *testing.T) {
		other := token.NewJWTManager("another-secret", 2, 7)
		forged, err := other.GenerateToken("mallory", "t1", "user")
		require.NoError(t, err)

		w := doRequest(r, "Bearer "+forged)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
