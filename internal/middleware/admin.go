package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devils-shadow/quail/internal/auth"
)

// AdminSession 校验管理会话令牌的中间件。
//
// 令牌从 Authorization: Bearer 头提取；WebSocket 握手无法携带自定义头，
// 允许退化到 token 查询参数。系统只有一个共享的管理能力，
// 校验通过即放行，没有角色区分。
func AdminSession(sessions *auth.SessionManager, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}

	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code": http.StatusUnauthorized,
				"msg":  "需要先解锁管理会话",
			})
			c.Abort()
			return
		}

		claims, err := sessions.Validate(token)
		if err != nil {
			msg := "无效的会话令牌"
			if errors.Is(err, auth.ErrExpiredToken) {
				msg = "会话已过期，请重新解锁"
			} else {
				log.Warn("rejected admin session token",
					zap.String("ip", c.ClientIP()),
					zap.Error(err))
			}
			c.JSON(http.StatusUnauthorized, gin.H{
				"code": http.StatusUnauthorized,
				"msg":  msg,
			})
			c.Abort()
			return
		}

		c.Set("sessionID", claims.ID)
		c.Next()
	}
}

// extractToken 从请求中提取会话令牌。
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}
	return c.Query("token")
}
