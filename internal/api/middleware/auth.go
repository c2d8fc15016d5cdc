package middleware

import (
	"errors"
	"net/http"
	"strings"

	"helphero/internal/session"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware 校验会话令牌并将 userID 写入上下文。
//
// 令牌必须签名有效且会话未被注销，二者缺一返回 401。
func AuthMiddleware(sessions *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			c.Abort()
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			c.Abort()
			return
		}

		uid, err := sessions.Resolve(c.Request.Context(), strings.TrimSpace(parts[1]))
		if err != nil {
			if errors.Is(err, session.ErrInvalidToken) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			} else {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve session failed"})
			}
			c.Abort()
			return
		}

		c.Set("userID", uid)
		c.Next()
	}
}

// UserID 从上下文读取认证中间件写入的用户 ID。
func UserID(c *gin.Context) (uint, bool) {
	v, ok := c.Get("userID")
	if !ok {
		return 0, false
	}
	uid, ok := v.(uint)
	return uid, ok
}
