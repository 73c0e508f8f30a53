package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "sudooom.im.messenger/pkg/errors"
	"sudooom.im.messenger/pkg/jwt"
	"sudooom.im.messenger/pkg/response"
)

const (
	ctxUserID   = "user_id"
	ctxDeviceID = "device_id"
	ctxPlatform = "platform"
)

// JWTAuth JWT 认证中间件。浏览器无法给 WebSocket 握手加请求头，
// 因此同时接受 ?token= 查询参数
func JWTAuth(jwtService *jwt.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			response.Unauthorized(c, apperrors.ErrTokenInvalid)
			c.Abort()
			return
		}

		claims, err := jwtService.ValidateAccessToken(token)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				response.Unauthorized(c, apperrors.ErrTokenExpired)
			} else {
				response.Unauthorized(c, apperrors.ErrTokenInvalid)
			}
			c.Abort()
			return
		}

		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxDeviceID, claims.DeviceID)
		c.Set(ctxPlatform, string(claims.Platform))
		c.Next()
	}
}

// extractToken 从 Authorization header 提取 token
func extractToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return parts[1]
}

// GetUserID 从 context 获取 user_id
func GetUserID(c *gin.Context) int64 {
	return c.GetInt64(ctxUserID)
}

// GetDeviceID 从 context 获取 device_id
func GetDeviceID(c *gin.Context) string {
	return c.GetString(ctxDeviceID)
}

func GetPlatform(c *gin.Context) string {
	return c.GetString(ctxPlatform)
}
