package middleware

import (
	"crypto/subtle"

	"PushRelay/pkg/config"
	"PushRelay/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AuthTokenHeader carries the shared secret on every command request.
const AuthTokenHeader = "X-AUTH-TOKEN"

// TokenAuthMiddleware checks X-AUTH-TOKEN against the configured secret. The
// secret is read per request so a config reload takes effect immediately. An
// empty secret rejects everything.
func TokenAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		var want string
		if cfg := config.Current(); cfg != nil {
			want = cfg.AuthToken
		}
		got := c.GetHeader(AuthTokenHeader)
		if want == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			zap.L().Debug("rejected unauthenticated request",
				zap.String("path", c.FullPath()),
				zap.String("ip", c.ClientIP()))
			response.ReplyUnauthorized(c)
			return
		}
		c.Next()
	}
}
