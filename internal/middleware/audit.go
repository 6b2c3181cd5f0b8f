package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/assignment-progress-api/internal/service"
	"github.com/noah-isme/assignment-progress-api/pkg/middleware/requestid"
)

// RequestOrigin records who is calling on the request context so engine activity lands in the
// audit trail with the caller's address and agent.
func RequestOrigin() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := service.WithRequestOrigin(c.Request.Context(), service.RequestOrigin{
			RequestID: requestid.Value(c),
			IPAddress: c.ClientIP(),
			UserAgent: c.GetHeader("User-Agent"),
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
