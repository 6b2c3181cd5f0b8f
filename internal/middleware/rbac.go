package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/assignment-progress-api/internal/models"
	appErrors "github.com/noah-isme/assignment-progress-api/pkg/errors"
	"github.com/noah-isme/assignment-progress-api/pkg/response"
)

// RequireRoles lets the request through when the caller holds one of roles. An empty list
// admits any authenticated caller.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	allowed := make(map[models.UserRole]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		value, exists := c.Get(ContextUserKey)
		claims, ok := value.(*models.JWTClaims)
		if !exists || !ok || claims == nil {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		if len(allowed) == 0 {
			c.Next()
			return
		}
		if _, ok := allowed[claims.Role]; ok {
			c.Next()
			return
		}
		response.Error(c, appErrors.ErrForbidden)
		c.Abort()
	}
}
