package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-enterprise-core/internal/models"
	appErrors "github.com/noah-isme/sma-enterprise-core/pkg/errors"
	"github.com/noah-isme/sma-enterprise-core/pkg/response"
)

// RequireRoles admits callers whose token carries one of roles. SUPERADMIN passes every check.
// It must run after JWT.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	allowed := make(map[models.UserRole]struct{}, len(roles))
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
		names = append(names, string(role))
	}
	denied := appErrors.Clone(appErrors.ErrForbidden, "requires role "+strings.Join(names, " or "))

	return func(c *gin.Context) {
		claims := CurrentClaims(c)
		if claims == nil {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		if _, ok := allowed[claims.Role]; ok || claims.Role == models.RoleSuperAdmin {
			c.Next()
			return
		}

		response.Error(c, denied)
		c.Abort()
	}
}
