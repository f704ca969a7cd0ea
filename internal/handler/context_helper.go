package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-enterprise-core/internal/middleware"
	"github.com/noah-isme/sma-enterprise-core/internal/models"
	appErrors "github.com/noah-isme/sma-enterprise-core/pkg/errors"
	"github.com/noah-isme/sma-enterprise-core/pkg/response"
)

// actorFromContext writes a 401 and returns false when the request carries no claims.
func actorFromContext(c *gin.Context) (models.Actor, bool) {
	claims := middleware.CurrentClaims(c)
	if claims == nil || claims.UserID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return models.Actor{}, false
	}
	return claims.Actor(), true
}

func bindJSON(c *gin.Context, dest interface{}) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload"))
		return false
	}
	return true
}
