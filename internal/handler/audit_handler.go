package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-enterprise-core/internal/models"
	appErrors "github.com/noah-isme/sma-enterprise-core/pkg/errors"
	"github.com/noah-isme/sma-enterprise-core/pkg/response"
)

type auditReader interface {
	List(ctx context.Context, filter models.AuditFilter) ([]models.AuditLog, error)
}

// AuditHandler exposes the audit trail.
type AuditHandler struct {
	audit auditReader
}

// NewAuditHandler constructs AuditHandler.
func NewAuditHandler(audit auditReader) *AuditHandler {
	return &AuditHandler{audit: audit}
}

// List godoc
// @Summary Query the audit trail
// @Tags Audit
// @Produce json
// @Param entityType query string false "Entity type"
// @Param entityId query string false "Entity ID"
// @Param userId query string false "Actor user ID"
// @Param action query string false "Audit action"
// @Param limit query int false "Maximum rows (default 50, max 200)"
// @Success 200 {object} response.Envelope
// @Router /audit-logs [get]
func (h *AuditHandler) List(c *gin.Context) {
	filter := models.AuditFilter{
		EntityType: c.Query("entityType"),
		EntityID:   c.Query("entityId"),
		UserID:     c.Query("userId"),
		Action:     models.AuditAction(c.Query("action")),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "limit must be a positive number"))
			return
		}
		filter.Limit = limit
	}
	logs, err := h.audit.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, logs, nil)
}
