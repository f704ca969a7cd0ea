package response

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-enterprise-core/internal/models"
	appErrors "github.com/noah-isme/sma-enterprise-core/pkg/errors"
)

// Envelope represents the common response contract.
type Envelope struct {
	Data       interface{}            `json:"data,omitempty"`
	Error      *appErrors.Error       `json:"error,omitempty"`
	Pagination *models.Pagination     `json:"pagination,omitempty"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

// JSON sends a success response with optional pagination metadata.
func JSON(c *gin.Context, status int, data interface{}, pagination *models.Pagination, meta ...map[string]interface{}) {
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
	envelope := Envelope{Data: data, Pagination: pagination}
	if len(meta) > 0 && meta[0] != nil {
		envelope.Meta = meta[0]
	}
	c.JSON(status, envelope)
}

// Created responds with HTTP 201 Created.
func Created(c *gin.Context, data interface{}) {
	JSON(c, http.StatusCreated, data, nil)
}

// Error sends an error response converting the error to the common structure.
func Error(c *gin.Context, err error) {
	appErr := appErrors.FromError(err)
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
	c.JSON(appErr.Status, Envelope{Error: appErr})
}

// Versioned sends a success response tagged with the entity version as a strong ETag.
func Versioned(c *gin.Context, status int, data interface{}, version int) {
	c.Header("ETag", ETag(version))
	JSON(c, status, data, nil)
}

// ETag renders a version number as an entity tag.
func ETag(version int) string {
	return strconv.Quote(strconv.Itoa(version))
}

// ParseVersionTag reads a version number from an If-Match value. Bare, quoted and weak
// numeric tags are accepted.
func ParseVersionTag(tag string) (int, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(tag), "W/")
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}
	version, err := strconv.Atoi(raw)
	if err != nil || version < 1 {
		return 0, fmt.Errorf("entity tag %q is not a version number", tag)
	}
	return version, nil
}

// Attachment sends body as a downloadable file.
func Attachment(c *gin.Context, contentType, filename string, body []byte) {
	c.Header("Cache-Control", "no-store")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, contentType, body)
}
