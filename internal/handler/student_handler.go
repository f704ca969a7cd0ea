package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-enterprise-core/internal/models"
	"github.com/noah-isme/sma-enterprise-core/internal/service"
	appErrors "github.com/noah-isme/sma-enterprise-core/pkg/errors"
	"github.com/noah-isme/sma-enterprise-core/pkg/response"
)

type studentService interface {
	CreateStudent(ctx context.Context, req service.CreateStudentRequest, actor models.Actor) (*service.CreateStudentResult, error)
	UpdateStudent(ctx context.Context, studentID string, req service.UpdateStudentRequest, actor models.Actor) (*service.UpdateStudentResult, error)
	GetStudent(ctx context.Context, studentID string) (*models.Student, error)
	ListHistory(ctx context.Context, studentID string) ([]models.StudentSnapshot, error)
	GetVersion(ctx context.Context, studentID string, version int) (*models.StudentSnapshot, error)
}

// StudentHandler exposes student endpoints.
type StudentHandler struct {
	students studentService
}

// NewStudentHandler constructs StudentHandler.
func NewStudentHandler(students studentService) *StudentHandler {
	return &StudentHandler{students: students}
}

// Get godoc
// @Summary Get student detail
// @Tags Students
// @Produce json
// @Param id path string true "School ID"
// @Success 200 {object} response.Envelope
// @Router /students/{id} [get]
func (h *StudentHandler) Get(c *gin.Context) {
	student, err := h.students.GetStudent(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Versioned(c, http.StatusOK, student, student.Version)
}

// Create godoc
// @Summary Enrol a student
// @Tags Students
// @Accept json
// @Produce json
// @Param payload body service.CreateStudentRequest true "Student payload"
// @Success 201 {object} response.Envelope
// @Router /students [post]
func (h *StudentHandler) Create(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req service.CreateStudentRequest
	if !bindJSON(c, &req) {
		return
	}
	result, err := h.students.CreateStudent(c.Request.Context(), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// Update godoc
// @Summary Update student fields
// @Description Send expected_version to reject the update when the record changed since it was read.
// @Tags Students
// @Accept json
// @Produce json
// @Param id path string true "School ID"
// @Param payload body service.UpdateStudentRequest true "Changed fields"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /students/{id} [patch]
func (h *StudentHandler) Update(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req service.UpdateStudentRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.ExpectedVersion == nil {
		if header := c.GetHeader("If-Match"); header != "" {
			version, err := response.ParseVersionTag(header)
			if err != nil {
				response.Error(c, appErrors.Clone(appErrors.ErrValidation, "If-Match must be a version number"))
				return
			}
			req.ExpectedVersion = &version
		}
	}
	result, err := h.students.UpdateStudent(c.Request.Context(), c.Param("id"), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Versioned(c, http.StatusOK, result, result.NewVersion)
}

// History godoc
// @Summary List every version of a student
// @Tags Students
// @Produce json
// @Param id path string true "School ID"
// @Success 200 {object} response.Envelope
// @Router /students/{id}/history [get]
func (h *StudentHandler) History(c *gin.Context) {
	history, err := h.students.ListHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, history, nil)
}

// Version godoc
// @Summary Get one version of a student
// @Tags Students
// @Produce json
// @Param id path string true "School ID"
// @Param version path int true "Version number"
// @Success 200 {object} response.Envelope
// @Router /students/{id}/history/{version} [get]
func (h *StudentHandler) Version(c *gin.Context) {
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "version must be a number"))
		return
	}
	snapshot, err := h.students.GetVersion(c.Request.Context(), c.Param("id"), version)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, snapshot, nil)
}
