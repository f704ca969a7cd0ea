package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-enterprise-core/internal/models"
	"github.com/noah-isme/sma-enterprise-core/internal/service"
	"github.com/noah-isme/sma-enterprise-core/pkg/response"
)

type attendanceService interface {
	MarkClassAttendance(ctx context.Context, req service.MarkClassAttendanceRequest, actor models.Actor) (*service.MarkAttendanceResult, error)
	MarkTeacherAttendance(ctx context.Context, req service.MarkAttendanceRequest, actor models.Actor) (*service.MarkAttendanceResult, error)
	MarkStaffAttendance(ctx context.Context, req service.MarkAttendanceRequest, actor models.Actor) (*service.MarkAttendanceResult, error)
	GetAttendance(ctx context.Context, id string) (*models.AttendanceRecord, error)
}

// AttendanceHandler exposes daily attendance endpoints.
type AttendanceHandler struct {
	attendance attendanceService
}

// NewAttendanceHandler constructs AttendanceHandler.
func NewAttendanceHandler(attendance attendanceService) *AttendanceHandler {
	return &AttendanceHandler{attendance: attendance}
}

// MarkClass godoc
// @Summary Mark a class section's attendance for a day
// @Tags Attendance
// @Accept json
// @Produce json
// @Param payload body service.MarkClassAttendanceRequest true "Attendance payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /attendance/classes [post]
func (h *AttendanceHandler) MarkClass(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req service.MarkClassAttendanceRequest
	if !bindJSON(c, &req) {
		return
	}
	result, err := h.attendance.MarkClassAttendance(c.Request.Context(), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// MarkTeachers godoc
// @Summary Mark teaching staff attendance for a day
// @Tags Attendance
// @Accept json
// @Produce json
// @Param payload body service.MarkAttendanceRequest true "Attendance payload"
// @Success 201 {object} response.Envelope
// @Router /attendance/teachers [post]
func (h *AttendanceHandler) MarkTeachers(c *gin.Context) {
	h.markStaff(c, h.attendance.MarkTeacherAttendance)
}

// MarkStaff godoc
// @Summary Mark support staff attendance for a day
// @Tags Attendance
// @Accept json
// @Produce json
// @Param payload body service.MarkAttendanceRequest true "Attendance payload"
// @Success 201 {object} response.Envelope
// @Router /attendance/staff [post]
func (h *AttendanceHandler) MarkStaff(c *gin.Context) {
	h.markStaff(c, h.attendance.MarkStaffAttendance)
}

func (h *AttendanceHandler) markStaff(c *gin.Context, mark func(context.Context, service.MarkAttendanceRequest, models.Actor) (*service.MarkAttendanceResult, error)) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req service.MarkAttendanceRequest
	if !bindJSON(c, &req) {
		return
	}
	result, err := mark(c.Request.Context(), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// Get godoc
// @Summary Get a recorded attendance day
// @Tags Attendance
// @Produce json
// @Param id path string true "Record key, e.g. 2024-06-03_class-5_A"
// @Success 200 {object} response.Envelope
// @Router /attendance/{id} [get]
func (h *AttendanceHandler) Get(c *gin.Context) {
	record, err := h.attendance.GetAttendance(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, record, nil)
}
