package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-enterprise-core/internal/models"
	"github.com/noah-isme/sma-enterprise-core/internal/service"
	appErrors "github.com/noah-isme/sma-enterprise-core/pkg/errors"
)

var adminClaims = &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin}

type studentServiceMock struct {
	createReq  service.CreateStudentRequest
	updateID   string
	updateReq  service.UpdateStudentRequest
	updateErr  error
	versionArg int
}

func (m *studentServiceMock) CreateStudent(ctx context.Context, req service.CreateStudentRequest, actor models.Actor) (*service.CreateStudentResult, error) {
	m.createReq = req
	return &service.CreateStudentResult{Success: true, SchoolID: "STU00001", UID: "uid-1"}, nil
}

func (m *studentServiceMock) UpdateStudent(ctx context.Context, studentID string, req service.UpdateStudentRequest, actor models.Actor) (*service.UpdateStudentResult, error) {
	m.updateID, m.updateReq = studentID, req
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	return &service.UpdateStudentResult{Success: true, NewVersion: 3}, nil
}

func (m *studentServiceMock) GetStudent(ctx context.Context, studentID string) (*models.Student, error) {
	return &models.Student{ID: studentID, Version: 2}, nil
}

func (m *studentServiceMock) ListHistory(ctx context.Context, studentID string) ([]models.StudentSnapshot, error) {
	return []models.StudentSnapshot{{StudentID: studentID, Version: 1}, {StudentID: studentID, Version: 2}}, nil
}

func (m *studentServiceMock) GetVersion(ctx context.Context, studentID string, version int) (*models.StudentSnapshot, error) {
	m.versionArg = version
	return &models.StudentSnapshot{StudentID: studentID, Version: version}, nil
}

func TestStudentHandlerCreate(t *testing.T) {
	mock := &studentServiceMock{}
	h := NewStudentHandler(mock)

	c, w := newTestContext(http.MethodPost, "/students", `{"full_name":"Asha Rao","class_id":"class-5","section_id":"A"}`, adminClaims)
	h.Create(c)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "Asha Rao", mock.createReq.FullName)
	data := decodeEnvelope(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "STU00001", data["school_id"])
}

func TestStudentHandlerUpdateReadsIfMatch(t *testing.T) {
	mock := &studentServiceMock{}
	h := NewStudentHandler(mock)

	c, w := newTestContext(http.MethodPatch, "/students/STU00001", `{"section_id":"B"}`, adminClaims)
	c.Params = gin.Params{{Key: "id", Value: "STU00001"}}
	c.Request.Header.Set("If-Match", "2")
	h.Update(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "STU00001", mock.updateID)
	require.NotNil(t, mock.updateReq.ExpectedVersion)
	assert.Equal(t, 2, *mock.updateReq.ExpectedVersion)
	assert.Equal(t, `"3"`, w.Header().Get("ETag"))
}

func TestStudentHandlerUpdateBodyVersionWins(t *testing.T) {
	mock := &studentServiceMock{}
	h := NewStudentHandler(mock)

	c, _ := newTestContext(http.MethodPatch, "/students/STU00001", `{"section_id":"B","expected_version":5}`, adminClaims)
	c.Params = gin.Params{{Key: "id", Value: "STU00001"}}
	c.Request.Header.Set("If-Match", "2")
	h.Update(c)

	require.NotNil(t, mock.updateReq.ExpectedVersion)
	assert.Equal(t, 5, *mock.updateReq.ExpectedVersion)
}

func TestStudentHandlerUpdateConflict(t *testing.T) {
	mock := &studentServiceMock{updateErr: appErrors.Clone(appErrors.ErrConcurrency, "student STU00001 is at version 3, expected 2")}
	h := NewStudentHandler(mock)

	c, w := newTestContext(http.MethodPatch, "/students/STU00001", `{"section_id":"B","expected_version":2}`, adminClaims)
	c.Params = gin.Params{{Key: "id", Value: "STU00001"}}
	h.Update(c)

	assert.Equal(t, http.StatusConflict, w.Code)
	errBody := decodeEnvelope(t, w)["error"].(map[string]interface{})
	assert.Equal(t, "CONCURRENCY_CONFLICT", errBody["code"])
}

func TestStudentHandlerUpdateBadIfMatch(t *testing.T) {
	h := NewStudentHandler(&studentServiceMock{})
	c, w := newTestContext(http.MethodPatch, "/students/STU00001", `{"section_id":"B"}`, adminClaims)
	c.Request.Header.Set("If-Match", "W/\"abc\"")
	h.Update(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStudentHandlerHistoryAndVersion(t *testing.T) {
	mock := &studentServiceMock{}
	h := NewStudentHandler(mock)

	c, w := newTestContext(http.MethodGet, "/students/STU00001/history", "", adminClaims)
	c.Params = gin.Params{{Key: "id", Value: "STU00001"}}
	h.History(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeEnvelope(t, w)["data"], 2)

	c, w = newTestContext(http.MethodGet, "/students/STU00001/history/2", "", adminClaims)
	c.Params = gin.Params{{Key: "id", Value: "STU00001"}, {Key: "version", Value: "2"}}
	h.Version(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, mock.versionArg)

	c, w = newTestContext(http.MethodGet, "/students/STU00001/history/latest", "", adminClaims)
	c.Params = gin.Params{{Key: "id", Value: "STU00001"}, {Key: "version", Value: "latest"}}
	h.Version(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
