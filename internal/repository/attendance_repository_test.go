package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-enterprise-core/internal/models"
)

func sampleAttendanceRecord() *models.AttendanceRecord {
	classID, sectionID := "class-5", "A"
	return &models.AttendanceRecord{
		ID:              "2024-06-03_class-5_A",
		Date:            "2024-06-03",
		CohortKind:      models.CohortClass,
		ClassID:         &classID,
		SectionID:       &sectionID,
		MarkedBy:        "teacher-1",
		Records:         models.AttendanceMarks{"STU00001": models.AttendancePresent},
		AttendanceStats: models.AttendanceStats{Present: 1, Total: 1},
		CreatedAt:       time.Now(),
	}
}

func TestAttendanceRepositoryExists(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM attendance_daily WHERE id = $1)")).
		WithArgs("2024-06-03_teachers").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := repo.Exists(context.Background(), "2024-06-03_teachers")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttendanceRepositoryInsertIfAbsent(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)

	mock.ExpectQuery("(?s)"+regexp.QuoteMeta("INSERT INTO attendance_daily")+".*ON CONFLICT \\(id\\) DO NOTHING.*RETURNING id").
		WithArgs("2024-06-03_class-5_A", "2024-06-03", "CLASS", "class-5", "A", "teacher-1", []byte(`{"STU00001":"P"}`), 1, 0, 1, false, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("2024-06-03_class-5_A"))

	inserted, err := repo.InsertIfAbsent(context.Background(), nil, sampleAttendanceRecord())
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttendanceRepositoryInsertIfAbsentConflict(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO attendance_daily")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	inserted, err := repo.InsertIfAbsent(context.Background(), nil, sampleAttendanceRecord())
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttendanceRepositoryFindByID(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)

	columns := []string{"id", "date", "cohort_kind", "class_id", "section_id", "marked_by", "records", "present_count", "absent_count", "total_count", "is_modified", "created_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM attendance_daily WHERE id = $1")).
		WithArgs("2024-06-03_staff").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("2024-06-03_staff", "2024-06-03", "STAFF", nil, nil, "admin-1", []byte(`{"S1":"P","S2":"A"}`), 1, 1, 2, false, time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta("FROM attendance_daily WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	record, err := repo.FindByID(context.Background(), "2024-06-03_staff")
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceAbsent, record.Records["S2"])
	assert.Equal(t, 2, record.Total)
	assert.Nil(t, record.ClassID)

	_, err = repo.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}
