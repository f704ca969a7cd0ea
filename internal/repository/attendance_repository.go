package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-enterprise-core/internal/models"
)

const attendanceColumns = `id, date, cohort_kind, class_id, section_id, marked_by, records, present_count, absent_count, total_count, is_modified, created_at`

// AttendanceRepository persists read-only daily attendance records.
type AttendanceRepository struct {
	db *sqlx.DB
}

// NewAttendanceRepository constructs the repository.
func NewAttendanceRepository(db *sqlx.DB) *AttendanceRepository {
	return &AttendanceRepository{db: db}
}

func (r *AttendanceRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// Exists reports whether a record for the key has already been written.
func (r *AttendanceRepository) Exists(ctx context.Context, id string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM attendance_daily WHERE id = $1)`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, id); err != nil {
		return false, fmt.Errorf("check attendance exists: %w", err)
	}
	return exists, nil
}

// InsertIfAbsent writes the record unless the key is already taken. It returns false when
// another writer got there first.
func (r *AttendanceRepository) InsertIfAbsent(ctx context.Context, exec sqlx.ExtContext, record *models.AttendanceRecord) (bool, error) {
	if record == nil {
		return false, fmt.Errorf("attendance record payload is nil")
	}
	const query = `INSERT INTO attendance_daily (` + attendanceColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO NOTHING
RETURNING id`
	var id string
	err := sqlx.GetContext(ctx, r.exec(exec), &id, query,
		record.ID, record.Date, record.CohortKind, record.ClassID, record.SectionID, record.MarkedBy, record.Records,
		record.Present, record.Absent, record.Total, record.IsModified, record.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("insert attendance record: %w", err)
	}
	return true, nil
}

// FindByID loads a stored record.
func (r *AttendanceRepository) FindByID(ctx context.Context, id string) (*models.AttendanceRecord, error) {
	const query = `SELECT ` + attendanceColumns + ` FROM attendance_daily WHERE id = $1`
	var record models.AttendanceRecord
	if err := r.db.GetContext(ctx, &record, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find attendance record: %w", err)
	}
	return &record, nil
}
