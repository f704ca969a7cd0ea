package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-enterprise-core/internal/models"
)

const studentColumns = `id, uid, full_name, gender, date_of_birth, class_id, section_id, roll_number, guardian_name,
guardian_phone, email, address, status, version, created_by, updated_by, created_at, updated_at`

// StudentCounter is the counters row that feeds school identifiers.
const StudentCounter = "students"

// StudentRepository manages persistence for versioned student records.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs a StudentRepository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

func (r *StudentRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// NextSequence atomically increments a named counter and returns the new value.
func (r *StudentRepository) NextSequence(ctx context.Context, exec sqlx.ExtContext, name string) (int64, error) {
	const query = `INSERT INTO counters (name, value, updated_at) VALUES ($1, 1, $2)
ON CONFLICT (name) DO UPDATE SET value = counters.value + 1, updated_at = EXCLUDED.updated_at
RETURNING value`
	var value int64
	if err := sqlx.GetContext(ctx, r.exec(exec), &value, query, name, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", name, err)
	}
	return value, nil
}

// Insert creates the live student record.
func (r *StudentRepository) Insert(ctx context.Context, exec sqlx.ExtContext, student *models.Student) error {
	if student == nil {
		return fmt.Errorf("student payload is nil")
	}
	const query = `INSERT INTO students (` + studentColumns + `)
VALUES (:id, :uid, :full_name, :gender, :date_of_birth, :class_id, :section_id, :roll_number, :guardian_name,
:guardian_phone, :email, :address, :status, :version, :created_by, :updated_by, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, student); err != nil {
		return fmt.Errorf("insert student: %w", err)
	}
	return nil
}

// FindByID returns the live student record.
func (r *StudentRepository) FindByID(ctx context.Context, id string) (*models.Student, error) {
	const query = `SELECT ` + studentColumns + ` FROM students WHERE id = $1`
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find student: %w", err)
	}
	return &student, nil
}

// LockByID loads the live record holding a row lock for the surrounding transaction.
func (r *StudentRepository) LockByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Student, error) {
	const query = `SELECT ` + studentColumns + ` FROM students WHERE id = $1 FOR UPDATE`
	var student models.Student
	if err := sqlx.GetContext(ctx, r.exec(exec), &student, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("lock student: %w", err)
	}
	return &student, nil
}

// UpdateVersioned writes student fields only when the stored version still equals
// expectedVersion, incrementing it. A stale version affects no rows and returns sql.ErrNoRows.
func (r *StudentRepository) UpdateVersioned(ctx context.Context, exec sqlx.ExtContext, student *models.Student, expectedVersion int) error {
	if student == nil {
		return fmt.Errorf("student payload is nil")
	}
	const query = `UPDATE students SET full_name = $1, gender = $2, date_of_birth = $3, class_id = $4, section_id = $5,
roll_number = $6, guardian_name = $7, guardian_phone = $8, email = $9, address = $10, status = $11,
updated_by = $12, updated_at = $13, version = version + 1
WHERE id = $14 AND version = $15`
	result, err := r.exec(exec).ExecContext(ctx, query,
		student.FullName, student.Gender, student.DateOfBirth, student.ClassID, student.SectionID,
		student.RollNumber, student.GuardianName, student.GuardianPhone, student.Email, student.Address, student.Status,
		student.UpdatedBy, student.UpdatedAt,
		student.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update student: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("student rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	student.Version = expectedVersion + 1
	return nil
}

// InsertSnapshot appends a history snapshot. The (student_id, version) key rejects overwrites.
func (r *StudentRepository) InsertSnapshot(ctx context.Context, exec sqlx.ExtContext, snapshot *models.StudentSnapshot) error {
	if snapshot == nil {
		return fmt.Errorf("student snapshot payload is nil")
	}
	if snapshot.SnapshotID == "" {
		snapshot.SnapshotID = models.StudentSnapshotID(snapshot.Version)
	}
	const query = `INSERT INTO student_history (student_id, version, snapshot_id, data, changed_by, created_at)
VALUES (:student_id, :version, :snapshot_id, :data, :changed_by, :created_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, snapshot); err != nil {
		return fmt.Errorf("insert student snapshot: %w", err)
	}
	return nil
}

// ListHistory returns all snapshots of a student, oldest first.
func (r *StudentRepository) ListHistory(ctx context.Context, studentID string) ([]models.StudentSnapshot, error) {
	const query = `SELECT student_id, version, snapshot_id, data, changed_by, created_at FROM student_history WHERE student_id = $1 ORDER BY version ASC`
	var snapshots []models.StudentSnapshot
	if err := r.db.SelectContext(ctx, &snapshots, query, studentID); err != nil {
		return nil, fmt.Errorf("list student history: %w", err)
	}
	return snapshots, nil
}

// FindSnapshot returns a single historical version.
func (r *StudentRepository) FindSnapshot(ctx context.Context, studentID string, version int) (*models.StudentSnapshot, error) {
	const query = `SELECT student_id, version, snapshot_id, data, changed_by, created_at FROM student_history WHERE student_id = $1 AND version = $2`
	var snapshot models.StudentSnapshot
	if err := r.db.GetContext(ctx, &snapshot, query, studentID, version); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find student snapshot: %w", err)
	}
	return &snapshot, nil
}

// InsertIdentityMapping links an identity to its student.
func (r *StudentRepository) InsertIdentityMapping(ctx context.Context, exec sqlx.ExtContext, mapping *models.IdentityMapping) error {
	if mapping == nil {
		return fmt.Errorf("identity mapping payload is nil")
	}
	const query = `INSERT INTO user_students (user_id, student_id, created_at) VALUES (:user_id, :student_id, :created_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, mapping); err != nil {
		return fmt.Errorf("insert identity mapping: %w", err)
	}
	return nil
}
