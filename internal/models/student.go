package models

import (
	"strconv"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// StudentStatus describes enrolment state of a student.
type StudentStatus string

const (
	StudentStatusActive   StudentStatus = "ACTIVE"
	StudentStatusInactive StudentStatus = "INACTIVE"
	StudentStatusAlumni   StudentStatus = "ALUMNI"
)

// Student is the live head record of a versioned student entity.
type Student struct {
	ID            string        `db:"id" json:"school_id"`
	UID           string        `db:"uid" json:"uid"`
	FullName      string        `db:"full_name" json:"full_name"`
	Gender        string        `db:"gender" json:"gender"`
	DateOfBirth   *time.Time    `db:"date_of_birth" json:"date_of_birth,omitempty"`
	ClassID       string        `db:"class_id" json:"class_id"`
	SectionID     string        `db:"section_id" json:"section_id"`
	RollNumber    string        `db:"roll_number" json:"roll_number"`
	GuardianName  string        `db:"guardian_name" json:"guardian_name"`
	GuardianPhone string        `db:"guardian_phone" json:"guardian_phone"`
	Email         string        `db:"email" json:"email"`
	Address       string        `db:"address" json:"address"`
	Status        StudentStatus `db:"status" json:"status"`
	Version       int           `db:"version" json:"version"`
	CreatedBy     string        `db:"created_by" json:"created_by"`
	UpdatedBy     string        `db:"updated_by" json:"updated_by"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
}

// StudentSnapshotID returns the history key for a version number.
func StudentSnapshotID(version int) string {
	return "v" + strconv.Itoa(version)
}

// StudentSnapshot is an immutable copy of a student at a given version.
type StudentSnapshot struct {
	StudentID  string         `db:"student_id" json:"student_id"`
	Version    int            `db:"version" json:"version"`
	SnapshotID string         `db:"snapshot_id" json:"snapshot_id"`
	Data       types.JSONText `db:"data" json:"data"`
	ChangedBy  string         `db:"changed_by" json:"changed_by"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
}

// IdentityMapping links an identity (login) to the student it belongs to.
type IdentityMapping struct {
	UserID    string    `db:"user_id" json:"user_id"`
	StudentID string    `db:"student_id" json:"student_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
