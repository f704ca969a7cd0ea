package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// AuditAction is the closed set of mutations recorded in the audit trail.
type AuditAction string

const (
	AuditActionStudentCreate         AuditAction = "STUDENT_CREATE"
	AuditActionStudentUpdate         AuditAction = "STUDENT_UPDATE"
	AuditActionLedgerPost            AuditAction = "LEDGER_POST"
	AuditActionLedgerReverse         AuditAction = "LEDGER_REVERSE"
	AuditActionAttendanceMark        AuditAction = "ATTENDANCE_MARK"
	AuditActionTeacherAttendanceMark AuditAction = "TEACHER_ATTENDANCE_MARK"
	AuditActionStaffAttendanceMark   AuditAction = "STAFF_ATTENDANCE_MARK"
	AuditActionIdentityProvision     AuditAction = "IDENTITY_PROVISION"
	AuditActionIdentityRevoke        AuditAction = "IDENTITY_REVOKE"
)

// Valid returns true when the action belongs to the closed set.
func (a AuditAction) Valid() bool {
	switch a {
	case AuditActionStudentCreate, AuditActionStudentUpdate,
		AuditActionLedgerPost, AuditActionLedgerReverse,
		AuditActionAttendanceMark, AuditActionTeacherAttendanceMark, AuditActionStaffAttendanceMark,
		AuditActionIdentityProvision, AuditActionIdentityRevoke:
		return true
	default:
		return false
	}
}

// Audit entity types.
const (
	EntityTypeStudent       = "student"
	EntityTypeLedgerAccount = "fee_ledger_account"
	EntityTypeAttendance    = "attendance_daily"
	EntityTypeUser          = "user"
)

// AuditLog represents a write-once audit trail record.
type AuditLog struct {
	ID         string             `db:"id" json:"id"`
	UserID     string             `db:"user_id" json:"user_id"`
	UserRole   string             `db:"user_role" json:"user_role"`
	Action     AuditAction        `db:"action" json:"action"`
	EntityID   string             `db:"entity_id" json:"entity_id"`
	EntityType string             `db:"entity_type" json:"entity_type"`
	OldValue   types.NullJSONText `db:"old_value" json:"old_value"`
	NewValue   types.NullJSONText `db:"new_value" json:"new_value"`
	Timestamp  time.Time          `db:"created_at" json:"timestamp"`
	Archived   bool               `db:"archived" json:"archived"`
}

// AuditFilter scopes audit trail queries.
type AuditFilter struct {
	EntityType string
	EntityID   string
	UserID     string
	Action     AuditAction
	Limit      int
}
