package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// AttendanceMark is the per-person value recorded for a day.
type AttendanceMark string

const (
	AttendancePresent AttendanceMark = "P"
	AttendanceAbsent  AttendanceMark = "A"
)

// Valid returns true when the mark is a supported value.
func (m AttendanceMark) Valid() bool {
	return m == AttendancePresent || m == AttendanceAbsent
}

// CohortKind identifies which roster an attendance record covers.
type CohortKind string

const (
	CohortClass    CohortKind = "CLASS"
	CohortTeachers CohortKind = "TEACHERS"
	CohortStaff    CohortKind = "STAFF"
)

// AttendanceDateLayout is the calendar date format used in attendance keys.
const AttendanceDateLayout = "2006-01-02"

// AttendanceMarks maps a person id to their mark. Stored as JSONB.
type AttendanceMarks map[string]AttendanceMark

// Value implements driver.Valuer.
func (m AttendanceMarks) Value() (driver.Value, error) {
	if m == nil {
		return []byte(`{}`), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *AttendanceMarks) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = AttendanceMarks{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported attendance marks type %T", src)
	}
	out := AttendanceMarks{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decode attendance marks: %w", err)
	}
	*m = out
	return nil
}

// AttendanceStats are derived counts over the retained marks.
type AttendanceStats struct {
	Present int `db:"present_count" json:"present"`
	Absent  int `db:"absent_count" json:"absent"`
	Total   int `db:"total_count" json:"total"`
}

// AttendanceRecord is the single, read-only attendance document for a (date, cohort) key.
type AttendanceRecord struct {
	ID         string          `db:"id" json:"id"`
	Date       string          `db:"date" json:"date"`
	CohortKind CohortKind      `db:"cohort_kind" json:"cohort_kind"`
	ClassID    *string         `db:"class_id" json:"class_id,omitempty"`
	SectionID  *string         `db:"section_id" json:"section_id,omitempty"`
	MarkedBy   string          `db:"marked_by" json:"marked_by"`
	Records    AttendanceMarks `db:"records" json:"records"`
	IsModified bool            `db:"is_modified" json:"is_modified"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`

	AttendanceStats `json:"stats"`
}

// RosterMember is one person eligible to be marked in a cohort.
type RosterMember struct {
	ID   string `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// StaffKind separates teaching staff from support staff.
type StaffKind string

const (
	StaffKindTeaching StaffKind = "TEACHING"
	StaffKindSupport  StaffKind = "SUPPORT"
)
