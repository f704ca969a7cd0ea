package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-enterprise-core/internal/models"
)

// RosterRepository resolves the people eligible to be marked for a cohort.
type RosterRepository struct {
	db *sqlx.DB
}

// NewRosterRepository constructs the repository.
func NewRosterRepository(db *sqlx.DB) *RosterRepository {
	return &RosterRepository{db: db}
}

// ListClassRoster returns active students of a class section.
func (r *RosterRepository) ListClassRoster(ctx context.Context, classID, sectionID string) ([]models.RosterMember, error) {
	const query = `SELECT id, full_name AS name FROM students WHERE class_id = $1 AND section_id = $2 AND status = $3 ORDER BY roll_number, id`
	var members []models.RosterMember
	if err := r.db.SelectContext(ctx, &members, query, classID, sectionID, models.StudentStatusActive); err != nil {
		return nil, fmt.Errorf("list class roster: %w", err)
	}
	return members, nil
}

// ListStaffRoster returns staff of the given kind. activeOnly restricts the list to active members.
func (r *RosterRepository) ListStaffRoster(ctx context.Context, kind models.StaffKind, activeOnly bool) ([]models.RosterMember, error) {
	query := `SELECT id, full_name AS name FROM staff WHERE kind = $1`
	if activeOnly {
		query += ` AND active = TRUE`
	}
	query += ` ORDER BY full_name, id`
	var members []models.RosterMember
	if err := r.db.SelectContext(ctx, &members, query, kind); err != nil {
		return nil, fmt.Errorf("list %s staff roster: %w", kind, err)
	}
	return members, nil
}
