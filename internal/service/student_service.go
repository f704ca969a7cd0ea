package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-enterprise-core/internal/models"
	"github.com/noah-isme/sma-enterprise-core/internal/repository"
	"github.com/noah-isme/sma-enterprise-core/pkg/database"
	appErrors "github.com/noah-isme/sma-enterprise-core/pkg/errors"
)

type studentRepository interface {
	NextSequence(ctx context.Context, exec sqlx.ExtContext, name string) (int64, error)
	Insert(ctx context.Context, exec sqlx.ExtContext, student *models.Student) error
	FindByID(ctx context.Context, id string) (*models.Student, error)
	LockByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Student, error)
	UpdateVersioned(ctx context.Context, exec sqlx.ExtContext, student *models.Student, expectedVersion int) error
	InsertSnapshot(ctx context.Context, exec sqlx.ExtContext, snapshot *models.StudentSnapshot) error
	ListHistory(ctx context.Context, studentID string) ([]models.StudentSnapshot, error)
	FindSnapshot(ctx context.Context, studentID string, version int) (*models.StudentSnapshot, error)
	InsertIdentityMapping(ctx context.Context, exec sqlx.ExtContext, mapping *models.IdentityMapping) error
}

type ledgerAccountCreator interface {
	EnsureAccount(ctx context.Context, exec sqlx.ExtContext, account *models.LedgerAccount) error
}

// StudentOptions configures identifier allocation and credential defaults.
type StudentOptions struct {
	IDPrefix               string
	IDPad                  int
	EmailDomain            string
	DefaultPassword        string
	AcademicYearStartMonth int
}

// CreateStudentRequest is the payload for enrolling a new student.
type CreateStudentRequest struct {
	FullName      string     `json:"full_name" validate:"required,max=200"`
	Gender        string     `json:"gender" validate:"omitempty,oneof=M F O"`
	DateOfBirth   *time.Time `json:"date_of_birth"`
	ClassID       string     `json:"class_id" validate:"required"`
	SectionID     string     `json:"section_id" validate:"required"`
	RollNumber    string     `json:"roll_number" validate:"max=20"`
	GuardianName  string     `json:"guardian_name" validate:"max=200"`
	GuardianPhone string     `json:"guardian_phone" validate:"max=32"`
	Email         string     `json:"email" validate:"omitempty,email"`
	Address       string     `json:"address" validate:"max=500"`
}

// CreateStudentResult is returned after a student is enrolled.
type CreateStudentResult struct {
	Success  bool   `json:"success"`
	SchoolID string `json:"school_id"`
	UID      string `json:"uid"`
}

// UpdateStudentRequest carries the fields to change. Nil fields keep their current value.
type UpdateStudentRequest struct {
	FullName        *string               `json:"full_name" validate:"omitempty,min=1,max=200"`
	Gender          *string               `json:"gender" validate:"omitempty,oneof=M F O"`
	DateOfBirth     *time.Time            `json:"date_of_birth"`
	ClassID         *string               `json:"class_id" validate:"omitempty,min=1"`
	SectionID       *string               `json:"section_id" validate:"omitempty,min=1"`
	RollNumber      *string               `json:"roll_number" validate:"omitempty,max=20"`
	GuardianName    *string               `json:"guardian_name" validate:"omitempty,max=200"`
	GuardianPhone   *string               `json:"guardian_phone" validate:"omitempty,max=32"`
	Email           *string               `json:"email" validate:"omitempty,email"`
	Address         *string               `json:"address" validate:"omitempty,max=500"`
	Status          *models.StudentStatus `json:"status" validate:"omitempty,oneof=ACTIVE INACTIVE ALUMNI"`
	ExpectedVersion *int                  `json:"expected_version" validate:"omitempty,min=1"`
}

func (r UpdateStudentRequest) empty() bool {
	return r.FullName == nil && r.Gender == nil && r.DateOfBirth == nil && r.ClassID == nil && r.SectionID == nil &&
		r.RollNumber == nil && r.GuardianName == nil && r.GuardianPhone == nil && r.Email == nil && r.Address == nil && r.Status == nil
}

func (r UpdateStudentRequest) applyTo(student *models.Student) {
	if r.FullName != nil {
		student.FullName = *r.FullName
	}
	if r.Gender != nil {
		student.Gender = *r.Gender
	}
	if r.DateOfBirth != nil {
		dob := *r.DateOfBirth
		student.DateOfBirth = &dob
	}
	if r.ClassID != nil {
		student.ClassID = *r.ClassID
	}
	if r.SectionID != nil {
		student.SectionID = *r.SectionID
	}
	if r.RollNumber != nil {
		student.RollNumber = *r.RollNumber
	}
	if r.GuardianName != nil {
		student.GuardianName = *r.GuardianName
	}
	if r.GuardianPhone != nil {
		student.GuardianPhone = *r.GuardianPhone
	}
	if r.Email != nil {
		student.Email = *r.Email
	}
	if r.Address != nil {
		student.Address = *r.Address
	}
	if r.Status != nil {
		student.Status = *r.Status
	}
}

// UpdateStudentResult is returned after a successful update.
type UpdateStudentResult struct {
	Success    bool `json:"success"`
	NewVersion int  `json:"new_version"`
}

// StudentService manages versioned student records.
type StudentService struct {
	repo      studentRepository
	ledger    ledgerAccountCreator
	identity  identityProvider
	tx        txRunner
	audit     auditLogger
	opts      StudentOptions
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewStudentService constructs a StudentService.
func NewStudentService(
	repo studentRepository,
	ledger ledgerAccountCreator,
	identity identityProvider,
	tx txRunner,
	audit auditLogger,
	opts StudentOptions,
	validate *validator.Validate,
	logger *zap.Logger,
) *StudentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.IDPad <= 0 {
		opts.IDPad = 5
	}
	return &StudentService{
		repo:      repo,
		ledger:    ledger,
		identity:  identity,
		tx:        tx,
		audit:     audit,
		opts:      opts,
		validator: validate,
		logger:    logger,
		now:       time.Now,
	}
}

// SchoolID formats a sequence number as a school identifier.
func (s *StudentService) SchoolID(seq int64) string {
	return fmt.Sprintf("%s%0*d", s.opts.IDPrefix, s.opts.IDPad, seq)
}

// CreateStudent allocates a school identifier, provisions a sign-in identity and writes the
// student, its first history snapshot, the identity mapping, an empty ledger account and the
// audit record in one transaction. If that transaction fails the identity is revoked again.
func (s *StudentService) CreateStudent(ctx context.Context, req CreateStudentRequest, actor models.Actor) (*CreateStudentResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student payload")
	}

	var seq int64
	if err := s.tx.RunInTx(ctx, func(exec sqlx.ExtContext) error {
		var err error
		seq, err = s.repo.NextSequence(ctx, exec, repository.StudentCounter)
		return err
	}); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to allocate school id")
	}
	schoolID := s.SchoolID(seq)

	email := strings.TrimSpace(req.Email)
	if email == "" {
		email = strings.ToLower(schoolID) + "@" + s.opts.EmailDomain
	}
	uid, err := s.identity.Provision(ctx, ProvisionIdentityRequest{
		Email:    email,
		FullName: req.FullName,
		Role:     models.RoleStudent,
		Password: s.opts.DefaultPassword,
	}, actor)
	if err != nil {
		return nil, normalizeError(err, "failed to provision student identity")
	}

	err = s.tx.RunInTx(ctx, func(exec sqlx.ExtContext) error {
		now := s.now().UTC()
		student := &models.Student{
			ID:            schoolID,
			UID:           uid,
			FullName:      req.FullName,
			Gender:        req.Gender,
			DateOfBirth:   req.DateOfBirth,
			ClassID:       req.ClassID,
			SectionID:     req.SectionID,
			RollNumber:    req.RollNumber,
			GuardianName:  req.GuardianName,
			GuardianPhone: req.GuardianPhone,
			Email:         strings.ToLower(email),
			Address:       req.Address,
			Status:        models.StudentStatusActive,
			Version:       1,
			CreatedBy:     actor.UserID,
			UpdatedBy:     actor.UserID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.repo.Insert(ctx, exec, student); err != nil {
			return err
		}
		if err := s.writeSnapshot(ctx, exec, student, actor, now); err != nil {
			return err
		}
		if err := s.repo.InsertIdentityMapping(ctx, exec, &models.IdentityMapping{UserID: uid, StudentID: schoolID, CreatedAt: now}); err != nil {
			return err
		}
		year := AcademicYear(now, s.opts.AcademicYearStartMonth)
		if err := s.ledger.EnsureAccount(ctx, exec, &models.LedgerAccount{
			ID:           models.LedgerAccountID(schoolID, year),
			StudentID:    schoolID,
			AcademicYear: year,
			Balance:      decimal.Zero,
			Status:       models.LedgerAccountStatusActive,
			CreatedAt:    now,
			UpdatedAt:    now,
		}); err != nil {
			return err
		}
		return s.audit.Log(ctx, AuditEntry{
			UserID:     actor.UserID,
			UserRole:   actor.Role,
			Action:     models.AuditActionStudentCreate,
			EntityID:   schoolID,
			EntityType: models.EntityTypeStudent,
			NewValue:   student,
		}, exec)
	})
	if err != nil {
		if revokeErr := s.identity.Revoke(ctx, uid, actor); revokeErr != nil {
			s.logger.Error("orphaned identity after failed student creation",
				zap.String("uid", uid),
				zap.String("school_id", schoolID),
				zap.NamedError("cause", err),
				zap.Error(revokeErr))
		}
		return nil, normalizeError(err, "failed to create student")
	}

	s.logger.Info("student created", zap.String("school_id", schoolID), zap.String("uid", uid), zap.String("created_by", actor.UserID))
	return &CreateStudentResult{Success: true, SchoolID: schoolID, UID: uid}, nil
}

// UpdateStudent merges the provided fields over the current record and bumps its version.
// When ExpectedVersion is set and no longer matches, nothing is written.
func (s *StudentService) UpdateStudent(ctx context.Context, studentID string, req UpdateStudentRequest, actor models.Actor) (*UpdateStudentResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student update payload")
	}
	if req.empty() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "update payload has no fields")
	}

	var result UpdateStudentResult
	err := s.tx.RunInTx(ctx, func(exec sqlx.ExtContext) error {
		current, err := s.repo.LockByID(ctx, exec, studentID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrNotFound, "student not found")
			}
			return err
		}
		if req.ExpectedVersion != nil && *req.ExpectedVersion != current.Version {
			return appErrors.Clone(appErrors.ErrConcurrency,
				fmt.Sprintf("student %s is at version %d, expected %d", studentID, current.Version, *req.ExpectedVersion))
		}

		now := s.now().UTC()
		updated := *current
		req.applyTo(&updated)
		updated.UpdatedBy = actor.UserID
		updated.UpdatedAt = now
		if err := s.repo.UpdateVersioned(ctx, exec, &updated, current.Version); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrConcurrency, fmt.Sprintf("student %s was modified concurrently", studentID))
			}
			return err
		}
		if err := s.writeSnapshot(ctx, exec, &updated, actor, now); err != nil {
			if database.IsUniqueViolation(err) {
				return appErrors.Clone(appErrors.ErrConcurrency, fmt.Sprintf("student %s version %d already recorded", studentID, updated.Version))
			}
			return err
		}
		if err := s.audit.Log(ctx, AuditEntry{
			UserID:     actor.UserID,
			UserRole:   actor.Role,
			Action:     models.AuditActionStudentUpdate,
			EntityID:   studentID,
			EntityType: models.EntityTypeStudent,
			OldValue:   current,
			NewValue:   &updated,
		}, exec); err != nil {
			return err
		}
		result = UpdateStudentResult{Success: true, NewVersion: updated.Version}
		return nil
	})
	if err != nil {
		return nil, normalizeError(err, "failed to update student")
	}
	return &result, nil
}

// GetStudent returns the live record.
func (s *StudentService) GetStudent(ctx context.Context, studentID string) (*models.Student, error) {
	student, err := s.repo.FindByID(ctx, studentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	return student, nil
}

// ListHistory returns every snapshot of a student, oldest first.
func (s *StudentService) ListHistory(ctx context.Context, studentID string) ([]models.StudentSnapshot, error) {
	if _, err := s.GetStudent(ctx, studentID); err != nil {
		return nil, err
	}
	history, err := s.repo.ListHistory(ctx, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list student history")
	}
	return history, nil
}

// GetVersion returns the snapshot written for a given version.
func (s *StudentService) GetVersion(ctx context.Context, studentID string, version int) (*models.StudentSnapshot, error) {
	if version < 1 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "version must be positive")
	}
	snapshot, err := s.repo.FindSnapshot(ctx, studentID, version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student version not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student version")
	}
	return snapshot, nil
}

func (s *StudentService) writeSnapshot(ctx context.Context, exec sqlx.ExtContext, student *models.Student, actor models.Actor, at time.Time) error {
	data, err := json.Marshal(student)
	if err != nil {
		return fmt.Errorf("encode student snapshot: %w", err)
	}
	return s.repo.InsertSnapshot(ctx, exec, &models.StudentSnapshot{
		StudentID:  student.ID,
		Version:    student.Version,
		SnapshotID: models.StudentSnapshotID(student.Version),
		Data:       types.JSONText(data),
		ChangedBy:  actor.UserID,
		CreatedAt:  at,
	})
}
