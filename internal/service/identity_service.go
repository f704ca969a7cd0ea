package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/sma-enterprise-core/internal/models"
	"github.com/noah-isme/sma-enterprise-core/pkg/database"
	appErrors "github.com/noah-isme/sma-enterprise-core/pkg/errors"
)

type identityRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	Delete(ctx context.Context, id string) error
}

// identityProvider creates and removes sign-in identities.
type identityProvider interface {
	Provision(ctx context.Context, req ProvisionIdentityRequest, actor models.Actor) (string, error)
	Revoke(ctx context.Context, uid string, actor models.Actor) error
}

// ProvisionIdentityRequest describes a sign-in identity to create.
type ProvisionIdentityRequest struct {
	Email    string          `json:"email" validate:"required,email"`
	FullName string          `json:"full_name" validate:"required"`
	Role     models.UserRole `json:"role" validate:"required,oneof=SUPERADMIN ADMIN ACCOUNTANT TEACHER STAFF STUDENT"`
	Password string          `json:"password" validate:"required,min=8"`
}

// IdentityService provisions credentials in the users store.
type IdentityService struct {
	repo      identityRepository
	audit     auditLogger
	validator *validator.Validate
	logger    *zap.Logger
}

// NewIdentityService creates an instance of IdentityService.
func NewIdentityService(repo identityRepository, audit auditLogger, validate *validator.Validate, logger *zap.Logger) *IdentityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &IdentityService{repo: repo, audit: audit, validator: validate, logger: logger}
}

// Provision creates an active identity and returns its uid.
func (s *IdentityService) Provision(ctx context.Context, req ProvisionIdentityRequest, actor models.Actor) (string, error) {
	if err := s.validator.Struct(req); err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid identity payload")
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	if _, err := s.repo.FindByEmail(ctx, email); err == nil {
		return "", appErrors.Clone(appErrors.ErrConflict, "email already exists")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check email uniqueness")
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Email:        email,
		FullName:     req.FullName,
		Role:         req.Role,
		Active:       true,
		PasswordHash: string(passwordHash),
	}
	if err := s.repo.Create(ctx, user); err != nil {
		if database.IsUniqueViolation(err) {
			return "", appErrors.Clone(appErrors.ErrConflict, "email already exists")
		}
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create identity")
	}

	if err := s.audit.Log(ctx, AuditEntry{
		UserID:     actor.UserID,
		UserRole:   actor.Role,
		Action:     models.AuditActionIdentityProvision,
		EntityID:   user.ID,
		EntityType: models.EntityTypeUser,
		NewValue:   map[string]interface{}{"id": user.ID, "email": user.Email, "role": user.Role},
	}, nil); err != nil {
		s.logger.Warn("failed to record identity provision audit log", zap.String("uid", user.ID), zap.Error(err))
	}

	return user.ID, nil
}

// Revoke permanently removes an identity.
func (s *IdentityService) Revoke(ctx context.Context, uid string, actor models.Actor) error {
	user, err := s.repo.FindByID(ctx, uid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "identity not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load identity")
	}

	if err := s.repo.Delete(ctx, uid); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke identity")
	}

	if err := s.audit.Log(ctx, AuditEntry{
		UserID:     actor.UserID,
		UserRole:   actor.Role,
		Action:     models.AuditActionIdentityRevoke,
		EntityID:   uid,
		EntityType: models.EntityTypeUser,
		OldValue:   map[string]interface{}{"id": user.ID, "email": user.Email, "role": user.Role},
	}, nil); err != nil {
		s.logger.Warn("failed to record identity revoke audit log", zap.String("uid", uid), zap.Error(err))
	}
	return nil
}
