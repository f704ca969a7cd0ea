package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-enterprise-core/internal/models"
	appErrors "github.com/noah-isme/sma-enterprise-core/pkg/errors"
)

type auditRepository interface {
	Create(ctx context.Context, exec sqlx.ExtContext, log *models.AuditLog) error
	List(ctx context.Context, filter models.AuditFilter) ([]models.AuditLog, error)
}

// auditLogger is the write side of the audit trail used by other services.
type auditLogger interface {
	Log(ctx context.Context, entry AuditEntry, exec sqlx.ExtContext) error
}

// AuditEntry describes a mutation to record. OldValue and NewValue are JSON encoded.
type AuditEntry struct {
	UserID     string
	UserRole   models.UserRole
	Action     models.AuditAction
	EntityID   string
	EntityType string
	OldValue   interface{}
	NewValue   interface{}
}

// AuditService writes and reads the append-only audit trail.
type AuditService struct {
	repo   auditRepository
	logger *zap.Logger
	now    func() time.Time
}

// NewAuditService constructs the audit service.
func NewAuditService(repo auditRepository, logger *zap.Logger) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditService{repo: repo, logger: logger, now: time.Now}
}

// Log records entry. With a nil exec the record is written on its own; otherwise it joins the
// caller's transaction and any failure must abort that transaction.
func (s *AuditService) Log(ctx context.Context, entry AuditEntry, exec sqlx.ExtContext) error {
	if !entry.Action.Valid() {
		return appErrors.Clone(appErrors.ErrValidation, "unknown audit action "+string(entry.Action))
	}
	if entry.EntityID == "" || entry.EntityType == "" {
		return appErrors.Clone(appErrors.ErrValidation, "audit entity is required")
	}

	oldValue, err := encodeAuditValue(entry.OldValue)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode audit old value")
	}
	newValue, err := encodeAuditValue(entry.NewValue)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode audit new value")
	}

	log := &models.AuditLog{
		ID:         uuid.NewString(),
		UserID:     entry.UserID,
		UserRole:   string(entry.UserRole),
		Action:     entry.Action,
		EntityID:   entry.EntityID,
		EntityType: entry.EntityType,
		OldValue:   oldValue,
		NewValue:   newValue,
		Timestamp:  s.now().UTC(),
	}
	if err := s.repo.Create(ctx, exec, log); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to write audit log")
	}
	return nil
}

// List returns audit records matching the filter, newest first.
func (s *AuditService) List(ctx context.Context, filter models.AuditFilter) ([]models.AuditLog, error) {
	if filter.Action != "" && !filter.Action.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown audit action "+string(filter.Action))
	}
	logs, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list audit logs")
	}
	return logs, nil
}

func encodeAuditValue(value interface{}) (types.NullJSONText, error) {
	if value == nil {
		return types.NullJSONText{}, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return types.NullJSONText{}, err
	}
	return types.NullJSONText{JSONText: types.JSONText(raw), Valid: true}, nil
}
