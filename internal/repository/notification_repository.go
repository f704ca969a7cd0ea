package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-enterprise-core/internal/models"
)

// NotificationRepository stores per-recipient notifications.
type NotificationRepository struct {
	db *sqlx.DB
}

// NewNotificationRepository constructs the repository.
func NewNotificationRepository(db *sqlx.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

func (r *NotificationRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// CreateBatch inserts all notifications in a single statement.
func (r *NotificationRepository) CreateBatch(ctx context.Context, exec sqlx.ExtContext, notifications []models.Notification) error {
	if len(notifications) == 0 {
		return nil
	}
	const query = `INSERT INTO notifications (id, recipient_id, type, title, message, reference_id, read, created_at)
VALUES (:id, :recipient_id, :type, :title, :message, :reference_id, :read, :created_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, notifications); err != nil {
		return fmt.Errorf("insert notifications: %w", err)
	}
	return nil
}

// ListByRecipient returns the latest notifications of a recipient.
func (r *NotificationRepository) ListByRecipient(ctx context.Context, recipientID string, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	const query = `SELECT id, recipient_id, type, title, message, reference_id, read, created_at FROM notifications
WHERE recipient_id = $1 ORDER BY created_at DESC LIMIT $2`
	var notifications []models.Notification
	if err := r.db.SelectContext(ctx, &notifications, query, recipientID, limit); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return notifications, nil
}
