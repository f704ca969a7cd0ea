package models

import "time"

// NotificationType classifies generated notifications.
type NotificationType string

const (
	NotificationAttendance NotificationType = "ATTENDANCE"
)

// Notification is a per-recipient message derived from a mutation.
type Notification struct {
	ID          string           `db:"id" json:"id"`
	RecipientID string           `db:"recipient_id" json:"recipient_id"`
	Type        NotificationType `db:"type" json:"type"`
	Title       string           `db:"title" json:"title"`
	Message     string           `db:"message" json:"message"`
	ReferenceID string           `db:"reference_id" json:"reference_id"`
	Read        bool             `db:"read" json:"read"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
}
