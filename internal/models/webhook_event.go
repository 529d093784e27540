package models

import (
	"time"

	"gorm.io/datatypes"
)

// Webhook event statuses
const (
	WebhookStatusPending    = "pending"
	WebhookStatusProcessing = "processing"
	WebhookStatusProcessed  = "processed"
	WebhookStatusFailed     = "failed"
	WebhookStatusIgnored    = "ignored"
)

// WebhookEvent is a signed delivery from the remote tracker, persisted after
// signature verification and applied asynchronously. DeliveryID is the
// idempotency key: replays of a stored delivery are no-ops.
type WebhookEvent struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	DeliveryID string `gorm:"type:varchar(255);not null;uniqueIndex" json:"deliveryId"`
	EventType  string `gorm:"type:varchar(100);not null" json:"eventType"`
	Action     string `gorm:"type:varchar(100)" json:"action"`
	Repository string `gorm:"type:varchar(255);index" json:"repository"`

	Payload datatypes.JSON `gorm:"type:jsonb" json:"-"`

	Status      string     `gorm:"type:varchar(20);default:'pending';index:idx_webhook_retry" json:"status"`
	RetryCount  int        `gorm:"default:0" json:"retryCount"`
	MaxRetries  int        `gorm:"default:3" json:"maxRetries"`
	NextRetryAt *time.Time `gorm:"index:idx_webhook_retry" json:"nextRetryAt,omitempty"`

	ErrorMessage *string    `gorm:"type:text" json:"errorMessage,omitempty"`
	ProcessedAt  *time.Time `json:"processedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// TableName specifies the table name
func (WebhookEvent) TableName() string {
	return "webhook_events"
}
