package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Operation kinds (which entity family a sync run covers)
const (
	OpKindProjects   = "projects"
	OpKindIssues     = "issues"
	OpKindMilestones = "milestones"
	OpKindFull       = "full"
)

// Sync directions
const (
	DirectionFromRemote    = "from_remote"
	DirectionToRemote      = "to_remote"
	DirectionBidirectional = "bidirectional"
)

// Operation statuses
const (
	OpStatusPending   = "pending"
	OpStatusRunning   = "running"
	OpStatusCompleted = "completed"
	OpStatusFailed    = "failed"
	OpStatusCancelled = "cancelled"
)

// Operation initiators
const (
	InitiatorAPI       = "api"
	InitiatorScheduler = "scheduler"
	InitiatorWebhook   = "webhook"
	InitiatorRecovery  = "recovery"
)

// SyncOperation is one sync run against the remote tracker. Live operations
// (no completed_at yet) are unique per (repository, kind); every terminal
// transition sets CompletedAt so the partial index releases the slot.
type SyncOperation struct {
	ID         string `gorm:"primaryKey;type:uuid" json:"id"`
	Repository string `gorm:"type:varchar(255);not null;uniqueIndex:idx_op_live,where:completed_at IS NULL" json:"repository"`
	Kind       string `gorm:"type:varchar(20);not null;uniqueIndex:idx_op_live,where:completed_at IS NULL" json:"kind"`
	Direction  string `gorm:"type:varchar(20);not null" json:"direction"`
	Status     string `gorm:"type:varchar(20);default:'pending';index" json:"status"`

	// Cursor is the opaque resume position, persisted after every page
	Cursor           string `gorm:"type:text" json:"cursor,omitempty"`
	RecordsProcessed int    `gorm:"default:0" json:"recordsProcessed"`
	RecordsFailed    int    `gorm:"default:0" json:"recordsFailed"`

	ErrorCode   string  `gorm:"type:varchar(50)" json:"errorCode,omitempty"`
	ErrorDetail *string `gorm:"type:text" json:"errorDetail,omitempty"`

	Initiator       string `gorm:"type:varchar(20);default:'api'" json:"initiator"`
	CancelRequested bool   `gorm:"default:false" json:"cancelRequested"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// TableName specifies the table name
func (SyncOperation) TableName() string {
	return "sync_operations"
}

// BeforeCreate hook
func (op *SyncOperation) BeforeCreate(tx *gorm.DB) error {
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	return nil
}

// IsTerminal reports whether the operation reached a final state
func (op *SyncOperation) IsTerminal() bool {
	switch op.Status {
	case OpStatusCompleted, OpStatusFailed, OpStatusCancelled:
		return true
	}
	return false
}

// ValidOpKind reports whether kind names a known entity family
func ValidOpKind(kind string) bool {
	switch kind {
	case OpKindProjects, OpKindIssues, OpKindMilestones, OpKindFull:
		return true
	}
	return false
}

// ValidDirection reports whether direction is one of the supported modes
func ValidDirection(direction string) bool {
	switch direction {
	case DirectionFromRemote, DirectionToRemote, DirectionBidirectional:
		return true
	}
	return false
}

// EntityKindsFor expands an operation kind into the entity kinds it covers
func EntityKindsFor(opKind string) []string {
	switch opKind {
	case OpKindProjects:
		return []string{KindProject}
	case OpKindIssues:
		return []string{KindIssue}
	case OpKindMilestones:
		return []string{KindMilestone}
	case OpKindFull:
		return []string{KindProject, KindMilestone, KindIssue}
	}
	return nil
}
