package models

import (
	"time"
)

// Conflict types
const (
	ConflictConcurrentModification = "concurrent_modification"
	ConflictFieldMismatch          = "field_mismatch"
)

// Conflict resolution strategies
const (
	StrategyLastWriterWins = "last_writer_wins"
	StrategyMerge          = "merge"
	StrategyManual         = "manual"
)

// Conflict statuses
const (
	ConflictStatusPending  = "pending"
	ConflictStatusResolved = "resolved"
)

// SyncConflict records a concurrent-edit collision between the local store and
// the remote tracker. Rows with status pending await manual resolution;
// automatic last-writer-wins decisions are stored already resolved for audit.
type SyncConflict struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	Repository string `gorm:"type:varchar(255);not null;index:idx_conflict_entity" json:"repository"`
	EntityKind string `gorm:"type:varchar(20);not null;index:idx_conflict_entity" json:"entityKind"`
	EntityID   uint   `gorm:"not null;index:idx_conflict_entity" json:"entityId"`

	ConflictType      string     `gorm:"type:varchar(50);not null" json:"conflictType"`
	ConflictingFields StringList `gorm:"type:jsonb;default:'[]'" json:"conflictingFields"`
	LocalData         JSONB      `gorm:"type:jsonb" json:"localData"`
	RemoteData        JSONB      `gorm:"type:jsonb" json:"remoteData"`

	Strategy       string `gorm:"type:varchar(50)" json:"strategy"`
	ResolutionData JSONB  `gorm:"type:jsonb" json:"resolutionData,omitempty"`

	Status     string     `gorm:"type:varchar(20);default:'pending';index" json:"status"`
	ResolvedBy *string    `gorm:"type:varchar(255)" json:"resolvedBy,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// TableName specifies the table name
func (SyncConflict) TableName() string {
	return "sync_conflicts"
}
