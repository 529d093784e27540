package models

import (
	"time"
)

// Entity kinds mirrored from the remote tracker
const (
	KindProject   = "project"
	KindIssue     = "issue"
	KindMilestone = "milestone"
)

// Canonical names of the synchronized (mutable) fields. These are the keys
// used in snapshots, change lists and conflict records.
const (
	FieldTitle     = "title"
	FieldBody      = "body"
	FieldState     = "state"
	FieldAssignees = "assignees"
	FieldLabels    = "labels"
	FieldDueOn     = "due_on"
)

// TrackedEntity is a locally mirrored project-tracker record. Projects, issues
// and milestones share one shape and are discriminated by Kind.
// Standardized: Go (PascalCase) -> DB (snake_case) -> JSON (camelCase)
type TrackedEntity struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	Kind         string `gorm:"type:varchar(20);not null;uniqueIndex:idx_entity_remote,where:remote_number > 0;index:idx_entity_dirty" json:"kind"`
	Repository   string `gorm:"type:varchar(255);not null;uniqueIndex:idx_entity_remote,where:remote_number > 0;index:idx_entity_dirty;index:idx_entity_repo_state" json:"repository"`
	RemoteNumber int    `gorm:"not null;default:0;uniqueIndex:idx_entity_remote,where:remote_number > 0" json:"remoteNumber"`
	NodeID       string `gorm:"type:varchar(255);uniqueIndex:idx_entity_node,where:node_id <> ''" json:"nodeId"`

	// Synchronized fields
	Title     string     `gorm:"type:varchar(500);not null" json:"title"`
	Body      string     `gorm:"type:text" json:"body"`
	State     string     `gorm:"type:varchar(20);default:'open';index:idx_entity_repo_state" json:"state"`
	Assignees StringList `gorm:"type:jsonb;default:'[]'" json:"assignees"`
	Labels    StringList `gorm:"type:jsonb;default:'[]'" json:"labels"`
	DueOn     *time.Time `json:"dueOn,omitempty"`

	// Sync bookkeeping
	RemoteUpdatedAt time.Time  `json:"remoteUpdatedAt"`
	LocalUpdatedAt  time.Time  `json:"localUpdatedAt"`
	SyncVersion     int64      `gorm:"not null;default:1" json:"syncVersion"`
	SyncedAt        *time.Time `json:"syncedAt,omitempty"`
	SyncedSnapshot  JSONB      `gorm:"type:jsonb;default:'{}'" json:"-"`
	LocalModified   bool       `gorm:"default:false;index:idx_entity_dirty" json:"localModified"`
	LocalChanges    StringList `gorm:"type:jsonb;default:'[]'" json:"localChanges"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (TrackedEntity) TableName() string {
	return "tracked_entities"
}

// FieldMap returns the synchronized fields as a canonical field->value map,
// the form used for snapshots, diffs and conflict payloads.
func (e *TrackedEntity) FieldMap() JSONB {
	m := JSONB{
		FieldTitle:     e.Title,
		FieldBody:      e.Body,
		FieldState:     e.State,
		FieldAssignees: []string(e.Assignees),
		FieldLabels:    []string(e.Labels),
	}
	if e.DueOn != nil {
		m[FieldDueOn] = e.DueOn.UTC().Format(time.RFC3339)
	} else {
		m[FieldDueOn] = nil
	}
	return m
}

// ApplyFieldMap writes the given field values onto the entity. Unknown keys
// are ignored; callers validate before applying.
func (e *TrackedEntity) ApplyFieldMap(fields JSONB) {
	for name, value := range fields {
		switch name {
		case FieldTitle:
			if s, ok := value.(string); ok {
				e.Title = s
			}
		case FieldBody:
			if s, ok := value.(string); ok {
				e.Body = s
			}
		case FieldState:
			if s, ok := value.(string); ok {
				e.State = s
			}
		case FieldAssignees:
			e.Assignees = toStringList(value)
		case FieldLabels:
			e.Labels = toStringList(value)
		case FieldDueOn:
			e.DueOn = toTimePtr(value)
		}
	}
}

// toStringList normalizes JSON-decoded list values ([]interface{} after a
// round trip through jsonb, []string when set in code).
func toStringList(value interface{}) StringList {
	switch v := value.(type) {
	case nil:
		return StringList{}
	case StringList:
		return v
	case []string:
		return StringList(v)
	case []interface{}:
		out := make(StringList, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return StringList{}
}

func toTimePtr(value interface{}) *time.Time {
	switch v := value.(type) {
	case nil:
		return nil
	case *time.Time:
		return v
	case time.Time:
		return &v
	case string:
		if v == "" {
			return nil
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return &t
		}
	}
	return nil
}
