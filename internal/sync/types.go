package sync

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced to the HTTP layer
var (
	// ErrConflictingOperation means a live operation already exists for the
	// same (repository, kind) pair.
	ErrConflictingOperation = errors.New("conflicting sync operation already active")

	// ErrOperationNotFound means the operation id is unknown
	ErrOperationNotFound = errors.New("sync operation not found")

	// ErrOperationTerminal means the operation already reached a final state
	ErrOperationTerminal = errors.New("sync operation already finished")

	// ErrConflictNotFound means the conflict id is unknown
	ErrConflictNotFound = errors.New("sync conflict not found")

	// ErrValidation covers malformed trigger and resolution requests
	ErrValidation = errors.New("validation failed")
)

// Error codes recorded on failed operations
const (
	ErrCodeAuth      = "auth"
	ErrCodeRemote    = "remote"
	ErrCodeRateLimit = "rate_limit"
	ErrCodeCancelled = "cancelled"
	ErrCodeInternal  = "internal"
)

// Sync phases within a bidirectional run
const (
	PhasePull = "pull"
	PhasePush = "push"
)

// Cursor is the resumable position of a sync operation. It is stored opaque
// (base64 JSON) so API clients cannot depend on its layout.
type Cursor struct {
	Phase      string    `json:"phase,omitempty"`
	EntityKind string    `json:"kind,omitempty"`
	Page       int       `json:"page,omitempty"`
	Since      time.Time `json:"since,omitempty"`
}

// Encode serializes the cursor to its opaque wire form
func (c Cursor) Encode() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeCursor parses an opaque cursor. An empty string yields a zero cursor.
func DecodeCursor(raw string) (Cursor, error) {
	if raw == "" {
		return Cursor{}, nil
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor: %w", err)
	}
	return c, nil
}
