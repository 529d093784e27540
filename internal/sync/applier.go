package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/xelth-com/ecktrackgo/internal/models"
	"github.com/xelth-com/ecktrackgo/internal/services/tracker"
)

// Outcomes of applying a record through the applier
const (
	OutcomeCreated   = "created"
	OutcomeUpdated   = "updated"
	OutcomeMerged    = "merged"
	OutcomeConflict  = "conflict"
	OutcomeDiscarded = "discarded"
)

// casRetries bounds how often a write is retried after losing a
// compare-and-swap race before giving up.
const casRetries = 3

// ApplyResult reports what a write did
type ApplyResult struct {
	Outcome  string
	Entity   *models.TrackedEntity
	Conflict *models.SyncConflict
}

// Applier is the single write path for tracked entities. Every mutation is a
// compare-and-swap on sync_version, so concurrent writers (pull worker,
// webhook worker, API edits) can never silently overwrite each other.
type Applier struct {
	db       *gorm.DB
	resolver *ConflictResolver
}

// NewApplier creates the shared write path
func NewApplier(db *gorm.DB, resolver *ConflictResolver) *Applier {
	return &Applier{db: db, resolver: resolver}
}

// ApplyRemote reconciles one remote record into the local store: insert when
// unknown, fast-path update when the local copy is clean, conflict resolution
// when it carries local changes. Stale remote states (remote_updated_at not
// after the stored one) are discarded to break update loops.
func (a *Applier) ApplyRemote(ctx context.Context, repo string, rec tracker.Record) (*ApplyResult, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		entity, err := a.lookup(ctx, repo, rec)
		if err != nil {
			return nil, err
		}

		if entity == nil {
			created, insertErr := a.insert(ctx, repo, rec)
			if insertErr == nil {
				return &ApplyResult{Outcome: OutcomeCreated, Entity: created}, nil
			}
			// Unique violation means a concurrent writer inserted the same
			// entity; reload and continue as an update.
			if existing, lookupErr := a.lookup(ctx, repo, rec); lookupErr == nil && existing != nil {
				continue
			}
			return nil, insertErr
		}

		// Loop breaker: the remote state is not newer than what we already
		// applied. Local changes stay pending for the next push.
		if !rec.UpdatedAt.After(entity.RemoteUpdatedAt) {
			return &ApplyResult{Outcome: OutcomeDiscarded, Entity: entity}, nil
		}

		if entity.LocalModified {
			return a.resolver.Resolve(ctx, entity, rec)
		}

		// Clean fast path
		remoteFields := rec.FieldMap()
		work := *entity
		work.ApplyFieldMap(remoteFields)

		now := time.Now().UTC()
		updates := entityColumns(&work)
		updates["remote_updated_at"] = rec.UpdatedAt
		updates["synced_snapshot"] = remoteFields
		updates["synced_at"] = now
		updates["local_modified"] = false
		updates["local_changes"] = models.StringList{}
		updates["sync_version"] = entity.SyncVersion + 1
		if rec.NodeID != "" && entity.NodeID == "" {
			updates["node_id"] = rec.NodeID
		}

		ok, err := casUpdate(ctx, a.db, entity.ID, entity.SyncVersion, updates)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Lost the race, re-evaluate against the fresh row
			continue
		}

		updated, err := a.Get(ctx, entity.ID)
		if err != nil {
			return nil, err
		}
		return &ApplyResult{Outcome: OutcomeUpdated, Entity: updated}, nil
	}
	return nil, fmt.Errorf("apply remote %s #%d: gave up after %d CAS attempts", rec.Kind, rec.Number, casRetries)
}

// ApplyLocal writes an operator edit: the named fields change, the entity is
// marked dirty and the touched field names accumulate in local_changes until
// the next successful push.
func (a *Applier) ApplyLocal(ctx context.Context, entityID uint, fields models.JSONB) (*models.TrackedEntity, error) {
	for name := range fields {
		if !knownField(name) {
			return nil, fmt.Errorf("%w: unknown field %q", ErrValidation, name)
		}
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		entity, err := a.Get(ctx, entityID)
		if err != nil {
			return nil, err
		}

		work := *entity
		work.ApplyFieldMap(fields)
		changed := ChangedFields(work.FieldMap(), entity.FieldMap())
		if len(changed) == 0 {
			return entity, nil
		}

		updates := entityColumns(&work)
		updates["local_updated_at"] = time.Now().UTC()
		updates["local_modified"] = true
		updates["local_changes"] = Union(entity.LocalChanges, changed)
		updates["sync_version"] = entity.SyncVersion + 1

		ok, err := casUpdate(ctx, a.db, entity.ID, entity.SyncVersion, updates)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		return a.Get(ctx, entityID)
	}
	return nil, fmt.Errorf("apply local edit to entity %d: gave up after %d CAS attempts", entityID, casRetries)
}

// CreateLocal registers a new locally authored entity. It carries
// remote_number 0 until the push pass creates it on the remote.
func (a *Applier) CreateLocal(ctx context.Context, repo, kind string, fields models.JSONB) (*models.TrackedEntity, error) {
	// Without a repository the push pass could never place the draft
	if repo == "" {
		return nil, fmt.Errorf("%w: repository is required", ErrValidation)
	}
	switch kind {
	case models.KindProject, models.KindIssue, models.KindMilestone:
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrValidation, kind)
	}
	for name := range fields {
		if !knownField(name) {
			return nil, fmt.Errorf("%w: unknown field %q", ErrValidation, name)
		}
	}
	title, _ := fields[models.FieldTitle].(string)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrValidation)
	}

	now := time.Now().UTC()
	entity := &models.TrackedEntity{
		Kind:           kind,
		Repository:     repo,
		RemoteNumber:   0,
		State:          "open",
		Assignees:      models.StringList{},
		Labels:         models.StringList{},
		SyncVersion:    1,
		SyncedSnapshot: models.JSONB{},
		LocalModified:  true,
		LocalUpdatedAt: now,
	}
	entity.ApplyFieldMap(fields)

	changes := models.StringList{}
	for name := range fields {
		changes = append(changes, name)
	}
	entity.LocalChanges = Union(changes, nil)

	if err := a.db.WithContext(ctx).Create(entity).Error; err != nil {
		return nil, fmt.Errorf("create local %s: %w", kind, err)
	}
	return entity, nil
}

// MarkSynced records a successful push: the remote echo becomes the new
// snapshot, identity fields assigned by the remote are filled in, and the
// dirty flag clears. Returns false when a concurrent local edit bumped the
// version mid-push; the entity then stays dirty for the next cycle.
func (a *Applier) MarkSynced(ctx context.Context, entity *models.TrackedEntity, rec *tracker.Record) (bool, error) {
	updates := map[string]interface{}{
		"remote_updated_at": rec.UpdatedAt,
		"synced_snapshot":   rec.FieldMap(),
		"synced_at":         time.Now().UTC(),
		"local_modified":    false,
		"local_changes":     models.StringList{},
	}
	if entity.RemoteNumber == 0 && rec.Number != 0 {
		updates["remote_number"] = rec.Number
	}
	if entity.NodeID == "" && rec.NodeID != "" {
		updates["node_id"] = rec.NodeID
	}

	return casUpdate(ctx, a.db, entity.ID, entity.SyncVersion, updates)
}

// Get loads one entity by id
func (a *Applier) Get(ctx context.Context, entityID uint) (*models.TrackedEntity, error) {
	var entity models.TrackedEntity
	if err := a.db.WithContext(ctx).First(&entity, entityID).Error; err != nil {
		return nil, err
	}
	return &entity, nil
}

// lookup finds the local copy of a remote record, preferring the stable
// node id over the (repository, kind, number) tuple.
func (a *Applier) lookup(ctx context.Context, repo string, rec tracker.Record) (*models.TrackedEntity, error) {
	var entity models.TrackedEntity

	if rec.NodeID != "" {
		err := a.db.WithContext(ctx).Where("node_id = ?", rec.NodeID).First(&entity).Error
		if err == nil {
			return &entity, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	err := a.db.WithContext(ctx).
		Where("repository = ? AND kind = ? AND remote_number = ?", repo, rec.Kind, rec.Number).
		First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entity, nil
}

// insert stores a remote record unseen so far
func (a *Applier) insert(ctx context.Context, repo string, rec tracker.Record) (*models.TrackedEntity, error) {
	now := time.Now().UTC()
	remoteFields := rec.FieldMap()

	entity := &models.TrackedEntity{
		Kind:            rec.Kind,
		Repository:      repo,
		RemoteNumber:    rec.Number,
		NodeID:          rec.NodeID,
		Assignees:       models.StringList{},
		Labels:          models.StringList{},
		RemoteUpdatedAt: rec.UpdatedAt,
		LocalUpdatedAt:  now,
		SyncVersion:     1,
		SyncedAt:        &now,
		SyncedSnapshot:  remoteFields,
		LocalModified:   false,
		LocalChanges:    models.StringList{},
	}
	entity.ApplyFieldMap(remoteFields)

	if err := a.db.WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}
	return entity, nil
}

// entityColumns maps the synchronized fields of an entity onto update columns
func entityColumns(e *models.TrackedEntity) map[string]interface{} {
	return map[string]interface{}{
		"title":     e.Title,
		"body":      e.Body,
		"state":     e.State,
		"assignees": e.Assignees,
		"labels":    e.Labels,
		"due_on":    e.DueOn,
	}
}

// knownField reports whether name is a synchronized field
func knownField(name string) bool {
	switch name {
	case models.FieldTitle, models.FieldBody, models.FieldState,
		models.FieldAssignees, models.FieldLabels, models.FieldDueOn:
		return true
	}
	return false
}

// casUpdate performs the optimistic single-row update guarding every entity
// write. Zero rows affected means another writer advanced sync_version first.
func casUpdate(ctx context.Context, db *gorm.DB, entityID uint, version int64, updates map[string]interface{}) (bool, error) {
	res := db.WithContext(ctx).Model(&models.TrackedEntity{}).
		Where("id = ? AND sync_version = ?", entityID, version).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
