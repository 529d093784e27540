package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/xelth-com/ecktrackgo/internal/models"
	"github.com/xelth-com/ecktrackgo/internal/services/tracker"
)

// ConflictResolver reconciles concurrent edits of one entity using field-set
// rules: the last-synced snapshot is the merge base, and only fields both
// sides changed to different values count as conflicting.
type ConflictResolver struct {
	db        *gorm.DB
	tolerance time.Duration
}

// NewConflictResolver creates a resolver. tolerance is the window inside
// which modification timestamps are too close to pick a last writer.
func NewConflictResolver(db *gorm.DB, tolerance time.Duration) *ConflictResolver {
	if tolerance <= 0 {
		tolerance = 5 * time.Second
	}
	return &ConflictResolver{db: db, tolerance: tolerance}
}

// Resolve reconciles a remote record against a locally modified entity.
//
// Step 1: disjoint change sets merge automatically, no conflict recorded.
// Step 2: overlapping changes with clearly ordered timestamps resolve by
// last-writer-wins, recorded as an already-resolved conflict for audit.
// Step 3: overlapping changes inside the tolerance window create a pending
// conflict; the local values are retained until someone resolves it.
func (cr *ConflictResolver) Resolve(ctx context.Context, entity *models.TrackedEntity, rec tracker.Record) (*ApplyResult, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		local := entity.FieldMap()
		snapshot := entity.SyncedSnapshot
		if len(snapshot) == 0 {
			// Never synced before: the current local state is the only base
			snapshot = local
		}
		remote := rec.FieldMap()

		localChanged := ChangedFields(local, snapshot)
		remoteChanged := ChangedFields(remote, snapshot)

		// Conflicting = changed on both sides to different values. Both
		// sides landing on the same value is not a conflict.
		overlap := models.StringList{}
		for _, name := range Intersect(localChanged, remoteChanged) {
			if normalizeValue(local[name]) != normalizeValue(remote[name]) {
				overlap = append(overlap, name)
			}
		}

		var result *ApplyResult
		var ok bool
		var err error

		if len(overlap) == 0 {
			result, ok, err = cr.mergeDisjoint(ctx, entity, rec, snapshot, local, remote, localChanged, remoteChanged)
		} else if gap := absDuration(entity.LocalUpdatedAt.Sub(rec.UpdatedAt)); gap > cr.tolerance {
			result, ok, err = cr.applyLastWriterWins(ctx, entity, rec, snapshot, local, remote, localChanged, remoteChanged, overlap)
		} else {
			result, ok, err = cr.recordManualConflict(ctx, entity, rec, snapshot, local, remote, localChanged, remoteChanged, overlap)
		}

		if err != nil {
			return nil, err
		}
		if ok {
			return result, nil
		}

		// Lost the CAS race: reload and re-evaluate from the fresh state
		fresh := &models.TrackedEntity{}
		if err := cr.db.WithContext(ctx).First(fresh, entity.ID).Error; err != nil {
			return nil, err
		}
		entity = fresh
		if !rec.UpdatedAt.After(entity.RemoteUpdatedAt) {
			return &ApplyResult{Outcome: OutcomeDiscarded, Entity: entity}, nil
		}
	}
	return nil, fmt.Errorf("resolve %s #%d: gave up after %d CAS attempts", entity.Kind, entity.RemoteNumber, casRetries)
}

// mergeDisjoint applies both change sets on top of the snapshot
func (cr *ConflictResolver) mergeDisjoint(ctx context.Context, entity *models.TrackedEntity, rec tracker.Record, snapshot, local, remote models.JSONB, localChanged, remoteChanged models.StringList) (*ApplyResult, bool, error) {
	merged := copyFields(snapshot)
	applyFields(merged, remote, remoteChanged)
	applyFields(merged, local, localChanged)

	updated, ok, err := cr.writeResolved(ctx, entity, rec, merged, remote, true)
	if err != nil || !ok {
		return nil, ok, err
	}

	outcome := OutcomeMerged
	if len(localChanged) == 0 {
		outcome = OutcomeUpdated
	}
	return &ApplyResult{Outcome: outcome, Entity: updated}, true, nil
}

// applyLastWriterWins gives the conflicting fields to the side with the
// clearly newer modification timestamp and merges the rest. The decision is
// recorded as a resolved conflict so it can be audited later.
func (cr *ConflictResolver) applyLastWriterWins(ctx context.Context, entity *models.TrackedEntity, rec tracker.Record, snapshot, local, remote models.JSONB, localChanged, remoteChanged, overlap models.StringList) (*ApplyResult, bool, error) {
	remoteWins := rec.UpdatedAt.After(entity.LocalUpdatedAt)

	merged := copyFields(snapshot)
	if remoteWins {
		applyFields(merged, local, subtract(localChanged, overlap))
		applyFields(merged, remote, remoteChanged)
	} else {
		applyFields(merged, remote, subtract(remoteChanged, overlap))
		applyFields(merged, local, localChanged)
	}

	updated, ok, err := cr.writeResolved(ctx, entity, rec, merged, remote, true)
	if err != nil || !ok {
		return nil, ok, err
	}

	winner := "local"
	if remoteWins {
		winner = "remote"
	}
	now := time.Now().UTC()
	resolvedBy := "system"
	conflict := &models.SyncConflict{
		Repository:        entity.Repository,
		EntityKind:        entity.Kind,
		EntityID:          entity.ID,
		ConflictType:      models.ConflictConcurrentModification,
		ConflictingFields: overlap,
		LocalData:         local,
		RemoteData:        remote,
		Strategy:          models.StrategyLastWriterWins,
		ResolutionData:    PickFields(merged, overlap),
		Status:            models.ConflictStatusResolved,
		ResolvedBy:        &resolvedBy,
		ResolvedAt:        &now,
	}
	if err := cr.db.WithContext(ctx).Create(conflict).Error; err != nil {
		return nil, false, fmt.Errorf("record resolved conflict: %w", err)
	}

	log.Printf("⚖️ Conflict on %s #%d resolved by last-writer-wins (%s) for fields %v",
		entity.Kind, entity.RemoteNumber, winner, []string(overlap))

	return &ApplyResult{Outcome: OutcomeMerged, Entity: updated, Conflict: conflict}, true, nil
}

// recordManualConflict keeps the local values for the contested fields,
// merges the uncontested remote changes, and files a pending conflict. The
// entity stays dirty but is excluded from pushes until the conflict is
// resolved.
func (cr *ConflictResolver) recordManualConflict(ctx context.Context, entity *models.TrackedEntity, rec tracker.Record, snapshot, local, remote models.JSONB, localChanged, remoteChanged, overlap models.StringList) (*ApplyResult, bool, error) {
	merged := copyFields(snapshot)
	applyFields(merged, remote, subtract(remoteChanged, overlap))
	applyFields(merged, local, localChanged)

	updated, ok, err := cr.writeResolved(ctx, entity, rec, merged, remote, false)
	if err != nil || !ok {
		return nil, ok, err
	}

	// One pending conflict per entity: replays and repeated pulls refresh
	// the existing row instead of stacking new ones.
	var conflict models.SyncConflict
	findErr := cr.db.WithContext(ctx).
		Where("entity_id = ? AND status = ?", entity.ID, models.ConflictStatusPending).
		First(&conflict).Error
	switch {
	case findErr == nil:
		conflict.ConflictingFields = overlap
		conflict.LocalData = local
		conflict.RemoteData = remote
		if err := cr.db.WithContext(ctx).Save(&conflict).Error; err != nil {
			return nil, false, fmt.Errorf("refresh pending conflict: %w", err)
		}
	case errors.Is(findErr, gorm.ErrRecordNotFound):
		conflict = models.SyncConflict{
			Repository:        entity.Repository,
			EntityKind:        entity.Kind,
			EntityID:          entity.ID,
			ConflictType:      models.ConflictFieldMismatch,
			ConflictingFields: overlap,
			LocalData:         local,
			RemoteData:        remote,
			Strategy:          models.StrategyManual,
			Status:            models.ConflictStatusPending,
		}
		if err := cr.db.WithContext(ctx).Create(&conflict).Error; err != nil {
			return nil, false, fmt.Errorf("record pending conflict: %w", err)
		}
	default:
		return nil, false, findErr
	}

	log.Printf("⚠️ Conflict on %s #%d needs manual resolution (fields %v within %s window)",
		entity.Kind, entity.RemoteNumber, []string(overlap), cr.tolerance)

	return &ApplyResult{Outcome: OutcomeConflict, Entity: updated, Conflict: &conflict}, true, nil
}

// writeResolved persists the merged field state. The remote map becomes the
// new snapshot; whatever still differs from it stays recorded as pending
// local changes. reconciled controls whether synced_at advances.
func (cr *ConflictResolver) writeResolved(ctx context.Context, entity *models.TrackedEntity, rec tracker.Record, merged, remote models.JSONB, reconciled bool) (*models.TrackedEntity, bool, error) {
	work := *entity
	work.ApplyFieldMap(merged)
	pending := ChangedFields(work.FieldMap(), remote)

	updates := entityColumns(&work)
	updates["remote_updated_at"] = rec.UpdatedAt
	updates["synced_snapshot"] = remote
	updates["local_modified"] = len(pending) > 0
	updates["local_changes"] = pending
	updates["sync_version"] = entity.SyncVersion + 1
	if reconciled {
		updates["synced_at"] = time.Now().UTC()
	}
	if rec.NodeID != "" && entity.NodeID == "" {
		updates["node_id"] = rec.NodeID
	}

	ok, err := casUpdate(ctx, cr.db, entity.ID, entity.SyncVersion, updates)
	if err != nil || !ok {
		return nil, ok, err
	}

	var updated models.TrackedEntity
	if err := cr.db.WithContext(ctx).First(&updated, entity.ID).Error; err != nil {
		return nil, false, err
	}
	return &updated, true, nil
}

// ManualResolve applies an operator's choice of field values for a pending
// conflict. Every submitted field must come from the recorded local or remote
// data. Re-resolving an already resolved conflict returns the stored result.
func (cr *ConflictResolver) ManualResolve(ctx context.Context, conflictID uint, fields models.JSONB, resolvedBy string) (*models.SyncConflict, error) {
	var conflict models.SyncConflict
	if err := cr.db.WithContext(ctx).First(&conflict, conflictID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConflictNotFound
		}
		return nil, err
	}

	if conflict.Status == models.ConflictStatusResolved {
		return &conflict, nil
	}

	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: resolution needs at least one field", ErrValidation)
	}
	for name := range fields {
		_, inLocal := conflict.LocalData[name]
		_, inRemote := conflict.RemoteData[name]
		if !inLocal && !inRemote {
			return nil, fmt.Errorf("%w: field %q is not part of this conflict", ErrValidation, name)
		}
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		var entity models.TrackedEntity
		if err := cr.db.WithContext(ctx).First(&entity, conflict.EntityID).Error; err != nil {
			return nil, fmt.Errorf("load conflicted entity %d: %w", conflict.EntityID, err)
		}

		work := entity
		work.ApplyFieldMap(fields)
		pending := ChangedFields(work.FieldMap(), entity.SyncedSnapshot)

		updates := entityColumns(&work)
		updates["local_updated_at"] = time.Now().UTC()
		updates["local_modified"] = len(pending) > 0
		updates["local_changes"] = pending
		updates["sync_version"] = entity.SyncVersion + 1

		ok, err := casUpdate(ctx, cr.db, entity.ID, entity.SyncVersion, updates)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		now := time.Now().UTC()
		conflict.ResolutionData = fields
		conflict.Status = models.ConflictStatusResolved
		conflict.ResolvedBy = &resolvedBy
		conflict.ResolvedAt = &now
		if err := cr.db.WithContext(ctx).Save(&conflict).Error; err != nil {
			return nil, err
		}

		log.Printf("✅ Conflict %d on %s #%d resolved by %s", conflict.ID, entity.Kind, entity.RemoteNumber, resolvedBy)
		return &conflict, nil
	}
	return nil, fmt.Errorf("resolve conflict %d: gave up after %d CAS attempts", conflictID, casRetries)
}

// Helper functions

func copyFields(src models.JSONB) models.JSONB {
	out := make(models.JSONB, len(src))
	for name, value := range src {
		out[name] = value
	}
	return out
}

func applyFields(dst, src models.JSONB, names models.StringList) {
	for _, name := range names {
		dst[name] = src[name]
	}
}

func subtract(from, remove models.StringList) models.StringList {
	out := models.StringList{}
	for _, name := range from {
		if !remove.Contains(name) {
			out = append(out, name)
		}
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
