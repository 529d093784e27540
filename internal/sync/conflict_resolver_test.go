package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/xelth-com/ecktrackgo/internal/models"
)

// seedDirtyEntity pulls a base record, edits the title locally and pins the
// local edit timestamp so conflict timing is deterministic.
func seedDirtyEntity(t *testing.T, db *gorm.DB, applier *Applier, localEditAt time.Time) *models.TrackedEntity {
	t.Helper()
	ctx := context.Background()

	base := issueRecord(1, "base title", time.Now().Add(-2*time.Hour))
	seeded, err := applier.ApplyRemote(ctx, "acme/api", base)
	if err != nil {
		t.Fatalf("seed remote: %v", err)
	}

	if _, err := applier.ApplyLocal(ctx, seeded.Entity.ID, models.JSONB{
		models.FieldTitle: "local title",
	}); err != nil {
		t.Fatalf("seed local edit: %v", err)
	}

	err = db.Model(&models.TrackedEntity{}).
		Where("id = ?", seeded.Entity.ID).
		Update("local_updated_at", localEditAt.UTC()).Error
	if err != nil {
		t.Fatalf("pin local_updated_at: %v", err)
	}

	var entity models.TrackedEntity
	if err := db.First(&entity, seeded.Entity.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	return &entity
}

func conflictCount(t *testing.T, db *gorm.DB, entityID uint, status string) int64 {
	t.Helper()
	var n int64
	err := db.Model(&models.SyncConflict{}).
		Where("entity_id = ? AND status = ?", entityID, status).
		Count(&n).Error
	if err != nil {
		t.Fatalf("count conflicts: %v", err)
	}
	return n
}

func TestResolveDisjointChangesMerge(t *testing.T) {
	db := openTestDB(t)
	resolver := NewConflictResolver(db, 5*time.Second)
	applier := NewApplier(db, resolver)
	ctx := context.Background()

	entity := seedDirtyEntity(t, db, applier, time.Now())

	// Remote closed the issue but left the title alone
	remote := issueRecord(1, "base title", time.Now())
	remote.State = "closed"

	result, err := applier.ApplyRemote(ctx, "acme/api", remote)
	if err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}
	if result.Outcome != OutcomeMerged {
		t.Fatalf("outcome = %q, want %q", result.Outcome, OutcomeMerged)
	}

	merged := result.Entity
	if merged.Title != "local title" {
		t.Errorf("local title lost in merge: %q", merged.Title)
	}
	if merged.State != "closed" {
		t.Errorf("remote state lost in merge: %q", merged.State)
	}
	if !merged.LocalModified || !merged.LocalChanges.Contains(models.FieldTitle) {
		t.Errorf("title edit must stay pending for push, dirty=%v changes=%v",
			merged.LocalModified, merged.LocalChanges)
	}
	if n := conflictCount(t, db, entity.ID, models.ConflictStatusPending) +
		conflictCount(t, db, entity.ID, models.ConflictStatusResolved); n != 0 {
		t.Errorf("disjoint merge recorded %d conflicts, want 0", n)
	}
}

func TestResolveLastWriterWinsRemote(t *testing.T) {
	db := openTestDB(t)
	resolver := NewConflictResolver(db, 5*time.Second)
	applier := NewApplier(db, resolver)
	ctx := context.Background()

	now := time.Now().UTC()
	entity := seedDirtyEntity(t, db, applier, now.Add(-time.Hour))

	remote := issueRecord(1, "remote title", now)
	result, err := resolver.Resolve(ctx, entity, remote)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.Outcome != OutcomeMerged {
		t.Fatalf("outcome = %q, want %q", result.Outcome, OutcomeMerged)
	}

	if result.Entity.Title != "remote title" {
		t.Errorf("remote is the last writer, title = %q", result.Entity.Title)
	}
	if result.Entity.LocalModified {
		t.Error("nothing should stay pending when the remote side won every contested field")
	}

	if result.Conflict == nil {
		t.Fatal("last-writer-wins must record an audit conflict")
	}
	if result.Conflict.Status != models.ConflictStatusResolved {
		t.Errorf("conflict status = %q, want resolved", result.Conflict.Status)
	}
	if result.Conflict.Strategy != models.StrategyLastWriterWins {
		t.Errorf("strategy = %q", result.Conflict.Strategy)
	}
	if result.Conflict.ResolvedBy == nil || *result.Conflict.ResolvedBy != "system" {
		t.Errorf("resolved_by = %v, want system", result.Conflict.ResolvedBy)
	}
	if !result.Conflict.ConflictingFields.Contains(models.FieldTitle) {
		t.Errorf("conflicting fields = %v", result.Conflict.ConflictingFields)
	}
}

func TestResolveLastWriterWinsLocal(t *testing.T) {
	db := openTestDB(t)
	resolver := NewConflictResolver(db, 5*time.Second)
	applier := NewApplier(db, resolver)
	ctx := context.Background()

	now := time.Now().UTC()
	entity := seedDirtyEntity(t, db, applier, now)

	remote := issueRecord(1, "remote title", now.Add(-30*time.Minute))
	result, err := resolver.Resolve(ctx, entity, remote)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if result.Entity.Title != "local title" {
		t.Errorf("local is the last writer, title = %q", result.Entity.Title)
	}
	if !result.Entity.LocalModified || !result.Entity.LocalChanges.Contains(models.FieldTitle) {
		t.Errorf("winning local value must stay pending for push, dirty=%v changes=%v",
			result.Entity.LocalModified, result.Entity.LocalChanges)
	}
	if n := conflictCount(t, db, entity.ID, models.ConflictStatusResolved); n != 1 {
		t.Errorf("resolved audit rows = %d, want 1", n)
	}
}

func TestResolveWithinToleranceGoesManual(t *testing.T) {
	db := openTestDB(t)
	resolver := NewConflictResolver(db, 5*time.Second)
	applier := NewApplier(db, resolver)
	ctx := context.Background()

	now := time.Now().UTC()
	entity := seedDirtyEntity(t, db, applier, now)

	remote := issueRecord(1, "remote title", now.Add(2*time.Second))
	result, err := resolver.Resolve(ctx, entity, remote)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.Outcome != OutcomeConflict {
		t.Fatalf("outcome = %q, want %q", result.Outcome, OutcomeConflict)
	}

	// Local values are retained until someone decides
	if result.Entity.Title != "local title" {
		t.Errorf("title = %q, want the retained local value", result.Entity.Title)
	}
	if !result.Entity.LocalModified {
		t.Error("entity must stay dirty while the conflict is pending")
	}

	conflict := result.Conflict
	if conflict == nil || conflict.Status != models.ConflictStatusPending {
		t.Fatalf("conflict = %+v, want a pending row", conflict)
	}
	if conflict.ConflictType != models.ConflictFieldMismatch {
		t.Errorf("type = %q", conflict.ConflictType)
	}
	if conflict.LocalData[models.FieldTitle] != "local title" {
		t.Errorf("local data title = %v", conflict.LocalData[models.FieldTitle])
	}
	if conflict.RemoteData[models.FieldTitle] != "remote title" {
		t.Errorf("remote data title = %v", conflict.RemoteData[models.FieldTitle])
	}
}

func TestResolveRefreshesPendingConflict(t *testing.T) {
	db := openTestDB(t)
	resolver := NewConflictResolver(db, 5*time.Second)
	applier := NewApplier(db, resolver)
	ctx := context.Background()

	now := time.Now().UTC()
	entity := seedDirtyEntity(t, db, applier, now)

	first := issueRecord(1, "remote title", now.Add(2*time.Second))
	if _, err := resolver.Resolve(ctx, entity, first); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}

	var reloaded models.TrackedEntity
	if err := db.First(&reloaded, entity.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}

	second := issueRecord(1, "remote title v2", now.Add(3*time.Second))
	result, err := resolver.Resolve(ctx, &reloaded, second)
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if result.Outcome != OutcomeConflict {
		t.Fatalf("outcome = %q, want %q", result.Outcome, OutcomeConflict)
	}

	if n := conflictCount(t, db, entity.ID, models.ConflictStatusPending); n != 1 {
		t.Fatalf("pending rows = %d, want exactly 1 per entity", n)
	}
	if result.Conflict.RemoteData[models.FieldTitle] != "remote title v2" {
		t.Errorf("pending conflict not refreshed, remote title = %v",
			result.Conflict.RemoteData[models.FieldTitle])
	}
}

func TestManualResolveAppliesChoice(t *testing.T) {
	db := openTestDB(t)
	resolver := NewConflictResolver(db, 5*time.Second)
	applier := NewApplier(db, resolver)
	ctx := context.Background()

	now := time.Now().UTC()
	entity := seedDirtyEntity(t, db, applier, now)

	remote := issueRecord(1, "remote title", now.Add(2*time.Second))
	result, err := resolver.Resolve(ctx, entity, remote)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	resolved, err := resolver.ManualResolve(ctx, result.Conflict.ID, models.JSONB{
		models.FieldTitle: "remote title",
	}, "alice")
	if err != nil {
		t.Fatalf("ManualResolve: %v", err)
	}
	if resolved.Status != models.ConflictStatusResolved {
		t.Errorf("status = %q", resolved.Status)
	}
	if resolved.ResolvedBy == nil || *resolved.ResolvedBy != "alice" {
		t.Errorf("resolved_by = %v", resolved.ResolvedBy)
	}

	var after models.TrackedEntity
	if err := db.First(&after, entity.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if after.Title != "remote title" {
		t.Errorf("title = %q, want the chosen remote value", after.Title)
	}
	if after.LocalModified {
		t.Error("choosing the remote value leaves nothing to push")
	}

	// Replaying the resolution is idempotent and keeps the first resolver
	again, err := resolver.ManualResolve(ctx, result.Conflict.ID, models.JSONB{
		models.FieldTitle: "something else entirely",
	}, "bob")
	if err != nil {
		t.Fatalf("second ManualResolve: %v", err)
	}
	if again.ResolvedBy == nil || *again.ResolvedBy != "alice" {
		t.Errorf("replay overwrote resolved_by: %v", again.ResolvedBy)
	}
}

func TestManualResolveKeepsLocalValue(t *testing.T) {
	db := openTestDB(t)
	resolver := NewConflictResolver(db, 5*time.Second)
	applier := NewApplier(db, resolver)
	ctx := context.Background()

	now := time.Now().UTC()
	entity := seedDirtyEntity(t, db, applier, now)

	remote := issueRecord(1, "remote title", now.Add(2*time.Second))
	result, err := resolver.Resolve(ctx, entity, remote)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if _, err := resolver.ManualResolve(ctx, result.Conflict.ID, models.JSONB{
		models.FieldTitle: "local title",
	}, "alice"); err != nil {
		t.Fatalf("ManualResolve: %v", err)
	}

	var after models.TrackedEntity
	if err := db.First(&after, entity.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if after.Title != "local title" {
		t.Errorf("title = %q", after.Title)
	}
	if !after.LocalModified || !after.LocalChanges.Contains(models.FieldTitle) {
		t.Errorf("chosen local value must be pushed, dirty=%v changes=%v",
			after.LocalModified, after.LocalChanges)
	}
}

func TestManualResolveValidation(t *testing.T) {
	db := openTestDB(t)
	resolver := NewConflictResolver(db, 5*time.Second)
	applier := NewApplier(db, resolver)
	ctx := context.Background()

	now := time.Now().UTC()
	entity := seedDirtyEntity(t, db, applier, now)

	remote := issueRecord(1, "remote title", now.Add(2*time.Second))
	result, err := resolver.Resolve(ctx, entity, remote)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if _, err := resolver.ManualResolve(ctx, result.Conflict.ID, models.JSONB{}, "alice"); !errors.Is(err, ErrValidation) {
		t.Errorf("empty resolution: err = %v, want ErrValidation", err)
	}
	if _, err := resolver.ManualResolve(ctx, result.Conflict.ID, models.JSONB{
		"priority": "high",
	}, "alice"); !errors.Is(err, ErrValidation) {
		t.Errorf("foreign field: err = %v, want ErrValidation", err)
	}
	if _, err := resolver.ManualResolve(ctx, 99999, models.JSONB{
		models.FieldTitle: "x",
	}, "alice"); !errors.Is(err, ErrConflictNotFound) {
		t.Errorf("unknown id: err = %v, want ErrConflictNotFound", err)
	}
}
