package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xelth-com/ecktrackgo/internal/models"
)

func newTestApplier(t *testing.T) *Applier {
	t.Helper()
	db := openTestDB(t)
	return NewApplier(db, NewConflictResolver(db, 5*time.Second))
}

func TestApplyRemoteCreates(t *testing.T) {
	applier := newTestApplier(t)
	ctx := context.Background()

	rec := issueRecord(7, "Fix login timeout", time.Now())
	rec.Labels = []string{"bug", "auth"}

	result, err := applier.ApplyRemote(ctx, "acme/api", rec)
	if err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}
	if result.Outcome != OutcomeCreated {
		t.Fatalf("outcome = %q, want %q", result.Outcome, OutcomeCreated)
	}

	entity := result.Entity
	if entity.Title != "Fix login timeout" {
		t.Errorf("title = %q", entity.Title)
	}
	if entity.RemoteNumber != 7 || entity.Kind != models.KindIssue {
		t.Errorf("identity = %s #%d", entity.Kind, entity.RemoteNumber)
	}
	if entity.NodeID == "" {
		t.Error("node id must be stored")
	}
	if entity.LocalModified {
		t.Error("freshly pulled entity must not be dirty")
	}
	if entity.SyncVersion != 1 {
		t.Errorf("sync version = %d, want 1", entity.SyncVersion)
	}
	if len(entity.SyncedSnapshot) == 0 {
		t.Error("snapshot must be recorded on insert")
	}
	if entity.SyncedAt == nil {
		t.Error("synced_at must be set on insert")
	}
}

func TestApplyRemoteDiscardsStale(t *testing.T) {
	applier := newTestApplier(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := issueRecord(3, "Original title", now)
	if _, err := applier.ApplyRemote(ctx, "acme/api", rec); err != nil {
		t.Fatalf("seed: %v", err)
	}

	stale := issueRecord(3, "Yesterday's title", now.Add(-time.Hour))
	result, err := applier.ApplyRemote(ctx, "acme/api", stale)
	if err != nil {
		t.Fatalf("ApplyRemote stale: %v", err)
	}
	if result.Outcome != OutcomeDiscarded {
		t.Fatalf("outcome = %q, want %q", result.Outcome, OutcomeDiscarded)
	}
	if result.Entity.Title != "Original title" {
		t.Errorf("stale record must not change the entity, title = %q", result.Entity.Title)
	}

	// Same timestamp is also stale: applying the identical state again must
	// not loop.
	replay := issueRecord(3, "Original title", now)
	result, err = applier.ApplyRemote(ctx, "acme/api", replay)
	if err != nil {
		t.Fatalf("ApplyRemote replay: %v", err)
	}
	if result.Outcome != OutcomeDiscarded {
		t.Errorf("replay outcome = %q, want %q", result.Outcome, OutcomeDiscarded)
	}
}

func TestApplyRemoteFastPath(t *testing.T) {
	applier := newTestApplier(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := applier.ApplyRemote(ctx, "acme/api", issueRecord(5, "v1", now)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	newer := issueRecord(5, "v2", now.Add(time.Minute))
	newer.State = "closed"
	result, err := applier.ApplyRemote(ctx, "acme/api", newer)
	if err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}
	if result.Outcome != OutcomeUpdated {
		t.Fatalf("outcome = %q, want %q", result.Outcome, OutcomeUpdated)
	}

	entity := result.Entity
	if entity.Title != "v2" || entity.State != "closed" {
		t.Errorf("fields not updated: title=%q state=%q", entity.Title, entity.State)
	}
	if entity.SyncVersion != 2 {
		t.Errorf("sync version = %d, want 2", entity.SyncVersion)
	}
	if entity.LocalModified {
		t.Error("clean update must leave the entity clean")
	}
	if !entity.RemoteUpdatedAt.Equal(newer.UpdatedAt) {
		t.Errorf("remote_updated_at = %v, want %v", entity.RemoteUpdatedAt, newer.UpdatedAt)
	}
}

func TestApplyRemoteFindsByNodeID(t *testing.T) {
	applier := newTestApplier(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seeded, err := applier.ApplyRemote(ctx, "acme/api", issueRecord(9, "before transfer", now))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Same node id under a different number (e.g. after an issue transfer)
	// must update the existing row, not insert a second one.
	moved := issueRecord(10, "after transfer", now.Add(time.Minute))
	moved.NodeID = seeded.Entity.NodeID

	result, err := applier.ApplyRemote(ctx, "acme/api", moved)
	if err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}
	if result.Entity.ID != seeded.Entity.ID {
		t.Errorf("matched entity %d, want %d", result.Entity.ID, seeded.Entity.ID)
	}
}

func TestApplyLocalMarksDirty(t *testing.T) {
	applier := newTestApplier(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seeded, err := applier.ApplyRemote(ctx, "acme/api", issueRecord(2, "remote title", now))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	entity, err := applier.ApplyLocal(ctx, seeded.Entity.ID, models.JSONB{
		models.FieldTitle: "local title",
	})
	if err != nil {
		t.Fatalf("ApplyLocal: %v", err)
	}
	if entity.Title != "local title" {
		t.Errorf("title = %q", entity.Title)
	}
	if !entity.LocalModified {
		t.Error("local edit must mark the entity dirty")
	}
	if !entity.LocalChanges.Contains(models.FieldTitle) {
		t.Errorf("local_changes = %v, want to contain title", entity.LocalChanges)
	}
	if entity.SyncVersion != seeded.Entity.SyncVersion+1 {
		t.Errorf("sync version = %d, want %d", entity.SyncVersion, seeded.Entity.SyncVersion+1)
	}

	// A second edit accumulates field names instead of replacing them
	entity, err = applier.ApplyLocal(ctx, entity.ID, models.JSONB{
		models.FieldState: "closed",
	})
	if err != nil {
		t.Fatalf("second ApplyLocal: %v", err)
	}
	if !entity.LocalChanges.Contains(models.FieldTitle) || !entity.LocalChanges.Contains(models.FieldState) {
		t.Errorf("local_changes = %v, want title and state", entity.LocalChanges)
	}
}

func TestApplyLocalNoop(t *testing.T) {
	applier := newTestApplier(t)
	ctx := context.Background()

	seeded, err := applier.ApplyRemote(ctx, "acme/api", issueRecord(4, "same title", time.Now()))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	entity, err := applier.ApplyLocal(ctx, seeded.Entity.ID, models.JSONB{
		models.FieldTitle: "same title",
	})
	if err != nil {
		t.Fatalf("ApplyLocal: %v", err)
	}
	if entity.LocalModified {
		t.Error("writing the current value must not dirty the entity")
	}
	if entity.SyncVersion != seeded.Entity.SyncVersion {
		t.Errorf("no-op edit bumped sync version to %d", entity.SyncVersion)
	}
}

func TestApplyLocalRejectsUnknownField(t *testing.T) {
	applier := newTestApplier(t)
	ctx := context.Background()

	seeded, err := applier.ApplyRemote(ctx, "acme/api", issueRecord(6, "x", time.Now()))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err = applier.ApplyLocal(ctx, seeded.Entity.ID, models.JSONB{"priority": "high"})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestCreateLocal(t *testing.T) {
	applier := newTestApplier(t)
	ctx := context.Background()

	entity, err := applier.CreateLocal(ctx, "acme/api", models.KindIssue, models.JSONB{
		models.FieldTitle: "local draft",
		models.FieldBody:  "needs triage",
	})
	if err != nil {
		t.Fatalf("CreateLocal: %v", err)
	}
	if entity.RemoteNumber != 0 {
		t.Errorf("remote number = %d, want 0 before the first push", entity.RemoteNumber)
	}
	if !entity.LocalModified {
		t.Error("local creation must be dirty")
	}
	if !entity.LocalChanges.Contains(models.FieldTitle) || !entity.LocalChanges.Contains(models.FieldBody) {
		t.Errorf("local_changes = %v", entity.LocalChanges)
	}

	// A second local-only entity of the same kind must coexist: the unique
	// remote index only covers rows with a real remote number.
	if _, err := applier.CreateLocal(ctx, "acme/api", models.KindIssue, models.JSONB{
		models.FieldTitle: "another draft",
	}); err != nil {
		t.Fatalf("second CreateLocal: %v", err)
	}
}

func TestCreateLocalValidates(t *testing.T) {
	applier := newTestApplier(t)
	ctx := context.Background()

	if _, err := applier.CreateLocal(ctx, "", models.KindIssue, models.JSONB{models.FieldTitle: "x"}); !errors.Is(err, ErrValidation) {
		t.Errorf("empty repository: err = %v, want ErrValidation", err)
	}
	if _, err := applier.CreateLocal(ctx, "acme/api", "epic", models.JSONB{models.FieldTitle: "x"}); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown kind: err = %v, want ErrValidation", err)
	}
	if _, err := applier.CreateLocal(ctx, "acme/api", models.KindIssue, models.JSONB{}); !errors.Is(err, ErrValidation) {
		t.Errorf("missing title: err = %v, want ErrValidation", err)
	}
	if _, err := applier.CreateLocal(ctx, "acme/api", models.KindIssue, models.JSONB{
		models.FieldTitle: "x",
		"severity":        "low",
	}); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown field: err = %v, want ErrValidation", err)
	}
}

func TestMarkSynced(t *testing.T) {
	applier := newTestApplier(t)
	ctx := context.Background()

	entity, err := applier.CreateLocal(ctx, "acme/api", models.KindIssue, models.JSONB{
		models.FieldTitle: "push me",
	})
	if err != nil {
		t.Fatalf("CreateLocal: %v", err)
	}

	echo := issueRecord(42, "push me", time.Now())
	ok, err := applier.MarkSynced(ctx, entity, &echo)
	if err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}
	if !ok {
		t.Fatal("MarkSynced lost the CAS although nobody else wrote")
	}

	after, err := applier.Get(ctx, entity.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.RemoteNumber != 42 {
		t.Errorf("remote number = %d, want 42 from the push echo", after.RemoteNumber)
	}
	if after.LocalModified || len(after.LocalChanges) != 0 {
		t.Errorf("entity must be clean after push, dirty=%v changes=%v", after.LocalModified, after.LocalChanges)
	}
	if after.SyncVersion != entity.SyncVersion {
		t.Errorf("MarkSynced must not bump sync version, got %d", after.SyncVersion)
	}
}

func TestMarkSyncedLosesRace(t *testing.T) {
	applier := newTestApplier(t)
	ctx := context.Background()

	entity, err := applier.CreateLocal(ctx, "acme/api", models.KindIssue, models.JSONB{
		models.FieldTitle: "push me",
	})
	if err != nil {
		t.Fatalf("CreateLocal: %v", err)
	}

	// Concurrent local edit bumps the version while the push is in flight
	if _, err := applier.ApplyLocal(ctx, entity.ID, models.JSONB{models.FieldBody: "edited mid-push"}); err != nil {
		t.Fatalf("ApplyLocal: %v", err)
	}

	echo := issueRecord(42, "push me", time.Now())
	ok, err := applier.MarkSynced(ctx, entity, &echo)
	if err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}
	if ok {
		t.Fatal("MarkSynced must lose the CAS against a concurrent edit")
	}

	after, err := applier.Get(ctx, entity.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !after.LocalModified {
		t.Error("entity must stay dirty so the next push picks the edit up")
	}
	if after.Body != "edited mid-push" {
		t.Errorf("concurrent edit lost: body = %q", after.Body)
	}
}
