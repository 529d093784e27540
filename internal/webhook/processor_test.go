package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/xelth-com/ecktrackgo/internal/config"
	"github.com/xelth-com/ecktrackgo/internal/models"
	"github.com/xelth-com/ecktrackgo/internal/sync"
)

const testSecret = "s3cret"

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&models.TrackedEntity{},
		&models.WebhookEvent{},
		&models.SyncConflict{},
	)
	if err != nil {
		t.Fatalf("migrate test schema: %v", err)
	}
	return db
}

func newTestProcessor(t *testing.T) (*gorm.DB, *Processor) {
	t.Helper()
	db := openTestDB(t)
	applier := sync.NewApplier(db, sync.NewConflictResolver(db, 5*time.Second))
	cfg := &config.SyncConfig{
		MaxRetries:              3,
		RetryBaseDelayMs:        1,
		WebhookBacklogThreshold: 2,
	}
	return db, NewProcessor(db, applier, cfg, testSecret)
}

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func issuesBody(action string, number int, title string) []byte {
	return []byte(fmt.Sprintf(`{
		"action": %q,
		"issue": {
			"number": %d,
			"node_id": "I_node%d",
			"title": %q,
			"body": "from webhook",
			"state": "open",
			"updated_at": "2026-08-25T10:00:00Z"
		},
		"repository": {"full_name": "acme/api"}
	}`, action, number, number, title))
}

func reloadEvent(t *testing.T, db *gorm.DB, id uint) *models.WebhookEvent {
	t.Helper()
	var event models.WebhookEvent
	if err := db.First(&event, id).Error; err != nil {
		t.Fatalf("reload event: %v", err)
	}
	return &event
}

func TestIngestRejectsBadSignature(t *testing.T) {
	db, p := newTestProcessor(t)
	ctx := context.Background()

	body := issuesBody("opened", 1, "x")
	_, err := p.Ingest(ctx, "d-1", "issues", "sha256=deadbeef", body)
	if !errors.Is(err, ErrSignature) {
		t.Fatalf("err = %v, want ErrSignature", err)
	}

	var count int64
	if err := db.Model(&models.WebhookEvent{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("rejected delivery must not be stored, rows = %d", count)
	}
}

func TestIngestStoresAndDedupes(t *testing.T) {
	db, p := newTestProcessor(t)
	ctx := context.Background()

	body := issuesBody("opened", 12, "Crash on save")
	event, err := p.Ingest(ctx, "d-12", "issues", signBody(body), body)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if event.Status != models.WebhookStatusPending {
		t.Errorf("status = %q, want pending", event.Status)
	}
	if event.Action != "opened" || event.Repository != "acme/api" {
		t.Errorf("routing fields: action=%q repository=%q", event.Action, event.Repository)
	}

	replay, err := p.Ingest(ctx, "d-12", "issues", signBody(body), body)
	if err != nil {
		t.Fatalf("replay Ingest: %v", err)
	}
	if replay.ID != event.ID {
		t.Errorf("replay produced event %d, want the stored %d", replay.ID, event.ID)
	}

	var count int64
	if err := db.Model(&models.WebhookEvent{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("stored deliveries = %d, want 1", count)
	}
}

func TestIngestValidates(t *testing.T) {
	_, p := newTestProcessor(t)
	ctx := context.Background()

	body := issuesBody("opened", 1, "x")
	if _, err := p.Ingest(ctx, "", "issues", signBody(body), body); !errors.Is(err, sync.ErrValidation) {
		t.Errorf("missing delivery id: err = %v, want ErrValidation", err)
	}
	if _, err := p.Ingest(ctx, "d-2", "", signBody(body), body); !errors.Is(err, sync.ErrValidation) {
		t.Errorf("missing event type: err = %v, want ErrValidation", err)
	}
}

func TestProcessAppliesIssueEvent(t *testing.T) {
	db, p := newTestProcessor(t)
	ctx := context.Background()

	body := issuesBody("opened", 12, "Crash on save")
	event, err := p.Ingest(ctx, "d-12", "issues", signBody(body), body)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	p.process(event.ID)

	done := reloadEvent(t, db, event.ID)
	if done.Status != models.WebhookStatusProcessed {
		t.Fatalf("status = %q, want processed (error %v)", done.Status, done.ErrorMessage)
	}
	if done.ProcessedAt == nil {
		t.Error("processed_at must be set")
	}

	var entity models.TrackedEntity
	err = db.Where("repository = ? AND kind = ? AND remote_number = ?", "acme/api", models.KindIssue, 12).
		First(&entity).Error
	if err != nil {
		t.Fatalf("entity not created: %v", err)
	}
	if entity.Title != "Crash on save" {
		t.Errorf("title = %q", entity.Title)
	}
}

func TestProcessIgnoresUntrackedTypes(t *testing.T) {
	db, p := newTestProcessor(t)
	ctx := context.Background()

	body := []byte(`{"zen": "Design for failure."}`)
	event, err := p.Ingest(ctx, "d-ping", "team_add", signBody(body), body)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	p.process(event.ID)

	done := reloadEvent(t, db, event.ID)
	if done.Status != models.WebhookStatusIgnored {
		t.Errorf("status = %q, want ignored", done.Status)
	}
	if done.ErrorMessage == nil {
		t.Error("ignored deliveries must carry the reason")
	}
}

func TestProcessAnswersPing(t *testing.T) {
	db, p := newTestProcessor(t)
	ctx := context.Background()

	body := []byte(`{"zen": "Keep it simple.", "hook_id": 1}`)
	event, err := p.Ingest(ctx, "d-ping", "ping", signBody(body), body)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	p.process(event.ID)

	if done := reloadEvent(t, db, event.ID); done.Status != models.WebhookStatusProcessed {
		t.Errorf("status = %q, want processed", done.Status)
	}
}

func TestProcessIgnoresPullRequests(t *testing.T) {
	db, p := newTestProcessor(t)
	ctx := context.Background()

	body := []byte(`{
		"action": "opened",
		"issue": {
			"number": 9,
			"node_id": "PR_node9",
			"title": "Add retry",
			"state": "open",
			"updated_at": "2026-08-25T10:00:00Z",
			"pull_request": {"url": "https://tracker.example/pulls/9"}
		},
		"repository": {"full_name": "acme/api"}
	}`)
	event, err := p.Ingest(ctx, "d-pr", "issues", signBody(body), body)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	p.process(event.ID)

	if done := reloadEvent(t, db, event.ID); done.Status != models.WebhookStatusIgnored {
		t.Errorf("status = %q, want ignored for pull requests", done.Status)
	}

	var count int64
	if err := db.Model(&models.TrackedEntity{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("pull request created %d entities", count)
	}
}

func TestProcessIgnoresRemoteDeletion(t *testing.T) {
	db, p := newTestProcessor(t)
	ctx := context.Background()

	body := issuesBody("deleted", 4, "going away")
	event, err := p.Ingest(ctx, "d-del", "issues", signBody(body), body)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	p.process(event.ID)

	if done := reloadEvent(t, db, event.ID); done.Status != models.WebhookStatusIgnored {
		t.Errorf("status = %q, want ignored", done.Status)
	}

	var count int64
	if err := db.Model(&models.TrackedEntity{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("deletion event created %d entities", count)
	}
}

func TestProcessRetriesThenDeadLetters(t *testing.T) {
	db, p := newTestProcessor(t)
	ctx := context.Background()

	body := issuesBody("opened", 3, "flaky")
	event, err := p.Ingest(ctx, "d-retry", "issues", signBody(body), body)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	// Break the write path so every apply fails transiently
	if err := db.Migrator().DropTable(&models.TrackedEntity{}); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	p.process(event.ID)
	failed := reloadEvent(t, db, event.ID)
	if failed.Status != models.WebhookStatusFailed {
		t.Fatalf("status = %q, want failed", failed.Status)
	}
	if failed.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", failed.RetryCount)
	}
	if failed.NextRetryAt == nil {
		t.Fatal("failed delivery must schedule a retry")
	}

	// Elapsed backoff puts the delivery back into the queue
	past := time.Now().UTC().Add(-time.Minute)
	if err := db.Model(&models.WebhookEvent{}).Where("id = ?", event.ID).Update("next_retry_at", past).Error; err != nil {
		t.Fatalf("age retry: %v", err)
	}
	p.enqueueDue()
	if requeued := reloadEvent(t, db, event.ID); requeued.Status != models.WebhookStatusPending {
		t.Fatalf("status = %q, want pending after the backoff elapsed", requeued.Status)
	}

	// Exhaust the remaining attempts
	p.process(event.ID)
	if err := db.Model(&models.WebhookEvent{}).Where("id = ?", event.ID).Update("status", models.WebhookStatusPending).Error; err != nil {
		t.Fatalf("requeue: %v", err)
	}
	p.process(event.ID)

	dead := reloadEvent(t, db, event.ID)
	if dead.Status != models.WebhookStatusIgnored {
		t.Fatalf("status = %q, want ignored dead letter", dead.Status)
	}
	if dead.RetryCount != 3 {
		t.Errorf("retry_count = %d, want 3", dead.RetryCount)
	}
	if dead.NextRetryAt != nil {
		t.Error("dead letters must not be rescheduled")
	}
	if dead.ErrorMessage == nil {
		t.Error("dead letters must keep the last error")
	}
}

type fakeRequester struct {
	repos []string
}

func (f *fakeRequester) RequestPull(repository string) {
	f.repos = append(f.repos, repository)
}

func TestBacklogRequestsPull(t *testing.T) {
	db, p := newTestProcessor(t)
	requester := &fakeRequester{}
	p.SetSyncRequester(requester)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		body := issuesBody("opened", 100+i, "queued")
		if _, err := p.Ingest(ctx, fmt.Sprintf("d-bl-%d", i), "issues", signBody(body), body); err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
	}

	p.checkBacklog()

	if len(requester.repos) != 1 || requester.repos[0] != "acme/api" {
		t.Errorf("requested pulls = %v, want one for acme/api", requester.repos)
	}

	// The watchdog only asks for a pull, the deliveries themselves stay queued
	var pending int64
	err := db.Model(&models.WebhookEvent{}).
		Where("status = ?", models.WebhookStatusPending).
		Count(&pending).Error
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending != 3 {
		t.Errorf("pending deliveries = %d, want 3 after the backlog check", pending)
	}
}
