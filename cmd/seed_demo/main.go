package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/xelth-com/ecktrackgo/internal/config"
	"github.com/xelth-com/ecktrackgo/internal/database"
	"github.com/xelth-com/ecktrackgo/internal/models"
	"github.com/xelth-com/ecktrackgo/internal/services/tracker"
	"github.com/xelth-com/ecktrackgo/internal/sync"
	"github.com/xelth-com/ecktrackgo/internal/utils"
)

// Seeds a demo operator plus a handful of tracked entities so the API has
// something to show without tracker credentials. Safe to run twice.
func main() {
	fmt.Println("🌱 ecktrack Demo Data Seeder")
	fmt.Println("=" + string(make([]rune, 60)))

	// Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Connect to database
	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()

	fmt.Println("✅ Connected to database")
	fmt.Println()

	// Run migrations first
	fmt.Println("🔨 Running database migrations...")
	err = db.AutoMigrate(
		&models.UserAuth{},
		&models.TrackedEntity{},
		&models.SyncOperation{},
		&models.SyncConflict{},
		&models.WebhookEvent{},
	)
	if err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}

	repo := "demo/tracker"
	if len(cfg.Tracker.Repositories) > 0 {
		repo = cfg.Tracker.Repositories[0]
	}

	// 1. Demo operator
	var userCount int64
	db.DB.Model(&models.UserAuth{}).Where("username = ?", "demo").Count(&userCount)
	if userCount == 0 {
		hash, err := utils.HashPassword("demo123")
		if err != nil {
			log.Fatalf("❌ Failed to hash demo password: %v", err)
		}
		user := models.UserAuth{
			Username: "demo",
			Email:    "demo@example.com",
			Password: hash,
			Name:     "Demo Operator",
			Role:     "operator",
			IsActive: true,
		}
		if err := db.DB.Create(&user).Error; err != nil {
			log.Fatalf("❌ Failed to seed operator: %v", err)
		}
		fmt.Println("✅ Operator demo/demo123 created")
	} else {
		fmt.Println("⏭️  Operator already exists")
	}

	// 2. Remote-shaped entities, applied through the normal write path so
	// snapshots and versions look exactly like a real pull
	ctx := context.Background()
	resolver := sync.NewConflictResolver(db.DB, 5*time.Second)
	applier := sync.NewApplier(db.DB, resolver)

	now := time.Now().UTC().Add(-24 * time.Hour)
	due := now.Add(14 * 24 * time.Hour)
	records := []tracker.Record{
		{Kind: models.KindProject, Number: 1, NodeID: "demo-proj-1", Title: "Demo Board", Body: "Seeded project", State: "open", UpdatedAt: now},
		{Kind: models.KindMilestone, Number: 1, NodeID: "demo-mile-1", Title: "v1.0", Body: "First demo milestone", State: "open", DueOn: &due, UpdatedAt: now},
		{Kind: models.KindIssue, Number: 1, NodeID: "demo-issue-1", Title: "Login button misaligned", Body: "Seeded issue", State: "open", Labels: []string{"bug", "ui"}, UpdatedAt: now},
		{Kind: models.KindIssue, Number: 2, NodeID: "demo-issue-2", Title: "Export times out on big projects", Body: "Seeded issue", State: "open", Labels: []string{"bug"}, Assignees: []string{"demo"}, UpdatedAt: now},
		{Kind: models.KindIssue, Number: 3, NodeID: "demo-issue-3", Title: "Dark mode", Body: "Seeded feature request", State: "closed", Labels: []string{"enhancement"}, UpdatedAt: now},
	}

	applied := 0
	for _, rec := range records {
		if _, err := applier.ApplyRemote(ctx, repo, rec); err != nil {
			log.Fatalf("❌ Failed to apply %s #%d: %v", rec.Kind, rec.Number, err)
		}
		applied++
	}
	fmt.Printf("✅ Applied %d remote-shaped entities for %s\n", applied, repo)

	// 3. A dirty local edit and a draft, so the push path and the
	// modified=true filter have something to chew on
	var issue models.TrackedEntity
	err = db.DB.Where("repository = ? AND kind = ? AND remote_number = ?", repo, models.KindIssue, 2).
		First(&issue).Error
	if err != nil {
		log.Fatalf("❌ Lost seeded issue: %v", err)
	}
	if !issue.LocalModified {
		if _, err := applier.ApplyLocal(ctx, issue.ID, models.JSONB{"title": "Export times out on big projects (confirmed)"}); err != nil {
			log.Fatalf("❌ Failed to edit issue: %v", err)
		}
		fmt.Println("✅ Issue #2 edited locally (dirty)")
	}

	var draftCount int64
	db.DB.Model(&models.TrackedEntity{}).
		Where("repository = ? AND remote_number = 0", repo).Count(&draftCount)
	if draftCount == 0 {
		draft, err := applier.CreateLocal(ctx, repo, models.KindIssue, models.JSONB{
			"title": "Draft: collect feedback on seeded data",
			"body":  "Created locally, waiting for the next push",
		})
		if err != nil {
			log.Fatalf("❌ Failed to create draft: %v", err)
		}
		fmt.Printf("✅ Local draft #%d created\n", draft.ID)
	}

	// Summary
	var entities, dirty int64
	db.DB.Model(&models.TrackedEntity{}).Count(&entities)
	db.DB.Model(&models.TrackedEntity{}).Where("local_modified = ?", true).Count(&dirty)
	fmt.Println()
	fmt.Printf("📊 %d tracked entities, %d with pending local changes\n", entities, dirty)
	fmt.Println("Login with demo/demo123 and browse /api/entities")
}
