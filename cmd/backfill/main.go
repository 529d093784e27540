package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xelth-com/ecktrackgo/internal/config"
	"github.com/xelth-com/ecktrackgo/internal/database"
	"github.com/xelth-com/ecktrackgo/internal/models"
	"github.com/xelth-com/ecktrackgo/internal/ratelimit"
	"github.com/xelth-com/ecktrackgo/internal/services/tracker"
	"github.com/xelth-com/ecktrackgo/internal/sync"
)

func main() {
	repo := flag.String("repo", "", "repository to import (owner/name), defaults to the first configured one")
	kind := flag.String("kind", models.OpKindFull, "what to import: projects, issues, milestones or full")
	timeout := flag.Duration("timeout", 30*time.Minute, "give up after this long")
	flag.Parse()

	fmt.Println("📥 ecktrack Backfill")
	fmt.Println("=" + string(make([]rune, 60)))

	// Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	if *repo == "" {
		if len(cfg.Tracker.Repositories) == 0 {
			log.Fatal("❌ No repository given and TRACKER_REPOSITORIES is empty")
		}
		*repo = cfg.Tracker.Repositories[0]
	}

	// Connect to database
	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()

	err = db.AutoMigrate(
		&models.TrackedEntity{},
		&models.SyncOperation{},
		&models.SyncConflict{},
		&models.WebhookEvent{},
	)
	if err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}

	// Remote client behind the quota limiter
	syncCfg := config.LoadSyncConfig()
	limiter := ratelimit.New(syncCfg.QuotaCapacity, syncCfg.QuotaWindow())
	client, err := tracker.NewClient(cfg.Tracker.Token, cfg.Tracker.BaseURL, limiter)
	if err != nil {
		log.Fatalf("❌ Tracker client: %v", err)
	}

	// Scheduler off, this run is driven here
	syncCfg.PollIntervalSeconds = 0
	syncCfg.SyncOnStartup = false

	engine := sync.NewEngine(db.DB, syncCfg, client, []string{*repo})
	if err := engine.Start(); err != nil {
		log.Fatalf("❌ Engine: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	op, err := engine.ExecuteSync(ctx, *repo, *kind, models.DirectionFromRemote, models.InitiatorAPI)
	if err != nil {
		log.Fatalf("❌ Could not queue the import: %v", err)
	}
	fmt.Printf("🔄 Importing %s (%s), operation %s\n", *repo, *kind, op.ID)

	// Ctrl-C leaves the operation resumable through its cursor
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	start := time.Now()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	lastProcessed := -1
	for {
		select {
		case <-interrupt:
			fmt.Println("\n⚠️  Interrupted, the next run resumes from the saved cursor")
			engine.Stop()
			os.Exit(1)
		case <-ctx.Done():
			fmt.Println("\n⚠️  Timed out, the next run resumes from the saved cursor")
			engine.Stop()
			os.Exit(1)
		case <-ticker.C:
		}

		current, err := engine.Status(context.Background(), op.ID)
		if err != nil {
			log.Fatalf("❌ Lost track of the operation: %v", err)
		}
		if current.RecordsProcessed != lastProcessed {
			lastProcessed = current.RecordsProcessed
			fmt.Printf("   … %d records\n", lastProcessed)
		}
		if !current.IsTerminal() {
			continue
		}

		engine.Stop()
		fmt.Println()
		fmt.Printf("   Status:     %s\n", current.Status)
		fmt.Printf("   Processed:  %d\n", current.RecordsProcessed)
		fmt.Printf("   Failed:     %d\n", current.RecordsFailed)
		fmt.Printf("   Duration:   %s\n", time.Since(start).Round(time.Second))

		var conflicts int64
		db.DB.Model(&models.SyncConflict{}).
			Where("repository = ? AND status = ?", *repo, models.ConflictStatusPending).
			Count(&conflicts)
		if conflicts > 0 {
			fmt.Printf("   ⚠️ %d pending conflicts need manual resolution\n", conflicts)
		}

		if current.Status != models.OpStatusCompleted {
			if current.ErrorDetail != nil {
				fmt.Printf("   Error:      [%s] %s\n", current.ErrorCode, *current.ErrorDetail)
			}
			os.Exit(1)
		}
		fmt.Println("✅ Backfill complete")
		return
	}
}
