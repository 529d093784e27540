package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xelth-com/ecktrackgo/internal/buildinfo"
	"github.com/xelth-com/ecktrackgo/internal/config"
	"github.com/xelth-com/ecktrackgo/internal/database"
	"github.com/xelth-com/ecktrackgo/internal/handlers"
	"github.com/xelth-com/ecktrackgo/internal/models"
	"github.com/xelth-com/ecktrackgo/internal/ratelimit"
	"github.com/xelth-com/ecktrackgo/internal/services/tracker"
	"github.com/xelth-com/ecktrackgo/internal/sync"
	"github.com/xelth-com/ecktrackgo/internal/utils"
	"github.com/xelth-com/ecktrackgo/internal/webhook"
	"github.com/xelth-com/ecktrackgo/internal/websocket"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Initialize database (Detects Embedded vs External automatically)
	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	// Note: db.Close() is called manually in shutdown handler below

	// 3. Auto-Migrate Schema (Critical for Zero-Config)
	log.Println("🚀 Synchronizing database schema...")
	err = db.AutoMigrate(
		&models.UserAuth{},
		&models.TrackedEntity{},
		&models.SyncOperation{},
		&models.SyncConflict{},
		&models.WebhookEvent{},
	)
	if err != nil {
		log.Printf("⚠️ Migration warning: %v\n", err)
	} else {
		log.Println("✅ Schema synchronized successfully")
	}

	// 4. Seed the configured operator account
	seedOperator(db)

	// 5. Quota-aware remote client
	syncCfg := config.LoadSyncConfig()
	limiter := ratelimit.New(syncCfg.QuotaCapacity, syncCfg.QuotaWindow())

	var remote sync.Remote
	client, err := tracker.NewClient(cfg.Tracker.Token, cfg.Tracker.BaseURL, limiter)
	if err != nil {
		log.Printf("⚠️ Tracker client unavailable: %v (sync stays offline)", err)
	} else {
		remote = client
	}

	if len(cfg.Tracker.Repositories) == 0 {
		log.Println("⚠️ TRACKER_REPOSITORIES is empty, nothing will be scheduled")
	}

	// 6. Realtime event hub
	hub := websocket.NewHub()
	go hub.Run()

	// 7. Sync engine
	log.Println("🔄 Initializing sync engine...")
	engine := sync.NewEngine(db.DB, syncCfg, remote, cfg.Tracker.Repositories)
	engine.SetEventPublisher(hub)

	if syncCfg.Enabled && remote != nil {
		if err := engine.Start(); err != nil {
			log.Printf("⚠️ Sync engine failed to start: %v", err)
		}
		// Re-queue operations interrupted by the previous shutdown
		if err := engine.RecoverInterrupted(context.Background()); err != nil {
			log.Printf("⚠️ Recovery scan failed: %v", err)
		}
	} else {
		log.Println("⏸️ Sync engine idle (disabled or no tracker credentials)")
	}

	// 8. Webhook processor
	if cfg.Tracker.WebhookSecret == "" {
		log.Println("⚠️ TRACKER_WEBHOOK_SECRET is empty, webhook signatures cannot be verified")
	}
	processor := webhook.NewProcessor(db.DB, engine.Applier(), syncCfg, cfg.Tracker.WebhookSecret)
	processor.SetSyncRequester(engine)
	processor.SetEventPublisher(hub)
	if err := processor.Start(); err != nil {
		log.Printf("⚠️ Webhook processor failed to start: %v", err)
	}

	// 9. HTTP router
	router := handlers.NewRouter(db.DB, cfg, engine, processor, limiter, hub)

	// 10. Start server with graceful shutdown
	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Channel to listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Start server in goroutine
	go func() {
		log.Printf("🚀 ecktrack %s starting on port %s (%d repositories)\n",
			buildinfo.CommitHash, cfg.Port, len(cfg.Tracker.Repositories))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for shutdown signal
	sig := <-shutdown
	log.Printf("\n⚠️  Received signal: %v. Shutting down gracefully...\n", sig)

	// Create context with timeout for graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown HTTP server
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	// Stop the webhook processor, then the engine. Interrupted operations
	// stay resumable through their cursors.
	processor.Stop()
	engine.Stop()

	// Close database (this also stops embedded PostgreSQL)
	log.Println("🛑 Closing database connection...")
	if err := db.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}

	log.Println("✅ Shutdown complete")
}

// seedOperator creates the operator account named in the environment when
// it does not exist yet. Without one the API has no login.
func seedOperator(db *database.DB) {
	username := os.Getenv("ADMIN_USERNAME")
	password := os.Getenv("ADMIN_PASSWORD")
	if username == "" || password == "" {
		return
	}

	var count int64
	db.DB.Model(&models.UserAuth{}).Where("username = ?", username).Count(&count)
	if count > 0 {
		return
	}

	hash, err := utils.HashPassword(password)
	if err != nil {
		log.Printf("⚠️ Could not hash operator password: %v", err)
		return
	}

	user := models.UserAuth{
		Username: username,
		Email:    os.Getenv("ADMIN_EMAIL"),
		Password: hash,
		Role:     "admin",
		IsActive: true,
	}
	if user.Email == "" {
		user.Email = username + "@localhost"
	}

	if err := db.DB.Create(&user).Error; err != nil {
		log.Printf("⚠️ Could not seed operator account: %v", err)
		return
	}
	log.Printf("✅ Operator account %q created", username)
}
