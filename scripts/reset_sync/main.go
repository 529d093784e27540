package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Clears saved cursors and drops queued operations so the next sync run
// re-imports from the beginning. Pass a repository to limit the reset:
//
//	go run ./scripts/reset_sync acme/api
func main() {
	// Load .env
	godotenv.Load()

	// Build connection string
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		os.Getenv("PG_HOST"),
		os.Getenv("PG_PORT"),
		os.Getenv("PG_USERNAME"),
		os.Getenv("PG_PASSWORD"),
		os.Getenv("PG_DATABASE"),
	)

	// Connect to database
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	scope := ""
	args := []interface{}{}
	if len(os.Args) > 1 {
		scope = " AND repository = ?"
		args = append(args, os.Args[1])
		log.Printf("Resetting sync state for %s", os.Args[1])
	} else {
		log.Println("Resetting sync state for all repositories")
	}

	// Drop operations that never finished; they would block new triggers
	result := db.Exec("DELETE FROM sync_operations WHERE completed_at IS NULL"+scope, args...)
	if result.Error != nil {
		log.Fatal("Failed to drop queued operations:", result.Error)
	}
	log.Printf("✅ Dropped %d queued/running operations", result.RowsAffected)

	// Wipe the cursors on finished operations - the watermark comes from
	// the latest completed one, an empty cursor means "since the epoch"
	result = db.Exec("UPDATE sync_operations SET cursor = '' WHERE cursor <> ''"+scope, args...)
	if result.Error != nil {
		log.Fatal("Failed to clear cursors:", result.Error)
	}
	log.Printf("✅ Cleared %d saved cursors. Rows affected: %d", result.RowsAffected, result.RowsAffected)

	if result.RowsAffected == 0 {
		log.Println("⚠️  No cursors found - this is normal before the first sync")
	}
	log.Println("Now trigger a full import: curl -X POST http://localhost:3001/api/sync/trigger")
}
