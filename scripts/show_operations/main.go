package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/xelth-com/ecktrackgo/internal/models"
)

// Prints the recent sync operations and any pending conflicts. Handy when
// a repository stops syncing and the API is down.
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

	var ops []models.SyncOperation
	if err := db.Order("created_at DESC").Limit(20).Find(&ops).Error; err != nil {
		log.Fatal("Failed to load operations:", err)
	}

	fmt.Println("📊 Recent sync operations")
	fmt.Printf("%-36s  %-22s  %-10s  %-13s  %-9s  %8s  %6s\n",
		"ID", "REPOSITORY", "KIND", "DIRECTION", "STATUS", "RECORDS", "FAILED")
	for _, op := range ops {
		fmt.Printf("%-36s  %-22s  %-10s  %-13s  %-9s  %8d  %6d\n",
			op.ID, op.Repository, op.Kind, op.Direction, op.Status,
			op.RecordsProcessed, op.RecordsFailed)
		if op.ErrorCode != "" && op.ErrorDetail != nil {
			fmt.Printf("    ↳ [%s] %s\n", op.ErrorCode, *op.ErrorDetail)
		}
	}
	if len(ops) == 0 {
		fmt.Println("   (none)")
	}

	var conflicts []models.SyncConflict
	err = db.Where("status = ?", models.ConflictStatusPending).
		Order("created_at ASC").Limit(50).Find(&conflicts).Error
	if err != nil {
		log.Fatal("Failed to load conflicts:", err)
	}

	fmt.Println()
	fmt.Printf("⚖️  Pending conflicts: %d\n", len(conflicts))
	for _, c := range conflicts {
		age := time.Since(c.CreatedAt).Round(time.Minute)
		fmt.Printf("   #%d  entity %d  %-20s  fields %v  age %s\n",
			c.ID, c.EntityID, c.ConflictType, c.ConflictingFields, age)
	}
	if len(conflicts) > 0 {
		fmt.Println("Resolve with: curl -X POST http://localhost:3001/api/sync/conflicts/{id}/resolve")
	}
}
