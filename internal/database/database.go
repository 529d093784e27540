package database

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/xelth-com/ecktrackgo/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	embeddedDataDir = "./data/postgres"
	embeddedPort    = 5433
	embeddedPass    = "postgres"
)

// DB is the gorm handle plus the embedded server process when one was started
type DB struct {
	*gorm.DB
	embedded *embeddedpostgres.EmbeddedPostgres
}

// Connect opens PostgreSQL. Localhost with an empty password means zero-config
// mode: an embedded server is started under embeddedDataDir and the connection
// is pointed at it.
func Connect(cfg config.DatabaseConfig) (*DB, error) {
	var embedded *embeddedpostgres.EmbeddedPostgres
	password := cfg.Password

	if cfg.Host == "localhost" && cfg.Password == "" {
		log.Println("📦 Mode: [Embedded PostgreSQL] - Initializing internal database...")

		var err error
		embedded, err = startEmbedded(cfg)
		if err != nil {
			return nil, err
		}
		cfg.Port = strconv.Itoa(embeddedPort)
		password = embeddedPass
	} else {
		log.Printf("🌐 Mode: [External PostgreSQL] - Connecting to %s:%s", cfg.Host, cfg.Port)
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.Username, password, cfg.Database)

	logLevel := logger.Warn
	if cfg.Alter {
		logLevel = logger.Info
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		// Surface dialect errors as gorm sentinels (ErrDuplicatedKey)
		TranslateError: true,
	})
	if err != nil {
		if embedded != nil {
			_ = embedded.Stop()
		}
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		// One engine worker, one webhook worker and the API handlers;
		// the pool stays small
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	log.Println("✅ Database connection established")
	return &DB{DB: db, embedded: embedded}, nil
}

// startEmbedded reaps leftovers of a crashed run, waits for the port and
// boots the embedded server
func startEmbedded(cfg config.DatabaseConfig) (*embeddedpostgres.EmbeddedPostgres, error) {
	reapStalePostmaster()

	if err := awaitPortFree(embeddedPort, 3*time.Second); err != nil {
		return nil, err
	}

	embedded := embeddedpostgres.NewDatabase(embeddedpostgres.DefaultConfig().
		DataPath(embeddedDataDir).
		Port(uint32(embeddedPort)).
		Database(cfg.Database).
		Username(cfg.Username).
		Password(embeddedPass))

	if err := embedded.Start(); err != nil {
		return nil, fmt.Errorf("start embedded database: %w", err)
	}
	log.Printf("✅ Embedded PostgreSQL process started on port %d", embeddedPort)
	return embedded, nil
}

// reapStalePostmaster handles the postmaster.pid a crashed run leaves behind:
// dead owner, remove the file; live owner, stop the orphan first
func reapStalePostmaster() {
	pidFile := filepath.Join(embeddedDataDir, "postmaster.pid")

	data, err := os.ReadFile(pidFile)
	if err != nil {
		return
	}

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	if !scanner.Scan() {
		return
	}
	pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		log.Printf("⚠️  Unreadable postmaster.pid, leaving it alone: %v", err)
		return
	}

	// FindProcess always succeeds on Unix; signal 0 probes liveness
	proc, err := os.FindProcess(pid)
	if err != nil || proc.Signal(syscall.Signal(0)) != nil {
		log.Printf("🧹 Removing stale postmaster.pid (PID %d is gone)", pid)
		os.Remove(pidFile)
		return
	}

	log.Printf("⚠️  Orphaned PostgreSQL process (PID %d), stopping it...", pid)
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		log.Printf("⚠️  SIGTERM to PID %d failed: %v", pid, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(500 * time.Millisecond)
		if proc.Signal(syscall.Signal(0)) != nil {
			log.Printf("✅ Orphaned PostgreSQL process stopped")
			os.Remove(pidFile)
			return
		}
	}

	log.Printf("⚠️  PID %d ignored SIGTERM, killing it", pid)
	proc.Kill()
	time.Sleep(500 * time.Millisecond)
	os.Remove(pidFile)
}

// awaitPortFree waits for a listener on the port to go away
func awaitPortFree(port int, wait time.Duration) error {
	probe := func() bool {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}

	if !probe() {
		return nil
	}
	log.Printf("⚠️  Port %d still in use, waiting for release...", port)

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		time.Sleep(500 * time.Millisecond)
		if !probe() {
			return nil
		}
	}
	return fmt.Errorf("port %d is held by another process", port)
}

// Close shuts the pool down and stops the embedded server when one is running
func (db *DB) Close() error {
	if db.embedded != nil {
		log.Println("🛑 Stopping Embedded PostgreSQL process...")
		_ = db.embedded.Stop()
	}

	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AutoMigrate triggers GORM schema synchronization
func (db *DB) AutoMigrate(models ...interface{}) error {
	return db.DB.AutoMigrate(models...)
}
