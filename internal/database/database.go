package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"realtime-service/internal/config"
	"realtime-service/internal/domain"
)

var (
	globalDB *gorm.DB
	dbMutex  sync.RWMutex
)

// GetDB returns the current database connection (nil until connected)
func GetDB() *gorm.DB {
	dbMutex.RLock()
	defer dbMutex.RUnlock()
	return globalDB
}

// SetDB sets the global database connection
func SetDB(db *gorm.DB) {
	dbMutex.Lock()
	defer dbMutex.Unlock()
	globalDB = db
}

// IsConnected returns true if database is connected
func IsConnected() bool {
	db := GetDB()
	if db == nil {
		return false
	}
	sqlDB, err := db.DB()
	if err != nil {
		return false
	}
	return sqlDB.Ping() == nil
}

// NewAsync connects in the background and retries until it succeeds or ctx ends.
// onReady runs once with the migrated connection.
func NewAsync(ctx context.Context, cfg *config.Config, log *zap.Logger, onReady func(*gorm.DB)) {
	retryInterval := time.Duration(cfg.Database.RetryInterval) * time.Second
	if retryInterval <= 0 {
		retryInterval = 5 * time.Second
	}

	go func() {
		for {
			db, err := NewDB(cfg)
			if err == nil {
				SetDB(db)
				log.Info("✅ Database connected and migrated")
				if onReady != nil {
					onReady(db)
				}
				return
			}
			log.Warn("⚠️  Database connection failed, retrying",
				zap.Duration("retry_in", retryInterval),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryInterval):
			}
		}
	}()
}

func NewDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	logLevel := logger.Silent
	if cfg.Server.Env == "dev" || cfg.Server.Env == "development" {
		logLevel = logger.Info
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.URL), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	createIndexes(db)

	return db, nil
}

// AutoMigrate creates the realtime tables
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.MessageRecord{},
		&domain.Notification{},
	)
}

func createIndexes(db *gorm.DB) {
	// Composite index for notifications list query
	db.Exec(`CREATE INDEX IF NOT EXISTS idx_notifications_user_workspace_created
		ON notifications (user_id, workspace_id, created_at DESC)`)

	// Index for cleanup queries
	db.Exec(`CREATE INDEX IF NOT EXISTS idx_notifications_read_created
		ON notifications (is_read, created_at)`)

	// History pages walk (created_at, id) backwards
	db.Exec(`CREATE INDEX IF NOT EXISTS idx_realtime_messages_page
		ON realtime_messages (workspace_id, channel, created_at DESC, id DESC)`)
}
