// Package store is the Job Store: the durable queue, the delivery and
// review-key dedup tables, and the fix-iteration ledger, all backed by
// GORM over a single-writer SQLite connection.
package store

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/CREVIOS/agentloop/pkg/models"
)

// Connect opens the SQLite database at path, enables WAL so ingress reads
// never block on the worker's writes, pins the pool to a single connection
// to match SQLite's single-writer model, and runs migrations.
func Connect(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("DATABASE_PATH is required")
	}

	dsn := path + "?_journal_mode=WAL&_foreign_keys=on"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(
		&models.Job{},
		&models.Delivery{},
		&models.Iteration{},
		&models.ReviewKey{},
	); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate: %w", err)
	}

	return db, nil
}
