package database

import (
	"fmt"

	"github.com/bodegapos/backend/internal/compaction"
	"github.com/bodegapos/backend/internal/conflict"
	"github.com/bodegapos/backend/internal/eventlog"
	"github.com/bodegapos/backend/internal/outbox"
	"github.com/bodegapos/backend/internal/readmodel"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&eventlog.Event{},
		&outbox.Entry{},
		&compaction.Snapshot{},
		&conflict.AuditEntry{},
		&conflict.PendingConflict{},
		&readmodel.CashSession{},
		&readmodel.ProductPrice{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
