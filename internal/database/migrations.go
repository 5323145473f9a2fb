package database

import (
	"errors"
	"time"

	"github.com/bodegapos/backend/internal/eventlog"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillIdempotencyKeys = "2026-07-21_backfill_idempotency_keys"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillIdempotencyKeys, apply: backfillIdempotencyKeys},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillIdempotencyKeys mirrors event_id into rows written before the
// idempotency key became mandatory, so the unique constraint holds for
// the whole log.
func backfillIdempotencyKeys(db *gorm.DB) error {
	return db.Model(&eventlog.Event{}).
		Where("idempotency_key = ''").
		Update("idempotency_key", gorm.Expr("event_id")).Error
}
