package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/bodegapos/backend/internal/eventlog"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsIdempotencyKeys(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&eventlog.Event{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := eventlog.Event{
		EventID:          "evt-legacy",
		IdempotencyKey:   "",
		StoreID:          "store-1",
		DeviceID:         "caja-1",
		Seq:              1,
		Type:             "ProductCreated",
		SchemaVersion:    1,
		ActorUserID:      "user-1",
		ActorRole:        "cashier",
		CreatedAtMillis:  1700000000000,
		ReceivedAt:       time.Unix(1700000001, 0).UTC(),
		PayloadJSON:      `{"product_id":"prod-1","name":"Harina PAN","price_bs":180,"price_usd":2.5,"is_active":true}`,
		VectorClock:      "caja-1:1",
		EntityType:       "product",
		EntityID:         "prod-1",
		ConflictStatus:   "resolved",
		ProjectionStatus: "processed",
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert legacy event: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored eventlog.Event
	if err := database.Where("event_id = ?", "evt-legacy").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload event: %v", err)
	}
	if stored.IdempotencyKey != "evt-legacy" {
		testContext.Fatalf("expected idempotency key to mirror event id, got %q", stored.IdempotencyKey)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillIdempotencyKeys).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}
