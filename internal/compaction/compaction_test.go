package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/bodegapos/backend/internal/crdt"
	"github.com/bodegapos/backend/internal/eventlog"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequentialIDProvider struct {
	next int
}

func (p *sequentialIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("snap-%d", p.next), nil
}

func mustCompactionDB(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", testContext.Name())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(&eventlog.Event{}, &Snapshot{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func mustCompactor(testContext *testing.T, database *gorm.DB, now time.Time) *Compactor {
	testContext.Helper()
	compactor, err := NewCompactor(CompactorConfig{
		Database:   database,
		IDProvider: &sequentialIDProvider{},
		Clock: func() time.Time {
			return now
		},
	})
	if err != nil {
		testContext.Fatalf("failed to create compactor: %v", err)
	}
	return compactor
}

func seedEntityEvent(testContext *testing.T, database *gorm.DB, eventID, entityType, entityID, payload string, createdAtMillis int64, receivedAt time.Time) {
	testContext.Helper()
	event := eventlog.Event{
		EventID:          eventID,
		IdempotencyKey:   eventID,
		StoreID:          "store-1",
		DeviceID:         "caja-1",
		Seq:              createdAtMillis,
		Type:             "ProductUpdated",
		SchemaVersion:    1,
		ActorUserID:      "user-1",
		ActorRole:        "cashier",
		CreatedAtMillis:  createdAtMillis,
		ReceivedAt:       receivedAt,
		PayloadJSON:      payload,
		VectorClock:      fmt.Sprintf("caja-1:%d", createdAtMillis),
		EntityType:       entityType,
		EntityID:         entityID,
		ConflictStatus:   string(eventlog.ConflictStatusResolved),
		ProjectionStatus: string(eventlog.ProjectionStatusProcessed),
	}
	if err := database.Create(&event).Error; err != nil {
		testContext.Fatalf("failed to seed event: %v", err)
	}
}

func TestCompactOnceFoldsProductHistoryIntoLWWSnapshot(t *testing.T) {
	database := mustCompactionDB(t)
	now := time.Unix(1700100000, 0).UTC()
	receivedAt := now.Add(-time.Hour)

	seedEntityEvent(t, database, "evt-1", "product", "prod-1", `{"product_id":"prod-1","patch":{"name":"Harina PAN"}}`, 1000, receivedAt)
	seedEntityEvent(t, database, "evt-2", "product", "prod-1", `{"product_id":"prod-1","patch":{"price_usd":2.8}}`, 2000, receivedAt)

	compactor := mustCompactor(t, database, now)
	compacted, err := compactor.CompactOnce(context.Background())
	if err != nil {
		t.Fatalf("compact failed: %v", err)
	}
	if compacted != 1 {
		t.Fatalf("compacted = %d, want 1", compacted)
	}

	var snapshot Snapshot
	if err := database.Where("entity_id = ?", "prod-1").Take(&snapshot).Error; err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
	if snapshot.Strategy != string(crdt.StrategyLWW) {
		t.Fatalf("strategy = %s, want lww", snapshot.Strategy)
	}
	if snapshot.Version != 2000 {
		t.Fatalf("version = %d, want 2000", snapshot.Version)
	}
	if snapshot.EventCount != 2 {
		t.Fatalf("event_count = %d, want 2", snapshot.EventCount)
	}
	if snapshot.Hash != crdt.HashState([]byte(snapshot.StateJSON)) {
		t.Fatalf("stored hash must match stored state")
	}

	var register crdt.LWWRegister
	if err := json.Unmarshal([]byte(snapshot.StateJSON), &register); err != nil {
		t.Fatalf("state is not a register: %v", err)
	}
	if register.Timestamp != 2000 {
		t.Fatalf("lww fold must keep the latest write, got timestamp %d", register.Timestamp)
	}

	// A second pass with no new events must not move the snapshot.
	compacted, err = compactor.CompactOnce(context.Background())
	if err != nil {
		t.Fatalf("second compact failed: %v", err)
	}
	if compacted != 0 {
		t.Fatalf("idle pass compacted %d entities, want 0", compacted)
	}
}

func TestCompactOnceAdvancesExistingSnapshot(t *testing.T) {
	database := mustCompactionDB(t)
	now := time.Unix(1700100000, 0).UTC()
	receivedAt := now.Add(-time.Hour)

	seedEntityEvent(t, database, "evt-1", "inventory_movement", "prod-1", `{"qty_delta":5}`, 1000, receivedAt)
	compactor := mustCompactor(t, database, now)
	if _, err := compactor.CompactOnce(context.Background()); err != nil {
		t.Fatalf("first compact failed: %v", err)
	}

	seedEntityEvent(t, database, "evt-2", "inventory_movement", "prod-1", `{"qty_delta":-2}`, 2000, receivedAt)
	if _, err := compactor.CompactOnce(context.Background()); err != nil {
		t.Fatalf("second compact failed: %v", err)
	}

	var snapshot Snapshot
	if err := database.Where("entity_id = ? AND entity_type = ?", "prod-1", "inventory_movement").Take(&snapshot).Error; err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
	if snapshot.EventCount != 2 || snapshot.Version != 2000 {
		t.Fatalf("snapshot did not advance: %+v", snapshot)
	}

	var counter crdt.PNCounter
	if err := json.Unmarshal([]byte(snapshot.StateJSON), &counter); err != nil {
		t.Fatalf("state is not a counter: %v", err)
	}
	if counter.Value() != 3 {
		t.Fatalf("counter value = %d, want 3", counter.Value())
	}
}

func TestPurgeOnceRespectsSafetyWindow(t *testing.T) {
	database := mustCompactionDB(t)
	now := time.Unix(1700100000, 0).UTC()

	oldEnough := now.Add(-48 * time.Hour)
	tooFresh := now.Add(-time.Hour)
	seedEntityEvent(t, database, "evt-old", "product", "prod-1", `{"product_id":"prod-1","patch":{"a":1}}`, 1000, oldEnough)
	seedEntityEvent(t, database, "evt-fresh", "product", "prod-1", `{"product_id":"prod-1","patch":{"a":2}}`, 2000, tooFresh)

	compactor := mustCompactor(t, database, now)
	if _, err := compactor.CompactOnce(context.Background()); err != nil {
		t.Fatalf("compact failed: %v", err)
	}

	purged, err := compactor.PurgeOnce(context.Background())
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want only the old event", purged)
	}

	var survivors []eventlog.Event
	if err := database.Find(&survivors).Error; err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if len(survivors) != 1 || survivors[0].EventID != "evt-fresh" {
		t.Fatalf("survivors = %+v, want only evt-fresh", survivors)
	}
}

func TestVerifierDetectsDrift(t *testing.T) {
	database := mustCompactionDB(t)
	now := time.Unix(1700100000, 0).UTC()
	receivedAt := now.Add(-time.Hour)

	seedEntityEvent(t, database, "evt-1", "product", "prod-1", `{"product_id":"prod-1","patch":{"a":1}}`, 1000, receivedAt)
	compactor := mustCompactor(t, database, now)
	if _, err := compactor.CompactOnce(context.Background()); err != nil {
		t.Fatalf("compact failed: %v", err)
	}

	verifier, err := NewVerifier(VerifierConfig{Database: database})
	if err != nil {
		t.Fatalf("failed to create verifier: %v", err)
	}

	drifted, err := verifier.VerifyOnce(context.Background())
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if drifted != 0 || verifier.DriftCount() != 0 {
		t.Fatalf("clean snapshot must not drift, got %d", drifted)
	}

	// Corrupt the stored hash behind the compactor's back.
	if err := database.Model(&Snapshot{}).Where("entity_id = ?", "prod-1").
		Update("hash", "deadbeef").Error; err != nil {
		t.Fatalf("failed to tamper: %v", err)
	}

	drifted, err = verifier.VerifyOnce(context.Background())
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if drifted != 1 {
		t.Fatalf("tampered snapshot must drift, got %d", drifted)
	}
	if verifier.DriftCount() != 1 {
		t.Fatalf("drift count = %d, want 1", verifier.DriftCount())
	}
}

func TestVerifierSkipsPurgedHistory(t *testing.T) {
	database := mustCompactionDB(t)
	now := time.Unix(1700100000, 0).UTC()
	oldEnough := now.Add(-48 * time.Hour)

	seedEntityEvent(t, database, "evt-1", "product", "prod-1", `{"product_id":"prod-1","patch":{"a":1}}`, 1000, oldEnough)
	compactor := mustCompactor(t, database, now)
	if _, err := compactor.CompactOnce(context.Background()); err != nil {
		t.Fatalf("compact failed: %v", err)
	}
	if _, err := compactor.PurgeOnce(context.Background()); err != nil {
		t.Fatalf("purge failed: %v", err)
	}

	verifier, err := NewVerifier(VerifierConfig{Database: database})
	if err != nil {
		t.Fatalf("failed to create verifier: %v", err)
	}
	drifted, err := verifier.VerifyOnce(context.Background())
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if drifted != 0 || verifier.DriftCount() != 0 {
		t.Fatalf("purged history must be skipped, not flagged as drift")
	}
}
