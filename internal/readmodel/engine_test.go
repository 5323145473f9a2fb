package readmodel

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bodegapos/backend/internal/eventlog"
	"github.com/bodegapos/backend/internal/outbox"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustEngine(testContext *testing.T) (*Engine, *gorm.DB) {
	testContext.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", testContext.Name())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(&CashSession{}, &ProductPrice{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	engine, err := NewEngine(EngineConfig{
		Database: database,
		Clock: func() time.Time {
			return time.Unix(1700000500, 0).UTC()
		},
	})
	if err != nil {
		testContext.Fatalf("failed to create engine: %v", err)
	}
	return engine, database
}

func storedEvent(eventID, eventType string, createdAtMillis int64, payload string) *eventlog.Event {
	return &eventlog.Event{
		EventID:         eventID,
		StoreID:         "store-1",
		DeviceID:        "caja-1",
		Type:            eventType,
		ActorUserID:     "user-1",
		CreatedAtMillis: createdAtMillis,
		PayloadJSON:     payload,
	}
}

func TestProjectProductCreatedServesPriceLookup(t *testing.T) {
	engine, _ := mustEngine(t)
	ctx := context.Background()

	event := storedEvent("evt-1", "ProductCreated", 1000,
		`{"product_id":"prod-1","name":"Harina PAN","price_bs":180,"price_usd":2.5,"is_active":true}`)
	if err := engine.ProjectEvent(ctx, event); err != nil {
		t.Fatalf("projection failed: %v", err)
	}

	price, found, err := engine.UnitPriceUSD(ctx, "store-1", "prod-1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if !found || price != 2.5 {
		t.Fatalf("price = %v found = %v, want 2.5 true", price, found)
	}
}

func TestProjectDropsStaleUpdates(t *testing.T) {
	engine, _ := mustEngine(t)
	ctx := context.Background()

	fresh := storedEvent("evt-1", "ProductCreated", 2000,
		`{"product_id":"prod-1","name":"Harina PAN","price_bs":200,"price_usd":3.0,"is_active":true}`)
	if err := engine.ProjectEvent(ctx, fresh); err != nil {
		t.Fatalf("projection failed: %v", err)
	}
	stale := storedEvent("evt-2", "PriceChanged", 1000,
		`{"product_id":"prod-1","price_bs":100,"price_usd":1.0}`)
	if err := engine.ProjectEvent(ctx, stale); err != nil {
		t.Fatalf("stale projection should be a no-op: %v", err)
	}

	price, found, err := engine.UnitPriceUSD(ctx, "store-1", "prod-1")
	if err != nil || !found {
		t.Fatalf("lookup failed: %v found = %v", err, found)
	}
	if price != 3.0 {
		t.Fatalf("price = %v, want the newer 3.0 to survive", price)
	}
}

func TestProjectPatchUpdatesSelectedFields(t *testing.T) {
	engine, _ := mustEngine(t)
	ctx := context.Background()

	created := storedEvent("evt-1", "ProductCreated", 1000,
		`{"product_id":"prod-1","name":"Harina PAN","price_bs":180,"price_usd":2.5,"is_active":true}`)
	if err := engine.ProjectEvent(ctx, created); err != nil {
		t.Fatalf("projection failed: %v", err)
	}
	patched := storedEvent("evt-2", "ProductUpdated", 2000,
		`{"product_id":"prod-1","patch":{"price_usd":2.8}}`)
	if err := engine.ProjectEvent(ctx, patched); err != nil {
		t.Fatalf("patch projection failed: %v", err)
	}

	price, found, err := engine.UnitPriceUSD(ctx, "store-1", "prod-1")
	if err != nil || !found {
		t.Fatalf("lookup failed: %v found = %v", err, found)
	}
	if price != 2.8 {
		t.Fatalf("price = %v, want 2.8 after patch", price)
	}
}

func TestProjectPatchBeforeCreateReportsDependency(t *testing.T) {
	engine, _ := mustEngine(t)

	patched := storedEvent("evt-1", "ProductUpdated", 2000,
		`{"product_id":"prod-9","patch":{"price_usd":2.8}}`)
	err := engine.ProjectEvent(context.Background(), patched)

	var dependency *outbox.DependencyError
	if !errors.As(err, &dependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
}

func TestProjectDeactivatedHidesPrice(t *testing.T) {
	engine, _ := mustEngine(t)
	ctx := context.Background()

	created := storedEvent("evt-1", "ProductCreated", 1000,
		`{"product_id":"prod-1","name":"Harina PAN","price_bs":180,"price_usd":2.5,"is_active":true}`)
	if err := engine.ProjectEvent(ctx, created); err != nil {
		t.Fatalf("projection failed: %v", err)
	}
	retired := storedEvent("evt-2", "ProductDeactivated", 2000, `{"product_id":"prod-1"}`)
	if err := engine.ProjectEvent(ctx, retired); err != nil {
		t.Fatalf("deactivation projection failed: %v", err)
	}

	_, found, err := engine.UnitPriceUSD(ctx, "store-1", "prod-1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if found {
		t.Fatalf("inactive product should not challenge declared prices")
	}
}

func TestProjectSessionLifecycle(t *testing.T) {
	engine, _ := mustEngine(t)
	ctx := context.Background()

	opened := storedEvent("evt-1", "CashSessionOpened", 1000,
		`{"cash_session_id":"cs-1","opened_at":1000,"opening_amount_bs":500}`)
	if err := engine.ProjectEvent(ctx, opened); err != nil {
		t.Fatalf("open projection failed: %v", err)
	}

	owner, open, err := engine.OpenSession(ctx, "store-1", "cs-1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if !open || owner != "user-1" {
		t.Fatalf("session owner = %q open = %v, want user-1 true", owner, open)
	}

	closed := storedEvent("evt-2", "CashSessionClosed", 2000,
		`{"cash_session_id":"cs-1","closed_at":2000}`)
	if err := engine.ProjectEvent(ctx, closed); err != nil {
		t.Fatalf("close projection failed: %v", err)
	}

	_, open, err = engine.OpenSession(ctx, "store-1", "cs-1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if open {
		t.Fatalf("session should be closed")
	}
}

func TestProjectCloseBeforeOpenReportsDependency(t *testing.T) {
	engine, _ := mustEngine(t)

	closed := storedEvent("evt-1", "CashSessionClosed", 2000,
		`{"cash_session_id":"cs-9","closed_at":2000}`)
	err := engine.ProjectEvent(context.Background(), closed)

	var dependency *outbox.DependencyError
	if !errors.As(err, &dependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
}

func TestProjectIgnoresEventsWithoutReadState(t *testing.T) {
	engine, database := mustEngine(t)

	sale := storedEvent("evt-1", "CustomerCreated", 1000,
		`{"customer_id":"cust-1","name":"Maria"}`)
	if err := engine.ProjectEvent(context.Background(), sale); err != nil {
		t.Fatalf("projection should be a no-op: %v", err)
	}

	var prices, sessions int64
	if err := database.Model(&ProductPrice{}).Count(&prices).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if err := database.Model(&CashSession{}).Count(&sessions).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if prices != 0 || sessions != 0 {
		t.Fatalf("no read rows expected, got %d prices %d sessions", prices, sessions)
	}
}
