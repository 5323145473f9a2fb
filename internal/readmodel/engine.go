package readmodel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bodegapos/backend/internal/eventlog"
	"github.com/bodegapos/backend/internal/outbox"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// EngineConfig wires the projection engine dependencies.
type EngineConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Engine folds accepted events into the state the ingest validators
// read back: open cash sessions and catalog prices. Event types with no
// bearing on validation project as no-ops. Folding is idempotent and
// keyed on the event's business timestamp, so replays and out-of-order
// delivery leave the newest state in place.
type Engine struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewEngine validates the configuration and returns an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("readmodel.engine.new.missing_database: %w", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{db: cfg.Database, clock: clock, logger: logger}, nil
}

// ProjectEvent applies one event to the read tables. A session close
// arriving before its open reports a dependency failure so the caller
// retries after the open lands.
func (e *Engine) ProjectEvent(ctx context.Context, event *eventlog.Event) error {
	eventType := eventlog.ParseEventType(event.Type)
	if !eventType.Known() {
		return fmt.Errorf("%w: unknown event type %q", outbox.ErrUnresolvable, event.Type)
	}

	payload, err := eventlog.DecodePayload(eventType, json.RawMessage(event.PayloadJSON))
	if err != nil {
		return fmt.Errorf("%w: %v", outbox.ErrUnresolvable, err)
	}

	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		switch typed := payload.(type) {
		case *eventlog.ProductCreatedPayload:
			return e.applyProductCreated(tx, event, typed)
		case *eventlog.ProductUpdatedPayload:
			return e.applyProductPatch(tx, event, typed)
		case *eventlog.ProductDeactivatedPayload:
			return e.applyProductDeactivated(tx, event, typed)
		case *eventlog.PriceChangedPayload:
			return e.applyPriceChanged(tx, event, typed)
		case *eventlog.CashSessionOpenedPayload:
			return e.applySessionOpened(tx, event, typed)
		case *eventlog.CashSessionClosedPayload:
			return e.applySessionClosed(tx, event, typed)
		default:
			// Sales, stock, customers and debts carry no validation state.
			return nil
		}
	})
}

func (e *Engine) applyProductCreated(tx *gorm.DB, event *eventlog.Event, payload *eventlog.ProductCreatedPayload) error {
	current, found, err := e.loadPrice(tx, event.StoreID, payload.ProductID)
	if err != nil {
		return err
	}
	if found && current.EventAtMillis >= event.CreatedAtMillis {
		return nil
	}
	row := ProductPrice{
		StoreID:       event.StoreID,
		ProductID:     payload.ProductID,
		Name:          payload.Name,
		PriceBS:       payload.PriceBS,
		PriceUSD:      payload.PriceUSD,
		Active:        payload.IsActive,
		EventAtMillis: event.CreatedAtMillis,
		UpdatedAt:     e.clock().UTC(),
	}
	return tx.Save(&row).Error
}

func (e *Engine) applyProductPatch(tx *gorm.DB, event *eventlog.Event, payload *eventlog.ProductUpdatedPayload) error {
	current, found, err := e.loadPrice(tx, event.StoreID, payload.ProductID)
	if err != nil {
		return err
	}
	if !found {
		return outbox.NewDependencyError(fmt.Sprintf("product %s", payload.ProductID),
			errors.New("product not yet projected"))
	}
	if current.EventAtMillis >= event.CreatedAtMillis {
		return nil
	}

	var patch struct {
		Name     *string  `json:"name"`
		PriceBS  *float64 `json:"price_bs"`
		PriceUSD *float64 `json:"price_usd"`
		IsActive *bool    `json:"is_active"`
	}
	if err := json.Unmarshal(payload.Patch, &patch); err != nil {
		return fmt.Errorf("%w: malformed product patch: %v", outbox.ErrUnresolvable, err)
	}
	if patch.Name != nil {
		current.Name = *patch.Name
	}
	if patch.PriceBS != nil {
		current.PriceBS = *patch.PriceBS
	}
	if patch.PriceUSD != nil {
		current.PriceUSD = *patch.PriceUSD
	}
	if patch.IsActive != nil {
		current.Active = *patch.IsActive
	}
	current.EventAtMillis = event.CreatedAtMillis
	current.UpdatedAt = e.clock().UTC()
	return tx.Save(&current).Error
}

func (e *Engine) applyProductDeactivated(tx *gorm.DB, event *eventlog.Event, payload *eventlog.ProductDeactivatedPayload) error {
	current, found, err := e.loadPrice(tx, event.StoreID, payload.ProductID)
	if err != nil {
		return err
	}
	if !found {
		return outbox.NewDependencyError(fmt.Sprintf("product %s", payload.ProductID),
			errors.New("product not yet projected"))
	}
	if current.EventAtMillis >= event.CreatedAtMillis {
		return nil
	}
	current.Active = false
	current.EventAtMillis = event.CreatedAtMillis
	current.UpdatedAt = e.clock().UTC()
	return tx.Save(&current).Error
}

func (e *Engine) applyPriceChanged(tx *gorm.DB, event *eventlog.Event, payload *eventlog.PriceChangedPayload) error {
	current, found, err := e.loadPrice(tx, event.StoreID, payload.ProductID)
	if err != nil {
		return err
	}
	if !found {
		return outbox.NewDependencyError(fmt.Sprintf("product %s", payload.ProductID),
			errors.New("product not yet projected"))
	}
	if current.EventAtMillis >= event.CreatedAtMillis {
		return nil
	}
	current.PriceBS = payload.PriceBS
	current.PriceUSD = payload.PriceUSD
	current.EventAtMillis = event.CreatedAtMillis
	current.UpdatedAt = e.clock().UTC()
	return tx.Save(&current).Error
}

func (e *Engine) applySessionOpened(tx *gorm.DB, event *eventlog.Event, payload *eventlog.CashSessionOpenedPayload) error {
	var current CashSession
	err := tx.Where("cash_session_id = ?", payload.CashSessionID).Take(&current).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if err == nil && current.EventAtMillis >= event.CreatedAtMillis {
		return nil
	}
	row := CashSession{
		CashSessionID:  payload.CashSessionID,
		StoreID:        event.StoreID,
		OwnerUserID:    event.ActorUserID,
		Open:           true,
		OpenedAtMillis: payload.OpenedAt,
		ClosedAtMillis: current.ClosedAtMillis,
		EventAtMillis:  event.CreatedAtMillis,
		UpdatedAt:      e.clock().UTC(),
	}
	return tx.Save(&row).Error
}

func (e *Engine) applySessionClosed(tx *gorm.DB, event *eventlog.Event, payload *eventlog.CashSessionClosedPayload) error {
	var current CashSession
	err := tx.Where("cash_session_id = ?", payload.CashSessionID).Take(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return outbox.NewDependencyError(fmt.Sprintf("cash session %s", payload.CashSessionID),
			errors.New("session open not yet projected"))
	}
	if err != nil {
		return err
	}
	if current.EventAtMillis >= event.CreatedAtMillis {
		return nil
	}
	current.Open = false
	current.ClosedAtMillis = payload.ClosedAt
	current.EventAtMillis = event.CreatedAtMillis
	current.UpdatedAt = e.clock().UTC()
	return tx.Save(&current).Error
}

func (e *Engine) loadPrice(tx *gorm.DB, storeID, productID string) (ProductPrice, bool, error) {
	var current ProductPrice
	err := tx.Where("store_id = ? AND product_id = ?", storeID, productID).Take(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ProductPrice{}, false, nil
	}
	if err != nil {
		return ProductPrice{}, false, err
	}
	return current, true, nil
}

// OpenSession reports whether a cash session is open and who opened it.
func (e *Engine) OpenSession(ctx context.Context, storeID, cashSessionID string) (string, bool, error) {
	var session CashSession
	err := e.db.WithContext(ctx).
		Where("store_id = ? AND cash_session_id = ?", storeID, cashSessionID).
		Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return session.OwnerUserID, session.Open, nil
}

// UnitPriceUSD returns the projected USD price for a product. Unknown
// or inactive products report not-found, leaving the declared price
// unchallenged.
func (e *Engine) UnitPriceUSD(ctx context.Context, storeID, productID string) (float64, bool, error) {
	var price ProductPrice
	err := e.db.WithContext(ctx).
		Where("store_id = ? AND product_id = ?", storeID, productID).
		Take(&price).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if !price.Active {
		return 0, false, nil
	}
	return price.PriceUSD, true, nil
}
