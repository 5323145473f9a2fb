package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bodegapos/backend/internal/conflict"
	"github.com/bodegapos/backend/internal/crdt"
	"github.com/bodegapos/backend/internal/eventlog"
	"github.com/bodegapos/backend/internal/vclock"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingConflict = errors.New("conflict service is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew = "ingest.service.new"
	opPush       = "ingest.push"
	opStatus     = "ingest.status"

	// conflictWindowSize bounds how many recent entity events each
	// incoming event is compared against.
	conflictWindowSize = 10

	// maxPriceDeviationRatio bounds how far a cashier's unit price may
	// drift from the server-known price.
	maxPriceDeviationRatio = 0.15
)

// ServiceError carries a stable operation.reason code plus the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// OutboxWriter enqueues dispatch rows inside the event's transaction.
type OutboxWriter interface {
	EnqueueTx(tx *gorm.DB, event *eventlog.Event) error
}

// SessionLookup answers whether a cash session is currently open and
// who opened it, from the server-side read model.
type SessionLookup interface {
	OpenSession(ctx context.Context, storeID, cashSessionID string) (ownerUserID string, open bool, err error)
}

// PriceLookup returns the server-known USD unit price for a product.
// The second return is false when the product is not yet known, in
// which case the declared price is taken at face value.
type PriceLookup interface {
	UnitPriceUSD(ctx context.Context, storeID, productID string) (float64, bool, error)
}

// ServiceConfig wires the ingestion service dependencies.
type ServiceConfig struct {
	Database  *gorm.DB
	Conflicts *conflict.Service
	Outbox    OutboxWriter
	Sessions  SessionLookup
	Prices    PriceLookup
	Alerts    AlertCache
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service implements the push side of the sync protocol: it validates,
// deduplicates, conflict-checks and durably appends device events.
type Service struct {
	db        *gorm.DB
	conflicts *conflict.Service
	outbox    OutboxWriter
	sessions  SessionLookup
	prices    PriceLookup
	alerts    AlertCache
	clock     func() time.Time
	logger    *zap.Logger
	locks     *entityLocks
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Conflicts == nil {
		return nil, newServiceError(opServiceNew, "missing_conflict_service", errMissingConflict)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:        cfg.Database,
		conflicts: cfg.Conflicts,
		outbox:    cfg.Outbox,
		sessions:  cfg.Sessions,
		prices:    cfg.Prices,
		alerts:    cfg.Alerts,
		clock:     clock,
		logger:    logger,
		locks:     newEntityLocks(),
	}, nil
}

// Push processes a batch of candidate events best-effort per event: one
// event's failure never aborts its siblings. The three outcome lists in
// the response are disjoint.
func (s *Service) Push(ctx context.Context, request PushRequest) (PushResponse, error) {
	response := PushResponse{
		Accepted:   []AcceptedOutcome{},
		Rejected:   []RejectedOutcome{},
		Conflicted: []ConflictedOutcome{},
	}
	if request.StoreID == "" || request.DeviceID == "" {
		return response, newServiceError(opPush, "missing_identity", errors.New("store_id and device_id are required"))
	}

	for _, candidate := range request.Events {
		outcome := s.processEvent(ctx, request.StoreID, request.DeviceID, candidate)
		if candidate.Seq > response.LastProcessedSeq {
			response.LastProcessedSeq = candidate.Seq
		}
		switch {
		case outcome.rejected != nil:
			response.Rejected = append(response.Rejected, *outcome.rejected)
		case outcome.conflicted != nil:
			response.Conflicted = append(response.Conflicted, *outcome.conflicted)
		default:
			response.Accepted = append(response.Accepted, AcceptedOutcome{EventID: candidate.EventID, Seq: candidate.Seq})
		}
	}

	response.ServerTime = s.clock().UTC().UnixMilli()
	return response, nil
}

type eventOutcome struct {
	rejected   *RejectedOutcome
	conflicted *ConflictedOutcome
}

func reject(candidate PushEvent, code, message string) eventOutcome {
	return eventOutcome{rejected: &RejectedOutcome{
		EventID: candidate.EventID,
		Seq:     candidate.Seq,
		Code:    code,
		Message: message,
	}}
}

func (s *Service) processEvent(ctx context.Context, storeID, deviceID string, candidate PushEvent) eventOutcome {
	if message := validateStructure(candidate); message != "" {
		return reject(candidate, CodeValidationError, message)
	}

	eventType := eventlog.ParseEventType(candidate.Type)
	if !eventType.Known() {
		return reject(candidate, CodeValidationError, fmt.Sprintf("unknown event type %q", candidate.Type))
	}

	payload, err := eventlog.DecodePayload(eventType, candidate.Payload)
	if err != nil {
		return reject(candidate, CodeValidationError, err.Error())
	}
	if err := payload.Validate(); err != nil {
		return reject(candidate, CodeValidationError, err.Error())
	}

	if salePayload, isSale := payload.(*eventlog.SaleCreatedPayload); isSale {
		if code, message := s.validateSale(ctx, storeID, candidate.Actor, salePayload); code != "" {
			return reject(candidate, code, message)
		}
	}

	clock, message := assignClock(candidate, deviceID)
	if message != "" {
		return reject(candidate, CodeValidationError, message)
	}

	entityID := payload.EntityID()
	entityType := eventType.EntityType()

	unlock := s.locks.lock(storeID, entityType, entityID)
	defer unlock()

	var conflicted *ConflictedOutcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var replayCount int64
		if err := tx.Model(&eventlog.Event{}).Where("event_id = ?", candidate.EventID).Count(&replayCount).Error; err != nil {
			return err
		}
		if replayCount > 0 {
			// Replay of a known event is an accepted no-op.
			return nil
		}

		record, err := buildEventRecord(storeID, deviceID, candidate, entityType, entityID, clock, s.clock().UTC())
		if err != nil {
			return err
		}

		settled, parked, err := s.settleConflicts(tx, record, clock)
		if err != nil {
			return err
		}
		if parked != nil {
			conflicted = parked
			return nil
		}
		if settled {
			hash, err := eventlog.HashPayload([]byte(record.PayloadJSON))
			if err != nil {
				return err
			}
			record.FullPayloadHash = hash
		}

		createResult := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(record)
		if createResult.Error != nil {
			return createResult.Error
		}
		if createResult.RowsAffected == 0 {
			// idempotency_key collision under a different event_id:
			// exactly one row survived, the rest are duplicates.
			return nil
		}
		if s.outbox != nil {
			return s.outbox.EnqueueTx(tx, record)
		}
		return nil
	})

	if txErr != nil {
		s.logger.Error("event processing failed",
			zap.String("operation", opPush),
			zap.String("reason", "processing_error"),
			zap.String("event_id", candidate.EventID),
			zap.Error(txErr))
		return reject(candidate, CodeProcessingError, "internal error while processing event")
	}
	if conflicted != nil {
		return eventOutcome{conflicted: conflicted}
	}
	return eventOutcome{}
}

func validateStructure(candidate PushEvent) string {
	switch {
	case candidate.EventID == "":
		return "event_id is required"
	case candidate.Seq <= 0:
		return "seq must be positive"
	case candidate.Type == "":
		return "type is required"
	case candidate.CreatedAt <= 0:
		return "created_at must be a positive epoch in milliseconds"
	case candidate.Actor.UserID == "":
		return "actor.user_id is required"
	case len(candidate.Payload) == 0:
		return "payload is required"
	}
	return ""
}

func assignClock(candidate PushEvent, deviceID string) (vclock.Clock, string) {
	if len(candidate.VectorClock) == 0 {
		return vclock.FromEvent(deviceID, candidate.Seq), ""
	}
	clock := vclock.Clock(candidate.VectorClock)
	if err := clock.Validate(); err != nil {
		return nil, fmt.Sprintf("invalid vector clock: %v", err)
	}
	return clock, ""
}

func buildEventRecord(storeID, deviceID string, candidate PushEvent, entityType, entityID string, clock vclock.Clock, receivedAt time.Time) (*eventlog.Event, error) {
	hash := candidate.FullPayloadHash
	if hash == "" {
		computed, err := eventlog.HashPayload(candidate.Payload)
		if err != nil {
			return nil, err
		}
		hash = computed
	}

	idempotencyKey := candidate.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = candidate.EventID
	}

	version := candidate.Version
	if version <= 0 {
		version = 1
	}

	return &eventlog.Event{
		EventID:            candidate.EventID,
		IdempotencyKey:     idempotencyKey,
		StoreID:            storeID,
		DeviceID:           deviceID,
		Seq:                candidate.Seq,
		Type:               candidate.Type,
		SchemaVersion:      version,
		ActorUserID:        candidate.Actor.UserID,
		ActorRole:          string(eventlog.ParseRole(candidate.Actor.Role)),
		CreatedAtMillis:    candidate.CreatedAt,
		ReceivedAt:         receivedAt,
		PayloadJSON:        string(candidate.Payload),
		DeltaPayloadJSON:   string(candidate.DeltaPayload),
		FullPayloadHash:    hash,
		VectorClock:        clock.Serialize(),
		CausalDependencies: joinIDs(candidate.CausalDependencies),
		EntityType:         entityType,
		EntityID:           entityID,
		ViaRelay:           candidate.ViaRelay,
		ConflictStatus:     string(eventlog.ConflictStatusResolved),
		ProjectionStatus:   string(eventlog.ProjectionStatusPending),
	}, nil
}

// settleConflicts compares the incoming event against the recent window
// for its entity. Auto-resolved conflicts rewrite the record's payload
// in place; unresolved ones park the event and report the outcome.
func (s *Service) settleConflicts(tx *gorm.DB, record *eventlog.Event, clock vclock.Clock) (bool, *ConflictedOutcome, error) {
	var recent []eventlog.Event
	err := tx.Where("store_id = ? AND entity_type = ? AND entity_id = ?", record.StoreID, record.EntityType, record.EntityID).
		Order("created_at_ms DESC").
		Limit(conflictWindowSize).
		Find(&recent).Error
	if err != nil {
		return false, nil, err
	}

	incoming := conflict.CandidateEvent{
		EventID:    record.EventID,
		EntityType: record.EntityType,
		EntityID:   record.EntityID,
		Payload:    []byte(record.PayloadJSON),
		Timestamp:  record.CreatedAtMillis,
		DeviceID:   record.DeviceID,
		Clock:      clock,
	}

	var opponents []conflict.CandidateEvent
	var strategy crdt.Strategy
	for _, stored := range recent {
		storedClock, err := vclock.Parse(stored.VectorClock)
		if err != nil {
			continue
		}
		opponent := conflict.CandidateEvent{
			EventID:    stored.EventID,
			EntityType: stored.EntityType,
			EntityID:   stored.EntityID,
			Payload:    []byte(stored.PayloadJSON),
			Timestamp:  stored.CreatedAtMillis,
			DeviceID:   stored.DeviceID,
			Clock:      storedClock,
		}
		detection := conflict.DetectConflict(incoming, opponent)
		if detection.HasConflict {
			opponents = append(opponents, opponent)
			strategy = detection.Strategy
		}
	}
	if len(opponents) == 0 {
		return false, nil, nil
	}

	resolution, err := conflict.ResolveConflict(append([]conflict.CandidateEvent{incoming}, opponents...), strategy)
	opponentIDs := make([]string, 0, len(opponents))
	for _, opponent := range opponents {
		opponentIDs = append(opponentIDs, opponent.EventID)
	}
	if err != nil || !resolution.Resolved {
		conflictID, parkErr := s.conflicts.CreatePendingTx(tx, record, opponentIDs, conflictReason(err, resolution))
		if parkErr != nil {
			return false, nil, parkErr
		}
		return false, &ConflictedOutcome{
			EventID:              record.EventID,
			Seq:                  record.Seq,
			ConflictID:           conflictID,
			Reason:               conflictReason(err, resolution),
			RequiresManualReview: true,
			ConflictingWith:      opponentIDs,
		}, nil
	}

	record.PayloadJSON = string(resolution.ResolvedValue)
	record.ConflictStatus = string(eventlog.ConflictStatusAutoResolved)
	if err := tx.Model(&eventlog.Event{}).
		Where("event_id IN ?", opponentIDs).
		Update("conflict_status", string(eventlog.ConflictStatusAutoResolved)).Error; err != nil {
		return false, nil, err
	}

	candidates := append([]conflict.CandidateEvent{incoming}, opponents...)
	if err := s.conflicts.RecordAuditTx(tx, record.StoreID, candidates, resolution, "system"); err != nil {
		return false, nil, err
	}

	s.logger.Info("conflict auto-resolved",
		zap.String("operation", opPush),
		zap.String("entity_type", record.EntityType),
		zap.String("entity_id", record.EntityID),
		zap.String("strategy", string(resolution.Strategy)),
		zap.String("winner_event_id", resolution.WinnerEventID))
	return true, nil, nil
}

func conflictReason(err error, resolution conflict.Resolution) string {
	if err != nil {
		return "resolution failed"
	}
	if resolution.Strategy == crdt.StrategyMVR {
		return "concurrent values require manual review"
	}
	return "unresolved concurrent update"
}

func (s *Service) validateSale(ctx context.Context, storeID string, actor Actor, payload *eventlog.SaleCreatedPayload) (code, message string) {
	role := eventlog.ParseRole(actor.Role)

	if s.sessions != nil {
		ownerUserID, open, err := s.sessions.OpenSession(ctx, storeID, payload.CashSessionID)
		if err != nil {
			return CodeProcessingError, "cash session lookup failed"
		}
		if !open {
			return CodeSecurityError, fmt.Sprintf("cash session %s is not open", payload.CashSessionID)
		}
		if ownerUserID != actor.UserID && !role.Privileged() {
			return CodeSecurityError, fmt.Sprintf("cash session %s belongs to another user", payload.CashSessionID)
		}
	}

	if s.prices != nil {
		for _, item := range payload.Items {
			known, found, err := s.prices.UnitPriceUSD(ctx, storeID, item.ProductID)
			if err != nil {
				return CodeProcessingError, "price lookup failed"
			}
			if !found || known <= 0 {
				continue
			}
			deviation := math.Abs(item.UnitPriceUSD-known) / known
			if deviation <= maxPriceDeviationRatio {
				continue
			}
			if !role.Privileged() {
				return CodeSecurityError, fmt.Sprintf(
					"unit price for %s deviates %.0f%% from the known price", item.ProductID, deviation*100)
			}
			s.alertPriceOverride(storeID, item.ProductID, actor.UserID, deviation)
		}
	}
	return "", ""
}

// alertPriceOverride logs an owner price override once per product and
// store within the alert cache window.
func (s *Service) alertPriceOverride(storeID, productID, userID string, deviation float64) {
	if s.alerts != nil {
		key := storeID + "|" + productID
		if s.alerts.MarkAlerted(key) {
			return
		}
	}
	s.logger.Warn("owner price override",
		zap.String("operation", opPush),
		zap.String("store_id", storeID),
		zap.String("product_id", productID),
		zap.String("user_id", userID),
		zap.Float64("deviation", deviation))
}

// Status reports the last durably received sequence for a device, used
// by clients to resume a push stream after reconnect.
func (s *Service) Status(ctx context.Context, storeID, deviceID string) (DeviceStatus, error) {
	status := DeviceStatus{StoreID: storeID, DeviceID: deviceID}

	var row struct {
		LastSeq    int64
		EventCount int64
		LastAt     *time.Time
	}
	err := s.db.WithContext(ctx).Model(&eventlog.Event{}).
		Select("COALESCE(MAX(seq), 0) AS last_seq, COUNT(*) AS event_count, MAX(received_at) AS last_at").
		Where("store_id = ? AND device_id = ?", storeID, deviceID).
		Scan(&row).Error
	if err != nil {
		return status, newServiceError(opStatus, "query_failed", err)
	}

	status.LastSeq = row.LastSeq
	status.EventCount = row.EventCount
	if row.LastAt != nil {
		status.LastReceivedAt = row.LastAt.UTC().UnixMilli()
	}
	return status, nil
}

func joinIDs(ids []string) string {
	return strings.Join(ids, ",")
}
