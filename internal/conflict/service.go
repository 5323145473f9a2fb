package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bodegapos/backend/internal/crdt"
	"github.com/bodegapos/backend/internal/eventlog"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrConflictNotFound indicates an unknown or already settled conflict.
	ErrConflictNotFound = errors.New("conflict: pending conflict not found")
	// ErrInvalidResolution indicates a resolution outside {keep_mine, take_theirs}.
	ErrInvalidResolution = errors.New("conflict: invalid resolution")
	noOpLogger           = zap.NewNop()
)

// strategyManual marks audit rows settled by an operator rather than a merge.
const strategyManual = crdt.Strategy("manual")

const (
	opServiceNew    = "conflict.service.new"
	opRecordAudit   = "conflict.record_audit"
	opCreatePending = "conflict.create_pending"
	opResolveManual = "conflict.resolve_manual"
	opCountPending  = "conflict.count_pending"
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

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues identifiers for audit and conflict rows.
type IDProvider interface {
	NewID() (string, error)
}

// OutboxWriter enqueues dispatch rows for events persisted during manual
// resolution, inside the caller's transaction.
type OutboxWriter interface {
	EnqueueTx(tx *gorm.DB, event *eventlog.Event) error
}

// ServiceConfig wires the conflict service dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Outbox     OutboxWriter
	Logger     *zap.Logger
}

// Service persists audit entries and pending conflicts and applies
// operator decisions to them.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	outbox     OutboxWriter
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
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
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		outbox:     cfg.Outbox,
		logger:     logger,
	}, nil
}

// RecordAuditTx writes the immutable audit record for a resolved
// conflict inside the caller's transaction.
func (s *Service) RecordAuditTx(tx *gorm.DB, storeID string, events []CandidateEvent, resolution Resolution, resolvedBy string) error {
	auditID, err := s.idProvider.NewID()
	if err != nil {
		return newServiceError(opRecordAudit, "id_generation_failed", err)
	}

	payloads := make(map[string]json.RawMessage, len(events))
	for _, event := range events {
		payloads[event.EventID] = event.Payload
	}
	payloadsJSON, err := json.Marshal(payloads)
	if err != nil {
		return newServiceError(opRecordAudit, "payload_encode_failed", err)
	}

	entry := AuditEntry{
		AuditID:       auditID,
		StoreID:       storeID,
		EntityType:    events[0].EntityType,
		EntityID:      events[0].EntityID,
		WinnerEventID: resolution.WinnerEventID,
		LoserEventIDs: strings.Join(resolution.LoserEventIDs, ","),
		Strategy:      string(resolution.Strategy),
		PayloadsJSON:  string(payloadsJSON),
		ResolvedBy:    resolvedBy,
		ResolvedAt:    s.clock().UTC(),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return newServiceError(opRecordAudit, "audit_insert_failed", err)
	}
	return nil
}

// CreatePendingTx parks an unresolvable event for manual review and
// returns the conflict identifier.
func (s *Service) CreatePendingTx(tx *gorm.DB, heldEvent *eventlog.Event, conflictingIDs []string, reason string) (string, error) {
	conflictID, err := s.idProvider.NewID()
	if err != nil {
		return "", newServiceError(opCreatePending, "id_generation_failed", err)
	}

	heldJSON, err := json.Marshal(heldEvent)
	if err != nil {
		return "", newServiceError(opCreatePending, "event_encode_failed", err)
	}

	pending := PendingConflict{
		ConflictID:     conflictID,
		StoreID:        heldEvent.StoreID,
		EntityType:     heldEvent.EntityType,
		EntityID:       heldEvent.EntityID,
		HeldEventJSON:  string(heldJSON),
		ConflictingIDs: strings.Join(conflictingIDs, ","),
		Reason:         reason,
		Priority:       string(ClassifyPriority(heldEvent.EntityType, entityField(heldEvent.EntityType))),
		Status:         StatusPending,
		CreatedAt:      s.clock().UTC(),
	}
	if err := tx.Create(&pending).Error; err != nil {
		return "", newServiceError(opCreatePending, "conflict_insert_failed", err)
	}
	return conflictID, nil
}

// ManualOutcome reports the effect of an operator decision.
type ManualOutcome struct {
	ConflictID     string
	Resolution     string
	PersistedEvent *eventlog.Event
}

// ResolveManual applies keep_mine or take_theirs to a stored pending
// conflict. keep_mine persists the held event; in both cases the
// contested events end up conflict_status=resolved (the loser is
// superseded, never deleted) and the decision is audited.
func (s *Service) ResolveManual(ctx context.Context, conflictID, resolution, actorUserID string) (ManualOutcome, error) {
	if resolution != ResolutionKeepMine && resolution != ResolutionTakeTheirs {
		return ManualOutcome{}, newServiceError(opResolveManual, "invalid_resolution", ErrInvalidResolution)
	}

	outcome := ManualOutcome{ConflictID: conflictID, Resolution: resolution}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending PendingConflict
		err := tx.Where("conflict_id = ? AND status = ?", conflictID, StatusPending).
			Take(&pending).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opResolveManual, "conflict_not_found", ErrConflictNotFound)
		}
		if err != nil {
			return newServiceError(opResolveManual, "conflict_lookup_failed", err)
		}

		var held eventlog.Event
		if err := json.Unmarshal([]byte(pending.HeldEventJSON), &held); err != nil {
			return newServiceError(opResolveManual, "held_event_decode_failed", err)
		}

		conflictingIDs := splitIDs(pending.ConflictingIDs)
		now := s.clock().UTC()

		winnerEventID := held.EventID
		loserEventIDs := conflictingIDs
		if resolution == ResolutionTakeTheirs {
			winnerEventID = firstOr(conflictingIDs, held.EventID)
			loserEventIDs = []string{held.EventID}
		}

		if resolution == ResolutionKeepMine {
			held.ConflictStatus = string(eventlog.ConflictStatusManualResolved)
			held.ReceivedAt = now
			createResult := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&held)
			if createResult.Error != nil {
				return newServiceError(opResolveManual, "event_insert_failed", createResult.Error)
			}
			if s.outbox != nil && createResult.RowsAffected > 0 {
				if err := s.outbox.EnqueueTx(tx, &held); err != nil {
					return newServiceError(opResolveManual, "outbox_enqueue_failed", err)
				}
			}
			outcome.PersistedEvent = &held
		}

		if len(conflictingIDs) > 0 {
			if err := tx.Model(&eventlog.Event{}).
				Where("event_id IN ?", conflictingIDs).
				Update("conflict_status", string(eventlog.ConflictStatusResolved)).Error; err != nil {
				return newServiceError(opResolveManual, "event_status_update_failed", err)
			}
		}

		candidates := []CandidateEvent{{
			EventID:    held.EventID,
			EntityType: pending.EntityType,
			EntityID:   pending.EntityID,
			Payload:    json.RawMessage(held.PayloadJSON),
		}}
		auditResolution := Resolution{
			Resolved:      true,
			Strategy:      strategyManual,
			WinnerEventID: winnerEventID,
			LoserEventIDs: loserEventIDs,
		}
		if err := s.RecordAuditTx(tx, pending.StoreID, candidates, auditResolution, actorUserID); err != nil {
			return err
		}

		pending.Status = StatusResolved
		pending.Resolution = resolution
		pending.ResolvedBy = actorUserID
		pending.ResolvedAt = &now
		if err := tx.Save(&pending).Error; err != nil {
			return newServiceError(opResolveManual, "conflict_update_failed", err)
		}
		return nil
	})

	if txErr != nil {
		s.logError(opResolveManual, "transaction_failed", txErr, zap.String("conflict_id", conflictID))
		return ManualOutcome{}, txErr
	}

	s.logger.Info("manual conflict resolved",
		zap.String("conflict_id", conflictID),
		zap.String("resolution", resolution),
		zap.String("resolved_by", actorUserID))
	return outcome, nil
}

// CountPending returns the number of unresolved conflicts for a store,
// used by the health signal.
func (s *Service) CountPending(ctx context.Context, storeID string) (int64, error) {
	var count int64
	query := s.db.WithContext(ctx).Model(&PendingConflict{}).Where("status = ?", StatusPending)
	if storeID != "" {
		query = query.Where("store_id = ?", storeID)
	}
	if err := query.Count(&count).Error; err != nil {
		s.logError(opCountPending, "query_failed", err, zap.String("store_id", storeID))
		return 0, newServiceError(opCountPending, "query_failed", err)
	}
	return count, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("conflict service error", attrs...)
}

func splitIDs(joined string) []string {
	if strings.TrimSpace(joined) == "" {
		return nil
	}
	parts := strings.Split(joined, ",")
	ids := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	return ids
}

func firstOr(ids []string, fallback string) string {
	if len(ids) > 0 {
		return ids[0]
	}
	return fallback
}
