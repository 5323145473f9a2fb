package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bodegapos/backend/internal/eventlog"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingWorkerID = errors.New("worker id is required")
	noOpLogger         = zap.NewNop()
)

const (
	opDispatch = "outbox.dispatch"

	defaultBatchSize   = 50
	defaultCallTimeout = 5 * time.Second
	defaultClaimTTL    = 2 * time.Minute
	defaultMaxAttempts = 5
)

// ProjectionEngine applies an event to the read model. Returning a
// DependencyError requests a retry; wrapping ErrUnresolvable discards
// the event; any other error is terminal.
type ProjectionEngine interface {
	ProjectEvent(ctx context.Context, event *eventlog.Event) error
}

// RelayQueue forwards an event to peer stores, at-least-once.
type RelayQueue interface {
	Enqueue(ctx context.Context, event *eventlog.Event) error
}

// DispatcherConfig wires the dispatcher dependencies.
type DispatcherConfig struct {
	Database    *gorm.DB
	Projection  ProjectionEngine
	Relay       RelayQueue
	WorkerID    string
	BatchSize   int
	CallTimeout time.Duration
	ClaimTTL    time.Duration
	MaxAttempts int
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Dispatcher drains pending outbox rows in event creation order. Rows
// are claimed with a compare-and-swap update so concurrent instances
// never process the same row twice; claims older than the TTL are
// treated as abandoned and taken over.
type Dispatcher struct {
	db          *gorm.DB
	projection  ProjectionEngine
	relay       RelayQueue
	workerID    string
	batchSize   int
	callTimeout time.Duration
	claimTTL    time.Duration
	maxAttempts int
	clock       func() time.Time
	logger      *zap.Logger
}

// NewDispatcher validates the configuration and returns a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("outbox.dispatcher.new.missing_database: %w", errMissingDatabase)
	}
	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("outbox.dispatcher.new.missing_worker_id: %w", errMissingWorkerID)
	}

	dispatcher := &Dispatcher{
		db:          cfg.Database,
		projection:  cfg.Projection,
		relay:       cfg.Relay,
		workerID:    cfg.WorkerID,
		batchSize:   cfg.BatchSize,
		callTimeout: cfg.CallTimeout,
		claimTTL:    cfg.ClaimTTL,
		maxAttempts: cfg.MaxAttempts,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}
	if dispatcher.batchSize <= 0 {
		dispatcher.batchSize = defaultBatchSize
	}
	if dispatcher.callTimeout <= 0 {
		dispatcher.callTimeout = defaultCallTimeout
	}
	if dispatcher.claimTTL <= 0 {
		dispatcher.claimTTL = defaultClaimTTL
	}
	if dispatcher.maxAttempts <= 0 {
		dispatcher.maxAttempts = defaultMaxAttempts
	}
	if dispatcher.clock == nil {
		dispatcher.clock = time.Now
	}
	if dispatcher.logger == nil {
		dispatcher.logger = noOpLogger
	}
	return dispatcher, nil
}

// Run drains the outbox on a fixed interval until the context ends.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil {
				d.logger.Error("outbox dispatch pass failed",
					zap.String("operation", opDispatch),
					zap.Error(err))
			}
		}
	}
}

// DispatchOnce claims and processes one bounded batch of pending rows,
// oldest event first, and reports how many rows it handled. Per-row
// failures are classified and recorded; they never abort the batch.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	now := d.clock().UTC()
	staleBefore := now.Add(-d.claimTTL)

	var candidates []Entry
	err := d.db.WithContext(ctx).
		Where("status = ? AND (claimed_by = ? OR claimed_at IS NULL OR claimed_at < ?)", StatusPending, "", staleBefore).
		Order("event_created_at_ms ASC, event_seq ASC").
		Limit(d.batchSize).
		Find(&candidates).Error
	if err != nil {
		return 0, fmt.Errorf("outbox.dispatch.select_failed: %w", err)
	}

	handled := 0
	for _, entry := range candidates {
		if ctx.Err() != nil {
			return handled, nil
		}
		if !d.claim(ctx, entry.EntryID, staleBefore) {
			continue
		}
		d.processEntry(ctx, entry)
		handled++
	}
	return handled, nil
}

// claim takes the row with a compare-and-swap update. Losing the race
// to another instance shows up as zero affected rows.
func (d *Dispatcher) claim(ctx context.Context, entryID string, staleBefore time.Time) bool {
	now := d.clock().UTC()
	result := d.db.WithContext(ctx).Model(&Entry{}).
		Where("entry_id = ? AND status = ? AND (claimed_by = ? OR claimed_at IS NULL OR claimed_at < ?)",
			entryID, StatusPending, "", staleBefore).
		Updates(map[string]any{
			"claimed_by": d.workerID,
			"claimed_at": now,
		})
	if result.Error != nil {
		d.logger.Error("outbox claim failed",
			zap.String("operation", opDispatch),
			zap.String("entry_id", entryID),
			zap.Error(result.Error))
		return false
	}
	return result.RowsAffected == 1
}

func (d *Dispatcher) processEntry(ctx context.Context, entry Entry) {
	var event eventlog.Event
	err := d.db.WithContext(ctx).Where("event_id = ?", entry.EventID).Take(&event).Error
	if err != nil {
		d.settleFailure(ctx, entry, nil, fmt.Errorf("event row missing: %w", err))
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	switch entry.Target {
	case TargetProjection:
		if d.projection == nil {
			d.settleFailure(ctx, entry, &event, errors.New("no projection engine configured"))
			return
		}
		err = d.projection.ProjectEvent(callCtx, &event)
	case TargetRelay:
		if d.relay == nil {
			// A standalone store has no peer; relay work cannot ever
			// complete, so discard instead of burning retries.
			d.settleFailure(ctx, entry, &event, fmt.Errorf("%w: no relay peer configured", ErrUnresolvable))
			return
		}
		err = d.relay.Enqueue(callCtx, &event)
	default:
		err = fmt.Errorf("unknown target %q", entry.Target)
	}

	if err != nil {
		d.settleFailure(ctx, entry, &event, err)
		return
	}
	d.settleSuccess(ctx, entry, &event)
}

func (d *Dispatcher) settleSuccess(ctx context.Context, entry Entry, event *eventlog.Event) {
	now := d.clock().UTC()
	updateErr := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Entry{}).Where("entry_id = ?", entry.EntryID).Updates(map[string]any{
			"status":       StatusProcessed,
			"processed_at": now,
			"claimed_by":   "",
			"claimed_at":   nil,
			"last_error":   "",
		}).Error; err != nil {
			return err
		}
		if entry.Target == TargetProjection {
			return tx.Model(&eventlog.Event{}).Where("event_id = ?", entry.EventID).
				Update("projection_status", string(eventlog.ProjectionStatusProcessed)).Error
		}
		return nil
	})
	if updateErr != nil {
		d.logger.Error("outbox success bookkeeping failed",
			zap.String("operation", opDispatch),
			zap.String("entry_id", entry.EntryID),
			zap.Error(updateErr))
	}
}

// settleFailure classifies the handler error. Dependency failures stay
// pending and retry up to the ceiling; unresolvable dependencies are
// discarded to break the retry loop; anything else is terminal.
func (d *Dispatcher) settleFailure(ctx context.Context, entry Entry, event *eventlog.Event, handlerErr error) {
	attempts := entry.Attempts + 1

	rowStatus := StatusFailed
	eventStatus := eventlog.ProjectionStatusFailed
	switch {
	case isUnresolvable(handlerErr):
		rowStatus = StatusDiscarded
		eventStatus = eventlog.ProjectionStatusDiscarded
	case isDependencyFailure(handlerErr) && attempts < d.maxAttempts:
		rowStatus = StatusPending
		eventStatus = eventlog.ProjectionStatusPending
	}

	updateErr := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Entry{}).Where("entry_id = ?", entry.EntryID).Updates(map[string]any{
			"status":     rowStatus,
			"attempts":   attempts,
			"claimed_by": "",
			"claimed_at": nil,
			"last_error": handlerErr.Error(),
		}).Error; err != nil {
			return err
		}
		if entry.Target == TargetProjection && event != nil {
			return tx.Model(&eventlog.Event{}).Where("event_id = ?", entry.EventID).Updates(map[string]any{
				"projection_status": string(eventStatus),
				"projection_error":  handlerErr.Error(),
			}).Error
		}
		return nil
	})
	if updateErr != nil {
		d.logger.Error("outbox failure bookkeeping failed",
			zap.String("operation", opDispatch),
			zap.String("entry_id", entry.EntryID),
			zap.Error(updateErr))
		return
	}

	d.logger.Warn("outbox entry failed",
		zap.String("operation", opDispatch),
		zap.String("entry_id", entry.EntryID),
		zap.String("event_id", entry.EventID),
		zap.String("target", entry.Target),
		zap.String("row_status", rowStatus),
		zap.Int("attempts", attempts),
		zap.Error(handlerErr))
}
