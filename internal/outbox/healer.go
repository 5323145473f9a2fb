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

const (
	opHeal = "outbox.heal"

	defaultHealBatchSize = 100
)

// HealerConfig wires the projection healer dependencies.
type HealerConfig struct {
	Database   *gorm.DB
	Projection ProjectionEngine
	BatchSize  int
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Healer sweeps for events whose log row exists but whose projection
// never landed and the outbox no longer carries work for them, then
// re-projects the recoverable ones. Unresolvable gaps are discarded so
// they stop tripping the health signal.
type Healer struct {
	db         *gorm.DB
	projection ProjectionEngine
	batchSize  int
	clock      func() time.Time
	logger     *zap.Logger
}

// NewHealer validates the configuration and returns a Healer.
func NewHealer(cfg HealerConfig) (*Healer, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("outbox.healer.new.missing_database: %w", errMissingDatabase)
	}
	if cfg.Projection == nil {
		return nil, fmt.Errorf("outbox.healer.new.missing_projection: %w", errors.New("projection engine is required"))
	}

	healer := &Healer{
		db:         cfg.Database,
		projection: cfg.Projection,
		batchSize:  cfg.BatchSize,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}
	if healer.batchSize <= 0 {
		healer.batchSize = defaultHealBatchSize
	}
	if healer.clock == nil {
		healer.clock = time.Now
	}
	if healer.logger == nil {
		healer.logger = noOpLogger
	}
	return healer, nil
}

// Run sweeps on a fixed interval until the context ends.
func (h *Healer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := h.HealOnce(ctx); err != nil {
				h.logger.Error("projection heal pass failed",
					zap.String("operation", opHeal),
					zap.Error(err))
			}
		}
	}
}

// HealOnce finds orphaned events and attempts one re-projection each.
// It reports how many events it healed.
func (h *Healer) HealOnce(ctx context.Context) (int, error) {
	orphans, err := h.findOrphans(ctx)
	if err != nil {
		return 0, err
	}

	healed := 0
	for index := range orphans {
		if ctx.Err() != nil {
			return healed, nil
		}
		if h.healEvent(ctx, &orphans[index]) {
			healed++
		}
	}
	return healed, nil
}

// findOrphans selects events still awaiting projection with no live
// outbox row left to deliver them. That state is unreachable through
// the normal pipeline and only appears after crashes or bugs.
func (h *Healer) findOrphans(ctx context.Context) ([]eventlog.Event, error) {
	var orphans []eventlog.Event
	err := h.db.WithContext(ctx).
		Where("projection_status IN ?", []string{
			string(eventlog.ProjectionStatusPending),
			string(eventlog.ProjectionStatusFailed),
		}).
		Where("NOT EXISTS (SELECT 1 FROM outbox_entries WHERE outbox_entries.event_id = events.event_id AND outbox_entries.target = ? AND outbox_entries.status = ?)",
			TargetProjection, StatusPending).
		Order("created_at_ms ASC").
		Limit(h.batchSize).
		Find(&orphans).Error
	if err != nil {
		return nil, fmt.Errorf("outbox.heal.select_failed: %w", err)
	}
	return orphans, nil
}

// CountGaps reports how many events still lack a projection, feeding
// the health signal.
func (h *Healer) CountGaps(ctx context.Context, storeID string) (int64, error) {
	var count int64
	query := h.db.WithContext(ctx).Model(&eventlog.Event{}).
		Where("projection_status IN ?", []string{
			string(eventlog.ProjectionStatusPending),
			string(eventlog.ProjectionStatusFailed),
		})
	if storeID != "" {
		query = query.Where("store_id = ?", storeID)
	}
	if err := query.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("outbox.heal.gap_count_failed: %w", err)
	}
	return count, nil
}

func (h *Healer) healEvent(ctx context.Context, event *eventlog.Event) bool {
	err := h.projection.ProjectEvent(ctx, event)

	status := eventlog.ProjectionStatusProcessed
	message := ""
	switch {
	case err == nil:
	case isUnresolvable(err):
		status = eventlog.ProjectionStatusDiscarded
		message = err.Error()
	case isDependencyFailure(err):
		// Still waiting on the dependency; leave the event for the
		// next sweep.
		return false
	default:
		status = eventlog.ProjectionStatusFailed
		message = err.Error()
	}

	updateErr := h.db.WithContext(ctx).Model(&eventlog.Event{}).
		Where("event_id = ?", event.EventID).
		Updates(map[string]any{
			"projection_status": string(status),
			"projection_error":  message,
		}).Error
	if updateErr != nil {
		h.logger.Error("heal bookkeeping failed",
			zap.String("operation", opHeal),
			zap.String("event_id", event.EventID),
			zap.Error(updateErr))
		return false
	}

	if status != eventlog.ProjectionStatusProcessed {
		h.logger.Warn("orphaned event settled without projection",
			zap.String("operation", opHeal),
			zap.String("event_id", event.EventID),
			zap.String("projection_status", string(status)),
			zap.Error(err))
		return false
	}
	return true
}
