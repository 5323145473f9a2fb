package compaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bodegapos/backend/internal/crdt"
	"github.com/bodegapos/backend/internal/eventlog"
	"github.com/bodegapos/backend/internal/vclock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opCompact = "compaction.compact"
	opPurge   = "compaction.purge"

	// purgeSafetyWindow keeps freshly compacted events around long
	// enough for late replicas to dedupe against them.
	purgeSafetyWindow = 24 * time.Hour

	defaultEntityBatch = 200
)

// IDProvider issues identifiers for snapshot rows.
type IDProvider interface {
	NewID() (string, error)
}

// CompactorConfig wires the compactor dependencies.
type CompactorConfig struct {
	Database    *gorm.DB
	IDProvider  IDProvider
	EntityBatch int
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Compactor folds per-entity event history into CRDT snapshots and
// purges events the snapshots have durably replaced.
type Compactor struct {
	db          *gorm.DB
	idProvider  IDProvider
	entityBatch int
	clock       func() time.Time
	logger      *zap.Logger
}

// NewCompactor validates the configuration and returns a Compactor.
func NewCompactor(cfg CompactorConfig) (*Compactor, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("compaction.compactor.new.missing_database: %w", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("compaction.compactor.new.missing_id_provider: %w", errMissingIDProvider)
	}

	compactor := &Compactor{
		db:          cfg.Database,
		idProvider:  cfg.IDProvider,
		entityBatch: cfg.EntityBatch,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}
	if compactor.entityBatch <= 0 {
		compactor.entityBatch = defaultEntityBatch
	}
	if compactor.clock == nil {
		compactor.clock = time.Now
	}
	if compactor.logger == nil {
		compactor.logger = noOpLogger
	}
	return compactor, nil
}

// Run compacts and purges on a fixed interval until the context ends.
func (c *Compactor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.CompactOnce(ctx); err != nil {
				c.logger.Error("compaction pass failed",
					zap.String("operation", opCompact),
					zap.Error(err))
			}
			if _, err := c.PurgeOnce(ctx); err != nil {
				c.logger.Error("purge pass failed",
					zap.String("operation", opPurge),
					zap.Error(err))
			}
		}
	}
}

type entityKey struct {
	StoreID    string
	EntityType string
	EntityID   string
}

// CompactOnce advances every entity snapshot past the events that
// arrived since the previous pass and reports how many entities moved.
func (c *Compactor) CompactOnce(ctx context.Context) (int, error) {
	var keys []entityKey
	err := c.db.WithContext(ctx).Model(&eventlog.Event{}).
		Distinct("store_id", "entity_type", "entity_id").
		Where("entity_id <> ''").
		Limit(c.entityBatch).
		Scan(&keys).Error
	if err != nil {
		return 0, fmt.Errorf("compaction.compact.select_failed: %w", err)
	}

	compacted := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			return compacted, nil
		}
		moved, err := c.compactEntity(ctx, key)
		if err != nil {
			c.logger.Error("entity compaction failed",
				zap.String("operation", opCompact),
				zap.String("entity_type", key.EntityType),
				zap.String("entity_id", key.EntityID),
				zap.Error(err))
			continue
		}
		if moved {
			compacted++
		}
	}
	return compacted, nil
}

func (c *Compactor) compactEntity(ctx context.Context, key entityKey) (bool, error) {
	strategy := crdt.SnapshotStrategy(key.EntityType)

	var snapshot Snapshot
	err := c.db.WithContext(ctx).
		Where("store_id = ? AND entity_type = ? AND entity_id = ?", key.StoreID, key.EntityType, key.EntityID).
		Take(&snapshot).Error
	fresh := errors.Is(err, gorm.ErrRecordNotFound)
	if err != nil && !fresh {
		return false, err
	}

	state := []byte(snapshot.StateJSON)
	if fresh {
		initial, err := crdt.InitialState(strategy)
		if err != nil {
			return false, err
		}
		state = initial
		snapshotID, err := c.idProvider.NewID()
		if err != nil {
			return false, err
		}
		snapshot = Snapshot{
			SnapshotID: snapshotID,
			StoreID:    key.StoreID,
			EntityType: key.EntityType,
			EntityID:   key.EntityID,
			Strategy:   string(strategy),
		}
	}

	var pending []eventlog.Event
	err = c.db.WithContext(ctx).
		Where("store_id = ? AND entity_type = ? AND entity_id = ? AND created_at_ms > ?",
			key.StoreID, key.EntityType, key.EntityID, snapshot.Version).
		Order("created_at_ms ASC, seq ASC").
		Find(&pending).Error
	if err != nil {
		return false, err
	}
	if len(pending) == 0 {
		return false, nil
	}

	clock, err := vclock.Parse(snapshot.VectorClock)
	if err != nil {
		clock = vclock.New()
	}
	for _, event := range pending {
		state, err = crdt.ApplyDelta(strategy, state, deltaFor(event))
		if err != nil {
			return false, err
		}
		eventClock, parseErr := vclock.Parse(event.VectorClock)
		if parseErr == nil {
			clock = vclock.Merge(clock, eventClock)
		}
		snapshot.Version = event.CreatedAtMillis
		snapshot.LastEventAt = event.ReceivedAt
	}

	snapshot.StateJSON = string(state)
	snapshot.VectorClock = clock.Serialize()
	snapshot.Hash = crdt.HashState(state)
	snapshot.EventCount += int64(len(pending))
	snapshot.UpdatedAt = c.clock().UTC()

	if err := c.db.WithContext(ctx).Save(&snapshot).Error; err != nil {
		return false, err
	}

	c.logger.Info("entity compacted",
		zap.String("operation", opCompact),
		zap.String("entity_type", key.EntityType),
		zap.String("entity_id", key.EntityID),
		zap.Int("folded_events", len(pending)),
		zap.Int64("version", snapshot.Version))
	return true, nil
}

// deltaFor prefers the event's dedicated delta payload and falls back
// to the full payload.
func deltaFor(event eventlog.Event) crdt.DeltaEvent {
	payload := event.DeltaPayloadJSON
	if payload == "" {
		payload = event.PayloadJSON
	}
	clock, err := vclock.Parse(event.VectorClock)
	if err != nil {
		clock = vclock.New()
	}
	return crdt.DeltaEvent{
		EventID:   event.EventID,
		Payload:   []byte(payload),
		Timestamp: event.CreatedAtMillis,
		DeviceID:  event.DeviceID,
		Clock:     clock,
	}
}

// Lookup fetches the current snapshot for one entity.
func (c *Compactor) Lookup(ctx context.Context, storeID, entityType, entityID string) (Snapshot, error) {
	var snapshot Snapshot
	err := c.db.WithContext(ctx).
		Where("store_id = ? AND entity_type = ? AND entity_id = ?", storeID, entityType, entityID).
		Take(&snapshot).Error
	if err != nil {
		return Snapshot{}, err
	}
	return snapshot, nil
}

// PurgeOnce deletes events a snapshot has replaced, but only once they
// are older than the safety window. It reports how many rows left.
func (c *Compactor) PurgeOnce(ctx context.Context) (int64, error) {
	cutoff := c.clock().UTC().Add(-purgeSafetyWindow)

	var snapshots []Snapshot
	if err := c.db.WithContext(ctx).Find(&snapshots).Error; err != nil {
		return 0, fmt.Errorf("compaction.purge.select_failed: %w", err)
	}

	var purged int64
	for _, snapshot := range snapshots {
		if ctx.Err() != nil {
			return purged, nil
		}
		result := c.db.WithContext(ctx).
			Where("store_id = ? AND entity_type = ? AND entity_id = ? AND created_at_ms <= ? AND received_at < ?",
				snapshot.StoreID, snapshot.EntityType, snapshot.EntityID, snapshot.Version, cutoff).
			Delete(&eventlog.Event{})
		if result.Error != nil {
			c.logger.Error("entity purge failed",
				zap.String("operation", opPurge),
				zap.String("entity_id", snapshot.EntityID),
				zap.Error(result.Error))
			continue
		}
		purged += result.RowsAffected
	}

	if purged > 0 {
		c.logger.Info("events purged",
			zap.String("operation", opPurge),
			zap.Int64("rows", purged))
	}
	return purged, nil
}
