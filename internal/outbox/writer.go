package outbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/bodegapos/backend/internal/eventlog"
	"gorm.io/gorm"
)

var errMissingIDProvider = errors.New("id provider is required")

// IDProvider issues identifiers for outbox rows.
type IDProvider interface {
	NewID() (string, error)
}

// WriterConfig wires the outbox writer dependencies.
type WriterConfig struct {
	IDProvider IDProvider
	Clock      func() time.Time
}

// Writer fans a persisted event out into one row per downstream target,
// inside the event's own transaction so the log write and the dispatch
// intent commit atomically.
type Writer struct {
	idProvider IDProvider
	clock      func() time.Time
}

// NewWriter validates the configuration and returns a Writer.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("outbox.writer.new.missing_id_provider: %w", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Writer{idProvider: cfg.IDProvider, clock: clock}, nil
}

// EnqueueTx writes the projection row and, for events that did not
// themselves arrive through the relay, the relay row. Relayed events
// get no relay row so a federation of stores never echoes an event
// back to its origin.
func (w *Writer) EnqueueTx(tx *gorm.DB, event *eventlog.Event) error {
	targets := []string{TargetProjection}
	if !event.ViaRelay {
		targets = append(targets, TargetRelay)
	}

	now := w.clock().UTC()
	for _, target := range targets {
		entryID, err := w.idProvider.NewID()
		if err != nil {
			return fmt.Errorf("outbox.enqueue.id_generation_failed: %w", err)
		}
		entry := Entry{
			EntryID:              entryID,
			EventID:              event.EventID,
			StoreID:              event.StoreID,
			Target:               target,
			Status:               StatusPending,
			EventCreatedAtMillis: event.CreatedAtMillis,
			EventSeq:             event.Seq,
			CreatedAt:            now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("outbox.enqueue.insert_failed: %w", err)
		}
	}
	return nil
}
