package outbox

import "time"

// Dispatch targets.
const (
	TargetProjection = "projection"
	TargetRelay      = "relay"
)

// Row lifecycle states.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusFailed    = "failed"
	StatusDiscarded = "discarded"
)

// Entry is one unit of downstream work: a persisted event paired with a
// single target. Rows are written in the same transaction as the event
// and claimed by dispatcher instances with a compare-and-swap update.
type Entry struct {
	EntryID              string     `gorm:"column:entry_id;primaryKey;size:190;not null"`
	EventID              string     `gorm:"column:event_id;size:190;not null;index:idx_outbox_event"`
	StoreID              string     `gorm:"column:store_id;size:190;not null"`
	Target               string     `gorm:"column:target;size:32;not null"`
	Status               string     `gorm:"column:status;size:16;not null;default:'pending';index:idx_outbox_status,priority:1"`
	Attempts             int        `gorm:"column:attempts;not null;default:0"`
	ClaimedBy            string     `gorm:"column:claimed_by;size:190;not null;default:''"`
	ClaimedAt            *time.Time `gorm:"column:claimed_at"`
	LastError            string     `gorm:"column:last_error;type:text;not null;default:''"`
	EventCreatedAtMillis int64      `gorm:"column:event_created_at_ms;not null;index:idx_outbox_status,priority:2"`
	EventSeq             int64      `gorm:"column:event_seq;not null"`
	CreatedAt            time.Time  `gorm:"column:created_at;not null"`
	ProcessedAt          *time.Time `gorm:"column:processed_at"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "outbox_entries"
}
