package conflict

import "time"

// AuditEntry is the immutable record of one resolved conflict. Written
// exactly once in the same transaction as the resolution, never updated.
type AuditEntry struct {
	AuditID       string    `gorm:"column:audit_id;primaryKey;size:190;not null"`
	StoreID       string    `gorm:"column:store_id;size:190;not null;index:idx_conflict_audit_store,priority:1"`
	EntityType    string    `gorm:"column:entity_type;size:64;not null"`
	EntityID      string    `gorm:"column:entity_id;size:190;not null"`
	WinnerEventID string    `gorm:"column:winner_event_id;size:190;not null"`
	LoserEventIDs string    `gorm:"column:loser_event_ids;type:text;not null;default:''"`
	Strategy      string    `gorm:"column:strategy;size:32;not null"`
	PayloadsJSON  string    `gorm:"column:payloads_json;type:text;not null"`
	ResolvedBy    string    `gorm:"column:resolved_by;size:190;not null"`
	ResolvedAt    time.Time `gorm:"column:resolved_at;not null;index:idx_conflict_audit_store,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (AuditEntry) TableName() string {
	return "conflict_audit_log"
}

// Pending conflict lifecycle states.
const (
	StatusPending  = "pending"
	StatusResolved = "resolved"
)

// Manual resolution choices.
const (
	ResolutionKeepMine   = "keep_mine"
	ResolutionTakeTheirs = "take_theirs"
)

// PendingConflict holds an incoming event that could not be auto-resolved
// until an operator adjudicates it. The full held event is kept so
// keep_mine can persist it later; the log itself never stores the
// conflicted event.
type PendingConflict struct {
	ConflictID     string     `gorm:"column:conflict_id;primaryKey;size:190;not null"`
	StoreID        string     `gorm:"column:store_id;size:190;not null;index:idx_sync_conflicts_store,priority:1"`
	EntityType     string     `gorm:"column:entity_type;size:64;not null"`
	EntityID       string     `gorm:"column:entity_id;size:190;not null"`
	HeldEventJSON  string     `gorm:"column:held_event_json;type:text;not null"`
	ConflictingIDs string     `gorm:"column:conflicting_event_ids;type:text;not null"`
	Reason         string     `gorm:"column:reason;size:190;not null"`
	Priority       string     `gorm:"column:priority;size:16;not null;default:'low'"`
	Status         string     `gorm:"column:status;size:16;not null;default:'pending';index:idx_sync_conflicts_store,priority:2"`
	Resolution     string     `gorm:"column:resolution;size:32;not null;default:''"`
	ResolvedBy     string     `gorm:"column:resolved_by;size:190;not null;default:''"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null"`
	ResolvedAt     *time.Time `gorm:"column:resolved_at"`
}

// TableName provides the explicit table binding for GORM.
func (PendingConflict) TableName() string {
	return "sync_conflicts"
}
