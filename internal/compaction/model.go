package compaction

import "time"

// Snapshot is the CRDT-folded durable substitute for purged history:
// once events at or below Version leave the log, the snapshot is the
// only source of the entity's state.
type Snapshot struct {
	SnapshotID  string    `gorm:"column:snapshot_id;primaryKey;size:190;not null"`
	StoreID     string    `gorm:"column:store_id;size:190;not null;uniqueIndex:idx_snapshots_entity,priority:1"`
	EntityType  string    `gorm:"column:entity_type;size:64;not null;uniqueIndex:idx_snapshots_entity,priority:2"`
	EntityID    string    `gorm:"column:entity_id;size:190;not null;uniqueIndex:idx_snapshots_entity,priority:3"`
	Strategy    string    `gorm:"column:strategy;size:32;not null"`
	StateJSON   string    `gorm:"column:state_json;type:text;not null"`
	Version     int64     `gorm:"column:version;not null"`
	VectorClock string    `gorm:"column:vector_clock;type:text;not null;default:''"`
	Hash        string    `gorm:"column:hash;size:64;not null"`
	EventCount  int64     `gorm:"column:event_count;not null"`
	LastEventAt time.Time `gorm:"column:last_event_at;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Snapshot) TableName() string {
	return "crdt_snapshots"
}
