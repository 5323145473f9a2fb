package eventlog

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidStoreID indicates an empty or oversized store identifier.
	ErrInvalidStoreID = errors.New("eventlog: invalid store id")
	// ErrInvalidDeviceID indicates an empty or oversized device identifier.
	ErrInvalidDeviceID = errors.New("eventlog: invalid device id")
	// ErrInvalidSeq indicates a non-positive device sequence number.
	ErrInvalidSeq = errors.New("eventlog: invalid sequence number")
)

// StoreID represents a validated store identifier.
type StoreID string

// NewStoreID validates raw input and returns a StoreID.
func NewStoreID(rawInput string) (StoreID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidStoreID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidStoreID, maxIdentifierLength)
	}
	return StoreID(trimmed), nil
}

// String returns the underlying string identifier.
func (id StoreID) String() string {
	return string(id)
}

// DeviceID represents a validated device identifier.
type DeviceID string

// NewDeviceID validates raw input and returns a DeviceID.
func NewDeviceID(rawInput string) (DeviceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDeviceID, maxIdentifierLength)
	}
	return DeviceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DeviceID) String() string {
	return string(id)
}

// Role enumerates the store roles an actor may hold.
type Role string

const (
	// RoleOwner may bypass price-deviation checks and sell against
	// another user's cash session.
	RoleOwner Role = "owner"
	// RoleCashier is the default register operator role.
	RoleCashier Role = "cashier"
	// RoleUnknown marks an unrecognized role value.
	RoleUnknown Role = "unknown"
)

// ParseRole maps raw input to a Role variant.
func ParseRole(raw string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleOwner:
		return RoleOwner
	case RoleCashier:
		return RoleCashier
	default:
		return RoleUnknown
	}
}

// Privileged reports whether the role may bypass price and session checks.
func (r Role) Privileged() bool {
	return r == RoleOwner
}

// ConflictStatus tracks how an event's concurrency was settled.
type ConflictStatus string

const (
	// ConflictStatusResolved means no concurrent write contested the event.
	ConflictStatusResolved ConflictStatus = "resolved"
	// ConflictStatusAutoResolved means a CRDT merge rewrote the payload.
	ConflictStatusAutoResolved ConflictStatus = "auto_resolved"
	// ConflictStatusPending means the event awaits manual adjudication.
	ConflictStatusPending ConflictStatus = "pending"
	// ConflictStatusManualResolved means an operator settled the conflict.
	ConflictStatusManualResolved ConflictStatus = "manual_resolved"
)

// ProjectionStatus tracks the read-model collaborator's progress on an
// event. Owned by the outbox pipeline, never by ingestion.
type ProjectionStatus string

const (
	// ProjectionStatusPending means no successful projection yet.
	ProjectionStatusPending ProjectionStatus = "pending"
	// ProjectionStatusProcessed means the projection applied the event.
	ProjectionStatusProcessed ProjectionStatus = "processed"
	// ProjectionStatusFailed means projection exhausted its retries.
	ProjectionStatusFailed ProjectionStatus = "failed"
	// ProjectionStatusDiscarded means the dependency can never resolve
	// and retrying would loop forever.
	ProjectionStatusDiscarded ProjectionStatus = "discarded"
)

// Event is one immutable row of the append-only log. Once persisted only
// conflict_status, projection_status and projection_error may change.
type Event struct {
	EventID            string    `gorm:"column:event_id;primaryKey;size:190;not null"`
	IdempotencyKey     string    `gorm:"column:idempotency_key;size:190;not null;uniqueIndex:idx_events_idempotency"`
	StoreID            string    `gorm:"column:store_id;size:190;not null;uniqueIndex:idx_events_device_seq,priority:1;index:idx_events_store_received,priority:1"`
	DeviceID           string    `gorm:"column:device_id;size:190;not null;uniqueIndex:idx_events_device_seq,priority:2"`
	Seq                int64     `gorm:"column:seq;not null;uniqueIndex:idx_events_device_seq,priority:3"`
	Type               string    `gorm:"column:type;size:64;not null;index:idx_events_type"`
	SchemaVersion      int       `gorm:"column:version;not null;default:1"`
	ActorUserID        string    `gorm:"column:actor_user_id;size:190;not null"`
	ActorRole          string    `gorm:"column:actor_role;size:32;not null"`
	CreatedAtMillis    int64     `gorm:"column:created_at_ms;not null"`
	ReceivedAt         time.Time `gorm:"column:received_at;not null;index:idx_events_store_received,priority:2"`
	PayloadJSON        string    `gorm:"column:payload_json;type:text;not null"`
	DeltaPayloadJSON   string    `gorm:"column:delta_payload_json;type:text;not null;default:''"`
	FullPayloadHash    string    `gorm:"column:full_payload_hash;size:64;not null;default:''"`
	VectorClock        string    `gorm:"column:vector_clock;type:text;not null;default:''"`
	CausalDependencies string    `gorm:"column:causal_dependencies;type:text;not null;default:''"`
	EntityType         string    `gorm:"column:entity_type;size:64;not null;default:'';index:idx_events_entity,priority:1"`
	EntityID           string    `gorm:"column:entity_id;size:190;not null;default:'';index:idx_events_entity,priority:2"`
	ViaRelay           bool      `gorm:"column:via_relay;not null;default:false"`
	ConflictStatus     string    `gorm:"column:conflict_status;size:32;not null;default:'resolved'"`
	ProjectionStatus   string    `gorm:"column:projection_status;size:32;not null;default:'pending'"`
	ProjectionError    string    `gorm:"column:projection_error;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "events"
}
