package ingest

import "encoding/json"

// Error codes returned in rejected outcomes.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeSecurityError   = "SECURITY_ERROR"
	CodeProcessingError = "PROCESSING_ERROR"
)

// Actor identifies who performed the operation on the device.
type Actor struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// PushEvent is one candidate event inside a push batch.
type PushEvent struct {
	EventID            string           `json:"event_id"`
	Seq                int64            `json:"seq"`
	Type               string           `json:"type"`
	Version            int              `json:"version"`
	CreatedAt          int64            `json:"created_at"`
	Actor              Actor            `json:"actor"`
	Payload            json.RawMessage  `json:"payload"`
	VectorClock        map[string]int64 `json:"vector_clock,omitempty"`
	CausalDependencies []string         `json:"causal_dependencies,omitempty"`
	DeltaPayload       json.RawMessage  `json:"delta_payload,omitempty"`
	FullPayloadHash    string           `json:"full_payload_hash,omitempty"`
	IdempotencyKey     string           `json:"idempotency_key,omitempty"`
	ViaRelay           bool             `json:"via_relay,omitempty"`
}

// PushRequest is a batch of candidate events from one (store, device) pair.
type PushRequest struct {
	StoreID       string      `json:"store_id"`
	DeviceID      string      `json:"device_id"`
	ClientVersion string      `json:"client_version"`
	Events        []PushEvent `json:"events"`
}

// AcceptedOutcome reports a durably stored (or already known) event.
type AcceptedOutcome struct {
	EventID string `json:"event_id"`
	Seq     int64  `json:"seq"`
}

// RejectedOutcome reports a terminally refused event.
type RejectedOutcome struct {
	EventID string `json:"event_id"`
	Seq     int64  `json:"seq"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConflictedOutcome reports an event parked for manual adjudication.
type ConflictedOutcome struct {
	EventID              string   `json:"event_id"`
	Seq                  int64    `json:"seq"`
	ConflictID           string   `json:"conflict_id"`
	Reason               string   `json:"reason"`
	RequiresManualReview bool     `json:"requires_manual_review"`
	ConflictingWith      []string `json:"conflicting_with"`
}

// PushResponse carries the three disjoint outcome buckets plus the
// server clock and the highest sequence the batch reached.
type PushResponse struct {
	Accepted         []AcceptedOutcome   `json:"accepted"`
	Rejected         []RejectedOutcome   `json:"rejected"`
	Conflicted       []ConflictedOutcome `json:"conflicted"`
	ServerTime       int64               `json:"server_time"`
	LastProcessedSeq int64               `json:"last_processed_seq"`
}

// DeviceStatus answers the sync status query for one device.
type DeviceStatus struct {
	StoreID        string `json:"store_id"`
	DeviceID       string `json:"device_id"`
	LastSeq        int64  `json:"last_seq"`
	LastReceivedAt int64  `json:"last_received_at"`
	EventCount     int64  `json:"event_count"`
}
