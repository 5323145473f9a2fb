package crdt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bodegapos/backend/internal/vclock"
)

var (
	// ErrUnknownStrategy indicates a delta fold against an unrecognized policy.
	ErrUnknownStrategy = errors.New("crdt: unknown strategy")
	// ErrInvalidState indicates stored CRDT state that cannot be decoded.
	ErrInvalidState = errors.New("crdt: invalid serialized state")
)

// DeltaEvent is the slice of an event the compactor folds into snapshot
// state: the (delta) payload plus the causal coordinates of the write.
type DeltaEvent struct {
	EventID   string
	Payload   json.RawMessage
	Timestamp int64
	DeviceID  string
	Clock     vclock.Clock
}

// snapshotPolicies picks the CRDT shape used when folding an entity's
// event stream into a snapshot.
var snapshotPolicies = map[string]Strategy{
	"product":            StrategyLWW,
	"customer":           StrategyLWW,
	"inventory_movement": StrategyGCounter,
	"cash_session":       StrategyGCounter,
	"sale":               StrategyAWSet,
	"debt":               StrategyAWSet,
}

// SnapshotStrategy returns the fold policy for an entity type,
// defaulting to last-write-wins.
func SnapshotStrategy(entityType string) Strategy {
	if strategy, ok := snapshotPolicies[entityType]; ok {
		return strategy
	}
	return StrategyLWW
}

// InitialState returns the serialized zero state for a strategy.
func InitialState(strategy Strategy) (json.RawMessage, error) {
	switch strategy {
	case StrategyLWW:
		return json.Marshal(LWWRegister{})
	case StrategyAWSet:
		return json.Marshal(NewAWSet())
	case StrategyMVR:
		return json.Marshal(NewMVR())
	case StrategyGCounter:
		return json.Marshal(NewPNCounter())
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategy)
	}
}

// counterDelta is the subset of a payload a counter fold cares about.
type counterDelta struct {
	QtyDelta *int64 `json:"qty_delta"`
	Qty      *int64 `json:"qty"`
}

// ApplyDelta folds one event into serialized CRDT state and returns the
// new state. The fold is deterministic: replaying the same events in the
// same order always yields byte-identical state.
func ApplyDelta(strategy Strategy, state json.RawMessage, delta DeltaEvent) (json.RawMessage, error) {
	if len(state) == 0 {
		initial, err := InitialState(strategy)
		if err != nil {
			return nil, err
		}
		state = initial
	}

	switch strategy {
	case StrategyLWW:
		var register LWWRegister
		if err := json.Unmarshal(state, &register); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		incoming := NewLWW(delta.Payload, delta.Timestamp, delta.DeviceID, delta.Clock)
		if register.DeviceID == "" && register.Timestamp == 0 {
			return json.Marshal(incoming)
		}
		return json.Marshal(MergeLWW(register, incoming))

	case StrategyAWSet:
		var set AWSet
		if err := json.Unmarshal(state, &set); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		if set.Elements == nil {
			set = NewAWSet()
		}
		return json.Marshal(set.Add(delta.EventID, delta.Payload, delta.Timestamp, delta.DeviceID))

	case StrategyMVR:
		var register MVRegister
		if err := json.Unmarshal(state, &register); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		next := register.Add(MVREntry{
			Value:     delta.Payload,
			Timestamp: delta.Timestamp,
			DeviceID:  delta.DeviceID,
			Clock:     delta.Clock,
		})
		return json.Marshal(MergeMVR(next, NewMVR()))

	case StrategyGCounter:
		var counter PNCounter
		if err := json.Unmarshal(state, &counter); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		if counter.Increments == nil {
			counter = NewPNCounter()
		}
		var payload counterDelta
		if len(delta.Payload) > 0 {
			if err := json.Unmarshal(delta.Payload, &payload); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
			}
		}
		amount := int64(0)
		if payload.QtyDelta != nil {
			amount = *payload.QtyDelta
		} else if payload.Qty != nil {
			amount = *payload.Qty
		}
		if amount < 0 {
			return json.Marshal(counter.Decrement(delta.DeviceID, -amount))
		}
		return json.Marshal(counter.Increment(delta.DeviceID, amount))

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategy)
	}
}

// HashState returns the hex SHA-256 of serialized state. Folds marshal
// through fixed struct shapes, so replaying the same events reproduces
// the same bytes and therefore the same hash.
func HashState(state json.RawMessage) string {
	sum := sha256.Sum256(state)
	return hex.EncodeToString(sum[:])
}
