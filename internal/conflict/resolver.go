package conflict

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bodegapos/backend/internal/crdt"
	"github.com/bodegapos/backend/internal/vclock"
)

var (
	// ErrNotEnoughEvents indicates a resolve call with fewer than two events.
	ErrNotEnoughEvents = errors.New("conflict: need at least two events to resolve")
	// ErrUnknownStrategy indicates an unrecognized resolution strategy.
	ErrUnknownStrategy = errors.New("conflict: unknown resolution strategy")
)

// CandidateEvent carries the slice of an event the resolver needs: its
// identity, the entity it touches, and its causal coordinates.
type CandidateEvent struct {
	EventID    string
	EntityType string
	EntityID   string
	Payload    json.RawMessage
	Timestamp  int64
	DeviceID   string
	Clock      vclock.Clock
}

// Detection is the outcome of comparing two events for conflict.
type Detection struct {
	HasConflict bool
	Relation    vclock.Relation
	Strategy    crdt.Strategy
}

// DetectConflict reports whether two events conflict. Events conflict
// only when they touch the same logical entity and their vector clocks
// are concurrent; the resolution strategy comes from the field policy
// table.
func DetectConflict(a, b CandidateEvent) Detection {
	if a.EntityType != b.EntityType || a.EntityID != b.EntityID || a.EntityID == "" {
		return Detection{HasConflict: false, Relation: vclock.RelationEqual}
	}

	relation := vclock.Compare(a.Clock, b.Clock)
	if relation != vclock.RelationConcurrent {
		return Detection{HasConflict: false, Relation: relation}
	}

	return Detection{
		HasConflict: true,
		Relation:    relation,
		Strategy:    crdt.RecommendStrategy(a.EntityType, entityField(a.EntityType)),
	}
}

// entityField picks the representative contested field per entity type
// for strategy selection. Price-bearing entities route through mvr,
// additive ones through awset.
func entityField(entityType string) string {
	switch entityType {
	case "product":
		return "price_usd"
	case "inventory_movement":
		return "quantity"
	case "sale":
		return "items"
	case "debt":
		return "payments"
	case "cash_session":
		return "entries"
	default:
		return "default"
	}
}

// Resolution is the outcome of a resolve attempt. When Resolved is false
// the events must go to manual review and nothing may be persisted.
type Resolution struct {
	Resolved             bool
	Strategy             crdt.Strategy
	ResolvedValue        json.RawMessage
	WinnerEventID        string
	LoserEventIDs        []string
	RequiresManualReview bool
}

// ResolveConflict merges the conflicting events with the requested CRDT
// strategy. An MVR merge that retains more than one value, or any
// internal failure, yields an unresolved result instead of an error so
// the caller can park the event for manual review.
func ResolveConflict(events []CandidateEvent, strategy crdt.Strategy) (Resolution, error) {
	if len(events) < 2 {
		return Resolution{}, ErrNotEnoughEvents
	}

	switch strategy {
	case crdt.StrategyLWW:
		return resolveWithLWW(events)
	case crdt.StrategyAWSet:
		return resolveWithAWSet(events)
	case crdt.StrategyMVR:
		return resolveWithMVR(events)
	case crdt.StrategyGCounter:
		return resolveWithCounter(events)
	default:
		return Resolution{}, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategy)
	}
}

func resolveWithLWW(events []CandidateEvent) (Resolution, error) {
	registers := make([]crdt.LWWRegister, 0, len(events))
	for _, event := range events {
		registers = append(registers, crdt.NewLWW(event.Payload, event.Timestamp, event.DeviceID, event.Clock))
	}

	winner, err := crdt.ResolveLWW(registers)
	if err != nil {
		return Resolution{}, err
	}

	resolution := Resolution{
		Resolved:      true,
		Strategy:      crdt.StrategyLWW,
		ResolvedValue: winner.Value,
	}
	for _, event := range events {
		if event.DeviceID == winner.DeviceID && event.Timestamp == winner.Timestamp {
			resolution.WinnerEventID = event.EventID
		} else {
			resolution.LoserEventIDs = append(resolution.LoserEventIDs, event.EventID)
		}
	}
	return resolution, nil
}

func resolveWithAWSet(events []CandidateEvent) (Resolution, error) {
	set := crdt.NewAWSet()
	for _, event := range events {
		set = set.Add(event.EventID, event.Payload, event.Timestamp, event.DeviceID)
	}

	resolved, err := json.Marshal(set.Values())
	if err != nil {
		return Resolution{}, err
	}

	// Every concurrent add survives; there is no loser.
	resolution := Resolution{
		Resolved:      true,
		Strategy:      crdt.StrategyAWSet,
		ResolvedValue: resolved,
	}
	for _, event := range events {
		resolution.WinnerEventID = event.EventID
	}
	return resolution, nil
}

func resolveWithMVR(events []CandidateEvent) (Resolution, error) {
	register := crdt.NewMVR()
	for _, event := range events {
		register = register.Add(crdt.MVREntry{
			Value:     event.Payload,
			Timestamp: event.Timestamp,
			DeviceID:  event.DeviceID,
			Clock:     event.Clock,
		})
	}
	register = crdt.MergeMVR(register, crdt.NewMVR())

	if register.HasConflict() {
		values, err := json.Marshal(register.RawValues())
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{
			Resolved:             false,
			Strategy:             crdt.StrategyMVR,
			ResolvedValue:        values,
			RequiresManualReview: true,
		}, nil
	}

	surviving := register.Values[0]
	resolution := Resolution{
		Resolved:      true,
		Strategy:      crdt.StrategyMVR,
		ResolvedValue: surviving.Value,
	}
	for _, event := range events {
		if event.DeviceID == surviving.DeviceID && event.Timestamp == surviving.Timestamp {
			resolution.WinnerEventID = event.EventID
		} else {
			resolution.LoserEventIDs = append(resolution.LoserEventIDs, event.EventID)
		}
	}
	return resolution, nil
}

func resolveWithCounter(events []CandidateEvent) (Resolution, error) {
	counter := crdt.NewPNCounter()
	for _, event := range events {
		state, err := crdt.ApplyDelta(crdt.StrategyGCounter, mustMarshalCounter(counter), crdt.DeltaEvent{
			EventID:   event.EventID,
			Payload:   event.Payload,
			Timestamp: event.Timestamp,
			DeviceID:  event.DeviceID,
			Clock:     event.Clock,
		})
		if err != nil {
			return Resolution{}, err
		}
		if err := json.Unmarshal(state, &counter); err != nil {
			return Resolution{}, err
		}
	}

	resolved, err := json.Marshal(counter)
	if err != nil {
		return Resolution{}, err
	}
	resolution := Resolution{
		Resolved:      true,
		Strategy:      crdt.StrategyGCounter,
		ResolvedValue: resolved,
	}
	for _, event := range events {
		resolution.WinnerEventID = event.EventID
	}
	return resolution, nil
}

func mustMarshalCounter(counter crdt.PNCounter) json.RawMessage {
	raw, err := json.Marshal(counter)
	if err != nil {
		return json.RawMessage(`{"increments":{},"decrements":{}}`)
	}
	return raw
}
