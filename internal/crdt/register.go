package crdt

import (
	"encoding/json"
	"errors"

	"github.com/bodegapos/backend/internal/vclock"
)

// ErrEmptyRegisterSet indicates a resolve call without any registers.
var ErrEmptyRegisterSet = errors.New("crdt: cannot resolve empty register set")

// LWWRegister holds a last-write-wins value. Higher timestamp wins; the
// lexicographically greater device id breaks ties so resolution is
// deterministic on every replica.
type LWWRegister struct {
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
	DeviceID  string          `json:"device_id"`
	Clock     vclock.Clock    `json:"vector_clock,omitempty"`
}

// NewLWW builds a register from an observed write.
func NewLWW(value json.RawMessage, timestamp int64, deviceID string, clock vclock.Clock) LWWRegister {
	return LWWRegister{
		Value:     value,
		Timestamp: timestamp,
		DeviceID:  deviceID,
		Clock:     clock,
	}
}

// MergeLWW returns the winning register of the pair.
func MergeLWW(a, b LWWRegister) LWWRegister {
	if a.Timestamp > b.Timestamp {
		return a
	}
	if a.Timestamp < b.Timestamp {
		return b
	}
	if a.DeviceID > b.DeviceID {
		return a
	}
	return b
}

// ResolveLWW left-folds MergeLWW over the provided registers. The result
// is independent of input order.
func ResolveLWW(registers []LWWRegister) (LWWRegister, error) {
	if len(registers) == 0 {
		return LWWRegister{}, ErrEmptyRegisterSet
	}
	winner := registers[0]
	for _, register := range registers[1:] {
		winner = MergeLWW(winner, register)
	}
	return winner, nil
}

// MVREntry is one causally tagged value inside a multi-value register.
type MVREntry struct {
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
	DeviceID  string          `json:"device_id"`
	Clock     vclock.Clock    `json:"vector_clock"`
}

// MVRegister retains every causally maximal value written to a field.
// More than one surviving entry means concurrent writes that no automatic
// policy may pick between.
type MVRegister struct {
	Values []MVREntry `json:"values"`
}

// NewMVR returns an empty multi-value register.
func NewMVR() MVRegister {
	return MVRegister{Values: []MVREntry{}}
}

// Add appends a value observation without pruning. Call MergeMVR to drop
// dominated entries.
func (r MVRegister) Add(entry MVREntry) MVRegister {
	values := make([]MVREntry, 0, len(r.Values)+1)
	values = append(values, r.Values...)
	values = append(values, entry)
	return MVRegister{Values: values}
}

// MergeMVR unions both value lists and drops every entry that is causally
// dominated by another, or that shares an equal clock with an entry whose
// timestamp is strictly greater.
func MergeMVR(a, b MVRegister) MVRegister {
	all := make([]MVREntry, 0, len(a.Values)+len(b.Values))
	all = append(all, a.Values...)
	all = append(all, b.Values...)

	if len(all) == 0 {
		return MVRegister{Values: []MVREntry{}}
	}

	surviving := make([]MVREntry, 0, len(all))
	for i, entry := range all {
		dominated := false
		for j, other := range all {
			if i == j {
				continue
			}
			relation := vclock.Compare(entry.Clock, other.Clock)
			if relation == vclock.RelationBefore {
				dominated = true
				break
			}
			if relation == vclock.RelationEqual && entry.Timestamp < other.Timestamp {
				dominated = true
				break
			}
		}
		if !dominated {
			surviving = append(surviving, entry)
		}
	}
	return MVRegister{Values: surviving}
}

// HasConflict reports whether the register retains more than one
// concurrent value.
func (r MVRegister) HasConflict() bool {
	return len(r.Values) > 1
}

// RawValues returns the retained payloads in entry order.
func (r MVRegister) RawValues() []json.RawMessage {
	values := make([]json.RawMessage, 0, len(r.Values))
	for _, entry := range r.Values {
		values = append(values, entry.Value)
	}
	return values
}
