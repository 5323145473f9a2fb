package crdt

import "encoding/json"

// AWSetEntry is a single tagged add operation.
type AWSetEntry struct {
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
	DeviceID  string          `json:"device_id"`
}

// AWSet is an add-wins set. Every add carries a unique per-operation tag;
// removes tombstone a tag instead of deleting it. An element is visible
// when at least one of its add tags is not tombstoned, so a concurrent
// add always survives a concurrent remove.
type AWSet struct {
	Elements   map[string]AWSetEntry `json:"elements"`
	Tombstones map[string]bool       `json:"tombstones"`
}

// NewAWSet returns an empty add-wins set.
func NewAWSet() AWSet {
	return AWSet{
		Elements:   map[string]AWSetEntry{},
		Tombstones: map[string]bool{},
	}
}

func (s AWSet) clone() AWSet {
	next := AWSet{
		Elements:   make(map[string]AWSetEntry, len(s.Elements)),
		Tombstones: make(map[string]bool, len(s.Tombstones)),
	}
	for tag, entry := range s.Elements {
		next.Elements[tag] = entry
	}
	for tag := range s.Tombstones {
		next.Tombstones[tag] = true
	}
	return next
}

// Add records an element under its unique operation tag.
func (s AWSet) Add(tag string, value json.RawMessage, timestamp int64, deviceID string) AWSet {
	next := s.clone()
	next.Elements[tag] = AWSetEntry{
		Value:     value,
		Timestamp: timestamp,
		DeviceID:  deviceID,
	}
	return next
}

// Remove tombstones a tag. The element stays in Elements so that merges
// from replicas that never saw the remove still converge.
func (s AWSet) Remove(tag string) AWSet {
	next := s.clone()
	next.Tombstones[tag] = true
	return next
}

// MergeAWSet unions elements and tombstones. Colliding tags keep the
// entry with the higher timestamp, device id breaking ties.
func MergeAWSet(a, b AWSet) AWSet {
	merged := a.clone()

	for tag, entry := range b.Elements {
		existing, ok := merged.Elements[tag]
		if !ok {
			merged.Elements[tag] = entry
			continue
		}
		if entry.Timestamp > existing.Timestamp {
			merged.Elements[tag] = entry
		} else if entry.Timestamp == existing.Timestamp && entry.DeviceID > existing.DeviceID {
			merged.Elements[tag] = entry
		}
	}
	for tag := range b.Tombstones {
		merged.Tombstones[tag] = true
	}
	return merged
}

// Values returns the payloads of every live (untombstoned) element.
func (s AWSet) Values() []json.RawMessage {
	values := make([]json.RawMessage, 0, len(s.Elements))
	for tag, entry := range s.Elements {
		if s.Tombstones[tag] {
			continue
		}
		values = append(values, entry.Value)
	}
	return values
}

// Contains reports whether the tag is live in the set.
func (s AWSet) Contains(tag string) bool {
	_, present := s.Elements[tag]
	return present && !s.Tombstones[tag]
}
