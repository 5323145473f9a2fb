package vclock

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrInvalidClock indicates a clock with an empty device key or a negative counter.
	ErrInvalidClock = errors.New("vclock: invalid vector clock")
	// ErrInvalidEncoding indicates serialized clock input that cannot be parsed.
	ErrInvalidEncoding = errors.New("vclock: invalid clock encoding")
)

// Relation describes the causal ordering between two vector clocks.
type Relation string

const (
	// RelationEqual means both clocks observed the same causal history.
	RelationEqual Relation = "EQUAL"
	// RelationBefore means the first clock happened-before the second.
	RelationBefore Relation = "BEFORE"
	// RelationAfter means the first clock happened-after the second.
	RelationAfter Relation = "AFTER"
	// RelationConcurrent means neither clock observed the other's writes.
	RelationConcurrent Relation = "CONCURRENT"
)

// Clock maps device identifiers to the last locally observed sequence
// number for that device. The nil or empty map is the zero clock.
type Clock map[string]int64

// New returns an empty clock.
func New() Clock {
	return Clock{}
}

// FromEvent builds a single-entry clock for an event that carries only a
// device-local sequence number.
func FromEvent(deviceID string, seq int64) Clock {
	return Clock{deviceID: seq}
}

// Clone returns an independent copy of the clock.
func (c Clock) Clone() Clock {
	cloned := make(Clock, len(c))
	for device, seq := range c {
		cloned[device] = seq
	}
	return cloned
}

// Get returns the counter for a device, zero when absent.
func (c Clock) Get(deviceID string) int64 {
	return c[deviceID]
}

// IsEmpty reports whether the clock has no observations.
func (c Clock) IsEmpty() bool {
	for _, seq := range c {
		if seq != 0 {
			return false
		}
	}
	return true
}

// Increment returns a new clock with the device counter bumped by one.
func Increment(c Clock, deviceID string) Clock {
	next := c.Clone()
	next[deviceID] = next[deviceID] + 1
	return next
}

// IncrementTo returns a new clock with the device counter set to the
// provided value.
func IncrementTo(c Clock, deviceID string, value int64) Clock {
	next := c.Clone()
	next[deviceID] = value
	return next
}

// Merge combines two clocks by taking the per-device maximum. The
// operation is commutative, associative, and idempotent.
func Merge(a, b Clock) Clock {
	merged := a.Clone()
	for device, seq := range b {
		if seq > merged[device] {
			merged[device] = seq
		}
	}
	return merged
}

// Compare determines the causal relation between two clocks by examining
// every device present in either. Exactly one relation is returned.
func Compare(a, b Clock) Relation {
	aGreater := false
	bGreater := false

	for device, aSeq := range a {
		bSeq := b[device]
		if aSeq > bSeq {
			aGreater = true
		} else if bSeq > aSeq {
			bGreater = true
		}
	}
	for device, bSeq := range b {
		if _, seen := a[device]; seen {
			continue
		}
		if bSeq > 0 {
			bGreater = true
		}
	}

	switch {
	case !aGreater && !bGreater:
		return RelationEqual
	case aGreater && !bGreater:
		return RelationAfter
	case !aGreater && bGreater:
		return RelationBefore
	default:
		return RelationConcurrent
	}
}

// Dominates reports whether clock a covers every observation in b.
func Dominates(a, b Clock) bool {
	relation := Compare(a, b)
	return relation == RelationAfter || relation == RelationEqual
}

// AreConcurrent reports whether neither clock observed the other.
func AreConcurrent(a, b Clock) bool {
	return Compare(a, b) == RelationConcurrent
}

// Distance sums the absolute per-device counter differences over the
// union of device keys. Used for divergence metrics only.
func Distance(a, b Clock) int64 {
	var total int64
	for device, aSeq := range a {
		diff := aSeq - b[device]
		if diff < 0 {
			diff = -diff
		}
		total += diff
	}
	for device, bSeq := range b {
		if _, seen := a[device]; seen {
			continue
		}
		if bSeq < 0 {
			total -= bSeq
		} else {
			total += bSeq
		}
	}
	return total
}

// Validate rejects clocks with empty device keys or negative counters.
func (c Clock) Validate() error {
	for device, seq := range c {
		if strings.TrimSpace(device) == "" {
			return fmt.Errorf("%w: empty device id", ErrInvalidClock)
		}
		if seq < 0 {
			return fmt.Errorf("%w: negative counter %d for device %s", ErrInvalidClock, seq, device)
		}
	}
	return nil
}

// Serialize renders the clock as a sorted, comma-joined "device:seq"
// string so stored clocks compare deterministically.
func (c Clock) Serialize() string {
	if len(c) == 0 {
		return ""
	}
	devices := make([]string, 0, len(c))
	for device := range c {
		devices = append(devices, device)
	}
	sort.Strings(devices)

	parts := make([]string, 0, len(devices))
	for _, device := range devices {
		parts = append(parts, device+":"+strconv.FormatInt(c[device], 10))
	}
	return strings.Join(parts, ",")
}

// Parse rebuilds a clock from its serialized form. Empty input yields the
// zero clock.
func Parse(serialized string) (Clock, error) {
	trimmed := strings.TrimSpace(serialized)
	if trimmed == "" {
		return Clock{}, nil
	}

	clock := Clock{}
	for _, entry := range strings.Split(trimmed, ",") {
		device, rawSeq, found := strings.Cut(entry, ":")
		if !found || strings.TrimSpace(device) == "" {
			return nil, fmt.Errorf("%w: malformed entry %q", ErrInvalidEncoding, entry)
		}
		seq, err := strconv.ParseInt(rawSeq, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed counter %q", ErrInvalidEncoding, rawSeq)
		}
		if seq < 0 {
			return nil, fmt.Errorf("%w: negative counter %d", ErrInvalidEncoding, seq)
		}
		clock[device] = seq
	}
	return clock, nil
}
