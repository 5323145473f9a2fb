package crdt

// PNCounter is a positive-negative counter keyed by device. Merging takes
// the per-device maximum of each side instead of summing, so re-delivery
// of the same monotonic per-device count never double-counts.
type PNCounter struct {
	Increments map[string]int64 `json:"increments"`
	Decrements map[string]int64 `json:"decrements"`
}

// NewPNCounter returns a zero counter.
func NewPNCounter() PNCounter {
	return PNCounter{
		Increments: map[string]int64{},
		Decrements: map[string]int64{},
	}
}

func (c PNCounter) clone() PNCounter {
	next := PNCounter{
		Increments: make(map[string]int64, len(c.Increments)),
		Decrements: make(map[string]int64, len(c.Decrements)),
	}
	for device, count := range c.Increments {
		next.Increments[device] = count
	}
	for device, count := range c.Decrements {
		next.Decrements[device] = count
	}
	return next
}

// Increment adds amount to the device's increment side.
func (c PNCounter) Increment(deviceID string, amount int64) PNCounter {
	next := c.clone()
	next.Increments[deviceID] += amount
	return next
}

// Decrement adds amount to the device's decrement side.
func (c PNCounter) Decrement(deviceID string, amount int64) PNCounter {
	next := c.clone()
	next.Decrements[deviceID] += amount
	return next
}

// MergePN takes the per-device maximum of increments and of decrements
// independently.
func MergePN(a, b PNCounter) PNCounter {
	merged := a.clone()
	for device, count := range b.Increments {
		if count > merged.Increments[device] {
			merged.Increments[device] = count
		}
	}
	for device, count := range b.Decrements {
		if count > merged.Decrements[device] {
			merged.Decrements[device] = count
		}
	}
	return merged
}

// Value returns total increments minus total decrements.
func (c PNCounter) Value() int64 {
	var total int64
	for _, count := range c.Increments {
		total += count
	}
	for _, count := range c.Decrements {
		total -= count
	}
	return total
}
