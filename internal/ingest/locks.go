package ingest

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// entityLocks closes the window between conflict detection and durable
// persistence: two concurrent pushes touching the same entity would
// otherwise both pass the conflict check before either row lands.
// Locking is striped so unrelated entities never contend.
type entityLocks struct {
	stripes [lockStripes]sync.Mutex
}

func newEntityLocks() *entityLocks {
	return &entityLocks{}
}

func (l *entityLocks) lock(storeID, entityType, entityID string) func() {
	hasher := fnv.New32a()
	hasher.Write([]byte(storeID))
	hasher.Write([]byte{0})
	hasher.Write([]byte(entityType))
	hasher.Write([]byte{0})
	hasher.Write([]byte(entityID))
	stripe := &l.stripes[hasher.Sum32()%lockStripes]
	stripe.Lock()
	return stripe.Unlock
}
