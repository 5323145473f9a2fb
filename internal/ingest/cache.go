package ingest

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// AlertCache deduplicates operator alerts within a time window so a
// price override spammed across a batch pages the owner once.
type AlertCache interface {
	// MarkAlerted records the key and reports whether it was already
	// present within the window.
	MarkAlerted(key string) bool
}

type ttlAlertCache struct {
	entries *expirable.LRU[string, struct{}]
}

// NewAlertCache returns a size-bounded cache whose entries expire after
// the given window.
func NewAlertCache(size int, window time.Duration) AlertCache {
	return &ttlAlertCache{
		entries: expirable.NewLRU[string, struct{}](size, nil, window),
	}
}

func (c *ttlAlertCache) MarkAlerted(key string) bool {
	if _, present := c.entries.Get(key); present {
		return true
	}
	c.entries.Add(key, struct{}{})
	return false
}
