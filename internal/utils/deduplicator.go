package utils

import (
	"sync"
	"time"
)

// Deduplicator remembers recently seen ids for a TTL. It is a fast path in
// front of an authoritative unique index, so losing an entry is harmless.
type Deduplicator struct {
	mu   sync.RWMutex
	seen map[string]time.Time
	ttl  time.Duration
}

// NewDeduplicator creates a deduplicator that forgets ids after ttl
func NewDeduplicator(ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Deduplicator{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// Seen reports whether id was recorded within the TTL, recording it either way
func (d *Deduplicator) Seen(id string) bool {
	if id == "" {
		return false
	}

	d.mu.RLock()
	at, exists := d.seen[id]
	d.mu.RUnlock()

	if exists && time.Since(at) < d.ttl {
		return true
	}

	d.mu.Lock()
	d.seen[id] = time.Now()

	// Cleanup old entries if the map gets too big
	if len(d.seen) > 10000 {
		for k, v := range d.seen {
			if time.Since(v) > 2*d.ttl {
				delete(d.seen, k)
			}
		}
	}
	d.mu.Unlock()

	return false
}
