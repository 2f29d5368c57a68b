// Package cache keeps the most recent decoded reading per sensor.
package cache

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quentinglorieux/Temperature/internal/decoder"
)

// Entry is the latest reading seen for one sensor.
type Entry struct {
	MAC        string
	Reading    decoder.Reading
	ObservedAt time.Time
}

// Cache maps sensor identity to its latest Entry. Identities compare
// case-insensitively; the stored MAC keeps the case of the last upsert.
//
// Staleness is applied when reading, so entries are never evicted unless
// Sweep is called.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func New() *Cache {
	return &Cache{entries: make(map[string]Entry)}
}

func key(mac string) string {
	return strings.ToLower(mac)
}

// Upsert replaces whatever is stored for mac. Fields missing from reading
// are not carried over from the previous entry.
func (c *Cache) Upsert(mac string, reading decoder.Reading, now time.Time) {
	c.mu.Lock()
	c.entries[key(mac)] = Entry{MAC: mac, Reading: reading, ObservedAt: now}
	c.mu.Unlock()
}

// Get returns the entry for mac regardless of age.
func (c *Cache) Get(mac string) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[key(mac)]
	c.mu.RUnlock()
	return e, ok
}

// Active returns entries observed no more than window before now, sorted by
// MAC.
func (c *Cache) Active(now time.Time, window time.Duration) []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if now.Sub(e.ObservedAt) <= window {
			out = append(out, e)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return key(out[i].MAC) < key(out[j].MAC) })
	return out
}

// Sweep deletes entries older than maxAge and returns how many were removed.
func (c *Cache) Sweep(now time.Time, maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if now.Sub(e.ObservedAt) > maxAge {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of identities held, stale or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
