// Package market provides the tracked-market cache and discovery scanner.
//
// The Cache is the single authority on which prediction markets the bot
// currently follows. Each entry carries its last refresh time and a count
// of consecutive refreshes it was absent from; entries age out when their
// market ended over an hour ago or after three missed refreshes. Freshness
// is enforced at read time: the execution path only ever sees markets
// through Fresh.
package market

import (
	"sort"
	"sync"
	"time"

	"polymarket-lab/pkg/types"
)

// maxMissedRefreshes is the consecutive-absence count that evicts an entry.
const maxMissedRefreshes = 3

// endedGrace is how long after its end time a market stays in the cache.
const endedGrace = time.Hour

// Entry is one tracked market with its refresh bookkeeping.
type Entry struct {
	Market        types.Market
	LastUpdatedAt time.Time
	missed        int
}

// Cache is the concurrency-safe store of tracked markets.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewCache creates an empty market cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*Entry)}
}

// Put inserts or updates one market and resets its missed-refresh count.
func (c *Cache) Put(m types.Market) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(m, time.Now())
}

func (c *Cache) putLocked(m types.Market, now time.Time) {
	c.entries[m.ID] = &Entry{Market: m, LastUpdatedAt: now}
}

// Reconcile applies one full refresh: fetched markets are upserted, every
// other entry's missed count is incremented, and entries missing from
// three consecutive refreshes are evicted. Returns the evicted IDs.
func (c *Cache) Reconcile(fetched []types.Market) []string {
	now := time.Now()
	seen := make(map[string]bool, len(fetched))
	for _, m := range fetched {
		seen[m.ID] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var evicted []string
	for id, e := range c.entries {
		if seen[id] {
			continue
		}
		e.missed++
		if e.missed >= maxMissedRefreshes {
			delete(c.entries, id)
			evicted = append(evicted, id)
		}
	}
	for _, m := range fetched {
		c.putLocked(m, now)
	}
	return evicted
}

// Sweep evicts markets whose end time passed more than an hour ago.
// Returns the evicted IDs.
func (c *Cache) Sweep(now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var evicted []string
	for id, e := range c.entries {
		end := e.Market.EndTime
		if !end.IsZero() && now.Sub(end) > endedGrace {
			delete(c.entries, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Fresh returns the market only if it was refreshed within maxAge. This is
// the read used on the execution path; stale entries are withheld.
func (c *Cache) Fresh(id string, maxAge time.Duration) (types.Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return types.Market{}, false
	}
	if time.Since(e.LastUpdatedAt) > maxAge {
		return types.Market{}, false
	}
	return e.Market, true
}

// Get returns the market regardless of age. Position maintenance uses this
// so open trades can still be marked and closed on stale data.
func (c *Cache) Get(id string) (types.Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return types.Market{}, false
	}
	return e.Market, true
}

// LastUpdated returns the refresh time for one entry.
func (c *Cache) LastUpdated(id string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return e.LastUpdatedAt, true
}

// AllActive returns markets that have not ended yet, ordered by ID for
// deterministic iteration.
func (c *Cache) AllActive(now time.Time) []types.Market {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]types.Market, 0, len(c.entries))
	for _, e := range c.entries {
		if !e.Market.EndTime.IsZero() && !now.Before(e.Market.EndTime) {
			continue
		}
		out = append(out, e.Market)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of tracked markets.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
