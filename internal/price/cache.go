// Package price combines multi-source crypto quotes into consensus prices.
//
// The Aggregator polls the configured REST pricers, merges in the latest
// streamed quote when one is fresh, and reduces the set to a median with
// outlier rejection and a confidence score. A per-symbol cache of the last
// good consensus lets callers degrade gracefully when a cycle produces no
// usable quotes.
package price

import (
	"sync"
	"time"

	"polymarket-lab/pkg/types"
)

// Cache holds the most recent streamed quote per symbol. It is written by
// the stream consumer goroutine and read by the aggregator on every cycle.
type Cache struct {
	mu     sync.RWMutex
	quotes map[string]types.PriceQuote
}

// NewCache creates an empty stream cache.
func NewCache() *Cache {
	return &Cache{quotes: make(map[string]types.PriceQuote)}
}

// Put stores the quote, replacing any previous quote for the symbol.
func (c *Cache) Put(q types.PriceQuote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[q.Symbol] = q
}

// Get returns the latest quote for the symbol regardless of age.
func (c *Cache) Get(symbol string) (types.PriceQuote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[symbol]
	return q, ok
}

// Fresh returns the latest quote only if it is younger than maxAge.
func (c *Cache) Fresh(symbol string, maxAge time.Duration) (types.PriceQuote, bool) {
	q, ok := c.Get(symbol)
	if !ok {
		return types.PriceQuote{}, false
	}
	if q.Age(time.Now()) > maxAge {
		return types.PriceQuote{}, false
	}
	return q, true
}

// Len returns the number of symbols with a cached quote.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.quotes)
}
