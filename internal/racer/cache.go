package racer

import (
	"sync"

	"github.com/sells-group/transcript-engine/internal/strategy"
)

// cache is a bounded in-memory map of successful results. The oldest entry
// is evicted first; entries never expire within a process run.
type cache struct {
	mu      sync.Mutex
	max     int
	entries map[string]strategy.Result
	order   []string
}

func newCache(max int) *cache {
	if max <= 0 {
		max = 1000
	}
	return &cache{max: max, entries: make(map[string]strategy.Result, max)}
}

func (c *cache) get(id string) (strategy.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[id]
	return r, ok
}

func (c *cache) put(id string, r strategy.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; ok {
		c.entries[id] = r
		return
	}
	for len(c.order) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[id] = r
	c.order = append(c.order, id)
}

func (c *cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
