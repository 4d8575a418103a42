package api

import (
	"sync"

	"depotplan/internal/readiness"
)

// ReadinessCache stores the scored view of the latest snapshot per depot so
// GET /v1/readiness does not rescore on every poll. Ingesting a snapshot
// replaces the depot's entry wholesale.
type ReadinessCache struct {
	mu sync.Mutex
	// key: depot|trainsetId
	m map[string]readiness.Breakdown
}

// NewReadinessCache constructs a ReadinessCache.
func NewReadinessCache() *ReadinessCache { return &ReadinessCache{m: map[string]readiness.Breakdown{}} }

func (c *ReadinessCache) key(depot, trainsetID string) string {
	return depot + "|" + trainsetID
}

// Replace drops every entry for the depot and stores the new breakdowns.
func (c *ReadinessCache) Replace(depot string, breakdowns map[string]readiness.Breakdown) {
	if depot == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := depot + "|"
	for k := range c.m {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.m, k)
		}
	}
	for id, b := range breakdowns {
		c.m[c.key(depot, id)] = b
	}
}

// Get returns the cached breakdown for one trainset.
func (c *ReadinessCache) Get(depot, trainsetID string) (readiness.Breakdown, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.m[c.key(depot, trainsetID)]
	return b, ok
}

// ListByDepot returns every cached breakdown for the depot.
func (c *ReadinessCache) ListByDepot(depot string) []readiness.Breakdown {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []readiness.Breakdown{}
	prefix := depot + "|"
	for k, v := range c.m {
		// simple prefix match
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, v)
		}
	}
	return out
}
