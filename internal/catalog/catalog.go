package catalog

import (
	"sync"
	"time"

	"halftimebot/internal/domain"
)

// Catalog is the resolved event list for the current scheduling day. Each
// Replace supersedes the previous day wholesale.
type Catalog struct {
	mu         sync.RWMutex
	events     []domain.Event
	byOracle   map[int]int
	byCatalog  map[string]int
	resolvedAt time.Time
}

func NewCatalog() *Catalog {
	return &Catalog{byOracle: map[int]int{}, byCatalog: map[string]int{}}
}

func (c *Catalog) Replace(events []domain.Event, at time.Time) {
	cp := make([]domain.Event, len(events))
	copy(cp, events)
	byOracle := make(map[int]int, len(cp))
	byCatalog := make(map[string]int, len(cp))
	for i, e := range cp {
		byOracle[e.OracleID] = i
		byCatalog[e.CatalogID] = i
	}

	c.mu.Lock()
	c.events = cp
	c.byOracle = byOracle
	c.byCatalog = byCatalog
	c.resolvedAt = at
	c.mu.Unlock()
}

func (c *Catalog) Get(oracleID int) (domain.Event, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.byOracle[oracleID]
	if !ok {
		return domain.Event{}, false
	}
	return c.events[i], true
}

func (c *Catalog) GetByCatalogID(id string) (domain.Event, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.byCatalog[id]
	if !ok {
		return domain.Event{}, false
	}
	return c.events[i], true
}

// List returns a copy of the resolved events.
func (c *Catalog) List() []domain.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *Catalog) ResolvedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolvedAt
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.events)
}
