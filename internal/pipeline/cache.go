package pipeline

import (
	"sort"
	"sync"

	"halftimebot/internal/domain"
)

const DefaultCacheSize = 64

// SnapshotCache holds the day's aggregates keyed by job key. It is bounded:
// once full, the oldest insert is evicted. Discovery clears it.
type SnapshotCache struct {
	mu    sync.Mutex
	max   int
	seq   uint64
	items map[domain.JobKey]cached
}

type cached struct {
	seq  uint64
	game domain.AggregatedGame
}

func NewSnapshotCache(max int) *SnapshotCache {
	if max <= 0 {
		max = DefaultCacheSize
	}
	return &SnapshotCache{max: max, items: map[domain.JobKey]cached{}}
}

func (c *SnapshotCache) Put(g domain.AggregatedGame) {
	key := domain.JobKey{EventID: g.Event.EventID(), Kind: g.Milestone}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.items[key] = cached{seq: c.seq, game: g}
	for len(c.items) > c.max {
		var oldest domain.JobKey
		var low uint64
		for k, v := range c.items {
			if low == 0 || v.seq < low {
				oldest, low = k, v.seq
			}
		}
		delete(c.items, oldest)
	}
}

func (c *SnapshotCache) Get(key domain.JobKey) (domain.AggregatedGame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	return v.game, ok
}

// List returns cached aggregates, oldest first.
func (c *SnapshotCache) List() []domain.AggregatedGame {
	c.mu.Lock()
	vals := make([]cached, 0, len(c.items))
	for _, v := range c.items {
		vals = append(vals, v)
	}
	c.mu.Unlock()
	sort.Slice(vals, func(i, j int) bool { return vals[i].seq < vals[j].seq })
	out := make([]domain.AggregatedGame, len(vals))
	for i, v := range vals {
		out[i] = v.game
	}
	return out
}

func (c *SnapshotCache) Clear() {
	c.mu.Lock()
	c.items = map[domain.JobKey]cached{}
	c.mu.Unlock()
}

func (c *SnapshotCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
