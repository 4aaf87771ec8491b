package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"halftimebot/internal/storage"
)

const (
	dedupLookupTimeout = 25 * time.Millisecond
	dedupWriteTimeout  = 250 * time.Millisecond
	dedupWriteBuffer   = 1024
)

// dedupKey identifies one message for one destination. Keyed messages keep
// their key readable so persisted rows can be traced back to a job; free text
// is hashed.
func dedupKey(sender string, m Message) string {
	if m.Key != "" {
		return sender + "|" + m.Key
	}
	if strings.TrimSpace(m.Text) == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(m.Subject))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(m.Text))
	return fmt.Sprintf("%s|text:%x", sender, h.Sum64())
}

type dedupWrite struct {
	key   string
	until time.Time
}

// dedupCache suppresses repeats of a key until its window expires. With a
// store attached, claims are written behind so a restarted process still
// sees them.
type dedupCache struct {
	mu    sync.Mutex
	until map[string]time.Time
	max   int

	store  storage.Store
	writes chan dedupWrite
}

func newDedupCache(limit int) *dedupCache {
	return &dedupCache{until: map[string]time.Time{}, max: limit}
}

// attach enables write-behind persistence. A nil store detaches.
func (c *dedupCache) attach(st storage.Store) chan dedupWrite {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = st
	c.writes = nil
	if st != nil {
		c.writes = make(chan dedupWrite, dedupWriteBuffer)
	}
	return c.writes
}

func (c *dedupCache) detach() {
	c.mu.Lock()
	c.store = nil
	c.writes = nil
	c.mu.Unlock()
}

func (c *dedupCache) setMax(n int) {
	c.mu.Lock()
	c.max = n
	c.mu.Unlock()
}

// claim reports whether key may be sent now and, if so, reserves it for
// window. A persisted reservation from an earlier run also blocks the claim.
func (c *dedupCache) claim(ctx context.Context, key string, window time.Duration) bool {
	now := time.Now()

	c.mu.Lock()
	if u, ok := c.until[key]; ok && now.Before(u) {
		c.mu.Unlock()
		return false
	}
	st := c.store
	c.mu.Unlock()

	if st != nil {
		if ctx == nil {
			ctx = context.Background()
		}
		lctx, cancel := context.WithTimeout(ctx, dedupLookupTimeout)
		u, ok, err := st.GetDedup(lctx, key)
		cancel()
		if err == nil && ok && now.Before(u) {
			c.mu.Lock()
			c.until[key] = u
			c.mu.Unlock()
			return false
		}
	}

	u := now.Add(window)
	c.mu.Lock()
	c.until[key] = u
	c.evictLocked(now)
	w := c.writes
	c.mu.Unlock()

	if w != nil {
		select {
		case w <- dedupWrite{key: key, until: u}:
		default:
		}
	}
	return true
}

// evictLocked drops expired keys, then the soonest-expiring ones until the
// cache fits max.
func (c *dedupCache) evictLocked(now time.Time) {
	for k, u := range c.until {
		if !now.Before(u) {
			delete(c.until, k)
		}
	}
	for c.max > 0 && len(c.until) > c.max {
		var oldest string
		var at time.Time
		for k, u := range c.until {
			if oldest == "" || u.Before(at) {
				oldest, at = k, u
			}
		}
		delete(c.until, oldest)
	}
}

func (c *dedupCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.until)
}

// flushDedup drains queued writes into st until ch closes or ctx ends.
func flushDedup(ctx context.Context, ch <-chan dedupWrite, st storage.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, dedupWriteTimeout)
			_ = st.PutDedup(wctx, w.key, w.until)
			cancel()
		}
	}
}
