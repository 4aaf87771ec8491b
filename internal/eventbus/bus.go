package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Lifecycle event types published by the scheduler components.
const (
	TypeDiscoveryCompleted   = "discovery.completed"
	TypeDiscoveryFailed      = "discovery.failed"
	TypeMilestoneScheduled   = "milestone.scheduled"
	TypeMilestoneRescheduled = "milestone.rescheduled"
	TypeMilestoneFired       = "milestone.fired"
	TypeMilestoneCancelled   = "milestone.cancelled"
	TypePicksRecorded        = "picks.recorded"
	TypeOutcomesRecorded     = "outcomes.recorded"
	TypePipelineFailed       = "pipeline.failed"

	TypeTaskStarted  = "task.started"
	TypeTaskFinished = "task.finished"
	TypeTaskFailed   = "task.failed"
	TypeTaskSkipped  = "task.skipped"
	TypeTaskDropped  = "task.dropped"

	TypeTriggerFailed = "trigger.failed"
)

// Event is an in-process signal between components. Data should stay small
// and JSON-encodable because the websocket stream forwards it verbatim.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

const defaultBuffer = 8

// New returns an in-memory bus. It starts no goroutines.
func New() Bus {
	return &memBus{}
}

type memBus struct {
	// mu is held for reading across sends so unsubscribe cannot close a
	// channel mid-send.
	mu   sync.RWMutex
	subs []*subscriber
}

type subscriber struct {
	ch     chan Event
	missed atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			sub.missed.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { b.remove(sub) })
	}
}

func (b *memBus) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	close(sub.ch)
}

// Missed totals events dropped on full subscriber buffers. Buses other than
// the one New returns report zero.
func Missed(b Bus) uint64 {
	mb, ok := b.(*memBus)
	if !ok {
		return 0
	}
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	var n uint64
	for _, sub := range mb.subs {
		n += sub.missed.Load()
	}
	return n
}

// Publish is a nil-safe helper for components holding an optional bus.
func Publish(b Bus, typ string, data any) {
	if b != nil {
		b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
	}
}
