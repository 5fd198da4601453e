package blockjob

import (
	"sync"
	"time"
)

// EventTag names an asynchronous notification delivered by a Channel.
type EventTag string

const (
	EventJobReady     EventTag = "BLOCK_JOB_READY"
	EventJobCompleted EventTag = "BLOCK_JOB_COMPLETED"
	EventJobFailed    EventTag = "BLOCK_JOB_FAILED"
	EventJobCancelled EventTag = "BLOCK_JOB_CANCELLED"
)

// EventQueue records delivered events until they are cleared. It is safe for
// concurrent use: event loops post from their own goroutine while a waiter
// polls.
type EventQueue struct {
	mu     sync.Mutex
	events map[EventTag]time.Time
}

// NewEventQueue creates an empty queue.
func NewEventQueue() *EventQueue {
	return &EventQueue{events: make(map[EventTag]time.Time)}
}

// Post records tag. Re-posting refreshes its timestamp.
func (q *EventQueue) Post(tag EventTag) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events[tag] = time.Now()
}

// Has reports whether tag was posted and not cleared since.
func (q *EventQueue) Has(tag EventTag) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.events[tag]
	return ok
}

// Clear removes tag. Clearing an absent tag is a no-op.
func (q *EventQueue) Clear(tag EventTag) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.events, tag)
}

// EventBridge folds the two observability modes of a Channel into one view:
// when the channel cannot deliver events every lookup reports false and
// clears do nothing.
type EventBridge struct {
	channel   Channel
	supported bool
}

// NewEventBridge queries the channel's capability once.
func NewEventBridge(ch Channel) *EventBridge {
	return &EventBridge{
		channel:   ch,
		supported: ch.SupportsEvents(),
	}
}

// Supported reports whether the channel delivers events.
func (b *EventBridge) Supported() bool {
	return b.supported
}

// Get reports whether tag is pending without consuming it.
func (b *EventBridge) Get(tag EventTag) bool {
	if !b.supported {
		return false
	}
	return b.channel.GetEvent(tag)
}

// Clear drops a pending tag so a later wait cannot see a stale delivery.
func (b *EventBridge) Clear(tag EventTag) {
	if !b.supported {
		return
	}
	b.channel.ClearEvent(tag)
}
