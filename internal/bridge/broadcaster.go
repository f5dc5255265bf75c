package bridge

import (
	"sync"
	"sync/atomic"

	"github.com/emberhq/go-emergency-response/internal/models"
)

// Broadcaster fans published events out to live subscribers (SSE streams,
// notification dispatch). Delivery here is best-effort: the durable event
// log is the replayable source, so a dropped message on a slow subscriber
// is recoverable via its log cursor.
type Broadcaster struct {
	subscribers map[uint64]chan models.Event
	nextID      atomic.Uint64
	mu          sync.RWMutex
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[uint64]chan models.Event),
	}
}

func (b *Broadcaster) Subscribe() (uint64, chan models.Event) {
	id := b.nextID.Add(1)
	ch := make(chan models.Event, 100)

	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()

	return id, ch
}

func (b *Broadcaster) Unsubscribe(id uint64) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) Publish(ev models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// Skip slow subscribers; they catch up from the log.
		}
	}
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes all subscriber channels, causing streams to exit gracefully.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
