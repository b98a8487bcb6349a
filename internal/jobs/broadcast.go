package jobs

import (
	"sync"
	"sync/atomic"

	"github.com/hed1ad/puguard/pkg/train"
)

// Broadcaster fans progress events out to subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the event.
type Broadcaster struct {
	mu      sync.RWMutex
	next    int
	subs    map[int]chan train.Progress
	dropped atomic.Int64
}

// NewBroadcaster creates a broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan train.Progress)}
}

// Subscribe registers a listener with the given buffer size.
func (b *Broadcaster) Subscribe(buffer int) (int, <-chan train.Progress) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan train.Progress, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a listener and closes its channel.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers p to every subscriber that has room.
func (b *Broadcaster) Publish(p train.Progress) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- p:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Close unsubscribes everyone.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
