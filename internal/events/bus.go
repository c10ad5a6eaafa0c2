package events

import (
	"sync"
	"time"
)

const (
	// RemoteApplied follows every committed live batch.
	RemoteApplied     = "remote.applied"
	UploadCompleted   = "sync.upload"
	DownloadCompleted = "sync.download"
	CleanupCompleted  = "sync.cleanup"
	SyncFailed        = "sync.failed"
	TaskChanged       = "task.changed"
)

// Event is a notification about the local store.
type Event struct {
	Type    string    `json:"type"`
	At      time.Time `json:"at" format:"date-time"`
	Op      string    `json:"op,omitempty"`
	IDs     []string  `json:"ids,omitempty"`
	Count   int       `json:"count"`
	Initial bool      `json:"initial,omitempty"`
	Err     string    `json:"error,omitempty"`
}

// Bus fans events out to subscribers. Subscribers run synchronously on the
// publishing goroutine and must not block.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Event)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to every subscriber. A nil Bus drops the event.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(e)
	}
}
