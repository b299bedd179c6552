// Package status fans transfer lifecycle events out to observers: the
// daemon's log, its websocket clients, and tests.
package status

import (
	"sync"
	"time"

	"github.com/user/bluedrop/logger"
)

const subscriberBuffer = 64

// Event is one observable moment in a device's life.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a broadcast channel fan-out. Publish never blocks: a
// subscriber that stops draining loses events, not the publisher.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of future events and a cancel func.
// Cancel is idempotent and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// Publish stamps and broadcasts an event.
func (b *Bus) Publish(evtType string, data map[string]any) {
	evt := Event{Type: evtType, Timestamp: time.Now(), Data: data}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			logger.Debug("status", "subscriber %d lagging, dropped %s", id, evtType)
		}
	}
}
