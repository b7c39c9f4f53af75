// Package events fans session events out to observers.
package events

import (
	"sync"
	"time"

	"github.com/user/groupbot/internal/provider"
	"github.com/user/groupbot/pkg/logger"
)

// Kind identifies an event type.
type Kind string

const (
	KindStatus  Kind = "status"
	KindQR      Kind = "qr"
	KindCounter Kind = "counter"
	KindGroups  Kind = "groups"
)

// Event is a session-tagged notification. Only the fields relevant to Kind
// are set.
type Event struct {
	Kind    Kind
	Session string
	Time    time.Time

	Status string // KindStatus
	QR     string // KindQR, normalized base64 PNG

	GroupID string // KindCounter
	Count   int    // KindCounter

	Groups []provider.Chat // KindGroups
}

// Publisher is what producers depend on.
type Publisher interface {
	Publish(e Event)
}

// Bus delivers events to subscribers without blocking the publisher. A
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Publish sends e to every subscriber.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			logger.Warn().
				Int("subscriber", id).
				Str("session", e.Session).
				Str("kind", string(e.Kind)).
				Msg("Subscriber buffer full, dropping event")
		}
	}
}

// Subscribe registers a subscriber. The returned function unsubscribes and
// closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
