package orchestrator

import (
	"sync"
	"time"

	"stokbro/internal/models"
)

// EventKind distinguishes transition events from terminal outcomes
type EventKind string

const (
	EventTransition   EventKind = "transition"
	EventFormatFailed EventKind = "format_failed"
	EventOutcome      EventKind = "outcome"
)

// Event is published on every state change and at the end of a run
type Event struct {
	Kind    EventKind
	UserID  string
	State   State
	Format  models.Format
	Message string
	Outcome *models.BatchOutcome
	Err     error
	At      time.Time
}

// Bus fans events out to subscribers. Slow subscribers lose events
// rather than blocking the state machine.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

// NewBus creates an empty event bus
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a buffered listener. The returned func unsubscribes
// and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
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

// Publish delivers ev to every subscriber without blocking
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
