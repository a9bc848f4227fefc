package app

import (
	"sync"
	"time"
)

// GlobalScope is the reserved broadcast id for fleet-wide administrative
// events; per-attempt scopes use the attempt id.
const GlobalScope = "*"

// Event is one broadcast message delivered to observers of a scope.
type Event struct {
	Type      string    `json:"type"`
	AttemptID string    `json:"attempt_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	At        time.Time `json:"at"`
}

// BroadcastRegistry abstracts how broadcast scopes are tracked (in-memory,
// Redis-presence-backed, etc).
type BroadcastRegistry interface {
	GetOrCreate(scopeID string) *Broadcast
	Get(scopeID string) (*Broadcast, bool)
	DeleteIfEmpty(scopeID string)
}

// Broadcast fans events out to every observer of one scope. Events are
// delivered in publish order per scope; nothing is guaranteed across scopes.
type Broadcast struct {
	id          string
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
}

// NewBroadcast is exported for registry implementations.
func NewBroadcast(scopeID string) *Broadcast {
	return &Broadcast{
		id:          scopeID,
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe registers an observer. The caller must invoke the returned
// cancel function to avoid leaks.
func (b *Broadcast) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)

	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every current observer. A slow observer has
// its oldest pending event dropped rather than blocking the broadcast.
func (b *Broadcast) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
	}
}

// IsEmpty reports whether the scope has no observers.
func (b *Broadcast) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers) == 0
}
