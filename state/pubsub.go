package state

import (
	"sync"
	"sync/atomic"
)

// EventType names the mutation that just happened to a binder.
type EventType string

const (
	EventCardMove     EventType = "cardMove"
	EventCardsMove    EventType = "cardsMove"
	EventCardsAdded   EventType = "cardsAdded"
	EventCardsRemoved EventType = "cardsRemoved"
	EventPrefs        EventType = "prefs"
	EventRevert       EventType = "revert"
	// EventExternal reports a change detected by the poller, i.e. one
	// made by another process sharing the store.
	EventExternal EventType = "externalChange"
)

// Event is delivered synchronously to same-process subscribers after
// every mutation.
type Event struct {
	BinderID string
	Type     EventType
	CardIDs  []string
}

type subscription struct {
	id uint64
	fn func(Event)
}

// bus is the typed observer registry owned by the store: propagation is
// a contract here, not a side-channel of global event names.
type bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription // binder id -> subscribers; "" = all binders
	nextID atomic.Uint64
}

func newBus() *bus {
	return &bus{subs: map[string][]subscription{}}
}

// subscribe registers fn for one binder's events; binderID "" receives
// every binder's events. The returned cancel is idempotent.
func (b *bus) subscribe(binderID string, fn func(Event)) (cancel func()) {
	id := b.nextID.Add(1)
	b.mu.Lock()
	b.subs[binderID] = append(b.subs[binderID], subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			list := b.subs[binderID]
			for i := range list {
				if list[i].id == id {
					list[i] = list[len(list)-1]
					b.subs[binderID] = list[:len(list)-1]
					break
				}
			}
			b.mu.Unlock()
		})
	}
}

func (b *bus) publish(ev Event) {
	b.mu.RLock()
	targets := make([]func(Event), 0, 4)
	for _, sub := range b.subs[ev.BinderID] {
		targets = append(targets, sub.fn)
	}
	for _, sub := range b.subs[""] {
		targets = append(targets, sub.fn)
	}
	b.mu.RUnlock()
	for _, fn := range targets {
		fn(ev)
	}
}
