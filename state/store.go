// Package state keeps the per-binder working copy the UI reads and
// mutates synchronously: all cards plus layout preferences, persisted
// in the local embedded store regardless of which backend is active for
// sync. Mutations take effect before returning; no network round-trip.
package state

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash"
	"github.com/cockroachdb/pebble"

	"github.com/biroman/pkmnbindrnew-sub002/model"
	"github.com/biroman/pkmnbindrnew-sub002/storage"
	"github.com/biroman/pkmnbindrnew-sub002/utils"
)

var writeOptions = pebble.WriteOptions{Sync: false}

// StateKey is the per-binder namespace key in the shared pebble store;
// the 'T' keyspace is reserved for these records.
func StateKey(binderID string) []byte {
	key := make([]byte, 0, 1+len(binderID))
	key = append(key, 'T')
	key = append(key, binderID...)
	return key
}

type Store struct {
	db  *pebble.DB
	log utils.Logger
	bus *bus

	mu    sync.Mutex
	cache map[string]*BinderState
}

func New(db *pebble.DB, log utils.Logger) *Store {
	return &Store{
		db:    db,
		log:   log,
		bus:   newBus(),
		cache: map[string]*BinderState{},
	}
}

// Subscribe registers a same-process listener for one binder's
// mutations; binderID "" listens to all binders.
func (s *Store) Subscribe(binderID string, fn func(Event)) (cancel func()) {
	return s.bus.subscribe(binderID, fn)
}

// load returns the live record; caller holds s.mu.
func (s *Store) load(binderID string, create bool) (*BinderState, error) {
	if bs, ok := s.cache[binderID]; ok {
		return bs, nil
	}
	val, closer, err := s.db.Get(StateKey(binderID))
	if err == pebble.ErrNotFound {
		if !create {
			return nil, storage.E(storage.CodeNotFound, "state.load", err)
		}
		bs := &BinderState{
			BinderID: binderID,
			Prefs:    map[string]string{},
			Pending:  newPending(),
		}
		s.cache[binderID] = bs
		return bs, nil
	}
	if err != nil {
		return nil, storage.E(storage.CodeOperationFailed, "state.load", err)
	}
	body := make([]byte, len(val))
	copy(body, val)
	_ = closer.Close()
	bs, err := parseRecord(binderID, body)
	if err != nil {
		return nil, storage.E(storage.CodeInvalidData, "state.load", err)
	}
	s.cache[binderID] = bs
	return bs, nil
}

func (s *Store) persist(bs *BinderState) error {
	err := s.db.Set(StateKey(bs.BinderID), recordTLV(bs), &writeOptions)
	if err != nil {
		return storage.E(storage.CodeOperationFailed, "state.persist", err)
	}
	return nil
}

// mutate runs fn under the store lock, persists, then notifies
// subscribers synchronously.
func (s *Store) mutate(binderID string, create bool, fn func(*BinderState) (Event, error)) error {
	s.mu.Lock()
	bs, err := s.load(binderID, create)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	ev, err := fn(bs)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	err = s.persist(bs)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.bus.publish(ev)
	return nil
}

// Has reports whether a local working copy exists for the binder.
func (s *Store) Has(binderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.load(binderID, false)
	return err == nil
}

// Get returns a deep copy of the binder's working state.
func (s *Store) Get(binderID string) (*BinderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bs, err := s.load(binderID, false)
	if err != nil {
		return nil, err
	}
	return bs.clone(), nil
}

// Hydrate initializes the working copy from an authoritative source
// when no local state exists yet, e.g. a user signing in on a new
// device. With existing local state it is a no-op returning that state.
func (s *Store) Hydrate(ctx context.Context, binderID string, fetch func(context.Context) ([]*model.Card, map[string]string, error)) (*BinderState, error) {
	s.mu.Lock()
	if bs, err := s.load(binderID, false); err == nil {
		out := bs.clone()
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	cards, prefs, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	if prefs == nil {
		prefs = map[string]string{}
	}
	bs := &BinderState{
		BinderID:   binderID,
		Cards:      cards,
		Prefs:      prefs,
		Pending:    newPending(),
		LastSynced: time.Now(),
	}
	s.mu.Lock()
	s.cache[binderID] = bs
	err = s.persist(bs)
	out := bs.clone()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return out, nil
}

func touch(bs *BinderState) {
	bs.NeedsSync = true
	bs.LastModified = time.Now()
}

// MoveCard repositions one card. Existing cards are recorded in the
// pending move set; new cards carry their position into bulk insert.
func (s *Store) MoveCard(binderID, cardID string, to model.Position) error {
	return s.mutate(binderID, false, func(bs *BinderState) (Event, error) {
		c := bs.card(cardID)
		if c == nil {
			return Event{}, storage.E(storage.CodeNotFound, "state.move_card", nil)
		}
		c.Position = to
		if c.Kind == model.KindExisting && !c.ReverseHolo {
			bs.Pending.Moved[cardID] = to
		}
		touch(bs)
		return Event{BinderID: binderID, Type: EventCardMove, CardIDs: []string{cardID}}, nil
	})
}

// MoveCards repositions many cards at once (drag of a selection, page
// reorder).
func (s *Store) MoveCards(binderID string, moves []model.Move) error {
	return s.mutate(binderID, false, func(bs *BinderState) (Event, error) {
		ids := make([]string, 0, len(moves))
		for _, m := range moves {
			c := bs.card(m.CardID)
			if c == nil {
				return Event{}, storage.E(storage.CodeNotFound, "state.move_cards", nil)
			}
			c.Position = m.To
			if c.Kind == model.KindExisting && !c.ReverseHolo {
				bs.Pending.Moved[m.CardID] = m.To
			}
			ids = append(ids, m.CardID)
		}
		touch(bs)
		return Event{BinderID: binderID, Type: EventCardsMove, CardIDs: ids}, nil
	})
}

// AddCards appends cards to the working copy, assigning local composite
// identifiers to cards that have none. Returns the ids in order.
func (s *Store) AddCards(binderID string, cards []*model.Card) ([]string, error) {
	ids := make([]string, 0, len(cards))
	err := s.mutate(binderID, true, func(bs *BinderState) (Event, error) {
		for _, c := range cards {
			if c.ID == "" {
				c.ID = model.NewLocalID()
				c.Kind = model.KindNew
			}
			if err := c.Validate(); err != nil {
				return Event{}, storage.E(storage.CodeInvalidData, "state.add_cards", err)
			}
			bs.Cards = append(bs.Cards, c.Clone())
			if c.Kind == model.KindNew {
				bs.Pending.Added = append(bs.Pending.Added, c.ID)
			}
			ids = append(ids, c.ID)
		}
		touch(bs)
		return Event{BinderID: binderID, Type: EventCardsAdded, CardIDs: ids}, nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// RemoveCard drops a card from the working copy. A card that was never
// synced simply leaves the pending-add list; a persisted card joins the
// pending-remove list.
func (s *Store) RemoveCard(binderID, cardID string) error {
	return s.mutate(binderID, false, func(bs *BinderState) (Event, error) {
		idx := -1
		for i, c := range bs.Cards {
			if c.ID == cardID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return Event{}, storage.E(storage.CodeNotFound, "state.remove_card", nil)
		}
		wasNew := bs.Cards[idx].Kind == model.KindNew
		bs.Cards = append(bs.Cards[:idx], bs.Cards[idx+1:]...)
		delete(bs.Pending.Moved, cardID)
		bs.Pending.Added = without(bs.Pending.Added, cardID)
		bs.Pending.Updated = without(bs.Pending.Updated, cardID)
		if !wasNew {
			bs.Pending.Removed = append(bs.Pending.Removed, cardID)
		}
		touch(bs)
		return Event{BinderID: binderID, Type: EventCardsRemoved, CardIDs: []string{cardID}}, nil
	})
}

// UpdateCard mutates one card's non-positional fields in place.
func (s *Store) UpdateCard(binderID, cardID string, apply func(*model.Card)) error {
	return s.mutate(binderID, false, func(bs *BinderState) (Event, error) {
		c := bs.card(cardID)
		if c == nil {
			return Event{}, storage.E(storage.CodeNotFound, "state.update_card", nil)
		}
		apply(c)
		if c.Kind == model.KindExisting && !contains(bs.Pending.Updated, cardID) {
			bs.Pending.Updated = append(bs.Pending.Updated, cardID)
		}
		touch(bs)
		return Event{BinderID: binderID, Type: EventCardMove, CardIDs: []string{cardID}}, nil
	})
}

// SetPreference updates one layout preference and records it in the
// preferences diff.
func (s *Store) SetPreference(binderID, key, value string) error {
	return s.mutate(binderID, true, func(bs *BinderState) (Event, error) {
		bs.Prefs[key] = value
		bs.Pending.Prefs[key] = value
		touch(bs)
		return Event{BinderID: binderID, Type: EventPrefs}, nil
	})
}

// ReplaceCards swaps the whole card list, diffing positions of
// persisted cards into the pending move set. This is the write path of
// the layout engine's expand/collapse. Derived entries never enter the
// pending sets.
func (s *Store) ReplaceCards(binderID string, cards []*model.Card) error {
	return s.mutate(binderID, false, func(bs *BinderState) (Event, error) {
		old := map[string]model.Position{}
		for _, c := range bs.Cards {
			old[c.ID] = c.Position
		}
		next := make([]*model.Card, 0, len(cards))
		ids := make([]string, 0, len(cards))
		for _, c := range cards {
			next = append(next, c.Clone())
			ids = append(ids, c.ID)
			if c.ReverseHolo || c.Kind != model.KindExisting {
				continue
			}
			if prior, ok := old[c.ID]; ok && prior != c.Position {
				bs.Pending.Moved[c.ID] = c.Position
			}
		}
		bs.Cards = next
		touch(bs)
		return Event{BinderID: binderID, Type: EventCardsMove, CardIDs: ids}, nil
	})
}

// Revert overwrites the working copy with authoritative remote-sourced
// cards and clears the pending set; same notifications as an ordinary
// mutation so every surface refreshes.
func (s *Store) Revert(binderID string, cards []*model.Card, prefs map[string]string) error {
	return s.mutate(binderID, true, func(bs *BinderState) (Event, error) {
		bs.Cards = cards
		if prefs != nil {
			bs.Prefs = prefs
		}
		bs.Pending = newPending()
		bs.NeedsSync = false
		bs.LastModified = time.Now()
		return Event{BinderID: binderID, Type: EventRevert}, nil
	})
}

// ApplySyncResult records a fully successful push: the card list (now
// carrying backend-assigned identifiers) replaces the working copy and
// the pending set clears atomically.
func (s *Store) ApplySyncResult(binderID string, cards []*model.Card, syncedAt time.Time) error {
	return s.mutate(binderID, false, func(bs *BinderState) (Event, error) {
		if cards != nil {
			bs.Cards = cards
		}
		bs.Pending = newPending()
		bs.NeedsSync = false
		bs.LastSynced = syncedAt
		return Event{BinderID: binderID, Type: EventExternal}, nil
	})
}

// Drop deletes the working copy; part of the binder delete cascade.
func (s *Store) Drop(binderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, binderID)
	if err := s.db.Delete(StateKey(binderID), &writeOptions); err != nil {
		return storage.E(storage.CodeOperationFailed, "state.drop", err)
	}
	return nil
}

// Stamp hashes the stored record bytes; the poller compares stamps to
// detect changes made by other processes. ok is false when no record
// exists.
func (s *Store) Stamp(binderID string) (stamp uint64, ok bool) {
	val, closer, err := s.db.Get(StateKey(binderID))
	if err != nil {
		return 0, false
	}
	stamp = xxhash.Sum64(val)
	_ = closer.Close()
	return stamp, true
}

// forget drops the cached copy so the next read hits disk.
func (s *Store) forget(binderID string) {
	s.mu.Lock()
	delete(s.cache, binderID)
	s.mu.Unlock()
}

func without(ss []string, drop string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}

func contains(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}
