package state

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"

	"github.com/biroman/pkmnbindrnew-sub002/model"
	"github.com/biroman/pkmnbindrnew-sub002/storage"
	"github.com/biroman/pkmnbindrnew-sub002/utils"
)

func testdb(t *testing.T) *pebble.DB {
	t.Helper()
	db, err := pebble.Open(t.TempDir(), &pebble.Options{})
	assert.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func teststore(t *testing.T) *Store {
	return New(testdb(t), utils.NewDefaultLogger(slog.LevelError))
}

func grid() model.GridConfig { return model.DefaultGrid }

func existing(id string, overall int) *model.Card {
	return &model.Card{
		ID: id, Kind: model.KindExisting, Ref: "ref-" + id,
		Position: model.PositionAt(overall, grid()),
	}
}

func TestAddCardsClassifiesNew(t *testing.T) {
	s := teststore(t)

	ids, err := s.AddCards("b1", []*model.Card{
		{Ref: "r1", Position: model.PositionAt(1, grid())},
		{Ref: "r2", Position: model.PositionAt(2, grid())},
	})
	assert.NoError(t, err)
	assert.Len(t, ids, 2)
	for _, id := range ids {
		assert.True(t, model.IsLocalID(id))
	}

	bs, err := s.Get("b1")
	assert.NoError(t, err)
	assert.True(t, bs.NeedsSync)
	assert.Equal(t, ids, bs.Pending.Added)
	assert.Empty(t, bs.Pending.Moved)
}

func TestMoveCardPendingOnlyForExisting(t *testing.T) {
	s := teststore(t)

	_, err := s.AddCards("b1", []*model.Card{
		existing("e1", 1),
		{Ref: "r2", Position: model.PositionAt(2, grid())},
	})
	assert.NoError(t, err)
	bs, err := s.Get("b1")
	assert.NoError(t, err)
	newID := bs.Pending.Added[0]

	to := model.PositionAt(5, grid())
	assert.NoError(t, s.MoveCard("b1", "e1", to))
	assert.NoError(t, s.MoveCard("b1", newID, model.PositionAt(6, grid())))

	bs, err = s.Get("b1")
	assert.NoError(t, err)
	assert.Equal(t, map[string]model.Position{"e1": to}, bs.Pending.Moved)
	// the new card still carries its position, just not as a pending move
	assert.Equal(t, 6, bs.card(newID).Position.Overall)
}

func TestMoveCardMissing(t *testing.T) {
	s := teststore(t)
	_, err := s.AddCards("b1", []*model.Card{existing("e1", 1)})
	assert.NoError(t, err)
	err = s.MoveCard("b1", "ghost", model.PositionAt(2, grid()))
	assert.True(t, storage.IsNotFound(err))
}

func TestRemoveCardRouting(t *testing.T) {
	s := teststore(t)
	_, err := s.AddCards("b1", []*model.Card{
		existing("e1", 1),
		{Ref: "r2", Position: model.PositionAt(2, grid())},
	})
	assert.NoError(t, err)
	bs, _ := s.Get("b1")
	newID := bs.Pending.Added[0]

	// removing a never-synced card leaves no tombstone
	assert.NoError(t, s.RemoveCard("b1", newID))
	bs, _ = s.Get("b1")
	assert.Empty(t, bs.Pending.Added)
	assert.Empty(t, bs.Pending.Removed)

	// removing a persisted card does
	assert.NoError(t, s.RemoveCard("b1", "e1"))
	bs, _ = s.Get("b1")
	assert.Equal(t, []string{"e1"}, bs.Pending.Removed)
	assert.Empty(t, bs.Cards)
}

func TestSetPreference(t *testing.T) {
	s := teststore(t)
	assert.NoError(t, s.SetPreference("b1", model.PrefShowReverseHolos, "true"))

	bs, err := s.Get("b1")
	assert.NoError(t, err)
	assert.Equal(t, "true", bs.Prefs[model.PrefShowReverseHolos])
	assert.Equal(t, "true", bs.Pending.Prefs[model.PrefShowReverseHolos])
	assert.True(t, bs.NeedsSync)
}

func TestReplaceCardsDiffsMoves(t *testing.T) {
	s := teststore(t)
	_, err := s.AddCards("b1", []*model.Card{existing("e1", 1), existing("e2", 2)})
	assert.NoError(t, err)

	next := []*model.Card{existing("e1", 1), existing("e2", 5)}
	derived := existing("e1_rh", 3)
	derived.ReverseHolo = true
	next = append(next, derived)
	assert.NoError(t, s.ReplaceCards("b1", next))

	bs, err := s.Get("b1")
	assert.NoError(t, err)
	assert.Len(t, bs.Cards, 3)
	// e1 did not move, e2 did, the derived entry never enters pending
	assert.Equal(t, map[string]model.Position{"e2": model.PositionAt(5, grid())}, bs.Pending.Moved)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	db := testdb(t)
	log := utils.NewDefaultLogger(slog.LevelError)

	s1 := New(db, log)
	_, err := s1.AddCards("b1", []*model.Card{existing("e1", 1)})
	assert.NoError(t, err)
	assert.NoError(t, s1.MoveCard("b1", "e1", model.PositionAt(4, grid())))
	assert.NoError(t, s1.SetPreference("b1", model.PrefSortMode, "number"))

	// fresh store over the same db, cold cache
	s2 := New(db, log)
	bs, err := s2.Get("b1")
	assert.NoError(t, err)
	assert.True(t, bs.NeedsSync)
	assert.Len(t, bs.Cards, 1)
	assert.Equal(t, 4, bs.Cards[0].Position.Overall)
	assert.Equal(t, model.PositionAt(4, grid()), bs.Pending.Moved["e1"])
	assert.Equal(t, "number", bs.Pending.Prefs[model.PrefSortMode])
}

func TestHydrate(t *testing.T) {
	s := teststore(t)
	fetched := false
	bs, err := s.Hydrate(context.Background(), "b1", func(context.Context) ([]*model.Card, map[string]string, error) {
		fetched = true
		return []*model.Card{existing("e1", 1)}, map[string]string{"k": "v"}, nil
	})
	assert.NoError(t, err)
	assert.True(t, fetched)
	assert.False(t, bs.NeedsSync)
	assert.Len(t, bs.Cards, 1)

	// second call short-circuits on the local copy
	fetched = false
	bs, err = s.Hydrate(context.Background(), "b1", func(context.Context) ([]*model.Card, map[string]string, error) {
		fetched = true
		return nil, nil, nil
	})
	assert.NoError(t, err)
	assert.False(t, fetched)
	assert.Len(t, bs.Cards, 1)
}

func TestRevertClearsPending(t *testing.T) {
	s := teststore(t)
	_, err := s.AddCards("b1", []*model.Card{existing("e1", 1), {Ref: "r", Position: model.PositionAt(2, grid())}})
	assert.NoError(t, err)
	assert.NoError(t, s.MoveCard("b1", "e1", model.PositionAt(9, grid())))

	assert.NoError(t, s.Revert("b1", []*model.Card{existing("e1", 1)}, map[string]string{"k": "v"}))

	bs, err := s.Get("b1")
	assert.NoError(t, err)
	assert.False(t, bs.NeedsSync)
	assert.True(t, bs.Pending.Empty())
	assert.Len(t, bs.Cards, 1)
	assert.Equal(t, 1, bs.Cards[0].Position.Overall)
	assert.Equal(t, "v", bs.Prefs["k"])
}

func TestApplySyncResult(t *testing.T) {
	s := teststore(t)
	_, err := s.AddCards("b1", []*model.Card{{Ref: "r", Position: model.PositionAt(1, grid())}})
	assert.NoError(t, err)

	synced := existing("remote-1", 1)
	at := time.Now()
	assert.NoError(t, s.ApplySyncResult("b1", []*model.Card{synced}, at))

	bs, err := s.Get("b1")
	assert.NoError(t, err)
	assert.False(t, bs.NeedsSync)
	assert.True(t, bs.Pending.Empty())
	assert.Equal(t, "remote-1", bs.Cards[0].ID)
	assert.True(t, bs.LastSynced.Equal(at) || bs.LastSynced.Sub(at) < time.Millisecond)
}

func TestSubscribeAndCancel(t *testing.T) {
	s := teststore(t)
	var got []Event
	cancel := s.Subscribe("b1", func(ev Event) { got = append(got, ev) })

	var all []Event
	cancelAll := s.Subscribe("", func(ev Event) { all = append(all, ev) })
	defer cancelAll()

	_, err := s.AddCards("b1", []*model.Card{existing("e1", 1)})
	assert.NoError(t, err)
	_, err = s.AddCards("b2", []*model.Card{existing("e2", 1)})
	assert.NoError(t, err)

	assert.Len(t, got, 1)
	assert.Equal(t, EventCardsAdded, got[0].Type)
	assert.Len(t, all, 2)

	cancel()
	cancel() // idempotent
	assert.NoError(t, s.MoveCard("b1", "e1", model.PositionAt(3, grid())))
	assert.Len(t, got, 1)
	assert.Len(t, all, 3)
}

func TestDrop(t *testing.T) {
	s := teststore(t)
	_, err := s.AddCards("b1", []*model.Card{existing("e1", 1)})
	assert.NoError(t, err)
	assert.True(t, s.Has("b1"))

	assert.NoError(t, s.Drop("b1"))
	assert.False(t, s.Has("b1"))
	_, err = s.Get("b1")
	assert.True(t, storage.IsNotFound(err))
}

func TestStampChangesOnWrite(t *testing.T) {
	s := teststore(t)
	_, ok := s.Stamp("b1")
	assert.False(t, ok)

	_, err := s.AddCards("b1", []*model.Card{existing("e1", 1)})
	assert.NoError(t, err)
	before, ok := s.Stamp("b1")
	assert.True(t, ok)

	assert.NoError(t, s.MoveCard("b1", "e1", model.PositionAt(2, grid())))
	after, ok := s.Stamp("b1")
	assert.True(t, ok)
	assert.NotEqual(t, before, after)
}

func TestPollerDetectsExternalWrite(t *testing.T) {
	db := testdb(t)
	log := utils.NewDefaultLogger(slog.LevelError)
	s := New(db, log)

	_, err := s.AddCards("b1", []*model.Card{existing("e1", 1)})
	assert.NoError(t, err)

	var mu sync.Mutex
	var events []Event
	s.Subscribe("b1", func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	p := NewPoller(s, time.Millisecond, log)
	p.Watch("b1")

	// a second store over the same db stands in for another process
	other := New(db, log)
	assert.NoError(t, other.MoveCard("b1", "e1", model.PositionAt(3, grid())))

	p.Start()
	defer p.Stop()
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range events {
			if ev.Type == EventExternal {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	// the cached copy was dropped, the next read sees the external move
	bs, err := s.Get("b1")
	assert.NoError(t, err)
	assert.Equal(t, 3, bs.Cards[0].Position.Overall)
}
