package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"

	"github.com/biroman/pkmnbindrnew-sub002/model"
	"github.com/biroman/pkmnbindrnew-sub002/state"
	"github.com/biroman/pkmnbindrnew-sub002/utils"
)

type fakeRemote struct {
	mu sync.Mutex

	addCalls       int
	addedBatches   [][]*model.Card
	repoCalls      int
	repoBatches    [][]model.Move
	removeCalls    int
	removedBatches [][]string
	cardEditCalls  int
	cardEdits      map[string]map[string]any
	updateCalls    int
	updatedFields  []map[string]any
	invalidated    []string
	failAdd        error
	failReposition error
	failRemove     error
	failPrefs      error
	blockAdd       chan struct{} // when set, AddCards waits here
	nextRemoteID   int
}

func (f *fakeRemote) AddCards(ctx context.Context, ownerID, binderID string, cards []*model.Card) (int, error) {
	f.mu.Lock()
	f.addCalls++
	if f.blockAdd != nil {
		block := f.blockAdd
		f.mu.Unlock()
		<-block
		f.mu.Lock()
	}
	defer f.mu.Unlock()
	if f.failAdd != nil {
		return 0, f.failAdd
	}
	for _, c := range cards {
		f.nextRemoteID++
		c.ID = fmt.Sprintf("remote-%d", f.nextRemoteID)
		c.Kind = model.KindExisting
	}
	f.addedBatches = append(f.addedBatches, cards)
	return len(cards), nil
}

func (f *fakeRemote) RepositionCards(ctx context.Context, ownerID, binderID string, moves []model.Move) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repoCalls++
	if f.failReposition != nil {
		return 0, f.failReposition
	}
	f.repoBatches = append(f.repoBatches, moves)
	return len(moves), nil
}

func (f *fakeRemote) RemoveCards(ctx context.Context, ownerID, binderID string, cardIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls++
	if f.failRemove != nil {
		return f.failRemove
	}
	f.removedBatches = append(f.removedBatches, cardIDs)
	return nil
}

func (f *fakeRemote) UpdateCard(ctx context.Context, ownerID, binderID, cardID string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cardEditCalls++
	if f.cardEdits == nil {
		f.cardEdits = map[string]map[string]any{}
	}
	f.cardEdits[cardID] = fields
	return nil
}

func (f *fakeRemote) UpdateBinder(ctx context.Context, ownerID, binderID string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.failPrefs != nil {
		return f.failPrefs
	}
	f.updatedFields = append(f.updatedFields, fields)
	return nil
}

func (f *fakeRemote) Cards(ctx context.Context, ownerID, binderID string) ([]*model.Card, error) {
	return nil, nil
}

func (f *fakeRemote) InvalidateBinder(binderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, binderID)
}

func testengine(t *testing.T) (*Engine, *state.Store) {
	t.Helper()
	db, err := pebble.Open(t.TempDir(), &pebble.Options{})
	assert.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	log := utils.NewDefaultLogger(slog.LevelError)
	st := state.New(db, log)
	return New(st, log), st
}

func grid() model.GridConfig { return model.DefaultGrid }

func existing(id string, overall int) *model.Card {
	return &model.Card{
		ID: id, Kind: model.KindExisting, Ref: "ref-" + id,
		Position: model.PositionAt(overall, grid()),
	}
}

// Ten locally added cards go out in one bulk insert and zero
// repositions.
func TestPushRoutesNewCardsToBulkInsert(t *testing.T) {
	e, st := testengine(t)
	remote := &fakeRemote{}

	cards := make([]*model.Card, 0, 10)
	for i := 1; i <= 10; i++ {
		cards = append(cards, &model.Card{Ref: fmt.Sprintf("r%d", i), Position: model.PositionAt(i, grid())})
	}
	_, err := st.AddCards("b1", cards)
	assert.NoError(t, err)

	rep := e.Push(context.Background(), remote, "u1", "b1")
	assert.True(t, rep.Success())
	assert.Equal(t, 10, rep.Added)
	assert.Equal(t, 0, rep.Repositioned)
	assert.Equal(t, 1, remote.addCalls)
	assert.Equal(t, 0, remote.repoCalls)

	// pending cleared, ids rewritten to the backend-assigned ones
	bs, err := st.Get("b1")
	assert.NoError(t, err)
	assert.True(t, bs.Pending.Empty())
	assert.False(t, bs.NeedsSync)
	for _, c := range bs.Cards {
		assert.False(t, model.IsLocalID(c.ID))
		assert.Equal(t, model.KindExisting, c.Kind)
	}
	assert.Equal(t, []string{"b1"}, remote.invalidated)
}

func TestPushRoutesMovedExistingToReposition(t *testing.T) {
	e, st := testengine(t)
	remote := &fakeRemote{}

	_, err := st.AddCards("b1", []*model.Card{existing("e1", 1), existing("e2", 2)})
	assert.NoError(t, err)
	assert.NoError(t, st.MoveCard("b1", "e2", model.PositionAt(7, grid())))

	rep := e.Push(context.Background(), remote, "u1", "b1")
	assert.True(t, rep.Success())
	assert.Equal(t, 0, rep.Added)
	assert.Equal(t, 1, rep.Repositioned)
	assert.Equal(t, 0, remote.addCalls)
	assert.Equal(t, 1, remote.repoCalls)
	assert.Equal(t, "e2", remote.repoBatches[0][0].CardID)
	assert.Equal(t, 7, remote.repoBatches[0][0].To.Overall)
}

// A previously synced card removed locally is deleted remotely; a card
// that only ever existed locally is not.
func TestPushDeletesRemovedExisting(t *testing.T) {
	e, st := testengine(t)
	remote := &fakeRemote{}

	_, err := st.AddCards("b1", []*model.Card{
		existing("e1", 1), existing("e2", 2),
		{Ref: "r3", Position: model.PositionAt(3, grid())},
	})
	assert.NoError(t, err)
	bs, err := st.Get("b1")
	assert.NoError(t, err)
	assert.NoError(t, st.RemoveCard("b1", "e1"))
	assert.NoError(t, st.RemoveCard("b1", bs.Cards[2].ID)) // never synced

	rep := e.Push(context.Background(), remote, "u1", "b1")
	assert.True(t, rep.Success())
	assert.Equal(t, 1, rep.Removed)
	assert.Equal(t, 1, remote.removeCalls)
	assert.Equal(t, [][]string{{"e1"}}, remote.removedBatches)

	bs, err = st.Get("b1")
	assert.NoError(t, err)
	assert.True(t, bs.Pending.Empty())
	assert.Len(t, bs.Cards, 1)
}

func TestPushRemoveFailureKeepsPending(t *testing.T) {
	e, st := testengine(t)
	remote := &fakeRemote{failRemove: fmt.Errorf("boom")}

	_, err := st.AddCards("b1", []*model.Card{existing("e1", 1)})
	assert.NoError(t, err)
	assert.NoError(t, st.RemoveCard("b1", "e1"))

	rep := e.Push(context.Background(), remote, "u1", "b1")
	assert.False(t, rep.Success())
	assert.Equal(t, PhaseRemove, rep.FailedPhase)

	bs, err := st.Get("b1")
	assert.NoError(t, err)
	assert.Equal(t, []string{"e1"}, bs.Pending.Removed)
	assert.True(t, bs.NeedsSync)
}

func TestPushSendsCardEdits(t *testing.T) {
	e, st := testengine(t)
	remote := &fakeRemote{}

	_, err := st.AddCards("b1", []*model.Card{existing("e1", 1)})
	assert.NoError(t, err)
	assert.NoError(t, st.UpdateCard("b1", "e1", func(c *model.Card) {
		c.Name = "Pikachu"
		c.Rarity = "rare"
	}))

	rep := e.Push(context.Background(), remote, "u1", "b1")
	assert.True(t, rep.Success())
	assert.Equal(t, 1, rep.Updated)
	assert.Equal(t, 1, remote.cardEditCalls)
	assert.Equal(t, "Pikachu", remote.cardEdits["e1"]["name"])
	assert.Equal(t, "rare", remote.cardEdits["e1"]["rarity"])

	bs, err := st.Get("b1")
	assert.NoError(t, err)
	assert.True(t, bs.Pending.Empty())
}

func TestPushTracksRunningAverage(t *testing.T) {
	e, st := testengine(t)
	remote := &fakeRemote{}

	_, err := st.AddCards("b1", []*model.Card{{Ref: "r", Position: model.PositionAt(1, grid())}})
	assert.NoError(t, err)
	assert.True(t, e.Push(context.Background(), remote, "u1", "b1").Success())
	assert.True(t, e.Push(context.Background(), remote, "u1", "b1").Success())

	assert.Equal(t, 2, e.PushAvg.Count())
	assert.GreaterOrEqual(t, e.PushAvg.Val(), float64(0))
}

func TestPushSendsPrefsDiff(t *testing.T) {
	e, st := testengine(t)
	remote := &fakeRemote{}

	assert.NoError(t, st.SetPreference("b1", model.PrefShowReverseHolos, "true"))

	rep := e.Push(context.Background(), remote, "u1", "b1")
	assert.True(t, rep.Success())
	assert.True(t, rep.PrefsUpdated)
	assert.Equal(t, 1, remote.updateCalls)
	prefs, ok := remote.updatedFields[0]["prefs"].(map[string]string)
	assert.True(t, ok)
	assert.Equal(t, "true", prefs[model.PrefShowReverseHolos])
}

func TestPushNoopWithoutChanges(t *testing.T) {
	e, _ := testengine(t)
	remote := &fakeRemote{}

	rep := e.Push(context.Background(), remote, "u1", "missing")
	assert.True(t, rep.Success())
	assert.Equal(t, 0, remote.addCalls+remote.repoCalls+remote.updateCalls)
}

func TestPushFailureKeepsPending(t *testing.T) {
	e, st := testengine(t)
	remote := &fakeRemote{failReposition: fmt.Errorf("boom")}

	_, err := st.AddCards("b1", []*model.Card{existing("e1", 1)})
	assert.NoError(t, err)
	assert.NoError(t, st.MoveCard("b1", "e1", model.PositionAt(3, grid())))

	rep := e.Push(context.Background(), remote, "u1", "b1")
	assert.False(t, rep.Success())
	assert.Equal(t, PhaseReposition, rep.FailedPhase)

	bs, err := st.Get("b1")
	assert.NoError(t, err)
	assert.True(t, bs.NeedsSync)
	assert.Len(t, bs.Pending.Moved, 1)
	assert.Empty(t, remote.invalidated)
}

func TestPushBusyGuard(t *testing.T) {
	e, st := testengine(t)
	block := make(chan struct{})
	remote := &fakeRemote{blockAdd: block}

	_, err := st.AddCards("b1", []*model.Card{{Ref: "r", Position: model.PositionAt(1, grid())}})
	assert.NoError(t, err)

	done := make(chan Report, 1)
	go func() { done <- e.Push(context.Background(), remote, "u1", "b1") }()

	assert.Eventually(t, func() bool {
		remote.mu.Lock()
		defer remote.mu.Unlock()
		return remote.addCalls == 1
	}, time.Second, time.Millisecond)

	second := e.Push(context.Background(), remote, "u1", "b1")
	assert.ErrorIs(t, second.Err, ErrBusy)

	close(block)
	first := <-done
	assert.True(t, first.Success())

	// the guard is released, another binder never contends anyway
	third := e.Push(context.Background(), remote, "u1", "b1")
	assert.True(t, third.Success())
}

func TestRevertDeduplicatesPages(t *testing.T) {
	e, st := testengine(t)

	_, err := st.AddCards("b1", []*model.Card{{Ref: "r", Position: model.PositionAt(1, grid())}})
	assert.NoError(t, err)

	pages := [][]*model.Card{
		{existing("e1", 1), existing("e2", 2)},
		{existing("e2", 2), existing("e3", 3)}, // overlapping fetch window
	}
	rep := e.Revert("b1", pages, map[string]string{"k": "v"})
	assert.True(t, rep.Success())
	assert.Equal(t, 3, rep.Reverted)

	bs, err := st.Get("b1")
	assert.NoError(t, err)
	assert.Len(t, bs.Cards, 3)
	assert.True(t, bs.Pending.Empty())
	assert.False(t, bs.NeedsSync)
}

func TestRevertNoopWithoutFetchedData(t *testing.T) {
	e, st := testengine(t)

	_, err := st.AddCards("b1", []*model.Card{{Ref: "r", Position: model.PositionAt(1, grid())}})
	assert.NoError(t, err)

	rep := e.Revert("b1", nil, nil)
	assert.True(t, rep.Success())
	assert.Equal(t, 0, rep.Reverted)

	// local edits untouched
	bs, err := st.Get("b1")
	assert.NoError(t, err)
	assert.True(t, bs.NeedsSync)
	assert.Len(t, bs.Cards, 1)
}
