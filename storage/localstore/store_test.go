package localstore

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/biroman/pkmnbindrnew-sub002/model"
	"github.com/biroman/pkmnbindrnew-sub002/storage"
	"github.com/biroman/pkmnbindrnew-sub002/utils"
)

func teststore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), utils.NewDefaultLogger(slog.LevelError))
	assert.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

const owner = "anonymous"

func TestBinderCRUD(t *testing.T) {
	s := teststore(t)
	ctx := context.Background()

	id, err := s.CreateBinder(ctx, owner, &model.Binder{Name: "main", Grid: model.DefaultGrid})
	assert.NoError(t, err)
	assert.NotEmpty(t, id)

	b, err := s.Binder(ctx, owner, id)
	assert.NoError(t, err)
	assert.Equal(t, "main", b.Name)
	assert.Equal(t, model.DefaultGrid, b.Grid)
	assert.False(t, b.CreatedAt.IsZero())

	err = s.UpdateBinder(ctx, owner, id, map[string]any{
		"name":  "renamed",
		"prefs": map[string]string{model.PrefShowReverseHolos: "true"},
	})
	assert.NoError(t, err)

	b, err = s.Binder(ctx, owner, id)
	assert.NoError(t, err)
	assert.Equal(t, "renamed", b.Name)
	assert.True(t, b.ShowReverseHolos())

	all, err := s.Binders(ctx, owner)
	assert.NoError(t, err)
	assert.Len(t, all, 1)

	assert.NoError(t, s.DeleteBinder(ctx, owner, id))
	_, err = s.Binder(ctx, owner, id)
	assert.True(t, storage.IsNotFound(err))
}

func TestCreateBinderValidates(t *testing.T) {
	s := teststore(t)
	_, err := s.CreateBinder(context.Background(), owner, &model.Binder{Grid: model.DefaultGrid})
	assert.Equal(t, storage.CodeInvalidData, storage.CodeOf(err))
}

func TestUpdateBinderUnknownField(t *testing.T) {
	s := teststore(t)
	ctx := context.Background()
	id, err := s.CreateBinder(ctx, owner, &model.Binder{Name: "b", Grid: model.DefaultGrid})
	assert.NoError(t, err)
	err = s.UpdateBinder(ctx, owner, id, map[string]any{"bogus": 1})
	assert.Equal(t, storage.CodeInvalidData, storage.CodeOf(err))
}

func TestCardsSortedAndCounted(t *testing.T) {
	s := teststore(t)
	ctx := context.Background()
	id, err := s.CreateBinder(ctx, owner, &model.Binder{Name: "b", Grid: model.DefaultGrid})
	assert.NoError(t, err)

	// insert out of positional order
	cards := []*model.Card{
		{ID: "c10", Kind: model.KindExisting, Ref: "r10", Position: model.PositionAt(10, model.DefaultGrid)},
		{ID: "c1", Kind: model.KindExisting, Ref: "r1", Position: model.PositionAt(1, model.DefaultGrid)},
		{ID: "c5", Kind: model.KindExisting, Ref: "r5", Position: model.PositionAt(5, model.DefaultGrid)},
	}
	n, err := s.AddCards(ctx, owner, id, cards)
	assert.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := s.Cards(ctx, owner, id)
	assert.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, "c1", got[0].ID)
	assert.Equal(t, "c5", got[1].ID)
	assert.Equal(t, "c10", got[2].ID)

	b, err := s.Binder(ctx, owner, id)
	assert.NoError(t, err)
	assert.Equal(t, 3, b.CardCount)
	assert.Equal(t, 2, b.PageCount) // overall 10 spills to page 2
}

func TestAddCardsAssignsLocalIDs(t *testing.T) {
	s := teststore(t)
	ctx := context.Background()
	id, err := s.CreateBinder(ctx, owner, &model.Binder{Name: "b", Grid: model.DefaultGrid})
	assert.NoError(t, err)

	c := &model.Card{Ref: "sv1-025", Position: model.PositionAt(1, model.DefaultGrid)}
	_, err = s.AddCards(ctx, owner, id, []*model.Card{c})
	assert.NoError(t, err)
	assert.True(t, model.IsLocalID(c.ID))
	assert.Equal(t, model.KindNew, c.Kind)
}

func TestRepositionCardsSkipsMissing(t *testing.T) {
	s := teststore(t)
	ctx := context.Background()
	id, err := s.CreateBinder(ctx, owner, &model.Binder{Name: "b", Grid: model.DefaultGrid})
	assert.NoError(t, err)

	c := &model.Card{ID: "c1", Kind: model.KindExisting, Ref: "r1", Position: model.PositionAt(1, model.DefaultGrid)}
	_, err = s.AddCards(ctx, owner, id, []*model.Card{c})
	assert.NoError(t, err)

	moved, err := s.RepositionCards(ctx, owner, id, []model.Move{
		{CardID: "c1", To: model.PositionAt(7, model.DefaultGrid)},
		{CardID: "ghost", To: model.PositionAt(2, model.DefaultGrid)},
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, moved)

	got, err := s.Cards(ctx, owner, id)
	assert.NoError(t, err)
	assert.Equal(t, 7, got[0].Position.Overall)
}

func TestRemoveCard(t *testing.T) {
	s := teststore(t)
	ctx := context.Background()
	id, err := s.CreateBinder(ctx, owner, &model.Binder{Name: "b", Grid: model.DefaultGrid})
	assert.NoError(t, err)

	c := &model.Card{ID: "c1", Kind: model.KindExisting, Ref: "r1", Position: model.PositionAt(1, model.DefaultGrid)}
	_, err = s.AddCards(ctx, owner, id, []*model.Card{c})
	assert.NoError(t, err)

	assert.NoError(t, s.RemoveCard(ctx, owner, id, "c1"))
	assert.True(t, storage.IsNotFound(s.RemoveCard(ctx, owner, id, "c1")))

	b, err := s.Binder(ctx, owner, id)
	assert.NoError(t, err)
	assert.Equal(t, 0, b.CardCount)
}

func TestSettingsMerge(t *testing.T) {
	s := teststore(t)
	ctx := context.Background()

	got, err := s.Settings(ctx, owner)
	assert.NoError(t, err)
	assert.Empty(t, got)

	assert.NoError(t, s.UpdateSettings(ctx, owner, map[string]string{"theme": "dark", "lang": "en"}))
	assert.NoError(t, s.UpdateSettings(ctx, owner, map[string]string{"lang": "de"}))

	got, err = s.Settings(ctx, owner)
	assert.NoError(t, err)
	assert.Equal(t, map[string]string{"theme": "dark", "lang": "de"}, got)
}

func TestExportImportRoundtrip(t *testing.T) {
	src := teststore(t)
	dst := teststore(t)
	ctx := context.Background()

	id, err := src.CreateBinder(ctx, owner, &model.Binder{Name: "b", Grid: model.DefaultGrid})
	assert.NoError(t, err)
	_, err = src.AddCards(ctx, owner, id, []*model.Card{
		{ID: "c1", Kind: model.KindExisting, Ref: "r1", Name: "pika", Rarity: "common",
			Position: model.PositionAt(1, model.DefaultGrid)},
		{ID: "c2", Kind: model.KindExisting, Ref: "r2", Position: model.PositionAt(2, model.DefaultGrid),
			ReverseHolo: true},
	})
	assert.NoError(t, err)
	assert.NoError(t, src.UpdateSettings(ctx, owner, map[string]string{"theme": "dark"}))

	ds, err := src.Export(ctx, owner)
	assert.NoError(t, err)
	assert.Len(t, ds.Binders, 1)
	assert.Equal(t, 2, ds.CardCount())

	assert.NoError(t, dst.Import(ctx, owner, ds))
	cards, err := dst.Cards(ctx, owner, id)
	assert.NoError(t, err)
	assert.Len(t, cards, 2)
	assert.Equal(t, "pika", cards[0].Name)
	assert.True(t, cards[1].ReverseHolo)

	settings, err := dst.Settings(ctx, owner)
	assert.NoError(t, err)
	assert.Equal(t, "dark", settings["theme"])
}

func TestClearScopedToOwner(t *testing.T) {
	s := teststore(t)
	ctx := context.Background()

	id1, err := s.CreateBinder(ctx, "alice", &model.Binder{Name: "a", Grid: model.DefaultGrid})
	assert.NoError(t, err)
	id2, err := s.CreateBinder(ctx, "bob", &model.Binder{Name: "b", Grid: model.DefaultGrid})
	assert.NoError(t, err)

	assert.NoError(t, s.Clear(ctx, "alice"))

	_, err = s.Binder(ctx, "alice", id1)
	assert.True(t, storage.IsNotFound(err))
	_, err = s.Binder(ctx, "bob", id2)
	assert.NoError(t, err)
}

func TestStatus(t *testing.T) {
	s := teststore(t)
	st := s.Status(context.Background())
	assert.True(t, st.Connected)
	assert.Equal(t, "local", st.Backend)
}
