package localstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/biroman/pkmnbindrnew-sub002/model"
	"github.com/biroman/pkmnbindrnew-sub002/protocol"
)

func TestCardRecordRoundtrip(t *testing.T) {
	orig := &model.Card{
		ID:          "c1_rh",
		Kind:        model.KindExisting,
		Ref:         "sv1-025",
		Name:        "Pikachu",
		Rarity:      "common",
		Position:    model.PositionAt(14, model.DefaultGrid),
		ReverseHolo: true,
		OriginalPos: &model.Position{Page: 1, Slot: 3, Overall: 3},
	}
	got, err := ParseCard(CardTLV(orig))
	assert.NoError(t, err)
	assert.Equal(t, orig, got)
}

// Records written before the kind tag existed classify by the id shape.
func TestParseCardLegacyKind(t *testing.T) {
	c := &model.Card{ID: model.NewLocalID(), Kind: model.KindNew, Ref: "r",
		Position: model.PositionAt(1, model.DefaultGrid)}
	body := CardTLV(c)

	// strip the K record the current writer emits
	var legacy []byte
	rest := body
	for len(rest) > 0 {
		lit, val, rem, err := protocol.TakeAnyWary(rest)
		assert.NoError(t, err)
		rest = rem
		if lit != 'K' {
			legacy = protocol.Append(legacy, lit, val)
		}
	}

	got, err := ParseCard(legacy)
	assert.NoError(t, err)
	assert.Equal(t, model.KindNew, got.Kind)

	c2 := &model.Card{ID: "ab34", Kind: model.KindExisting, Ref: "r",
		Position: model.PositionAt(1, model.DefaultGrid)}
	legacy = nil
	rest = CardTLV(c2)
	for len(rest) > 0 {
		lit, val, rem, err := protocol.TakeAnyWary(rest)
		assert.NoError(t, err)
		rest = rem
		if lit != 'K' {
			legacy = protocol.Append(legacy, lit, val)
		}
	}
	got, err = ParseCard(legacy)
	assert.NoError(t, err)
	assert.Equal(t, model.KindExisting, got.Kind)
}

func TestBinderRecordRoundtrip(t *testing.T) {
	orig := &model.Binder{
		ID:        "b1",
		Name:      "trades",
		Grid:      model.GridConfig{Rows: 4, Cols: 3},
		PageCount: 2,
		CardCount: 17,
		Prefs:     map[string]string{model.PrefShowReverseHolos: "true", model.PrefSortMode: "number"},
		CreatedAt: time.UnixMilli(1700000000000),
		UpdatedAt: time.UnixMilli(1700000001000),
	}
	got, err := ParseBinder(BinderTLV(orig))
	assert.NoError(t, err)
	assert.Equal(t, orig.ID, got.ID)
	assert.Equal(t, orig.Grid, got.Grid)
	assert.Equal(t, orig.Prefs, got.Prefs)
	assert.True(t, orig.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, orig.UpdatedAt.Equal(got.UpdatedAt))
}

// The settings writer sorts keys so equal maps always serialize to
// equal bytes; the poller's change stamps depend on that.
func TestSettingsBytesDeterministic(t *testing.T) {
	a := SettingsTLV(map[string]string{"b": "2", "a": "1", "c": "3"})
	b := SettingsTLV(map[string]string{"c": "3", "a": "1", "b": "2"})
	assert.Equal(t, a, b)

	got, err := ParseSettings(a)
	assert.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2", "c": "3"}, got)
}

func TestParseCardRejectsGarbage(t *testing.T) {
	_, err := ParseCard([]byte{0xff, 0x01, 0x02})
	assert.Error(t, err)
}
