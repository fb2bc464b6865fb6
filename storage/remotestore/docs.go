package remotestore

import (
	"time"

	"github.com/biroman/pkmnbindrnew-sub002/model"
)

type positionDoc struct {
	Page    int `bson:"page"`
	Slot    int `bson:"slot"`
	Overall int `bson:"overall"`
}

type binderDoc struct {
	ID        string            `bson:"_id"`
	OwnerID   string            `bson:"owner_id"`
	Name      string            `bson:"name"`
	Rows      int               `bson:"rows"`
	Cols      int               `bson:"cols"`
	PageCount int               `bson:"page_count"`
	CardCount int               `bson:"card_count"`
	Prefs     map[string]string `bson:"prefs,omitempty"`
	CreatedAt time.Time         `bson:"created_at"`
	UpdatedAt time.Time         `bson:"updated_at"`
}

type cardDoc struct {
	ID          string       `bson:"_id"`
	OwnerID     string       `bson:"owner_id"`
	BinderID    string       `bson:"binder_id"`
	Ref         string       `bson:"ref"`
	Name        string       `bson:"name,omitempty"`
	Rarity      string       `bson:"rarity,omitempty"`
	Position    positionDoc  `bson:"position"`
	ReverseHolo bool         `bson:"reverse_holo,omitempty"`
	Original    *positionDoc `bson:"original,omitempty"`
}

type settingsDoc struct {
	ID     string            `bson:"_id"` // owner id
	Values map[string]string `bson:"values"`
}

func toBinderDoc(ownerID string, b *model.Binder) binderDoc {
	return binderDoc{
		ID:        b.ID,
		OwnerID:   ownerID,
		Name:      b.Name,
		Rows:      b.Grid.Rows,
		Cols:      b.Grid.Cols,
		PageCount: b.PageCount,
		CardCount: b.CardCount,
		Prefs:     b.Prefs,
		CreatedAt: b.CreatedAt,
		UpdatedAt: b.UpdatedAt,
	}
}

func (d binderDoc) toModel() *model.Binder {
	prefs := d.Prefs
	if prefs == nil {
		prefs = map[string]string{}
	}
	return &model.Binder{
		ID:        d.ID,
		Name:      d.Name,
		Grid:      model.GridConfig{Rows: d.Rows, Cols: d.Cols},
		PageCount: d.PageCount,
		CardCount: d.CardCount,
		Prefs:     prefs,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func toCardDoc(ownerID, binderID string, c *model.Card) cardDoc {
	doc := cardDoc{
		ID:       c.ID,
		OwnerID:  ownerID,
		BinderID: binderID,
		Ref:      c.Ref,
		Name:     c.Name,
		Rarity:   c.Rarity,
		Position: positionDoc{
			Page:    c.Position.Page,
			Slot:    c.Position.Slot,
			Overall: c.Position.Overall,
		},
		ReverseHolo: c.ReverseHolo,
	}
	if c.OriginalPos != nil {
		doc.Original = &positionDoc{
			Page:    c.OriginalPos.Page,
			Slot:    c.OriginalPos.Slot,
			Overall: c.OriginalPos.Overall,
		}
	}
	return doc
}

func (d cardDoc) toModel() *model.Card {
	c := &model.Card{
		ID:     d.ID,
		Kind:   model.KindExisting, // remote docs are persisted by definition
		Ref:    d.Ref,
		Name:   d.Name,
		Rarity: d.Rarity,
		Position: model.Position{
			Page:    d.Position.Page,
			Slot:    d.Position.Slot,
			Overall: d.Position.Overall,
		},
		ReverseHolo: d.ReverseHolo,
	}
	if d.Original != nil {
		c.OriginalPos = &model.Position{
			Page:    d.Original.Page,
			Slot:    d.Original.Slot,
			Overall: d.Original.Overall,
		}
	}
	return c
}
