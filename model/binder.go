package model

import (
	"errors"
	"time"
)

// Preference keys stored in Binder.Prefs. Values are strings; booleans
// use "true"/"false".
const (
	PrefShowReverseHolos = "showReverseHolos"
	PrefSortMode         = "sortMode"
)

// Binder is a named container of cards arranged across pages of a
// fixed grid.
type Binder struct {
	ID        string
	Name      string
	Grid      GridConfig
	PageCount int
	Prefs     map[string]string
	CardCount int
	CreatedAt time.Time
	UpdatedAt time.Time
}

var (
	ErrNoBinderName = errors.New("binder name is empty")
	ErrBadGrid      = errors.New("binder grid is invalid")
)

// Validate runs before any storage or network call is issued.
func (b *Binder) Validate() error {
	if b.Name == "" {
		return ErrNoBinderName
	}
	if !b.Grid.Valid() {
		return ErrBadGrid
	}
	return nil
}

func (b *Binder) Clone() *Binder {
	dup := *b
	if b.Prefs != nil {
		dup.Prefs = make(map[string]string, len(b.Prefs))
		for k, v := range b.Prefs {
			dup.Prefs[k] = v
		}
	}
	return &dup
}

// ShowReverseHolos reads the expansion preference.
func (b *Binder) ShowReverseHolos() bool {
	return b.Prefs[PrefShowReverseHolos] == "true"
}
