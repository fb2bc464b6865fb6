// Package layout computes slot assignments for binder cards and the
// reversible reverse-holo expansion. Everything here is pure: no
// storage, no side effects beyond the slice passed in.
package layout

import (
	"sort"
	"strings"

	"github.com/biroman/pkmnbindrnew-sub002/model"
)

// Common-tier rarities get a reverse-holo twin when the expanded view
// is on. Fixed set; matching is case-insensitive.
var eligibleRarities = map[string]struct{}{
	"common":   {},
	"uncommon": {},
	"rare":     {},
}

// Eligible reports whether a card of this rarity gets a derived
// reverse-holo entry. Pure predicate over card metadata.
func Eligible(rarity string) bool {
	_, ok := eligibleRarities[strings.ToLower(strings.TrimSpace(rarity))]
	return ok
}

// SortByPosition orders cards by (page, slot) ascending, in place.
// This ordering is the basis for replay-stable expansion output.
func SortByPosition(cards []*model.Card) {
	sort.SliceStable(cards, func(i, j int) bool {
		a, b := cards[i].Position, cards[j].Position
		if a.Page != b.Page {
			return a.Page < b.Page
		}
		return a.Slot < b.Slot
	})
}

// Flatten reassigns sequential positions to cards in their current
// order: slots start at 1 and roll over to the next page when the
// per-page capacity is exceeded. Mutates the cards in place.
func Flatten(cards []*model.Card, grid model.GridConfig) {
	for i, c := range cards {
		c.Position = model.PositionAt(i+1, grid)
	}
}

// Expanded reports whether any derived entry is present.
func Expanded(cards []*model.Card) bool {
	for _, c := range cards {
		if c.ReverseHolo {
			return true
		}
	}
	return false
}

// Expand inserts a derived reverse-holo entry after each eligible card
// and re-flattens the result under the grid. Each original's prior
// position is snapshotted into OriginalPos first, so Collapse can
// restore exact placement. Expanding an already-expanded list is a
// no-op: no duplicate derived entries are ever created.
func Expand(cards []*model.Card, grid model.GridConfig) []*model.Card {
	if Expanded(cards) {
		return cards
	}
	ordered := make([]*model.Card, len(cards))
	copy(ordered, cards)
	SortByPosition(ordered)

	expanded := make([]*model.Card, 0, len(ordered)*2)
	for _, c := range ordered {
		prior := c.Position
		c.OriginalPos = &prior
		expanded = append(expanded, c)
		if !Eligible(c.Rarity) {
			continue
		}
		twin := c.Clone()
		twin.ID = model.DerivedID(c.ID)
		twin.ReverseHolo = true
		twin.OriginalPos = nil
		expanded = append(expanded, twin)
	}
	Flatten(expanded, grid)
	return expanded
}

// Collapse removes all derived entries and restores every remaining
// card from its OriginalPos snapshot, dropping the snapshot. A card
// without a snapshot (added while the expanded view was on) keeps its
// current position; losing data there would be worse than a gap.
func Collapse(cards []*model.Card) []*model.Card {
	kept := make([]*model.Card, 0, len(cards))
	for _, c := range cards {
		if c.ReverseHolo {
			continue
		}
		if c.OriginalPos != nil {
			c.Position = *c.OriginalPos
			c.OriginalPos = nil
		}
		kept = append(kept, c)
	}
	SortByPosition(kept)
	return kept
}

// Contiguous verifies the positional invariant: overall slot numbers
// run 1..n and agree with the grid's page/slot decomposition.
func Contiguous(cards []*model.Card, grid model.GridConfig) bool {
	for i, c := range cards {
		want := model.PositionAt(i+1, grid)
		if c.Position != want {
			return false
		}
	}
	return true
}
