package model

// GridConfig is the page layout of a binder, rows by columns.
type GridConfig struct {
	Rows int
	Cols int
}

var DefaultGrid = GridConfig{Rows: 3, Cols: 3}

func (g GridConfig) SlotsPerPage() int {
	return g.Rows * g.Cols
}

func (g GridConfig) Valid() bool {
	return g.Rows > 0 && g.Cols > 0
}

// Position locates a card inside a binder. Slot is 1-based within the
// page, Overall is the flattened 1-based index across all pages:
// Overall = (Page-1)*SlotsPerPage + Slot.
type Position struct {
	Page    int
	Slot    int
	Overall int
}

// PositionAt computes the position of the 1-based overall slot number
// under the given grid.
func PositionAt(overall int, grid GridConfig) Position {
	spp := grid.SlotsPerPage()
	if overall < 1 || spp < 1 {
		return Position{}
	}
	page := (overall-1)/spp + 1
	slot := (overall-1)%spp + 1
	return Position{Page: page, Slot: slot, Overall: overall}
}

// Overall flattens a (page, slot) pair; the inverse of PositionAt.
func (g GridConfig) Overall(page, slot int) int {
	return (page-1)*g.SlotsPerPage() + slot
}

// PagesFor is the number of pages needed for count cards.
func (g GridConfig) PagesFor(count int) int {
	spp := g.SlotsPerPage()
	if spp < 1 || count < 1 {
		return 0
	}
	return (count + spp - 1) / spp
}
