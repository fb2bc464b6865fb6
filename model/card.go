package model

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// CardKind says whether a card has ever been persisted remotely.
// It is set once at creation time; the sync engine routes on it.
type CardKind byte

const (
	// KindNew marks a card created locally, not yet known to the remote
	// backend; sync submits it through bulk insert.
	KindNew CardKind = 'N'
	// KindExisting marks a card with a backend-assigned identifier; only
	// its position may change, so sync submits repositions.
	KindExisting CardKind = 'E'
)

func (k CardKind) Valid() bool {
	return k == KindNew || k == KindExisting
}

// Card is one slotted item of a binder.
type Card struct {
	ID   string
	Kind CardKind

	// Ref points at the source catalog entry (set id + number).
	Ref    string
	Name   string
	Rarity string

	Position Position

	// ReverseHolo marks the derived entry inserted after an eligible
	// card while the reverse-holo view is on.
	ReverseHolo bool

	// OriginalPos is only set while a derived entry exists for the
	// binder; collapse restores from it and drops it.
	OriginalPos *Position
}

var (
	ErrNoCardID  = errors.New("card id is empty")
	ErrNoCardRef = errors.New("card has no catalog reference")
	ErrBadKind   = errors.New("bad card kind")
)

func (c *Card) Validate() error {
	if c.ID == "" {
		return ErrNoCardID
	}
	if c.Ref == "" {
		return ErrNoCardRef
	}
	if !c.Kind.Valid() {
		return ErrBadKind
	}
	return nil
}

func (c *Card) Clone() *Card {
	dup := *c
	if c.OriginalPos != nil {
		op := *c.OriginalPos
		dup.OriginalPos = &op
	}
	return &dup
}

const localIDPrefix = "local-"

var localIDSeq atomic.Uint64

// NewLocalID makes a composite identifier for a card created while
// offline or anonymous. The embedded timestamp keeps ids sortable by
// creation; the sequence disambiguates same-millisecond creations.
func NewLocalID() string {
	return fmt.Sprintf("%s%d-%d", localIDPrefix, time.Now().UnixMilli(), localIDSeq.Add(1))
}

// IsLocalID recognizes the composite pattern. Routing decisions use
// Card.Kind; this only classifies records written before Kind was stored.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}

// ReverseHoloSuffix derives stable, collision-free ids for the synthetic
// reverse-holo entries: derived id = original id + suffix.
const ReverseHoloSuffix = "_rh"

func DerivedID(id string) string {
	return id + ReverseHoloSuffix
}

// Move is one positional update of an already-persisted card.
type Move struct {
	CardID string
	To     Position
}
