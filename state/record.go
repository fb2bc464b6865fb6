package state

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/biroman/pkmnbindrnew-sub002/model"
	"github.com/biroman/pkmnbindrnew-sub002/protocol"
	"github.com/biroman/pkmnbindrnew-sub002/storage/localstore"
)

// Pending is the accumulated, unsynced diff for one binder. It is
// cleared atomically on successful push or explicit revert, never
// partially.
type Pending struct {
	Added   []string                  // card ids created locally since last sync
	Moved   map[string]model.Position // latest recorded position per moved card
	Removed []string
	Updated []string
	Prefs   map[string]string // preferences diff
}

func newPending() Pending {
	return Pending{
		Moved: map[string]model.Position{},
		Prefs: map[string]string{},
	}
}

func (p *Pending) Empty() bool {
	return len(p.Added) == 0 && len(p.Moved) == 0 && len(p.Removed) == 0 &&
		len(p.Updated) == 0 && len(p.Prefs) == 0
}

// BinderState is the per-binder working copy the UI reads and mutates
// synchronously; the unit of durability in the state keyspace.
type BinderState struct {
	BinderID     string
	Cards        []*model.Card
	Prefs        map[string]string
	Pending      Pending
	NeedsSync    bool
	LastModified time.Time
	LastSynced   time.Time
}

func (bs *BinderState) clone() *BinderState {
	dup := &BinderState{
		BinderID:     bs.BinderID,
		Cards:        make([]*model.Card, 0, len(bs.Cards)),
		Prefs:        map[string]string{},
		Pending:      newPending(),
		NeedsSync:    bs.NeedsSync,
		LastModified: bs.LastModified,
		LastSynced:   bs.LastSynced,
	}
	for _, c := range bs.Cards {
		dup.Cards = append(dup.Cards, c.Clone())
	}
	for k, v := range bs.Prefs {
		dup.Prefs[k] = v
	}
	dup.Pending.Added = append([]string(nil), bs.Pending.Added...)
	dup.Pending.Removed = append([]string(nil), bs.Pending.Removed...)
	dup.Pending.Updated = append([]string(nil), bs.Pending.Updated...)
	for k, v := range bs.Pending.Moved {
		dup.Pending.Moved[k] = v
	}
	for k, v := range bs.Pending.Prefs {
		dup.Pending.Prefs[k] = v
	}
	return dup
}

func (bs *BinderState) card(cardID string) *model.Card {
	for _, c := range bs.Cards {
		if c.ID == cardID {
			return c
		}
	}
	return nil
}

var ErrBadStateRecord = errors.New("state: bad record")

// Record body layout:
//
//	C(card)*            cards, localstore card TLV
//	F(E(K,V)*)          working-copy preferences
//	A id*, R id*, U id* pending added / removed / updated
//	M(I id, P position)* pending moves
//	D(E(K,V)*)          pending preferences diff
//	S(N flag, T modified, L synced) sync status
func recordTLV(bs *BinderState) []byte {
	buf := make([]byte, 0, 256)
	for _, c := range bs.Cards {
		bookmark, b := protocol.OpenHeader(buf, 'C')
		b = append(b, localstore.CardTLV(c)...)
		protocol.CloseHeader(b, bookmark)
		buf = b
	}
	buf = protocol.Append(buf, 'F', localstore.SettingsTLV(bs.Prefs))
	for _, id := range bs.Pending.Added {
		buf = protocol.Append(buf, 'A', []byte(id))
	}
	for _, id := range bs.Pending.Removed {
		buf = protocol.Append(buf, 'R', []byte(id))
	}
	for _, id := range bs.Pending.Updated {
		buf = protocol.Append(buf, 'U', []byte(id))
	}
	moveIDs := make([]string, 0, len(bs.Pending.Moved))
	for id := range bs.Pending.Moved {
		moveIDs = append(moveIDs, id)
	}
	sort.Strings(moveIDs) // deterministic bytes, the poller hashes them
	for _, id := range moveIDs {
		buf = protocol.Append(buf, 'M',
			protocol.Record('I', []byte(id)),
			localstore.PositionTLV('P', bs.Pending.Moved[id]),
		)
	}
	buf = protocol.Append(buf, 'D', localstore.SettingsTLV(bs.Pending.Prefs))
	flag := byte(0)
	if bs.NeedsSync {
		flag = 1
	}
	buf = protocol.Append(buf, 'S',
		protocol.Record('N', []byte{flag}),
		protocol.Record('T', protocol.ZipUint64(uint64(bs.LastModified.UnixMilli()))),
		protocol.Record('L', protocol.ZipUint64(uint64(bs.LastSynced.UnixMilli()))),
	)
	return buf
}

func parseRecord(binderID string, body []byte) (*BinderState, error) {
	bs := &BinderState{
		BinderID: binderID,
		Prefs:    map[string]string{},
		Pending:  newPending(),
	}
	rest := body
	for len(rest) > 0 {
		lit, val, rem, err := protocol.TakeAnyWary(rest)
		if err != nil {
			return nil, errors.Wrap(ErrBadStateRecord, binderID)
		}
		rest = rem
		switch lit {
		case 'C':
			c, err := localstore.ParseCard(val)
			if err != nil {
				return nil, err
			}
			bs.Cards = append(bs.Cards, c)
		case 'F':
			prefs, err := localstore.ParseSettings(val)
			if err != nil {
				return nil, err
			}
			bs.Prefs = prefs
		case 'A':
			bs.Pending.Added = append(bs.Pending.Added, string(val))
		case 'R':
			bs.Pending.Removed = append(bs.Pending.Removed, string(val))
		case 'U':
			bs.Pending.Updated = append(bs.Pending.Updated, string(val))
		case 'M':
			id, mrest := protocol.Take('I', val)
			if id == nil {
				return nil, errors.Wrap(ErrBadStateRecord, "move entry")
			}
			pbody, _ := protocol.Take('P', mrest)
			pos, err := localstore.ParsePosition(pbody)
			if err != nil {
				return nil, err
			}
			bs.Pending.Moved[string(id)] = pos
		case 'D':
			diff, err := localstore.ParseSettings(val)
			if err != nil {
				return nil, err
			}
			bs.Pending.Prefs = diff
		case 'S':
			n, srest := protocol.Take('N', val)
			bs.NeedsSync = len(n) == 1 && n[0] == 1
			tval, srest := protocol.Take('T', srest)
			bs.LastModified = time.UnixMilli(int64(protocol.UnzipUint64(tval)))
			lval, _ := protocol.Take('L', srest)
			bs.LastSynced = time.UnixMilli(int64(protocol.UnzipUint64(lval)))
		}
	}
	return bs, nil
}
