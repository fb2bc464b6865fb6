package localstore

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/biroman/pkmnbindrnew-sub002/model"
	"github.com/biroman/pkmnbindrnew-sub002/protocol"
)

// TLV record layout. Binder body:
//
//	I id, N name, G(R rows, C cols), P pageCount, Q cardCount,
//	E(K key, V value)*, T createdAt, U updatedAt
//
// Card body:
//
//	I id, K kind, R ref, N name, Y rarity,
//	P(A page, S slot, O overall), h presence = reverse holo,
//	O(A page, S slot, O overall) = original position snapshot
//
// Settings body: E(K key, V value)*.

var ErrBadRecord = errors.New("localstore: bad record")

func PositionTLV(lit byte, p model.Position) []byte {
	return protocol.Record(lit,
		protocol.Record('A', protocol.ZipUint64(uint64(p.Page))),
		protocol.Record('S', protocol.ZipUint64(uint64(p.Slot))),
		protocol.Record('O', protocol.ZipUint64(uint64(p.Overall))),
	)
}

func ParsePosition(body []byte) (p model.Position, err error) {
	rest := body
	for len(rest) > 0 {
		var lit byte
		var val []byte
		lit, val, rest, err = protocol.TakeAnyWary(rest)
		if err != nil {
			return p, errors.Wrap(ErrBadRecord, "position")
		}
		switch lit {
		case 'A':
			p.Page = int(protocol.UnzipUint64(val))
		case 'S':
			p.Slot = int(protocol.UnzipUint64(val))
		case 'O':
			p.Overall = int(protocol.UnzipUint64(val))
		}
	}
	return p, nil
}

func prefsTLV(buf []byte, prefs map[string]string) []byte {
	keys := make([]string, 0, len(prefs))
	for k := range prefs {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic bytes, the poller hashes these
	for _, k := range keys {
		buf = protocol.Append(buf, 'E',
			protocol.Record('K', []byte(k)),
			protocol.Record('V', []byte(prefs[k])),
		)
	}
	return buf
}

func parsePrefEntry(body []byte) (key, value string, err error) {
	k, rest := protocol.Take('K', body)
	if k == nil {
		return "", "", errors.Wrap(ErrBadRecord, "pref key")
	}
	v, _ := protocol.Take('V', rest)
	return string(k), string(v), nil
}

// BinderTLV serializes a binder record body.
func BinderTLV(b *model.Binder) []byte {
	buf := make([]byte, 0, 128)
	buf = protocol.Append(buf, 'I', []byte(b.ID))
	buf = protocol.Append(buf, 'N', []byte(b.Name))
	buf = protocol.Append(buf, 'G',
		protocol.Record('R', protocol.ZipUint64(uint64(b.Grid.Rows))),
		protocol.Record('C', protocol.ZipUint64(uint64(b.Grid.Cols))),
	)
	buf = protocol.Append(buf, 'P', protocol.ZipUint64(uint64(b.PageCount)))
	buf = protocol.Append(buf, 'Q', protocol.ZipUint64(uint64(b.CardCount)))
	buf = prefsTLV(buf, b.Prefs)
	buf = protocol.Append(buf, 'T', protocol.ZipUint64(uint64(b.CreatedAt.UnixMilli())))
	buf = protocol.Append(buf, 'U', protocol.ZipUint64(uint64(b.UpdatedAt.UnixMilli())))
	return buf
}

// ParseBinder is the inverse of BinderTLV.
func ParseBinder(body []byte) (*model.Binder, error) {
	b := &model.Binder{Prefs: map[string]string{}}
	rest := body
	for len(rest) > 0 {
		lit, val, rem, err := protocol.TakeAnyWary(rest)
		if err != nil {
			return nil, errors.Wrap(ErrBadRecord, "binder")
		}
		rest = rem
		switch lit {
		case 'I':
			b.ID = string(val)
		case 'N':
			b.Name = string(val)
		case 'G':
			r, grest := protocol.Take('R', val)
			c, _ := protocol.Take('C', grest)
			b.Grid = model.GridConfig{
				Rows: int(protocol.UnzipUint64(r)),
				Cols: int(protocol.UnzipUint64(c)),
			}
		case 'P':
			b.PageCount = int(protocol.UnzipUint64(val))
		case 'Q':
			b.CardCount = int(protocol.UnzipUint64(val))
		case 'E':
			k, v, err := parsePrefEntry(val)
			if err != nil {
				return nil, err
			}
			b.Prefs[k] = v
		case 'T':
			b.CreatedAt = time.UnixMilli(int64(protocol.UnzipUint64(val)))
		case 'U':
			b.UpdatedAt = time.UnixMilli(int64(protocol.UnzipUint64(val)))
		}
	}
	return b, nil
}

// CardTLV serializes a card record body.
func CardTLV(c *model.Card) []byte {
	buf := make([]byte, 0, 96)
	buf = protocol.Append(buf, 'I', []byte(c.ID))
	buf = protocol.Append(buf, 'K', []byte{byte(c.Kind)})
	buf = protocol.Append(buf, 'R', []byte(c.Ref))
	if c.Name != "" {
		buf = protocol.Append(buf, 'N', []byte(c.Name))
	}
	if c.Rarity != "" {
		buf = protocol.Append(buf, 'Y', []byte(c.Rarity))
	}
	buf = append(buf, PositionTLV('P', c.Position)...)
	if c.ReverseHolo {
		buf = protocol.Append(buf, 'H', []byte{1})
	}
	if c.OriginalPos != nil {
		buf = append(buf, PositionTLV('O', *c.OriginalPos)...)
	}
	return buf
}

// ParseCard is the inverse of CardTLV.
func ParseCard(body []byte) (*model.Card, error) {
	c := &model.Card{}
	rest := body
	for len(rest) > 0 {
		lit, val, rem, err := protocol.TakeAnyWary(rest)
		if err != nil {
			return nil, errors.Wrap(ErrBadRecord, "card")
		}
		rest = rem
		switch lit {
		case 'I':
			c.ID = string(val)
		case 'K':
			if len(val) == 1 {
				c.Kind = model.CardKind(val[0])
			}
		case 'R':
			c.Ref = string(val)
		case 'N':
			c.Name = string(val)
		case 'Y':
			c.Rarity = string(val)
		case 'P':
			p, err := ParsePosition(val)
			if err != nil {
				return nil, err
			}
			c.Position = p
		case 'H':
			c.ReverseHolo = len(val) == 1 && val[0] == 1
		case 'O':
			p, err := ParsePosition(val)
			if err != nil {
				return nil, err
			}
			c.OriginalPos = &p
		}
	}
	if !c.Kind.Valid() {
		// records written before kinds were stored
		if model.IsLocalID(c.ID) {
			c.Kind = model.KindNew
		} else {
			c.Kind = model.KindExisting
		}
	}
	return c, nil
}

// SettingsTLV serializes a settings map.
func SettingsTLV(settings map[string]string) []byte {
	return prefsTLV(nil, settings)
}

// ParseSettings is the inverse of SettingsTLV.
func ParseSettings(body []byte) (map[string]string, error) {
	out := map[string]string{}
	rest := body
	for len(rest) > 0 {
		lit, val, rem, err := protocol.TakeAnyWary(rest)
		if err != nil {
			return nil, errors.Wrap(ErrBadRecord, "settings")
		}
		rest = rem
		if lit != 'E' {
			continue
		}
		k, v, err := parsePrefEntry(val)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}
