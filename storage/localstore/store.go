// Package localstore implements the storage contract against an
// on-device pebble store. It is the source of truth for anonymous and
// offline use, and the durable home of the binder state records.
package localstore

import (
	"context"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/biroman/pkmnbindrnew-sub002/layout"
	"github.com/biroman/pkmnbindrnew-sub002/model"
	"github.com/biroman/pkmnbindrnew-sub002/storage"
	"github.com/biroman/pkmnbindrnew-sub002/utils"
)

// Matches the teacher of all pebble usage here: batched writes, no fsync
// per op; pebble's WAL still makes the write durable on process exit.
var writeOptions = pebble.WriteOptions{Sync: false}

type Store struct {
	db     *pebble.DB
	log    utils.Logger
	ownsDB bool
}

// New wraps an already-open pebble handle; the caller keeps ownership.
func New(db *pebble.DB, log utils.Logger) *Store {
	return &Store{db: db, log: log}
}

// Open opens (or creates) a pebble store at dir and owns the handle.
func Open(dir string, log utils.Logger) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, storage.E(storage.CodeOperationFailed, "localstore.open", err)
	}
	return &Store{db: db, log: log, ownsDB: true}, nil
}

// DB exposes the shared handle for the state keyspace.
func (s *Store) DB() *pebble.DB {
	return s.db
}

func (s *Store) get(key []byte, op string) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, storage.E(storage.CodeNotFound, op, err)
	}
	if err != nil {
		return nil, storage.E(storage.CodeOperationFailed, op, err)
	}
	out := make([]byte, len(val))
	copy(out, val)
	_ = closer.Close()
	return out, nil
}

func (s *Store) CreateBinder(ctx context.Context, ownerID string, b *model.Binder) (string, error) {
	if err := b.Validate(); err != nil {
		return "", storage.E(storage.CodeInvalidData, "localstore.create_binder", err)
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := time.Now()
	b.CreatedAt, b.UpdatedAt = now, now
	err := s.db.Set(binderKey(ownerID, b.ID), BinderTLV(b), &writeOptions)
	if err != nil {
		return "", storage.E(storage.CodeOperationFailed, "localstore.create_binder", err)
	}
	return b.ID, nil
}

func (s *Store) Binder(ctx context.Context, ownerID, binderID string) (*model.Binder, error) {
	body, err := s.get(binderKey(ownerID, binderID), "localstore.binder")
	if err != nil {
		return nil, err
	}
	b, err := ParseBinder(body)
	if err != nil {
		return nil, storage.E(storage.CodeInvalidData, "localstore.binder", err)
	}
	return b, nil
}

func (s *Store) Binders(ctx context.Context, ownerID string) ([]*model.Binder, error) {
	pre := binderPrefix(ownerID)
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: pre,
		UpperBound: prefixEnd(pre),
	})
	if err != nil {
		return nil, storage.E(storage.CodeOperationFailed, "localstore.binders", err)
	}
	defer it.Close()

	var out []*model.Binder
	for it.First(); it.Valid(); it.Next() {
		b, err := ParseBinder(it.Value())
		if err != nil {
			return nil, storage.E(storage.CodeInvalidData, "localstore.binders", err)
		}
		out = append(out, b)
	}
	return out, nil
}

func applyBinderFields(b *model.Binder, fields map[string]any) error {
	for k, v := range fields {
		switch k {
		case "name":
			name, ok := v.(string)
			if !ok {
				return pkgerrors.Errorf("field %q wants a string", k)
			}
			b.Name = name
		case "pageCount":
			n, ok := v.(int)
			if !ok {
				return pkgerrors.Errorf("field %q wants an int", k)
			}
			b.PageCount = n
		case "cardCount":
			n, ok := v.(int)
			if !ok {
				return pkgerrors.Errorf("field %q wants an int", k)
			}
			b.CardCount = n
		case "prefs":
			prefs, ok := v.(map[string]string)
			if !ok {
				return pkgerrors.Errorf("field %q wants a map[string]string", k)
			}
			if b.Prefs == nil {
				b.Prefs = map[string]string{}
			}
			for pk, pv := range prefs {
				b.Prefs[pk] = pv
			}
		default:
			return pkgerrors.Errorf("unknown binder field %q", k)
		}
	}
	return nil
}

func (s *Store) UpdateBinder(ctx context.Context, ownerID, binderID string, fields map[string]any) error {
	b, err := s.Binder(ctx, ownerID, binderID)
	if err != nil {
		return err
	}
	if err := applyBinderFields(b, fields); err != nil {
		return storage.E(storage.CodeInvalidData, "localstore.update_binder", err)
	}
	b.UpdatedAt = time.Now()
	err = s.db.Set(binderKey(ownerID, binderID), BinderTLV(b), &writeOptions)
	if err != nil {
		return storage.E(storage.CodeOperationFailed, "localstore.update_binder", err)
	}
	return nil
}

// DeleteBinder cascades to the binder's cards. State records are the
// state package's keyspace; the application wires that cascade.
func (s *Store) DeleteBinder(ctx context.Context, ownerID, binderID string) error {
	if _, err := s.Binder(ctx, ownerID, binderID); err != nil {
		return err
	}
	batch := s.db.NewBatch()
	_ = batch.Delete(binderKey(ownerID, binderID), nil)
	pre := cardPrefix(ownerID, binderID)
	_ = batch.DeleteRange(pre, prefixEnd(pre), nil)
	if err := s.db.Apply(batch, &writeOptions); err != nil {
		return storage.E(storage.CodeOperationFailed, "localstore.delete_binder", err)
	}
	return nil
}

func (s *Store) Cards(ctx context.Context, ownerID, binderID string) ([]*model.Card, error) {
	pre := cardPrefix(ownerID, binderID)
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: pre,
		UpperBound: prefixEnd(pre),
	})
	if err != nil {
		return nil, storage.E(storage.CodeOperationFailed, "localstore.cards", err)
	}
	defer it.Close()

	var out []*model.Card
	for it.First(); it.Valid(); it.Next() {
		c, err := ParseCard(it.Value())
		if err != nil {
			return nil, storage.E(storage.CodeInvalidData, "localstore.cards", err)
		}
		out = append(out, c)
	}
	layout.SortByPosition(out)
	return out, nil
}

func (s *Store) AddCard(ctx context.Context, ownerID, binderID string, c *model.Card) (string, error) {
	n, err := s.AddCards(ctx, ownerID, binderID, []*model.Card{c})
	if err != nil {
		return "", err
	}
	if n != 1 {
		return "", storage.E(storage.CodeOperationFailed, "localstore.add_card", nil)
	}
	return c.ID, nil
}

func (s *Store) AddCards(ctx context.Context, ownerID, binderID string, cards []*model.Card) (int, error) {
	const op = "localstore.add_cards"
	for _, c := range cards {
		if c.ID == "" {
			c.ID = model.NewLocalID()
			c.Kind = model.KindNew
		}
		if err := c.Validate(); err != nil {
			return 0, storage.E(storage.CodeInvalidData, op, err)
		}
	}
	batch := s.db.NewBatch()
	for _, c := range cards {
		_ = batch.Set(cardKey(ownerID, binderID, c.ID), CardTLV(c), nil)
	}
	if err := s.db.Apply(batch, &writeOptions); err != nil {
		return 0, storage.E(storage.CodeOperationFailed, op, err)
	}
	if err := s.refreshCounts(ctx, ownerID, binderID); err != nil {
		s.log.Warn("count refresh failed", "binder", binderID, "err", err)
	}
	return len(cards), nil
}

func (s *Store) RemoveCard(ctx context.Context, ownerID, binderID, cardID string) error {
	const op = "localstore.remove_card"
	if _, err := s.get(cardKey(ownerID, binderID, cardID), op); err != nil {
		return err
	}
	if err := s.db.Delete(cardKey(ownerID, binderID, cardID), &writeOptions); err != nil {
		return storage.E(storage.CodeOperationFailed, op, err)
	}
	if err := s.refreshCounts(ctx, ownerID, binderID); err != nil {
		s.log.Warn("count refresh failed", "binder", binderID, "err", err)
	}
	return nil
}

func (s *Store) RemoveCards(ctx context.Context, ownerID, binderID string, cardIDs []string) error {
	batch := s.db.NewBatch()
	for _, id := range cardIDs {
		_ = batch.Delete(cardKey(ownerID, binderID, id), nil)
	}
	if err := s.db.Apply(batch, &writeOptions); err != nil {
		return storage.E(storage.CodeOperationFailed, "localstore.remove_cards", err)
	}
	if err := s.refreshCounts(ctx, ownerID, binderID); err != nil {
		s.log.Warn("count refresh failed", "binder", binderID, "err", err)
	}
	return nil
}

func (s *Store) UpdateCard(ctx context.Context, ownerID, binderID, cardID string, fields map[string]any) error {
	const op = "localstore.update_card"
	body, err := s.get(cardKey(ownerID, binderID, cardID), op)
	if err != nil {
		return err
	}
	c, err := ParseCard(body)
	if err != nil {
		return storage.E(storage.CodeInvalidData, op, err)
	}
	for k, v := range fields {
		switch k {
		case "name":
			c.Name, _ = v.(string)
		case "rarity":
			c.Rarity, _ = v.(string)
		case "position":
			p, ok := v.(model.Position)
			if !ok {
				return storage.E(storage.CodeInvalidData, op, pkgerrors.Errorf("field %q wants a model.Position", k))
			}
			c.Position = p
		case "reverseHolo":
			c.ReverseHolo, _ = v.(bool)
		default:
			return storage.E(storage.CodeInvalidData, op, pkgerrors.Errorf("unknown card field %q", k))
		}
	}
	if err := s.db.Set(cardKey(ownerID, binderID, cardID), CardTLV(c), &writeOptions); err != nil {
		return storage.E(storage.CodeOperationFailed, op, err)
	}
	return nil
}

func (s *Store) RepositionCards(ctx context.Context, ownerID, binderID string, moves []model.Move) (int, error) {
	const op = "localstore.reposition_cards"
	batch := s.db.NewBatch()
	moved := 0
	for _, m := range moves {
		body, err := s.get(cardKey(ownerID, binderID, m.CardID), op)
		if storage.IsNotFound(err) {
			continue
		}
		if err != nil {
			return 0, err
		}
		c, err := ParseCard(body)
		if err != nil {
			return 0, storage.E(storage.CodeInvalidData, op, err)
		}
		c.Position = m.To
		_ = batch.Set(cardKey(ownerID, binderID, m.CardID), CardTLV(c), nil)
		moved++
	}
	if err := s.db.Apply(batch, &writeOptions); err != nil {
		return 0, storage.E(storage.CodeOperationFailed, op, err)
	}
	return moved, nil
}

func (s *Store) Settings(ctx context.Context, ownerID string) (map[string]string, error) {
	body, err := s.get(settingsKey(ownerID), "localstore.settings")
	if storage.IsNotFound(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	settings, err := ParseSettings(body)
	if err != nil {
		return nil, storage.E(storage.CodeInvalidData, "localstore.settings", err)
	}
	return settings, nil
}

func (s *Store) UpdateSettings(ctx context.Context, ownerID string, settings map[string]string) error {
	const op = "localstore.update_settings"
	current, err := s.Settings(ctx, ownerID)
	if err != nil {
		return err
	}
	for k, v := range settings {
		current[k] = v
	}
	if err := s.db.Set(settingsKey(ownerID), SettingsTLV(current), &writeOptions); err != nil {
		return storage.E(storage.CodeOperationFailed, op, err)
	}
	return nil
}

func (s *Store) Export(ctx context.Context, ownerID string) (*storage.Dataset, error) {
	binders, err := s.Binders(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	ds := &storage.Dataset{
		Binders: binders,
		Cards:   map[string][]*model.Card{},
	}
	for _, b := range binders {
		cards, err := s.Cards(ctx, ownerID, b.ID)
		if err != nil {
			return nil, err
		}
		ds.Cards[b.ID] = cards
	}
	ds.Settings, err = s.Settings(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return ds, nil
}

func (s *Store) Import(ctx context.Context, ownerID string, ds *storage.Dataset) error {
	const op = "localstore.import"
	batch := s.db.NewBatch()
	for _, b := range ds.Binders {
		if err := b.Validate(); err != nil {
			return storage.E(storage.CodeInvalidData, op, err)
		}
		_ = batch.Set(binderKey(ownerID, b.ID), BinderTLV(b), nil)
		for _, c := range ds.Cards[b.ID] {
			_ = batch.Set(cardKey(ownerID, b.ID, c.ID), CardTLV(c), nil)
		}
	}
	if len(ds.Settings) > 0 {
		_ = batch.Set(settingsKey(ownerID), SettingsTLV(ds.Settings), nil)
	}
	if err := s.db.Apply(batch, &writeOptions); err != nil {
		return storage.E(storage.CodeOperationFailed, op, err)
	}
	return nil
}

// Clear drops every record the owner has; used after a verified
// migration.
func (s *Store) Clear(ctx context.Context, ownerID string) error {
	batch := s.db.NewBatch()
	bpre := binderPrefix(ownerID)
	_ = batch.DeleteRange(bpre, prefixEnd(bpre), nil)
	cpre := []byte{prefCard}
	cpre = append(cpre, ownerID...)
	cpre = append(cpre, sep)
	_ = batch.DeleteRange(cpre, prefixEnd(cpre), nil)
	_ = batch.Delete(settingsKey(ownerID), nil)
	if err := s.db.Apply(batch, &writeOptions); err != nil {
		return storage.E(storage.CodeOperationFailed, "localstore.clear", err)
	}
	return nil
}

func (s *Store) Status(ctx context.Context) storage.Status {
	return storage.Status{Connected: s.db != nil, Backend: "local"}
}

func (s *Store) Close() error {
	if !s.ownsDB || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// refreshCounts recomputes the binder's aggregate card and page counts
// from the stored cards.
func (s *Store) refreshCounts(ctx context.Context, ownerID, binderID string) error {
	b, err := s.Binder(ctx, ownerID, binderID)
	if err != nil {
		return err
	}
	cards, err := s.Cards(ctx, ownerID, binderID)
	if err != nil {
		return err
	}
	maxOverall := 0
	for _, c := range cards {
		if c.Position.Overall > maxOverall {
			maxOverall = c.Position.Overall
		}
	}
	pages := b.Grid.PagesFor(maxOverall)
	return s.UpdateBinder(ctx, ownerID, binderID, map[string]any{
		"cardCount": len(cards),
		"pageCount": pages,
	})
}
