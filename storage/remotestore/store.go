// Package remotestore implements the storage contract against a remote
// document database (MongoDB); the source of truth for authenticated
// use.
package remotestore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/biroman/pkmnbindrnew-sub002/model"
	"github.com/biroman/pkmnbindrnew-sub002/storage"
	"github.com/biroman/pkmnbindrnew-sub002/utils"
)

const cardCacheSize = 128

type Store struct {
	client *mongo.Client
	db     *mongo.Database
	log    utils.Logger

	// per-binder card read cache; writers and the sync engine
	// invalidate entries after pushing
	cardCache *lru.Cache[string, []*model.Card]
}

// Connect dials the document database and verifies it is reachable.
func Connect(ctx context.Context, uri, dbName string, log utils.Logger) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, normalize("remotestore.connect", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, normalize("remotestore.connect", err)
	}
	cache, _ := lru.New[string, []*model.Card](cardCacheSize)
	return &Store{
		client:    client,
		db:        client.Database(dbName),
		log:       log,
		cardCache: cache,
	}, nil
}

func (s *Store) binders() *mongo.Collection  { return s.db.Collection("binders") }
func (s *Store) cards() *mongo.Collection    { return s.db.Collection("cards") }
func (s *Store) settings() *mongo.Collection { return s.db.Collection("settings") }

// normalize maps driver failures into the shared taxonomy.
func normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return storage.E(storage.CodeNotFound, op, err)
	case mongo.IsDuplicateKeyError(err):
		return storage.E(storage.CodeInvalidData, op, err)
	case mongo.IsTimeout(err),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return storage.E(storage.CodeNetwork, op, err)
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) {
		switch ce.Code {
		case 13, 18: // Unauthorized, AuthenticationFailed
			return storage.E(storage.CodePermissionDenied, op, err)
		case 8000: // AtlasError, over space quota
			return storage.E(storage.CodeQuotaExceeded, op, err)
		}
	}
	return storage.E(storage.CodeOperationFailed, op, err)
}

// InvalidateBinder drops the cached card list for a binder.
func (s *Store) InvalidateBinder(binderID string) {
	s.cardCache.Remove(binderID)
}

func (s *Store) CreateBinder(ctx context.Context, ownerID string, b *model.Binder) (string, error) {
	const op = "remotestore.create_binder"
	if err := b.Validate(); err != nil {
		return "", storage.E(storage.CodeInvalidData, op, err)
	}
	doc := toBinderDoc(ownerID, b)
	doc.ID = uuid.NewString() // backend-assigned identifier
	now := time.Now()
	doc.CreatedAt, doc.UpdatedAt = now, now
	if _, err := s.binders().InsertOne(ctx, doc); err != nil {
		return "", normalize(op, err)
	}
	return doc.ID, nil
}

func (s *Store) Binder(ctx context.Context, ownerID, binderID string) (*model.Binder, error) {
	var doc binderDoc
	err := s.binders().FindOne(ctx, bson.M{"_id": binderID, "owner_id": ownerID}).Decode(&doc)
	if err != nil {
		return nil, normalize("remotestore.binder", err)
	}
	return doc.toModel(), nil
}

func (s *Store) Binders(ctx context.Context, ownerID string) ([]*model.Binder, error) {
	const op = "remotestore.binders"
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cur, err := s.binders().Find(ctx, bson.M{"owner_id": ownerID}, opts)
	if err != nil {
		return nil, normalize(op, err)
	}
	var docs []binderDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, normalize(op, err)
	}
	out := make([]*model.Binder, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toModel())
	}
	return out, nil
}

func (s *Store) UpdateBinder(ctx context.Context, ownerID, binderID string, fields map[string]any) error {
	const op = "remotestore.update_binder"
	sets := bson.M{"updated_at": time.Now()}
	for k, v := range fields {
		switch k {
		case "name":
			sets["name"] = v
		case "pageCount":
			sets["page_count"] = v
		case "cardCount":
			sets["card_count"] = v
		case "prefs":
			prefs, ok := v.(map[string]string)
			if !ok {
				return storage.E(storage.CodeInvalidData, op, errors.New("prefs wants a map[string]string"))
			}
			for pk, pv := range prefs {
				sets["prefs."+pk] = pv
			}
		default:
			return storage.E(storage.CodeInvalidData, op, errors.New("unknown binder field "+k))
		}
	}
	res, err := s.binders().UpdateOne(ctx,
		bson.M{"_id": binderID, "owner_id": ownerID},
		bson.M{"$set": sets})
	if err != nil {
		return normalize(op, err)
	}
	if res.MatchedCount == 0 {
		return storage.E(storage.CodeNotFound, op, mongo.ErrNoDocuments)
	}
	return nil
}

func (s *Store) DeleteBinder(ctx context.Context, ownerID, binderID string) error {
	const op = "remotestore.delete_binder"
	res, err := s.binders().DeleteOne(ctx, bson.M{"_id": binderID, "owner_id": ownerID})
	if err != nil {
		return normalize(op, err)
	}
	if res.DeletedCount == 0 {
		return storage.E(storage.CodeNotFound, op, mongo.ErrNoDocuments)
	}
	if _, err := s.cards().DeleteMany(ctx, bson.M{"binder_id": binderID, "owner_id": ownerID}); err != nil {
		return normalize(op, err)
	}
	s.InvalidateBinder(binderID)
	return nil
}

func (s *Store) Cards(ctx context.Context, ownerID, binderID string) ([]*model.Card, error) {
	const op = "remotestore.cards"
	if cached, ok := s.cardCache.Get(binderID); ok {
		return cached, nil
	}
	opts := options.Find().SetSort(bson.D{{Key: "position.overall", Value: 1}})
	cur, err := s.cards().Find(ctx, bson.M{"binder_id": binderID, "owner_id": ownerID}, opts)
	if err != nil {
		return nil, normalize(op, err)
	}
	var docs []cardDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, normalize(op, err)
	}
	out := make([]*model.Card, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toModel())
	}
	s.cardCache.Add(binderID, out)
	return out, nil
}

func (s *Store) AddCard(ctx context.Context, ownerID, binderID string, c *model.Card) (string, error) {
	n, err := s.AddCards(ctx, ownerID, binderID, []*model.Card{c})
	if err != nil {
		return "", err
	}
	if n != 1 {
		return "", storage.E(storage.CodeOperationFailed, "remotestore.add_card", nil)
	}
	return c.ID, nil
}

// AddCards is the bulk insert path; local composite identifiers are
// replaced with backend-assigned ones.
func (s *Store) AddCards(ctx context.Context, ownerID, binderID string, cardsIn []*model.Card) (int, error) {
	const op = "remotestore.add_cards"
	if len(cardsIn) == 0 {
		return 0, nil
	}
	docs := make([]any, 0, len(cardsIn))
	for _, c := range cardsIn {
		if c.Ref == "" {
			return 0, storage.E(storage.CodeInvalidData, op, model.ErrNoCardRef)
		}
		if c.Kind == model.KindNew || c.ID == "" {
			c.ID = uuid.NewString()
			c.Kind = model.KindExisting
		}
		docs = append(docs, toCardDoc(ownerID, binderID, c))
	}
	res, err := s.cards().InsertMany(ctx, docs)
	if err != nil {
		inserted := 0
		if res != nil {
			inserted = len(res.InsertedIDs)
		}
		return inserted, normalize(op, err)
	}
	s.InvalidateBinder(binderID)
	if err := s.refreshCounts(ctx, ownerID, binderID); err != nil {
		s.log.Warn("count refresh failed", "binder", binderID, "err", err)
	}
	return len(res.InsertedIDs), nil
}

func (s *Store) RemoveCard(ctx context.Context, ownerID, binderID, cardID string) error {
	const op = "remotestore.remove_card"
	res, err := s.cards().DeleteOne(ctx, bson.M{"_id": cardID, "binder_id": binderID, "owner_id": ownerID})
	if err != nil {
		return normalize(op, err)
	}
	if res.DeletedCount == 0 {
		return storage.E(storage.CodeNotFound, op, mongo.ErrNoDocuments)
	}
	s.InvalidateBinder(binderID)
	return nil
}

func (s *Store) RemoveCards(ctx context.Context, ownerID, binderID string, cardIDs []string) error {
	const op = "remotestore.remove_cards"
	_, err := s.cards().DeleteMany(ctx, bson.M{
		"_id":       bson.M{"$in": cardIDs},
		"binder_id": binderID,
		"owner_id":  ownerID,
	})
	if err != nil {
		return normalize(op, err)
	}
	s.InvalidateBinder(binderID)
	return nil
}

func (s *Store) UpdateCard(ctx context.Context, ownerID, binderID, cardID string, fields map[string]any) error {
	const op = "remotestore.update_card"
	sets := bson.M{}
	for k, v := range fields {
		switch k {
		case "name":
			sets["name"] = v
		case "rarity":
			sets["rarity"] = v
		case "reverseHolo":
			sets["reverse_holo"] = v
		case "position":
			p, ok := v.(model.Position)
			if !ok {
				return storage.E(storage.CodeInvalidData, op, errors.New("position wants a model.Position"))
			}
			sets["position"] = positionDoc{Page: p.Page, Slot: p.Slot, Overall: p.Overall}
		default:
			return storage.E(storage.CodeInvalidData, op, errors.New("unknown card field "+k))
		}
	}
	res, err := s.cards().UpdateOne(ctx,
		bson.M{"_id": cardID, "binder_id": binderID, "owner_id": ownerID},
		bson.M{"$set": sets})
	if err != nil {
		return normalize(op, err)
	}
	if res.MatchedCount == 0 {
		return storage.E(storage.CodeNotFound, op, mongo.ErrNoDocuments)
	}
	s.InvalidateBinder(binderID)
	return nil
}

// RepositionCards is the batch positional-update path, one BulkWrite.
func (s *Store) RepositionCards(ctx context.Context, ownerID, binderID string, moves []model.Move) (int, error) {
	const op = "remotestore.reposition_cards"
	if len(moves) == 0 {
		return 0, nil
	}
	models := make([]mongo.WriteModel, 0, len(moves))
	for _, m := range moves {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": m.CardID, "binder_id": binderID, "owner_id": ownerID}).
			SetUpdate(bson.M{"$set": bson.M{
				"position": positionDoc{Page: m.To.Page, Slot: m.To.Slot, Overall: m.To.Overall},
			}}))
	}
	res, err := s.cards().BulkWrite(ctx, models)
	if err != nil {
		return 0, normalize(op, err)
	}
	s.InvalidateBinder(binderID)
	return int(res.ModifiedCount), nil
}

func (s *Store) Settings(ctx context.Context, ownerID string) (map[string]string, error) {
	var doc settingsDoc
	err := s.settings().FindOne(ctx, bson.M{"_id": ownerID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, normalize("remotestore.settings", err)
	}
	if doc.Values == nil {
		doc.Values = map[string]string{}
	}
	return doc.Values, nil
}

func (s *Store) UpdateSettings(ctx context.Context, ownerID string, settings map[string]string) error {
	const op = "remotestore.update_settings"
	sets := bson.M{}
	for k, v := range settings {
		sets["values."+k] = v
	}
	_, err := s.settings().UpdateOne(ctx,
		bson.M{"_id": ownerID},
		bson.M{"$set": sets},
		options.UpdateOne().SetUpsert(true))
	return normalize(op, err)
}

// Export and Import are local-phase operations; migration reads the
// local dataset and writes remotely through CreateBinder/AddCards so it
// can record the identifier mapping. Loud, not silent.
func (s *Store) Export(ctx context.Context, ownerID string) (*storage.Dataset, error) {
	return nil, storage.NotImplemented("remotestore.export")
}

func (s *Store) Import(ctx context.Context, ownerID string, ds *storage.Dataset) error {
	return storage.NotImplemented("remotestore.import")
}

func (s *Store) Clear(ctx context.Context, ownerID string) error {
	const op = "remotestore.clear"
	if _, err := s.cards().DeleteMany(ctx, bson.M{"owner_id": ownerID}); err != nil {
		return normalize(op, err)
	}
	if _, err := s.binders().DeleteMany(ctx, bson.M{"owner_id": ownerID}); err != nil {
		return normalize(op, err)
	}
	if _, err := s.settings().DeleteOne(ctx, bson.M{"_id": ownerID}); err != nil {
		return normalize(op, err)
	}
	s.cardCache.Purge()
	return nil
}

func (s *Store) Status(ctx context.Context) storage.Status {
	err := s.client.Ping(ctx, nil)
	return storage.Status{Connected: err == nil, Backend: "remote"}
}

func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

func (s *Store) refreshCounts(ctx context.Context, ownerID, binderID string) error {
	cards, err := s.Cards(ctx, ownerID, binderID)
	if err != nil {
		return err
	}
	b, err := s.Binder(ctx, ownerID, binderID)
	if err != nil {
		return err
	}
	maxOverall := 0
	for _, c := range cards {
		if c.Position.Overall > maxOverall {
			maxOverall = c.Position.Overall
		}
	}
	return s.UpdateBinder(ctx, ownerID, binderID, map[string]any{
		"cardCount": len(cards),
		"pageCount": b.Grid.PagesFor(maxOverall),
	})
}
