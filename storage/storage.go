package storage

import (
	"context"

	"github.com/biroman/pkmnbindrnew-sub002/model"
)

// Status reports whether a backend can currently serve requests.
type Status struct {
	Connected bool
	Backend   string
}

// Dataset is the full-dataset export/import unit used by migration.
type Dataset struct {
	Binders  []*model.Binder
	Cards    map[string][]*model.Card // binder id -> cards
	Settings map[string]string
}

func (ds *Dataset) CardCount() (n int) {
	for _, cards := range ds.Cards {
		n += len(cards)
	}
	return
}

// Session is the narrow view of the auth collaborator: who, if anyone,
// is signed in right now.
type Session interface {
	CurrentUserID() (string, bool)
}

// Backend is the storage contract. Both the local embedded adapter and
// the remote document-database adapter implement every method; a method
// a backend cannot serve returns ErrNotImplemented rather than
// no-opping.
//
// Partial updates take a fields map; recognized keys are "name",
// "pageCount", "cardCount" and "prefs" (a map[string]string merged into
// the stored preferences).
type Backend interface {
	CreateBinder(ctx context.Context, ownerID string, b *model.Binder) (string, error)
	Binder(ctx context.Context, ownerID, binderID string) (*model.Binder, error)
	Binders(ctx context.Context, ownerID string) ([]*model.Binder, error)
	UpdateBinder(ctx context.Context, ownerID, binderID string, fields map[string]any) error
	DeleteBinder(ctx context.Context, ownerID, binderID string) error

	Cards(ctx context.Context, ownerID, binderID string) ([]*model.Card, error)
	AddCard(ctx context.Context, ownerID, binderID string, c *model.Card) (string, error)
	AddCards(ctx context.Context, ownerID, binderID string, cards []*model.Card) (int, error)
	RemoveCard(ctx context.Context, ownerID, binderID, cardID string) error
	RemoveCards(ctx context.Context, ownerID, binderID string, cardIDs []string) error
	UpdateCard(ctx context.Context, ownerID, binderID, cardID string, fields map[string]any) error
	RepositionCards(ctx context.Context, ownerID, binderID string, moves []model.Move) (int, error)

	Settings(ctx context.Context, ownerID string) (map[string]string, error)
	UpdateSettings(ctx context.Context, ownerID string, settings map[string]string) error

	Export(ctx context.Context, ownerID string) (*Dataset, error)
	Import(ctx context.Context, ownerID string, ds *Dataset) error
	Clear(ctx context.Context, ownerID string) error

	Status(ctx context.Context) Status
	Close() error
}
