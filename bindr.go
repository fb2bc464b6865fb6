// Package bindr is the local-first storage and synchronization core
// for paginated card binders. The working copy of every binder lives in
// a local embedded store and mutates synchronously; a sync engine
// pushes accumulated diffs to the remote document store on demand, and
// a one-shot migration moves an anonymous session's dataset into an
// account.
package bindr

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/biroman/pkmnbindrnew-sub002/layout"
	"github.com/biroman/pkmnbindrnew-sub002/migrate"
	"github.com/biroman/pkmnbindrnew-sub002/model"
	"github.com/biroman/pkmnbindrnew-sub002/state"
	"github.com/biroman/pkmnbindrnew-sub002/storage"
	"github.com/biroman/pkmnbindrnew-sub002/storage/localstore"
	"github.com/biroman/pkmnbindrnew-sub002/syncer"
	"github.com/biroman/pkmnbindrnew-sub002/utils"
)

type Options struct {
	// Dir holds the embedded store; created when missing.
	Dir string

	MongoURI string
	MongoDB  string

	Logger utils.Logger

	// Poll enables the change-detection fallback for multi-process
	// setups; subscriptions cover the in-process case without it.
	Poll         bool
	PollInterval time.Duration

	// Metrics, when set, receives the pebble collector and the sync
	// engine's counters.
	Metrics prometheus.Registerer
}

func (o *Options) SetDefaults() {
	if o.Dir == "" {
		o.Dir = "bindr-data"
	}
	if o.MongoDB == "" {
		o.MongoDB = "bindr"
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.PollInterval == 0 {
		o.PollInterval = state.DefaultPollInterval
	}
}

// App owns the subsystem: one embedded store shared by the local
// adapter and the state store, the backend provider, the sync engine
// and the migration manager.
type App struct {
	opts Options
	log  utils.Logger

	local    *localstore.Store
	state    *state.Store
	provider *Provider
	engine   *syncer.Engine
	migrator *migrate.Manager
	poller   *state.Poller
}

func Open(ctx context.Context, session storage.Session, opts Options) (*App, error) {
	opts.SetDefaults()
	log := opts.Logger

	local, err := localstore.Open(opts.Dir, log)
	if err != nil {
		return nil, err
	}
	a := &App{
		opts:     opts,
		log:      log,
		local:    local,
		state:    state.New(local.DB(), log),
		migrator: migrate.New(log),
	}
	a.migrator.DropState = a.state.Drop
	a.engine = syncer.New(a.state, log)
	a.provider = NewProvider(session, local, opts, log)
	a.provider.Refresh(ctx)

	if opts.Metrics != nil {
		collectors := append(syncer.Collectors(), localstore.NewCollector(local.DB()))
		for _, c := range collectors {
			if err := opts.Metrics.Register(c); err != nil {
				log.Warn("metrics registration failed", "err", err)
			}
		}
	}
	if opts.Poll {
		a.poller = state.NewPoller(a.state, opts.PollInterval, log)
		a.poller.Start()
	}
	return a, nil
}

func (a *App) Close() error {
	if a.poller != nil {
		a.poller.Stop()
	}
	err := a.provider.Close()
	if cerr := a.local.Close(); err == nil {
		err = cerr
	}
	return err
}

func (a *App) State() *state.Store        { return a.state }
func (a *App) Provider() *Provider        { return a.provider }
func (a *App) Migrator() *migrate.Manager { return a.migrator }
func (a *App) Poller() *state.Poller      { return a.poller }
func (a *App) DB() *pebble.DB             { return a.local.DB() }

// Binders lists binders from the active backend.
func (a *App) Binders(ctx context.Context) ([]*model.Binder, error) {
	backend, owner := a.provider.Active()
	return backend.Binders(ctx, owner)
}

// CreateBinder creates a binder on the active backend and watches it
// when polling is on.
func (a *App) CreateBinder(ctx context.Context, b *model.Binder) (string, error) {
	backend, owner := a.provider.Active()
	id, err := backend.CreateBinder(ctx, owner, b)
	if err != nil {
		return "", err
	}
	if a.poller != nil {
		a.poller.Watch(id)
	}
	return id, nil
}

// DeleteBinder removes a binder from the active backend and cascades to
// its local working copy and poll registration.
func (a *App) DeleteBinder(ctx context.Context, binderID string) error {
	backend, owner := a.provider.Active()
	if err := backend.DeleteBinder(ctx, owner, binderID); err != nil {
		return err
	}
	if a.poller != nil {
		a.poller.Unwatch(binderID)
	}
	return a.state.Drop(binderID)
}

// OpenBinder returns the binder's working state, hydrating it from the
// active backend when no local copy exists yet.
func (a *App) OpenBinder(ctx context.Context, binderID string) (*state.BinderState, error) {
	backend, owner := a.provider.Active()
	bs, err := a.state.Hydrate(ctx, binderID, func(ctx context.Context) ([]*model.Card, map[string]string, error) {
		cards, err := backend.Cards(ctx, owner, binderID)
		if err != nil {
			return nil, nil, err
		}
		b, err := backend.Binder(ctx, owner, binderID)
		if err != nil {
			return nil, nil, err
		}
		return cards, b.Prefs, nil
	})
	if err != nil {
		return nil, err
	}
	if a.poller != nil {
		a.poller.Watch(binderID)
	}
	return bs, nil
}

// SetShowReverseHolos toggles the expanded view: on expands eligible
// cards with derived twins, off collapses back to the snapshotted
// positions. The re-laid-out card list and the preference land in the
// working copy in one pass.
func (a *App) SetShowReverseHolos(ctx context.Context, binderID string, show bool) error {
	bs, err := a.OpenBinder(ctx, binderID)
	if err != nil {
		return err
	}
	backend, owner := a.provider.Active()
	b, err := backend.Binder(ctx, owner, binderID)
	if err != nil {
		return err
	}
	var cards []*model.Card
	if show {
		cards = layout.Expand(bs.Cards, b.Grid)
	} else {
		cards = layout.Collapse(bs.Cards)
	}
	if err := a.state.ReplaceCards(binderID, cards); err != nil {
		return err
	}
	value := "false"
	if show {
		value = "true"
	}
	return a.state.SetPreference(binderID, model.PrefShowReverseHolos, value)
}

// Sync pushes the binder's pending changes to the active backend. The
// backend reference and owner are captured once, so a session switch
// mid-push cannot cross datasets.
func (a *App) Sync(ctx context.Context, binderID string) syncer.Report {
	backend, owner := a.provider.Active()
	return a.engine.Push(ctx, backend, owner, binderID)
}

// Revert discards the binder's local edits, restoring the working copy
// from a fresh backend read.
func (a *App) Revert(ctx context.Context, binderID string) syncer.Report {
	backend, owner := a.provider.Active()
	cards, err := backend.Cards(ctx, owner, binderID)
	if err != nil {
		return syncer.Report{FailedPhase: syncer.PhaseRevert, Err: err}
	}
	var prefs map[string]string
	if b, err := backend.Binder(ctx, owner, binderID); err == nil {
		prefs = b.Prefs
	}
	return a.engine.Revert(binderID, [][]*model.Card{cards}, prefs)
}

// Migrate transfers the anonymous local dataset into the remote backend
// under userID. The session must already be authenticated and the
// remote adapter connected.
func (a *App) Migrate(ctx context.Context, userID string) migrate.Result {
	remote := a.provider.Remote()
	if remote == nil {
		return migrate.Result{Err: storage.E(storage.CodeNetwork, "migrate", utils.ErrClosed)}
	}
	return a.migrator.Run(ctx, a.local, remote, AnonymousOwner, userID)
}
