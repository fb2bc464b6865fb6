// Package migrate performs the one-shot bulk transfer of an anonymous
// session's local dataset into the remote backend at account upgrade.
// It is not diff-based: the entire dataset moves, identifiers are
// remapped, and partially written remote data is rolled back on
// failure. Local data is never deleted before remote verification.
package migrate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/biroman/pkmnbindrnew-sub002/model"
	"github.com/biroman/pkmnbindrnew-sub002/storage"
	"github.com/biroman/pkmnbindrnew-sub002/utils"
)

// Stage names the step a running migration is in.
type Stage string

const (
	StageExport   Stage = "export"
	StageBinders  Stage = "binders"
	StageCards    Stage = "cards"
	StageSettings Stage = "settings"
	StageVerify   Stage = "verify"
	StageCleanup  Stage = "cleanup"
	StageRollback Stage = "rollback"
	StageDone     Stage = "done"
)

// Progress is transient UI feedback; it is never persisted.
type Progress struct {
	Stage   Stage
	Percent int
	Message string
}

// Result is the structured outcome; migration failures are reported
// here, never panicked or thrown past the package boundary.
type Result struct {
	Binders    int
	Cards      int
	BinderIDs  map[string]string // old local id -> new remote id
	RolledBack bool
	Err        error
}

func (r Result) Success() bool {
	return r.Err == nil
}

// ErrAlreadyRunning rejects a second migration while one is in
// progress.
var ErrAlreadyRunning = errors.New("migrate: migration already in progress")

// Manager runs at most one migration per process; a second request
// while one is running fails fast instead of interleaving.
type Manager struct {
	log       utils.Logger
	isRunning atomic.Bool

	// DropState, when set, removes a binder's local working-copy record
	// during post-verification cleanup; Clear only covers the dataset
	// keyspaces, the working copies live under their own prefix.
	DropState func(binderID string) error

	mu        sync.Mutex
	nextSubID uint64
	observers map[uint64]func(Progress)
}

func New(log utils.Logger) *Manager {
	return &Manager{
		log:       log,
		observers: map[uint64]func(Progress){},
	}
}

// Notify attaches a progress observer; observers attach and detach
// independently and the returned cancel is idempotent.
func (m *Manager) Notify(fn func(Progress)) (cancel func()) {
	m.mu.Lock()
	m.nextSubID++
	id := m.nextSubID
	m.observers[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.observers, id)
			m.mu.Unlock()
		})
	}
}

func (m *Manager) emit(stage Stage, percent int, message string) {
	m.mu.Lock()
	targets := make([]func(Progress), 0, len(m.observers))
	for _, fn := range m.observers {
		targets = append(targets, fn)
	}
	m.mu.Unlock()
	p := Progress{Stage: stage, Percent: percent, Message: message}
	for _, fn := range targets {
		fn(p)
	}
}

// Running reports whether a migration is currently in progress.
func (m *Manager) Running() bool {
	return m.isRunning.Load()
}

// Run transfers anonID's entire local dataset into the remote backend
// under userID. On any remote failure, or when re-read remote counts
// fall short of the exported ones, every remotely created binder is
// deleted again and local data stays untouched. Only a verified
// transfer clears the local dataset.
func (m *Manager) Run(ctx context.Context, from, to storage.Backend, anonID, userID string) (res Result) {
	if !m.isRunning.CompareAndSwap(false, true) {
		return Result{Err: ErrAlreadyRunning}
	}
	defer m.isRunning.Store(false)

	ctx = utils.WithDefaultArgs(ctx, "anon", anonID, "user", userID)
	start := time.Now()
	res.BinderIDs = map[string]string{}

	m.emit(StageExport, 0, "reading local dataset")
	ds, err := from.Export(ctx, anonID)
	if err != nil {
		res.Err = errors.Wrap(err, "export local dataset")
		m.log.ErrorCtx(ctx, "migration: export failed", "err", err)
		return res
	}
	if len(ds.Binders) == 0 && len(ds.Settings) == 0 {
		m.emit(StageDone, 100, "nothing to migrate")
		return res
	}
	total := ds.CardCount()

	// Steps 2-3: create binders, remap identifiers, bulk-insert cards.
	// A remote failure anywhere here aborts and rolls back.
	m.emit(StageBinders, 10, "creating binders")
	for i, b := range ds.Binders {
		dup := b.Clone()
		dup.ID = ""
		newID, err := to.CreateBinder(ctx, userID, dup)
		if err != nil {
			res.Err = errors.Wrapf(err, "create binder %q", b.Name)
			return m.rollback(ctx, to, userID, res)
		}
		res.BinderIDs[b.ID] = newID
		res.Binders++
		m.emit(StageBinders, 10+30*(i+1)/len(ds.Binders), "creating binders")
	}

	m.emit(StageCards, 40, "transferring cards")
	for oldID, cards := range ds.Cards {
		newID, ok := res.BinderIDs[oldID]
		if !ok {
			// cards of a binder that never migrated are skipped
			m.log.WarnCtx(ctx, "migration: orphan cards skipped", "binder", oldID, "count", len(cards))
			continue
		}
		if len(cards) == 0 {
			continue
		}
		outbound := make([]*model.Card, 0, len(cards))
		for _, c := range cards {
			outbound = append(outbound, c.Clone())
		}
		n, err := to.AddCards(ctx, userID, newID, outbound)
		res.Cards += n
		if err != nil {
			res.Err = errors.Wrapf(err, "transfer cards of binder %q", oldID)
			return m.rollback(ctx, to, userID, res)
		}
		m.emit(StageCards, 40+30*res.Cards/max(total, 1), "transferring cards")
	}

	if len(ds.Settings) > 0 {
		m.emit(StageSettings, 70, "transferring settings")
		if err := to.UpdateSettings(ctx, userID, ds.Settings); err != nil {
			res.Err = errors.Wrap(err, "transfer settings")
			return m.rollback(ctx, to, userID, res)
		}
	}

	m.emit(StageVerify, 80, "verifying remote dataset")
	if err := m.verify(ctx, to, userID, res.BinderIDs, len(ds.Binders), total); err != nil {
		res.Err = err
		return m.rollback(ctx, to, userID, res)
	}

	// Verified: the local copy is now redundant.
	m.emit(StageCleanup, 90, "clearing local dataset")
	if err := from.Clear(ctx, anonID); err != nil {
		// remote data is complete and verified; a failed local clear is
		// not worth a rollback
		m.log.WarnCtx(ctx, "migration: local clear failed, remote data kept", "err", err)
	}
	if m.DropState != nil {
		for oldID := range res.BinderIDs {
			if err := m.DropState(oldID); err != nil {
				m.log.WarnCtx(ctx, "migration: working copy drop failed", "binder", oldID, "err", err)
			}
		}
	}

	m.emit(StageDone, 100, "migration complete")
	m.log.InfoCtx(ctx, "migration done",
		"binders", res.Binders, "cards", res.Cards, "elapsed", time.Since(start))
	return res
}

// verify re-reads remote counts; a shortfall against the exported
// dataset fails the migration.
func (m *Manager) verify(ctx context.Context, to storage.Backend, userID string, created map[string]string, wantBinders, wantCards int) error {
	remote, err := to.Binders(ctx, userID)
	if err != nil {
		return errors.Wrap(err, "verify binders")
	}
	have := map[string]struct{}{}
	for _, b := range remote {
		have[b.ID] = struct{}{}
	}
	found := 0
	for _, newID := range created {
		if _, ok := have[newID]; ok {
			found++
		}
	}
	if found < wantBinders {
		return errors.Errorf("verify: %d of %d binders present remotely", found, wantBinders)
	}
	gotCards := 0
	for _, newID := range created {
		cards, err := to.Cards(ctx, userID, newID)
		if err != nil {
			return errors.Wrap(err, "verify cards")
		}
		gotCards += len(cards)
	}
	if gotCards < wantCards {
		return errors.Errorf("verify: %d of %d cards present remotely", gotCards, wantCards)
	}
	return nil
}

// rollback deletes every remotely created binder recorded so far. A
// rollback failure is logged, never escalated: the local dataset is
// still intact either way.
func (m *Manager) rollback(ctx context.Context, to storage.Backend, userID string, res Result) Result {
	m.emit(StageRollback, 0, "rolling back remote changes")
	m.log.WarnCtx(ctx, "migration failed, rolling back", "err", res.Err, "binders", len(res.BinderIDs))
	failed := 0
	for oldID, newID := range res.BinderIDs {
		if err := to.DeleteBinder(ctx, userID, newID); err != nil {
			failed++
			m.log.ErrorCtx(ctx, "rollback: binder delete failed",
				"binder", oldID, "remote", newID, "err", err)
		}
	}
	res.RolledBack = failed == 0
	m.emit(StageRollback, 100, "rollback finished")
	return res
}
