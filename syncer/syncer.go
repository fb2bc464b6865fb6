// Package syncer reconciles a binder's local working copy against the
// backend the storage provider currently designates as remote: push
// sends the accumulated diff, revert restores remote-sourced state.
package syncer

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/biroman/pkmnbindrnew-sub002/layout"
	"github.com/biroman/pkmnbindrnew-sub002/model"
	"github.com/biroman/pkmnbindrnew-sub002/state"
	"github.com/biroman/pkmnbindrnew-sub002/storage"
	"github.com/biroman/pkmnbindrnew-sub002/utils"
)

// Remote is the narrow collaborator surface the engine needs from a
// backend; both adapters satisfy it through the storage contract.
type Remote interface {
	AddCards(ctx context.Context, ownerID, binderID string, cards []*model.Card) (int, error)
	RepositionCards(ctx context.Context, ownerID, binderID string, moves []model.Move) (int, error)
	RemoveCards(ctx context.Context, ownerID, binderID string, cardIDs []string) error
	UpdateCard(ctx context.Context, ownerID, binderID, cardID string, fields map[string]any) error
	UpdateBinder(ctx context.Context, ownerID, binderID string, fields map[string]any) error
	Cards(ctx context.Context, ownerID, binderID string) ([]*model.Card, error)
}

// CacheInvalidator is implemented by backends carrying a downstream
// read cache; a fully pushed binder invalidates its entry.
type CacheInvalidator interface {
	InvalidateBinder(binderID string)
}

// Phase names the remote call that failed, when one did.
type Phase string

const (
	PhaseRemove     Phase = "batch_remove"
	PhaseInsert     Phase = "bulk_insert"
	PhaseReposition Phase = "batch_reposition"
	PhaseUpdate     Phase = "card_update"
	PhasePrefs      Phase = "prefs_update"
	PhaseRevert     Phase = "revert"
)

// Report carries per-phase results; the push calls are independent, so
// partial success is reported per phase rather than collapsed into one
// boolean.
type Report struct {
	Removed      int
	Added        int
	Repositioned int
	Updated      int
	PrefsUpdated bool
	Reverted     int

	FailedPhase Phase
	Err         error
}

func (r Report) Success() bool {
	return r.Err == nil
}

// ErrBusy rejects a push or revert while one is already running for
// the same binder.
var ErrBusy = errors.New("syncer: operation already in progress for binder")

var (
	pushCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bindr",
		Subsystem: "syncer",
		Name:      "push",
	}, []string{"result"})

	pushDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bindr",
		Subsystem: "syncer",
		Name:      "push_duration_ms",
		Buckets:   []float64{0, 1, 5, 10, 20, 50, 100, 200, 500, 1000, 5000},
	}, []string{"result"})

	revertCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bindr",
		Subsystem: "syncer",
		Name:      "revert",
	}, []string{"result"})
)

// Collectors returns the engine's prometheus metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{pushCount, pushDuration, revertCount}
}

type Engine struct {
	state *state.Store
	log   utils.Logger

	// one in-flight operation per binder
	guards  *xsync.MapOf[string, struct{}]
	PushAvg utils.AvgVal
}

func New(st *state.Store, log utils.Logger) *Engine {
	return &Engine{
		state:  st,
		log:    log,
		guards: xsync.NewMapOf[string, struct{}](),
	}
}

func cardByID(cards []*model.Card, id string) *model.Card {
	for _, c := range cards {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (e *Engine) acquire(binderID string) bool {
	_, loaded := e.guards.LoadOrStore(binderID, struct{}{})
	return !loaded
}

func (e *Engine) release(binderID string) {
	e.guards.Delete(binderID)
}

// Push sends the binder's pending changes to the remote backend.
// Removed cards go out first through one batch delete so their slots
// free up, new cards through one bulk insert, repositioned existing
// cards through one batch positional update, edited cards through
// per-card partial updates, the preferences diff through one partial
// binder update. The pending set clears only when every phase succeeds.
func (e *Engine) Push(ctx context.Context, remote Remote, ownerID, binderID string) (rep Report) {
	if !e.acquire(binderID) {
		return Report{Err: ErrBusy}
	}
	defer e.release(binderID)

	ctx = utils.WithDefaultArgs(ctx, "binder", binderID)
	start := time.Now()
	defer func() {
		result := "ok"
		if rep.Err != nil {
			result = "fail"
		}
		pushCount.WithLabelValues(result).Inc()
		ms := float64(time.Since(start).Milliseconds())
		pushDuration.WithLabelValues(result).Observe(ms)
		e.PushAvg.Add(ms)
		e.log.DebugCtx(ctx, "push timing",
			"ms", ms, "avg_ms", e.PushAvg.Val(), "pushes", e.PushAvg.Count())
	}()

	bs, err := e.state.Get(binderID)
	if storage.IsNotFound(err) {
		return Report{} // nothing local, nothing to push
	}
	if err != nil {
		return Report{Err: err}
	}
	if !bs.NeedsSync {
		return Report{}
	}

	// Classification is by the kind tag set at creation time: new cards
	// are bulk-inserted, existing cards only ever move.
	var fresh []*model.Card
	for _, c := range bs.Cards {
		if c.Kind == model.KindNew && !c.ReverseHolo {
			fresh = append(fresh, c)
		}
	}
	moves := make([]model.Move, 0, len(bs.Pending.Moved))
	for id, pos := range bs.Pending.Moved {
		moves = append(moves, model.Move{CardID: id, To: pos})
	}
	sort.Slice(moves, func(i, j int) bool { return moves[i].To.Overall < moves[j].To.Overall })

	if len(bs.Pending.Removed) > 0 {
		err := remote.RemoveCards(ctx, ownerID, binderID, bs.Pending.Removed)
		if err != nil && !storage.IsNotFound(err) {
			rep.FailedPhase, rep.Err = PhaseRemove, err
			e.log.ErrorCtx(ctx, "push: batch remove failed", "err", err)
			return rep
		}
		rep.Removed = len(bs.Pending.Removed)
	}

	if len(fresh) > 0 {
		n, err := remote.AddCards(ctx, ownerID, binderID, fresh)
		rep.Added = n
		if err != nil {
			rep.FailedPhase, rep.Err = PhaseInsert, err
			e.log.ErrorCtx(ctx, "push: bulk insert failed", "err", err)
			return rep
		}
	}

	if len(moves) > 0 {
		n, err := remote.RepositionCards(ctx, ownerID, binderID, moves)
		rep.Repositioned = n
		if err != nil {
			rep.FailedPhase, rep.Err = PhaseReposition, err
			e.log.ErrorCtx(ctx, "push: batch reposition failed", "err", err)
			return rep
		}
	}

	for _, id := range bs.Pending.Updated {
		c := cardByID(bs.Cards, id)
		if c == nil {
			continue // edited then removed, the delete already covered it
		}
		err := remote.UpdateCard(ctx, ownerID, binderID, id, map[string]any{
			"name":   c.Name,
			"rarity": c.Rarity,
		})
		if err != nil {
			rep.FailedPhase, rep.Err = PhaseUpdate, err
			e.log.ErrorCtx(ctx, "push: card update failed", "card", id, "err", err)
			return rep
		}
		rep.Updated++
	}

	if len(bs.Pending.Prefs) > 0 {
		err := remote.UpdateBinder(ctx, ownerID, binderID, map[string]any{"prefs": bs.Pending.Prefs})
		if err != nil {
			rep.FailedPhase, rep.Err = PhasePrefs, err
			e.log.ErrorCtx(ctx, "push: prefs update failed", "err", err)
			return rep
		}
		rep.PrefsUpdated = true
	}

	if inv, ok := remote.(CacheInvalidator); ok {
		inv.InvalidateBinder(binderID)
	}
	// bulk insert rewrote the fresh cards' identifiers in place
	if err := e.state.ApplySyncResult(binderID, bs.Cards, time.Now()); err != nil {
		rep.Err = err
		return rep
	}
	e.log.InfoCtx(ctx, "push done",
		"removed", rep.Removed, "added", rep.Added, "repositioned", rep.Repositioned,
		"updated", rep.Updated, "prefs", rep.PrefsUpdated)
	return rep
}

// Revert discards local edits, overwriting the working copy with the
// de-duplicated union of already-fetched remote pages. It never
// contacts the backend; with nothing fetched it reports a no-op.
func (e *Engine) Revert(binderID string, pages [][]*model.Card, prefs map[string]string) (rep Report) {
	if !e.acquire(binderID) {
		return Report{Err: ErrBusy}
	}
	defer e.release(binderID)

	defer func() {
		result := "ok"
		if rep.Err != nil {
			result = "fail"
		}
		revertCount.WithLabelValues(result).Inc()
	}()

	seen := map[string]struct{}{}
	var cards []*model.Card
	for _, page := range pages {
		for _, c := range page {
			if _, dup := seen[c.ID]; dup {
				continue
			}
			seen[c.ID] = struct{}{}
			cards = append(cards, c.Clone())
		}
	}
	if len(cards) == 0 {
		e.log.Debug("revert: no fetched data, nothing to do", "binder", binderID)
		return Report{}
	}
	layout.SortByPosition(cards)
	if err := e.state.Revert(binderID, cards, prefs); err != nil {
		rep.FailedPhase, rep.Err = PhaseRevert, err
		return rep
	}
	rep.Reverted = len(cards)
	return rep
}
