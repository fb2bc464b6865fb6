package bindr

import (
	"context"
	"sync"

	"github.com/biroman/pkmnbindrnew-sub002/storage"
	"github.com/biroman/pkmnbindrnew-sub002/storage/localstore"
	"github.com/biroman/pkmnbindrnew-sub002/storage/remotestore"
	"github.com/biroman/pkmnbindrnew-sub002/utils"
)

// AnonymousOwner scopes local data written before any account exists.
const AnonymousOwner = "anonymous"

// Provider selects the backend the rest of the subsystem talks to: the
// remote document store when a user session exists, the local embedded
// store otherwise. Selection re-runs on every session change; a failed
// remote connection falls back to local so the application stays usable
// offline.
type Provider struct {
	session storage.Session
	local   *localstore.Store
	opts    Options
	log     utils.Logger

	mu      sync.RWMutex
	active  storage.Backend
	remote  *remotestore.Store
	ownerID string
}

func NewProvider(session storage.Session, local *localstore.Store, opts Options, log utils.Logger) *Provider {
	return &Provider{
		session: session,
		local:   local,
		opts:    opts,
		active:  local,
		ownerID: AnonymousOwner,
		log:     log,
	}
}

// Refresh re-runs backend selection; call it after login and logout.
// Long-running operations must capture the pair returned by Active
// rather than re-reading the provider, so a session switch mid-flight
// cannot apply their results to another session's state.
func (p *Provider) Refresh(ctx context.Context) {
	userID, authed := p.session.CurrentUserID()
	if !authed {
		p.mu.Lock()
		p.active, p.ownerID = p.local, AnonymousOwner
		remote := p.remote
		p.remote = nil
		p.mu.Unlock()
		if remote != nil {
			if err := remote.Close(); err != nil {
				p.log.WarnCtx(ctx, "remote disconnect failed", "err", err)
			}
		}
		p.log.Debug("provider: local backend selected")
		return
	}

	p.mu.RLock()
	remote := p.remote
	p.mu.RUnlock()
	if remote == nil {
		var err error
		remote, err = remotestore.Connect(ctx, p.opts.MongoURI, p.opts.MongoDB, p.log)
		if err != nil {
			p.log.ErrorCtx(ctx, "provider: remote init failed, staying local", "err", err)
			p.mu.Lock()
			p.active, p.ownerID = p.local, userID
			p.mu.Unlock()
			return
		}
	}
	p.mu.Lock()
	p.remote, p.active, p.ownerID = remote, remote, userID
	p.mu.Unlock()
	p.log.Debug("provider: remote backend selected", "user", userID)
}

// Active returns the currently selected backend and the owner
// identifier it is scoped to.
func (p *Provider) Active() (storage.Backend, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active, p.ownerID
}

// Remote returns the connected remote adapter, or nil while offline or
// anonymous.
func (p *Provider) Remote() *remotestore.Store {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.remote
}

// Local always returns the embedded adapter; migration reads from it
// regardless of the active selection.
func (p *Provider) Local() *localstore.Store {
	return p.local
}

func (p *Provider) Close() error {
	p.mu.Lock()
	remote := p.remote
	p.remote = nil
	p.active = p.local
	p.mu.Unlock()
	if remote != nil {
		return remote.Close()
	}
	return nil
}
