package state

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/biroman/pkmnbindrnew-sub002/utils"
)

// Poller is the change-detection fallback for environments where
// another process shares the embedded store and in-process
// subscriptions cannot see its writes. It re-hashes each watched
// binder's record on a fixed interval; an unchanged stamp is a no-op,
// a changed one drops the cached copy and publishes EventExternal.
//
// Subscriptions are the primary propagation path; the poller is opt-in.
type Poller struct {
	store    *Store
	log      utils.Logger
	interval time.Duration

	seen *xsync.MapOf[string, uint64]
	stop chan struct{}
	done chan struct{}
}

const DefaultPollInterval = 2 * time.Second

func NewPoller(store *Store, interval time.Duration, log utils.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		store:    store,
		log:      log,
		interval: interval,
		seen:     xsync.NewMapOf[string, uint64](),
	}
}

// Watch adds a binder to the poll set; the current stamp becomes the
// baseline so only later external writes fire events.
func (p *Poller) Watch(binderID string) {
	stamp, _ := p.store.Stamp(binderID)
	p.seen.Store(binderID, stamp)
}

func (p *Poller) Unwatch(binderID string) {
	p.seen.Delete(binderID)
}

func (p *Poller) Start() {
	if p.stop != nil {
		return
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.run()
}

func (p *Poller) Stop() {
	if p.stop == nil {
		return
	}
	close(p.stop)
	<-p.done
	p.stop = nil
}

func (p *Poller) run() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Poller) sweep() {
	p.seen.Range(func(binderID string, last uint64) bool {
		stamp, ok := p.store.Stamp(binderID)
		if !ok || stamp == last {
			return true
		}
		p.seen.Store(binderID, stamp)
		p.log.Debug("external change detected", "binder", binderID)
		p.store.forget(binderID)
		p.store.bus.publish(Event{BinderID: binderID, Type: EventExternal})
		return true
	})
}
