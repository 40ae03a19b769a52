package cache

import (
	"sync"

	"atomdb/internal/core"
)

// Subscriber receives the subset of a commit's datoms matching the
// attribute set it registered with: never the full commit, never datoms
// for attributes it didn't ask for, and never more than once.
type Subscriber interface {
	OnDatoms(txID core.Entid, datoms []core.Datom)
}

// SubscriberFunc adapts a plain function to the Subscriber interface.
type SubscriberFunc func(txID core.Entid, datoms []core.Datom)

func (f SubscriberFunc) OnDatoms(txID core.Entid, datoms []core.Datom) { f(txID, datoms) }

type subscription struct {
	attrs map[core.Entid]bool
	sub   Subscriber
}

// ObserverRegistry dispatches a commit's datoms to every registered
// subscription, filtered to each subscription's attribute set.
type ObserverRegistry struct {
	mu    sync.RWMutex
	nextID int
	subs   map[int]*subscription
}

// NewObserverRegistry returns an empty ObserverRegistry.
func NewObserverRegistry() *ObserverRegistry {
	return &ObserverRegistry{subs: map[int]*subscription{}}
}

// Register adds sub, notified only of datoms whose attribute is in attrs.
// An empty attrs set never receives anything.
func (o *ObserverRegistry) Register(attrs []core.Entid, sub Subscriber) int {
	set := make(map[core.Entid]bool, len(attrs))
	for _, a := range attrs {
		set[a] = true
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.subs[id] = &subscription{attrs: set, sub: sub}
	return id
}

// Unregister removes a previously registered subscription. A stale or
// unknown id is a harmless no-op.
func (o *ObserverRegistry) Unregister(id int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.subs, id)
}

// Dispatch delivers, to each subscription, exactly the ordered subset of
// datoms whose attribute is in its registered set. A subscription with no
// matching datoms in this commit is not called.
func (o *ObserverRegistry) Dispatch(txID core.Entid, datoms []core.Datom) {
	o.mu.RLock()
	subs := make([]*subscription, 0, len(o.subs))
	for _, s := range o.subs {
		subs = append(subs, s)
	}
	o.mu.RUnlock()

	for _, s := range subs {
		matched := make([]core.Datom, 0, len(datoms))
		for _, d := range datoms {
			if s.attrs[d.A] {
				matched = append(matched, d)
			}
		}
		if len(matched) > 0 {
			s.sub.OnDatoms(txID, matched)
		}
	}
}
