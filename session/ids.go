package session

import (
	"fmt"

	"github.com/m4xw311/qtspy/objgraph"
)

// registry issues stable ids for live objects. Ids come from a counter that is
// never rewound, so an id is never reused within a session even after the
// object it named is destroyed.
type registry struct {
	next     uint64
	byObject map[objgraph.Object]*entry
	byID     map[string]objgraph.Object
}

type entry struct {
	id        string
	destroyed objgraph.Subscription
}

func newRegistry() *registry {
	return &registry{
		byObject: make(map[objgraph.Object]*entry),
		byID:     make(map[string]objgraph.Object),
	}
}

// ensure returns obj's id, issuing one on first sight. onDestroyed is wired to
// the object's destruction notifier for newly issued ids.
func (r *registry) ensure(obj objgraph.Object, onDestroyed func(objgraph.Object)) string {
	if e, ok := r.byObject[obj]; ok {
		return e.id
	}
	r.next++
	e := &entry{id: fmt.Sprintf("node_%x", r.next)}
	e.destroyed = obj.OnDestroyed(func() { onDestroyed(obj) })
	r.byObject[obj] = e
	r.byID[e.id] = obj
	return e.id
}

func (r *registry) id(obj objgraph.Object) (string, bool) {
	e, ok := r.byObject[obj]
	if !ok {
		return "", false
	}
	return e.id, true
}

func (r *registry) object(id string) (objgraph.Object, bool) {
	obj, ok := r.byID[id]
	return obj, ok
}

func (r *registry) forget(obj objgraph.Object) {
	e, ok := r.byObject[obj]
	if !ok {
		return
	}
	e.destroyed.Cancel()
	delete(r.byObject, obj)
	delete(r.byID, e.id)
}

func (r *registry) clear() {
	for _, e := range r.byObject {
		e.destroyed.Cancel()
	}
	clear(r.byObject)
	clear(r.byID)
}

func (r *registry) len() int { return len(r.byObject) }
