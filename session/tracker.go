package session

import (
	"slices"

	"go.uber.org/zap"

	"github.com/m4xw311/qtspy/objgraph"
	"github.com/m4xw311/qtspy/protocol"
)

// tracker holds the observer subscriptions of every live-tracked object and
// turns framework notifications into protocol events.
type tracker struct {
	s       *Session
	tracked map[objgraph.Object]*tracked
	roots   []objgraph.Object
}

type tracked struct {
	parent   objgraph.Object
	parentID string
	children []objgraph.Object
	subs     []objgraph.Subscription
}

func newTracker(s *Session) *tracker {
	return &tracker{s: s, tracked: make(map[objgraph.Object]*tracked)}
}

func (t *tracker) isTracked(obj objgraph.Object) bool {
	_, ok := t.tracked[obj]
	return ok
}

// reconcileRoots re-enumerates the host's roots. New roots are tracked, and
// objects that stopped being roots are untracked (and re-tracked under their
// new parent when that parent is tracked). announce controls whether the
// transitions are reported as events.
func (t *tracker) reconcileRoots(announce bool) []objgraph.Object {
	current := objgraph.Roots(t.s.host.RootCandidates())

	for _, old := range t.roots {
		if slices.Contains(current, old) {
			continue
		}
		if !t.isTracked(old) {
			continue
		}
		t.untrack(old, announce)
		if parent := old.Parent(); parent != nil && t.isTracked(parent) {
			t.track(old, parent, announce)
		}
	}

	for _, root := range current {
		entry, ok := t.tracked[root]
		if ok && entry.parent != nil {
			// Was tracked as someone's child and has since become a root.
			t.untrack(root, announce)
			ok = false
		}
		if !ok {
			t.track(root, nil, announce)
		}
	}
	t.roots = current
	return current
}

// dropRoot forgets obj as a root without touching its tracking.
func (t *tracker) dropRoot(obj objgraph.Object) {
	t.roots = slices.DeleteFunc(t.roots, func(o objgraph.Object) bool { return o == obj })
}

// track starts observing obj and its subtree. With announce set, a nodeAdded
// event is emitted for each newly tracked object, parents before children.
func (t *tracker) track(obj objgraph.Object, parent objgraph.Object, announce bool) {
	if t.isTracked(obj) {
		return
	}
	s := t.s
	s.ensureID(obj)
	parentID := ""
	if parent != nil {
		parentID, _ = s.ids.id(parent)
	}

	entry := &tracked{parent: parent, parentID: parentID}
	entry.subs = append(entry.subs,
		obj.OnChildAdded(func(child objgraph.Object) { t.childAdded(obj, child) }),
		obj.OnChildRemoved(func(child objgraph.Object) { t.childRemoved(obj, child) }),
		obj.OnDynamicPropertyChanged(func(name string) { t.propertiesChanged(obj, []string{name}) }),
	)
	for _, name := range obj.PropertyNames() {
		name := name
		if sub, ok := obj.SubscribeProperty(name, func() { t.propertiesChanged(obj, []string{name}) }); ok {
			entry.subs = append(entry.subs, sub)
		}
	}
	t.tracked[obj] = entry
	if p, ok := t.tracked[parent]; ok && parent != nil {
		p.children = append(p.children, obj)
	}

	if announce && s.state == Active {
		node := s.serialize(obj, parentID)
		s.send(&protocol.Message{Type: protocol.TypeNodeAdded, ParentID: parentID, Node: &node})
	}

	for _, child := range obj.Children() {
		t.track(child, obj, announce)
	}
}

// untrack stops observing obj and its tracked subtree, children first. With
// announce set, a nodeRemoved event is emitted for each.
func (t *tracker) untrack(obj objgraph.Object, announce bool) {
	entry, ok := t.tracked[obj]
	if !ok {
		return
	}
	for _, child := range slices.Clone(entry.children) {
		t.untrack(child, announce)
	}
	for _, sub := range entry.subs {
		sub.Cancel()
	}
	delete(t.tracked, obj)
	if entry.parent != nil {
		if p, ok := t.tracked[entry.parent]; ok {
			p.children = slices.DeleteFunc(p.children, func(o objgraph.Object) bool { return o == obj })
		}
	}

	s := t.s
	if announce && s.state == Active {
		if id, ok := s.ids.id(obj); ok {
			s.send(&protocol.Message{Type: protocol.TypeNodeRemoved, ID: id, ParentID: entry.parentID})
		}
	}
}

func (t *tracker) childAdded(parent, child objgraph.Object) {
	if entry, ok := t.tracked[child]; ok {
		if entry.parent == parent {
			return
		}
		// A tracked root or a node whose removal was not reported is moving.
		t.untrack(child, true)
		t.dropRoot(child)
	}
	t.s.log.Debug("child added", zap.String("type", child.TypeName()), zap.String("name", child.Name()))
	t.track(child, parent, true)
}

func (t *tracker) childRemoved(parent, child objgraph.Object) {
	entry, ok := t.tracked[child]
	if !ok || entry.parent != parent {
		return
	}
	t.untrack(child, true)
}

func (t *tracker) propertiesChanged(obj objgraph.Object, changed []string) {
	s := t.s
	if s.state != Active {
		return
	}
	id, ok := s.ids.id(obj)
	if !ok {
		return
	}
	s.send(&protocol.Message{
		Type:       protocol.TypePropertiesChanged,
		ID:         id,
		Changed:    changed,
		Properties: serializeProperties(obj),
	})
}

func (t *tracker) clear() {
	for _, entry := range t.tracked {
		for _, sub := range entry.subs {
			sub.Cancel()
		}
	}
	clear(t.tracked)
	t.roots = nil
}

func (t *tracker) len() int { return len(t.tracked) }
