package objgraph

import "slices"

// Node is an in-memory Object. It backs the demo target and the tests, and
// doubles as the reference for what a framework adapter has to provide.
type Node struct {
	typeName string
	name     string
	parent   *Node
	children []*Node

	declared []*property
	dynamic  map[string]any
	dynOrder []string

	childAdded   listeners[func(Object)]
	childRemoved listeners[func(Object)]
	destroyed    listeners[func()]
	dynChanged   listeners[func(string)]

	dead bool
}

type property struct {
	name     string
	value    any
	notifies bool
	changed  listeners[func()]
}

// NewNode returns a parentless node.
func NewNode(typeName, name string) *Node {
	return &Node{typeName: typeName, name: name}
}

// Declare adds a declared property. notifies controls whether changes are
// observable through SubscribeProperty.
func (n *Node) Declare(name string, value any, notifies bool) *Node {
	if p := n.find(name); p != nil {
		p.value = value
		p.notifies = notifies
		return n
	}
	n.declared = append(n.declared, &property{name: name, value: value, notifies: notifies})
	return n
}

// Set updates a declared property or, if none is declared under that name,
// sets a dynamic one. Observers run only when the value changes.
func (n *Node) Set(name string, value any) {
	if p := n.find(name); p != nil {
		if equalValues(p.value, value) {
			return
		}
		p.value = value
		if p.notifies {
			p.changed.each(func(fn func()) { fn() })
		}
		return
	}
	if n.dynamic == nil {
		n.dynamic = make(map[string]any)
	}
	old, had := n.dynamic[name]
	if had && equalValues(old, value) {
		return
	}
	if !had {
		n.dynOrder = append(n.dynOrder, name)
	}
	n.dynamic[name] = value
	n.dynChanged.each(func(fn func(string)) { fn(name) })
}

// SetName changes the object name.
func (n *Node) SetName(name string) { n.name = name }

// AddChild reparents c under n.
func (n *Node) AddChild(c *Node) *Node {
	c.SetParent(n)
	return n
}

// SetParent moves n under p, or detaches it when p is nil. The old parent's
// child-removed observers run before the new parent's child-added observers.
func (n *Node) SetParent(p *Node) {
	if n.parent == p {
		return
	}
	if old := n.parent; old != nil {
		old.children = slices.DeleteFunc(old.children, func(c *Node) bool { return c == n })
		n.parent = nil
		// A parent being destroyed does not report its children leaving.
		if !old.dead {
			old.childRemoved.each(func(fn func(Object)) { fn(n) })
		}
	}
	if p != nil {
		n.parent = p
		p.children = append(p.children, n)
		p.childAdded.each(func(fn func(Object)) { fn(n) })
	}
}

// Destroy tears n down. Destroyed observers run first, then the children are
// destroyed, then n leaves its parent.
func (n *Node) Destroy() {
	if n.dead {
		return
	}
	n.dead = true
	n.destroyed.each(func(fn func()) { fn() })
	for len(n.children) > 0 {
		n.children[len(n.children)-1].Destroy()
	}
	n.SetParent(nil)
	n.childAdded.clear()
	n.childRemoved.clear()
	n.destroyed.clear()
	n.dynChanged.clear()
	for _, p := range n.declared {
		p.changed.clear()
	}
}

// Destroyed reports whether Destroy has been called.
func (n *Node) Destroyed() bool { return n.dead }

func (n *Node) TypeName() string { return n.typeName }

func (n *Node) Name() string { return n.name }

func (n *Node) Parent() Object {
	if n.parent == nil {
		return nil
	}
	return n.parent
}

func (n *Node) Children() []Object {
	out := make([]Object, len(n.children))
	for i, c := range n.children {
		out[i] = c
	}
	return out
}

func (n *Node) PropertyNames() []string {
	names := make([]string, len(n.declared))
	for i, p := range n.declared {
		names[i] = p.name
	}
	return names
}

func (n *Node) Property(name string) (any, bool) {
	if p := n.find(name); p != nil {
		return p.value, true
	}
	v, ok := n.dynamic[name]
	return v, ok
}

func (n *Node) DynamicPropertyNames() []string {
	return slices.Clone(n.dynOrder)
}

func (n *Node) SubscribeProperty(name string, fn func()) (Subscription, bool) {
	p := n.find(name)
	if p == nil || !p.notifies {
		return nil, false
	}
	return p.changed.add(fn), true
}

func (n *Node) OnDynamicPropertyChanged(fn func(name string)) Subscription {
	return n.dynChanged.add(fn)
}

func (n *Node) OnChildAdded(fn func(Object)) Subscription { return n.childAdded.add(fn) }

func (n *Node) OnChildRemoved(fn func(Object)) Subscription { return n.childRemoved.add(fn) }

func (n *Node) OnDestroyed(fn func()) Subscription { return n.destroyed.add(fn) }

func (n *Node) find(name string) *property {
	for _, p := range n.declared {
		if p.name == name {
			return p
		}
	}
	return nil
}

// App is an in-memory Host: an application object whose children, together
// with the registered top-level windows, form the root candidates.
type App struct {
	*Node
	name    string
	pid     int
	windows []*Node
}

// NewApp returns an application host named name with the given pid.
func NewApp(name string, pid int) *App {
	return &App{Node: NewNode("QApplication", name), name: name, pid: pid}
}

// AddWindow registers w as a top-level window.
func (a *App) AddWindow(w *Node) {
	if !slices.Contains(a.windows, w) {
		a.windows = append(a.windows, w)
	}
}

// RemoveWindow unregisters w without destroying it.
func (a *App) RemoveWindow(w *Node) {
	a.windows = slices.DeleteFunc(a.windows, func(x *Node) bool { return x == w })
}

func (a *App) RootCandidates() []Object {
	var out []Object
	for _, w := range a.windows {
		if !w.dead {
			out = append(out, w)
		}
	}
	return append(out, a.Node.Children()...)
}

func (a *App) ApplicationName() string { return a.name }

func (a *App) Pid() int { return a.pid }

// listeners is an ordered observer list with cancellable entries. Cancelling
// during dispatch is allowed.
type listeners[F any] struct {
	next  int
	items []listener[F]
}

type listener[F any] struct {
	id int
	fn F
}

type cancelFunc func()

func (c cancelFunc) Cancel() { c() }

func (l *listeners[F]) add(fn F) Subscription {
	l.next++
	id := l.next
	l.items = append(l.items, listener[F]{id: id, fn: fn})
	return cancelFunc(func() {
		l.items = slices.DeleteFunc(l.items, func(x listener[F]) bool { return x.id == id })
	})
}

func (l *listeners[F]) each(call func(F)) {
	snapshot := slices.Clone(l.items)
	for _, it := range snapshot {
		if l.has(it.id) {
			call(it.fn)
		}
	}
}

func (l *listeners[F]) has(id int) bool {
	for _, it := range l.items {
		if it.id == id {
			return true
		}
	}
	return false
}

func (l *listeners[F]) clear() { l.items = nil }

func equalValues(a, b any) bool {
	switch a.(type) {
	case nil, string, bool, int, int64, float64:
		return a == b
	}
	return false
}
