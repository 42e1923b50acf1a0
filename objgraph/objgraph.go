// Package objgraph describes the live object graph the agent inspects.
//
// A host application exposes its objects through the Object interface: a
// parent/child hierarchy whose nodes carry a type name, an optional object
// name, declared properties (some of which announce changes) and dynamic
// properties attached at runtime. Every method is called on the host's owning
// goroutine; implementations need not be safe for concurrent use.
package objgraph

// Subscription is returned by every observer registration.
type Subscription interface {
	Cancel()
}

// Introspectable exposes an object's properties.
type Introspectable interface {
	// PropertyNames lists declared properties in declaration order.
	PropertyNames() []string
	// Property returns a declared or dynamic property value. Values are
	// JSON-representable (string, bool, float64, int, nil, []any, map[string]any).
	Property(name string) (any, bool)
	// DynamicPropertyNames lists properties attached at runtime.
	DynamicPropertyNames() []string
	// SubscribeProperty registers fn to run when the declared property changes.
	// ok is false if the property has no change notifier.
	SubscribeProperty(name string, fn func()) (sub Subscription, ok bool)
	// OnDynamicPropertyChanged registers fn for changes to dynamic properties.
	OnDynamicPropertyChanged(fn func(name string)) Subscription
}

// Object is a node of the host's object graph.
type Object interface {
	Introspectable

	TypeName() string
	Name() string
	Parent() Object
	Children() []Object

	OnChildAdded(fn func(child Object)) Subscription
	OnChildRemoved(fn func(child Object)) Subscription
	// OnDestroyed runs fn before the object's children are torn down.
	OnDestroyed(fn func()) Subscription
}

// Host is the embedding application as seen by the agent.
type Host interface {
	// RootCandidates returns the top-level windows followed by the direct
	// children of the application object. Duplicates are allowed.
	RootCandidates() []Object
	ApplicationName() string
	Pid() int
}

// Roots filters candidates to those with no ancestor among the candidates,
// keeping first-seen order and dropping duplicates.
func Roots(candidates []Object) []Object {
	set := make(map[Object]bool, len(candidates))
	for _, c := range candidates {
		if c != nil {
			set[c] = true
		}
	}
	seen := make(map[Object]bool, len(candidates))
	var roots []Object
	for _, c := range candidates {
		if c == nil || seen[c] {
			continue
		}
		seen[c] = true
		if hasAncestorIn(c, set) {
			continue
		}
		roots = append(roots, c)
	}
	return roots
}

func hasAncestorIn(o Object, set map[Object]bool) bool {
	for p := o.Parent(); p != nil; p = p.Parent() {
		if set[p] {
			return true
		}
	}
	return false
}
