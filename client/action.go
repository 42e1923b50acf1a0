package client

import "github.com/m4xw311/qtspy/protocol"

// TargetKind says how an ActionTarget picks its node.
type TargetKind int

const (
	NoTarget TargetKind = iota
	// IDTarget names a node id and fires once the handshake completes.
	IDTarget
	// FirstRootTarget fires on the first snapshot, against its first root.
	FirstRootTarget
)

// ActionTarget is a deferred select or properties request.
//
// A sticky action runs once per client run: after it completes it stays
// completed across reconnects. A non-sticky action is re-armed on every
// reconnect, since ids and selection belong to the agent session that issued
// them.
type ActionTarget struct {
	Kind   TargetKind
	ID     string
	Sticky bool

	completed bool
}

// ParseTarget interprets a command-line value: "" is no target, "first-root"
// the first root, anything else a literal id.
func ParseTarget(value string, sticky bool) ActionTarget {
	switch value {
	case "":
		return ActionTarget{}
	case protocol.FirstRoot:
		return ActionTarget{Kind: FirstRootTarget, Sticky: sticky}
	}
	return ActionTarget{Kind: IDTarget, ID: value, Sticky: sticky}
}

// Pending reports whether the action still has to run.
func (a *ActionTarget) Pending() bool { return a.Kind != NoTarget && !a.completed }

// Complete marks the action done.
func (a *ActionTarget) Complete() { a.completed = true }

// Rearm resets a non-sticky action to pending for a new connection.
func (a *ActionTarget) Rearm() {
	if !a.Sticky {
		a.completed = false
	}
}

// Resolve returns the id to act on for a snapshot's root list, or "" when the
// target cannot be resolved from it.
func (a *ActionTarget) Resolve(rootIDs []string) string {
	switch a.Kind {
	case IDTarget:
		return a.ID
	case FirstRootTarget:
		if len(rootIDs) > 0 {
			return rootIDs[0]
		}
	}
	return ""
}
