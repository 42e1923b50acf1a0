package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/m4xw311/qtspy/errors"
	"github.com/m4xw311/qtspy/protocol"
)

// Tool defines the interface for any inspection action exposed to a driver
// such as the MCP server.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// ToolRegistry holds all available tools.
type ToolRegistry struct {
	tools map[string]Tool
}

// NewRegistry returns a registry with no tools.
func NewRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// NewToolRegistry registers the inspection tools over insp.
func NewToolRegistry(insp Inspector) *ToolRegistry {
	r := NewRegistry()
	r.Register(&SnapshotTool{insp: insp})
	r.Register(&PropertiesTool{insp: insp})
	r.Register(&SelectNodeTool{insp: insp})
	r.Register(&ChangesTool{insp: insp})
	return r
}

func (r *ToolRegistry) Register(t Tool) {
	r.tools[t.Name()] = t
}

func (r *ToolRegistry) GetTool(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// GetActiveTools returns the tools whose names match any of the glob
// patterns, sorted by name. No patterns selects every tool.
func (r *ToolRegistry) GetActiveTools(patterns []string) ([]Tool, error) {
	var active []Tool
	for name, t := range r.tools {
		ok, err := matchesAny(name, patterns)
		if err != nil {
			return nil, err
		}
		if ok {
			active = append(active, t)
		}
	}
	slices.SortFunc(active, func(a, b Tool) int { return strings.Compare(a.Name(), b.Name()) })
	return active, nil
}

func matchesAny(name string, patterns []string) (bool, error) {
	if len(patterns) == 0 {
		return true, nil
	}
	for _, pattern := range patterns {
		match, err := doublestar.Match(pattern, name)
		if err != nil {
			return false, fmt.Errorf("invalid tool pattern '%s': %w", pattern, err)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// nodeArg reads the "id" argument. "first-root" resolves against a fresh
// snapshot.
func nodeArg(ctx context.Context, insp Inspector, args map[string]interface{}) (string, error) {
	id, ok := args["id"].(string)
	if !ok || id == "" {
		return "", errors.New("missing or invalid 'id' argument")
	}
	if id != protocol.FirstRoot {
		return id, nil
	}
	snap, err := insp.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	if len(snap.RootIDs) == 0 {
		return "", errors.New("no root nodes available")
	}
	return snap.RootIDs[0], nil
}

func render(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", errors.Wrapf(err, "failed to render result")
	}
	return string(data), nil
}

// SnapshotTool returns the full object tree.
type SnapshotTool struct {
	insp Inspector
}

func (t *SnapshotTool) Name() string { return "snapshot" }
func (t *SnapshotTool) Description() string {
	return "Returns the full object tree of the attached application: every node with id, parentId, className, objectName, childIds and properties, plus rootIds and the current selection. No args."
}

func (t *SnapshotTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	snap, err := t.insp.Snapshot(ctx)
	if err != nil {
		return "", errors.Wrapf(err, "snapshot failed")
	}
	return render(snap)
}

// PropertiesTool returns one node's properties.
type PropertiesTool struct {
	insp Inspector
}

func (t *PropertiesTool) Name() string { return "properties" }
func (t *PropertiesTool) Description() string {
	return "Returns the properties of one node. Dynamic properties appear under __dynamic. Args: id (string, node id or \"first-root\")."
}

func (t *PropertiesTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	id, err := nodeArg(ctx, t.insp, args)
	if err != nil {
		return "", err
	}
	m, err := t.insp.Properties(ctx, id)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read properties of '%s'", id)
	}
	return render(m.Properties)
}

// SelectNodeTool records a selection in the agent session.
type SelectNodeTool struct {
	insp Inspector
}

func (t *SelectNodeTool) Name() string { return "select_node" }
func (t *SelectNodeTool) Description() string {
	return "Selects a node in the agent session; later snapshots report it as the selection. Args: id (string, node id or \"first-root\")."
}

func (t *SelectNodeTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	id, err := nodeArg(ctx, t.insp, args)
	if err != nil {
		return "", err
	}
	m, err := t.insp.Select(ctx, id)
	if err != nil {
		return "", errors.Wrapf(err, "failed to select '%s'", id)
	}
	return fmt.Sprintf("Selected %s.", m.ID), nil
}

// ChangesTool drains buffered change events.
type ChangesTool struct {
	insp Inspector
}

func (t *ChangesTool) Name() string { return "changes" }
func (t *ChangesTool) Description() string {
	return "Returns the nodeAdded, nodeRemoved and propertiesChanged events received since the previous call. No args."
}

func (t *ChangesTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	changes := t.insp.Changes()
	if len(changes) == 0 {
		return "No changes.", nil
	}
	return render(changes)
}
