package mcp

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/m4xw311/qtspy/errors"
	"github.com/m4xw311/qtspy/tools"
)

// ToolArgs is the argument object shared by every inspection tool.
type ToolArgs struct {
	ID string `json:"id,omitempty" jsonschema:"node id, or first-root for the first root node"`
}

// NewServer returns an MCP server exposing every tool in ts.
func NewServer(name, version string, ts []tools.Tool, log *zap.Logger) *mcpsdk.Server {
	if log == nil {
		log = zap.NewNop()
	}
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: name, Version: version}, nil)
	for _, t := range ts {
		mcpsdk.AddTool(server, &mcpsdk.Tool{Name: t.Name(), Description: t.Description()}, handler(t, log))
	}
	return server
}

func handler(t tools.Tool, log *zap.Logger) mcpsdk.ToolHandlerFor[ToolArgs, any] {
	return func(ctx context.Context, _ *mcpsdk.ServerSession, params *mcpsdk.CallToolParamsFor[ToolArgs]) (*mcpsdk.CallToolResultFor[any], error) {
		args := map[string]interface{}{}
		if params.Arguments.ID != "" {
			args["id"] = params.Arguments.ID
		}
		out, err := t.Execute(ctx, args)
		if err != nil {
			log.Warn("tool failed", zap.String("tool", t.Name()), zap.Error(err))
			return &mcpsdk.CallToolResultFor[any]{
				IsError: true,
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}},
			}, nil
		}
		return &mcpsdk.CallToolResultFor[any]{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: out}},
		}, nil
	}
}

// Serve runs the server over stdio until the client disconnects or ctx ends.
func Serve(ctx context.Context, server *mcpsdk.Server) error {
	return server.Run(ctx, mcpsdk.NewStdioTransport())
}

// MCPClient is a connection to an MCP server exposing inspection tools.
type MCPClient struct {
	Name  string
	cmd   *exec.Cmd
	conn  *mcpsdk.ClientSession
	tools map[string]*MCPTool // Map of tool name to the tool instance.
}

// NewMCPClient starts an MCP server subprocess, typically qtspy-mcp, and
// discovers its tools.
func NewMCPClient(ctx context.Context, name, command string, args []string) (*MCPClient, error) {
	cmd := exec.Command(command, args...)
	cmd.Stderr = os.Stderr
	c, err := Connect(ctx, name, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return nil, err
	}
	c.cmd = cmd
	return c, nil
}

// Connect opens a client session over transport and discovers the tools.
func Connect(ctx context.Context, name string, transport mcpsdk.Transport) (*MCPClient, error) {
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "qtspy-client", Version: "v1.0.0"}, nil)
	conn, err := client.Connect(ctx, transport)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", name)
	}
	c := &MCPClient{Name: name, conn: conn, tools: make(map[string]*MCPTool)}

	params := &mcpsdk.ListToolsParams{}
	for {
		list, err := conn.ListTools(ctx, params)
		if err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", name)
		}
		for _, t := range list.Tools {
			c.tools[t.Name] = &MCPTool{toolName: t.Name, description: t.Description, client: c}
		}
		if list.NextCursor == "" {
			break
		}
		params.Cursor = list.NextCursor
	}
	return c, nil
}

// GetTool returns a tool provided by this server by name.
func (c *MCPClient) GetTool(name string) (*MCPTool, bool) {
	t, ok := c.tools[name]
	return t, ok
}

// Registry returns a registry holding every tool this server provides.
func (c *MCPClient) Registry() *tools.ToolRegistry {
	r := tools.NewRegistry()
	for _, t := range c.tools {
		r.Register(t)
	}
	return r
}

// Stop closes the session and terminates the subprocess, if any.
func (c *MCPClient) Stop() error {
	if c.conn != nil {
		c.conn.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		return c.cmd.Process.Kill()
	}
	return nil
}

// MCPTool is a tool served by a remote MCP server. It satisfies tools.Tool.
type MCPTool struct {
	toolName    string
	description string
	client      *MCPClient
}

func (t *MCPTool) Name() string { return t.toolName }

func (t *MCPTool) Description() string { return t.description }

// Execute calls the tool and concatenates its text content.
func (t *MCPTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	result, err := t.client.conn.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.toolName,
		Arguments: args,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to call tool '%s'", t.Name())
	}
	op := ""
	for _, c := range result.Content {
		if text, ok := c.(*mcpsdk.TextContent); ok {
			op += text.Text
		}
	}
	if result.IsError {
		return "", fmt.Errorf("tool '%s' failed: %s", t.Name(), op)
	}
	return op, nil
}

var _ tools.Tool = (*MCPTool)(nil)
