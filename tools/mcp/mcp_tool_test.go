package mcp

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/m4xw311/qtspy/tools"
)

type echoTool struct{}

func (echoTool) Name() string        { return "echo_id" }
func (echoTool) Description() string { return "Echoes the id argument. Args: id (string)." }
func (echoTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	id, _ := args["id"].(string)
	if id == "" {
		return "", errors.New("missing or invalid 'id' argument")
	}
	return "id=" + id, nil
}

func TestServerExposesTools(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server := NewServer("qtspy-test", "v0.0.1", []tools.Tool{echoTool{}}, nil)
	serverTransport, clientTransport := mcpsdk.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverTransport)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	defer ss.Close()

	c, err := Connect(ctx, "test", clientTransport)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer c.Stop()

	tool, ok := c.GetTool("echo_id")
	if !ok {
		t.Fatal("echo_id was not listed")
	}
	if !strings.Contains(tool.Description(), "Echoes") {
		t.Fatalf("description = %q", tool.Description())
	}

	out, err := tool.Execute(ctx, map[string]interface{}{"id": "node_2a"})
	if err != nil || out != "id=node_2a" {
		t.Fatalf("Execute = %q, %v", out, err)
	}

	_, err = tool.Execute(ctx, map[string]interface{}{})
	if err == nil || !strings.Contains(err.Error(), "missing or invalid 'id'") {
		t.Fatalf("tool errors must come back as errors, got %v", err)
	}
}

// TestServeStdioHelper is not a real test. It is the MCP server that
// TestNewMCPClientLaunchesServer starts as a subprocess.
func TestServeStdioHelper(t *testing.T) {
	if os.Getenv("QTSPY_MCP_HELPER") != "1" {
		return
	}
	server := NewServer("qtspy-helper", "v0.0.1", []tools.Tool{echoTool{}}, nil)
	if err := Serve(context.Background(), server); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func TestNewMCPClientLaunchesServer(t *testing.T) {
	t.Setenv("QTSPY_MCP_HELPER", "1")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	c, err := NewMCPClient(ctx, "helper", os.Args[0], []string{"-test.run=^TestServeStdioHelper$"})
	if err != nil {
		t.Fatalf("NewMCPClient: %v", err)
	}
	defer c.Stop()

	r := c.Registry()
	tool, ok := r.GetTool("echo_id")
	if !ok {
		t.Fatal("the launched server's tools must be registered")
	}
	out, err := tool.Execute(ctx, map[string]interface{}{"id": "node_7"})
	if err != nil || out != "id=node_7" {
		t.Fatalf("Execute = %q, %v", out, err)
	}
}

func TestNewMCPClientMissingCommand(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := NewMCPClient(ctx, "missing", "/nonexistent/qtspy-mcp", nil); err == nil {
		t.Fatal("a command that cannot start must fail")
	}
}
