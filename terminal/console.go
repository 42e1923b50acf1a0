package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/m4xw311/qtspy/tools"
)

// commandTools maps console commands to tool names.
var commandTools = map[string]string{
	"snapshot": "snapshot",
	"props":    "properties",
	"select":   "select_node",
	"changes":  "changes",
}

// Console handles the interactive prompt over an attached agent.
type Console struct {
	registry *tools.ToolRegistry
	in       io.Reader
	out      io.Writer
}

// NewConsole creates a console reading commands from in.
func NewConsole(registry *tools.ToolRegistry, in io.Reader, out io.Writer) *Console {
	return &Console{registry: registry, in: in, out: out}
}

// Run starts the interactive session. An initial command, if given, runs
// before the first prompt.
func (c *Console) Run(ctx context.Context, initial string) error {
	if initial != "" {
		if err := c.processCommand(ctx, initial); err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
	}

	scanner := bufio.NewScanner(c.in)
	for {
		fmt.Fprint(c.out, "qtspy> ")
		if !scanner.Scan() {
			// EOF or read error ends the session
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		// Exit commands
		if line == "/quit" || line == "/exit" {
			break
		}

		if err := c.processCommand(ctx, line); err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return scanner.Err()
}

// processCommand runs a single command line.
func (c *Console) processCommand(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if fields[0] == "help" {
		c.help()
		return nil
	}
	name, ok := commandTools[fields[0]]
	if !ok {
		return fmt.Errorf("unknown command '%s' (try 'help')", fields[0])
	}
	tool, ok := c.registry.GetTool(name)
	if !ok {
		return fmt.Errorf("tool '%s' is not available", name)
	}
	args := map[string]interface{}{}
	if len(fields) > 1 {
		args["id"] = fields[1]
	}
	out, err := tool.Execute(ctx, args)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, out)
	return nil
}

func (c *Console) help() {
	fmt.Fprintln(c.out, "Commands:")
	fmt.Fprintln(c.out, "  snapshot                 print the full object tree")
	fmt.Fprintln(c.out, "  props <id|first-root>    print one node's properties")
	fmt.Fprintln(c.out, "  select <id|first-root>   select a node")
	fmt.Fprintln(c.out, "  changes                  print change events since the last call")
	fmt.Fprintln(c.out, "  /quit, /exit             leave the console")
}
