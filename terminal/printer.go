package terminal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/m4xw311/qtspy/bridge"
	"github.com/m4xw311/qtspy/discovery"
)

// ColorEnabled reports whether output to f should be colored.
func ColorEnabled(f *os.File, noColor bool) bool {
	if noColor || os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Printer writes agent frames in human-readable form.
type Printer struct {
	mu     sync.Mutex
	out    io.Writer
	header *color.Color
	muted  *color.Color
	warn   *color.Color
}

// NewPrinter returns a printer writing to out.
func NewPrinter(out io.Writer, colorize bool) *Printer {
	p := &Printer{
		out:    out,
		header: color.New(color.FgCyan, color.Bold),
		muted:  color.New(color.Faint),
		warn:   color.New(color.FgYellow),
	}
	for _, c := range []*color.Color{p.header, p.muted, p.warn} {
		if colorize {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// HandleEvent prints snapshots, properties, change events and frames of
// unknown type. Handshake, acknowledgement and error frames are reported by
// the connection engine's log instead.
func (p *Printer) HandleEvent(ev bridge.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Kind {
	case bridge.Snapshot:
		p.block("--- snapshot ---", ev.Payload)
	case bridge.Properties:
		m := ev.Message
		title := fmt.Sprintf("--- properties (id=%s)", m.ID)
		if m.RequestID != "" {
			title += fmt.Sprintf(" [req=%s]", m.RequestID)
		}
		props, _ := json.Marshal(m.Properties)
		p.block(title+" ---", props)
	case bridge.NodeAdded, bridge.NodeRemoved, bridge.PropertiesChanged:
		p.block(fmt.Sprintf("--- %s ---", ev.Message.Type), ev.Payload)
	case bridge.Generic:
		p.block(fmt.Sprintf("--- %s ---", ev.Message.Type), ev.Payload)
	}
}

func (p *Printer) block(title string, payload []byte) {
	p.header.Fprintln(p.out, title)
	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		p.warn.Fprintf(p.out, "(unformattable payload: %v)\n", err)
		fmt.Fprintln(p.out, string(payload))
		return
	}
	fmt.Fprintln(p.out, buf.String())
}

// Text prints a tool result or message as is.
func (p *Printer) Text(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, s)
}

// Warn prints a highlighted line.
func (p *Printer) Warn(format string, a ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.warn.Fprintf(p.out, format+"\n", a...)
}

// Processes prints a numbered process list.
func (p *Printer) Processes(procs []discovery.Process) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(procs) == 0 {
		fmt.Fprintln(p.out, "No Qt processes found.")
		return
	}
	fmt.Fprintln(p.out, "Available Qt processes:")
	for i, proc := range procs {
		fmt.Fprintf(p.out, "  [%d] %s (PID: %d)", i+1, proc.DisplayName(), proc.Pid)
		if proc.AgentActive {
			p.muted.Fprint(p.out, " [agent active]")
		}
		fmt.Fprintln(p.out)
	}
}
