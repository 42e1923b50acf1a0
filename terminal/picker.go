package terminal

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/m4xw311/qtspy/discovery"
)

type pickerKeys struct {
	up     key.Binding
	down   key.Binding
	choose key.Binding
	quit   key.Binding
}

var keys = pickerKeys{
	up:     key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	down:   key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	choose: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "attach")),
	quit:   key.NewBinding(key.WithKeys("q", "esc", "ctrl+c"), key.WithHelp("q", "cancel")),
}

type pickerTheme struct {
	title    lipgloss.Style
	item     lipgloss.Style
	selected lipgloss.Style
	active   lipgloss.Style
	help     lipgloss.Style
}

func newPickerTheme() pickerTheme {
	blue := lipgloss.Color("#01cdfe")
	muted := lipgloss.Color("#9ca3d8")
	return pickerTheme{
		title:    lipgloss.NewStyle().Bold(true).Foreground(blue).MarginBottom(1),
		item:     lipgloss.NewStyle().PaddingLeft(2),
		selected: lipgloss.NewStyle().PaddingLeft(1).Bold(true).Foreground(lipgloss.Color("#05ffa1")).SetString(">"),
		active:   lipgloss.NewStyle().Foreground(muted),
		help:     lipgloss.NewStyle().Foreground(muted).MarginTop(1),
	}
}

// pickerModel is the bubbletea model behind Pick.
type pickerModel struct {
	procs    []discovery.Process
	cursor   int
	chosen   int
	canceled bool
	theme    pickerTheme
}

func newPickerModel(procs []discovery.Process) pickerModel {
	return pickerModel{procs: procs, chosen: -1, theme: newPickerTheme()}
}

func (m pickerModel) Init() tea.Cmd { return nil }

func (m pickerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	km, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch {
	case key.Matches(km, keys.quit):
		m.canceled = true
		return m, tea.Quit
	case key.Matches(km, keys.up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(km, keys.down):
		if m.cursor < len(m.procs)-1 {
			m.cursor++
		}
	case key.Matches(km, keys.choose):
		m.chosen = m.cursor
		return m, tea.Quit
	}
	return m, nil
}

func (m pickerModel) View() string {
	var b strings.Builder
	b.WriteString(m.theme.title.Render("Select a Qt process to inspect"))
	b.WriteString("\n")
	for i, p := range m.procs {
		line := fmt.Sprintf("%s (PID: %d)", p.DisplayName(), p.Pid)
		if p.AgentActive {
			line += m.theme.active.Render(" [agent active]")
		}
		if i == m.cursor {
			b.WriteString(m.theme.selected.Render(line))
		} else {
			b.WriteString(m.theme.item.Render(line))
		}
		b.WriteString("\n")
	}
	b.WriteString(m.theme.help.Render("↑/↓ move • enter attach • q cancel"))
	b.WriteString("\n")
	return b.String()
}

// Pick shows the process chooser on out and returns the chosen index, or -1
// when the user cancels.
func Pick(procs []discovery.Process, in io.Reader, out io.Writer) (int, error) {
	if len(procs) == 0 {
		return -1, nil
	}
	final, err := tea.NewProgram(newPickerModel(procs), tea.WithInput(in), tea.WithOutput(out)).Run()
	if err != nil {
		return -1, err
	}
	m := final.(pickerModel)
	if m.canceled {
		return -1, nil
	}
	return m.chosen, nil
}
