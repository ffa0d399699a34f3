// Package tui is the interactive terminal shell around a session.
package tui

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/carterjones/signalr-tester/internal/logs"
	"github.com/carterjones/signalr-tester/internal/session"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const maxOutputLines = 10

// refreshMsg asks the model to re-read the session.
type refreshMsg struct{}

// resultMsg carries the outcome of a command run off the event loop.
type resultMsg struct {
	line string
	res  Result
	err  error
}

// Notifier forwards session changes to a running program. Its Notify is
// meant for session.Options.Notify.
type Notifier struct {
	mu sync.RWMutex
	p  *tea.Program
}

func (n *Notifier) attach(p *tea.Program) {
	n.mu.Lock()
	n.p = p
	n.mu.Unlock()
}

// Notify refreshes the shell. It must not be called from the program's event
// loop.
func (n *Notifier) Notify() {
	n.mu.RLock()
	p := n.p
	n.mu.RUnlock()

	if p != nil {
		p.Send(refreshMsg{})
	}
}

// Model is the bubbletea model of the shell. Commands run in their own
// goroutine because session changes report back through the Notifier.
type Model struct {
	ctx    context.Context
	s      *session.Session
	sh     *Shell
	styles Styles

	input    textinput.Model
	viewport viewport.Model
	snap     session.Snapshot

	width  int
	height int
	ready  bool

	busy      bool
	output    string
	outputErr bool

	recall    []string
	recallPos int
}

// New builds the shell model.
func New(ctx context.Context, s *session.Session) Model {
	styles := DefaultStyles()

	ti := textinput.New()
	ti.Placeholder = "type a command, help for the list (Ctrl+C to exit)"
	ti.Focus()
	ti.Prompt = "> "
	ti.CharLimit = 8192
	ti.Width = 80
	ti.PromptStyle = styles.Prompt

	m := Model{
		ctx:      ctx,
		s:        s,
		sh:       NewShell(s),
		styles:   styles,
		input:    ti,
		viewport: viewport.New(80, 20),
		snap:     s.Snapshot(),
	}
	m.refreshLog()

	return m
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) exec(line string) tea.Cmd {
	return func() tea.Msg {
		res, err := m.sh.Exec(m.ctx, line)
		return resultMsg{line: line, res: res, err: err}
	}
}

func (m Model) quit() tea.Cmd {
	return func() tea.Msg {
		_ = m.s.Close(m.ctx)
		return tea.Quit()
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, m.quit()

		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			if line == "" || m.busy {
				return m, nil
			}
			m.input.SetValue("")
			m.recall = append(m.recall, line)
			m.recallPos = len(m.recall)
			m.busy = true
			return m, m.exec(line)

		case tea.KeyUp:
			if m.recallPos > 0 {
				m.recallPos--
				m.input.SetValue(m.recall[m.recallPos])
				m.input.CursorEnd()
			}
			return m, nil

		case tea.KeyDown:
			if m.recallPos < len(m.recall)-1 {
				m.recallPos++
				m.input.SetValue(m.recall[m.recallPos])
				m.input.CursorEnd()
			} else {
				m.recallPos = len(m.recall)
				m.input.SetValue("")
			}
			return m, nil

		case tea.KeyPgUp, tea.KeyPgDown:
			m.viewport, vpCmd = m.viewport.Update(msg)
			return m, vpCmd
		}

		m.input, tiCmd = m.input.Update(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.input.Width = msg.Width - 4
		m.layout()

	case refreshMsg:
		m.snap = m.s.Snapshot()
		m.refreshLog()
		m.layout()

	case resultMsg:
		m.busy = false
		m.snap = m.s.Snapshot()
		m.output, m.outputErr = msg.res.Output, false
		if msg.err != nil {
			m.output, m.outputErr = msg.err.Error(), true
		}
		m.refreshLog()
		m.layout()
		if msg.res.Quit {
			return m, tea.Quit
		}

	default:
		m.input, tiCmd = m.input.Update(msg)
	}

	return m, tea.Batch(tiCmd, vpCmd)
}

// layout gives the log whatever the header, output and input leave.
func (m *Model) layout() {
	if !m.ready {
		return
	}

	chrome := lipgloss.Height(m.header()) + lipgloss.Height(m.outputView()) + 1
	m.viewport.Width = m.width
	m.viewport.Height = max(m.height-chrome, 3)
}

func (m *Model) refreshLog() {
	entries := m.snap.Logs
	if len(entries) == 0 {
		m.viewport.SetContent(m.styles.Label.Render("No messages yet. Connect to a hub and invoke a method."))
		return
	}

	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, m.renderEntry(e))
	}
	m.viewport.SetContent(strings.Join(parts, "\n"))
	m.viewport.GotoTop()
}

func (m Model) renderEntry(e logs.Entry) string {
	var b strings.Builder

	b.WriteString(m.styles.Time.Render(e.Timestamp.Format(timeLayout)))
	b.WriteString(" ")
	b.WriteString(m.styles.Kind(e.Kind).Render(fmt.Sprintf("%-8s", strings.ToUpper(string(e.Kind)))))
	if e.Method != "" {
		b.WriteString(" " + m.styles.Value.Render(e.Method))
	}
	if e.Message != "" {
		b.WriteString(" " + e.Message)
	}
	if e.HasPayload() {
		b.WriteString("\n" + m.styles.Payload.Render(indent(e.PrettyPayload(), "    ")))
	}

	return b.String()
}

func (m Model) header() string {
	snap := m.snap

	url := snap.Settings.HubURL
	if url == "" {
		url = "(no hub url)"
	}

	line1 := m.styles.Title.Render("SignalR Tester") + "  " + m.styles.Badge(snap.Phase) + "  " + m.styles.Value.Render(url)

	fields := []string{
		m.styles.Label.Render("transport ") + snap.Settings.Transport.Label(),
		m.styles.Label.Render("method ") + valueOr(snap.MethodName, "-"),
		m.styles.Label.Render("args ") + fmt.Sprint(len(snap.Args)),
		m.styles.Label.Render("listeners ") + fmt.Sprint(len(snap.Listeners)),
	}
	if snap.Sending {
		fields = append(fields, m.styles.Kind(logs.Request).Render("sending..."))
	}
	line2 := strings.Join(fields, "  ")

	lines := []string{line1, line2}
	if snap.Error != "" {
		lines = append(lines, m.styles.Error.Render(snap.Error))
	}

	return strings.Join(lines, "\n")
}

func (m Model) outputView() string {
	if m.output == "" {
		return ""
	}

	lines := strings.Split(m.output, "\n")
	if len(lines) > maxOutputLines {
		lines = append(lines[:maxOutputLines], fmt.Sprintf("... %d more", len(lines)-maxOutputLines))
	}
	text := strings.Join(lines, "\n")
	if m.outputErr {
		text = m.styles.Error.Render(text)
	}

	return m.styles.Output.Render(text)
}

func (m Model) View() string {
	if !m.ready {
		return "Initializing..."
	}

	parts := []string{m.header(), m.viewport.View()}
	if out := m.outputView(); out != "" {
		parts = append(parts, out)
	}
	parts = append(parts, m.input.View())

	return strings.Join(parts, "\n")
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// Run starts the interactive shell and blocks until the user quits. n must
// be the Notifier whose Notify was given to the session.
func Run(ctx context.Context, s *session.Session, n *Notifier) error {
	p := tea.NewProgram(New(ctx, s), tea.WithAltScreen())

	n.attach(p)
	defer n.attach(nil)

	_, err := p.Run()
	return err
}
