package tui

import (
	"github.com/carterjones/signalr-tester/internal/logs"
	"github.com/carterjones/signalr-tester/internal/session"
	"github.com/charmbracelet/lipgloss"
)

//nolint:gochecknoglobals
var (
	Blue    = lipgloss.Color("#3B82F6")
	Violet  = lipgloss.Color("#8B5CF6")
	Emerald = lipgloss.Color("#10B981")
	Rose    = lipgloss.Color("#F43F5E")
	Amber   = lipgloss.Color("#F59E0B")
	Slate   = lipgloss.Color("#64748B")
	White   = lipgloss.Color("#F8FAFC")
)

// Styles holds the styled components of the shell.
type Styles struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Value   lipgloss.Style
	Error   lipgloss.Style
	Output  lipgloss.Style
	Prompt  lipgloss.Style
	Payload lipgloss.Style
	Time    lipgloss.Style

	badges map[session.Phase]lipgloss.Style
	kinds  map[logs.Kind]lipgloss.Style
}

// DefaultStyles colors each log kind and connection phase.
func DefaultStyles() Styles {
	badge := lipgloss.NewStyle().Bold(true).Padding(0, 1).Foreground(White)

	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(Violet),
		Label:   lipgloss.NewStyle().Foreground(Slate),
		Value:   lipgloss.NewStyle().Bold(true),
		Error:   lipgloss.NewStyle().Foreground(Rose),
		Output:  lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(Slate).Padding(0, 1),
		Prompt:  lipgloss.NewStyle().Foreground(Violet).Bold(true),
		Payload: lipgloss.NewStyle().Foreground(Slate),
		Time:    lipgloss.NewStyle().Foreground(Slate),
		badges: map[session.Phase]lipgloss.Style{
			session.Disconnected: badge.Background(Slate),
			session.Connecting:   badge.Background(Amber),
			session.Connected:    badge.Background(Emerald),
		},
		kinds: map[logs.Kind]lipgloss.Style{
			logs.System:   lipgloss.NewStyle().Foreground(Blue).Bold(true),
			logs.Request:  lipgloss.NewStyle().Foreground(Violet).Bold(true),
			logs.Response: lipgloss.NewStyle().Foreground(Emerald).Bold(true),
			logs.Error:    lipgloss.NewStyle().Foreground(Rose).Bold(true),
			logs.Incoming: lipgloss.NewStyle().Foreground(Amber).Bold(true),
		},
	}
}

// Badge renders the connection phase.
func (s Styles) Badge(p session.Phase) string {
	return s.badges[p].Render(p.Label())
}

// Kind returns the style of a log kind.
func (s Styles) Kind(k logs.Kind) lipgloss.Style {
	if style, ok := s.kinds[k]; ok {
		return style
	}
	return s.Label
}
