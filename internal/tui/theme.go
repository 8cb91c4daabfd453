// Package tui holds the shared palette and styles of the attach dashboard.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/kestrel-bot/kestrel/internal/gateway"
)

var (
	ColorPrimary   = lipgloss.Color("#0EA5E9") // sky
	ColorSecondary = lipgloss.Color("#6366F1") // indigo
	ColorAccent    = lipgloss.Color("#F59E0B") // amber

	ColorSuccess = lipgloss.Color("#10B981")
	ColorWarning = lipgloss.Color("#F59E0B")
	ColorError   = lipgloss.Color("#EF4444")
	ColorMuted   = lipgloss.Color("#6B7280")
	ColorText    = lipgloss.Color("#E5E7EB")
	ColorSubtle  = lipgloss.Color("#9CA3AF")
)

var (
	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPrimary)

	Subtitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorSecondary)

	Description = lipgloss.NewStyle().
			Foreground(ColorSubtle)

	Selected = lipgloss.NewStyle().
			Foreground(ColorPrimary).
			Bold(true)

	Dimmed = lipgloss.NewStyle().
		Foreground(ColorMuted)

	Success = lipgloss.NewStyle().
		Foreground(ColorSuccess)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	Help = lipgloss.NewStyle().
		Foreground(ColorMuted)

	Panel = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorMuted)
)

// stateStyle maps a gateway state to its color.
func stateStyle(state gateway.State) lipgloss.Style {
	switch state {
	case gateway.StateReady:
		return Success
	case gateway.StateConnecting, gateway.StateAwaitingReady, gateway.StateReconnectPending:
		return WarningStyle
	default:
		return ErrorStyle
	}
}

// StateDot renders a colored dot for the gateway state.
func StateDot(state gateway.State) string {
	return stateStyle(state).Render("●")
}

// StateText renders the gateway state label in its color.
func StateText(state gateway.State) string {
	if state == "" {
		state = gateway.StateDisconnected
	}
	return stateStyle(state).Render(string(state))
}

// LogLevelStyle returns the style for a slog level name.
func LogLevelStyle(level string) lipgloss.Style {
	switch level {
	case "DEBUG":
		return lipgloss.NewStyle().Foreground(ColorMuted)
	case "INFO":
		return lipgloss.NewStyle().Foreground(ColorSuccess)
	case "WARN":
		return lipgloss.NewStyle().Foreground(ColorWarning)
	case "ERROR":
		return lipgloss.NewStyle().Foreground(ColorError)
	default:
		return lipgloss.NewStyle().Foreground(ColorText)
	}
}
