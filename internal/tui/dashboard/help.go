package dashboard

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/kestrel-bot/kestrel/internal/tui"
)

var bindings = []struct{ key, desc string }{
	{"q / Ctrl+C", "Quit the dashboard"},
	{"d / Ctrl+D", "Detach (the bot keeps running)"},
	{"r", "Reload plugins now"},
	{"Tab", "Switch between Plugins and Logs"},
	{"j / k", "Move or scroll"},
	{"g / G", "Jump to top / bottom"},
	{"?", "Toggle this help"},
}

type helpModel struct {
	visible bool
}

func (h *helpModel) toggle() { h.visible = !h.visible }

func (h helpModel) bar() string {
	return tui.Help.Render("  q quit  d detach  r reload  Tab switch  j/k move  ? help")
}

func (h helpModel) View() string {
	keyStyle := lipgloss.NewStyle().Foreground(tui.ColorAccent).Bold(true).Width(14)
	descStyle := lipgloss.NewStyle().Foreground(tui.ColorText)

	var b strings.Builder
	b.WriteString(tui.Title.Render("Keyboard shortcuts") + "\n\n")
	for _, kb := range bindings {
		b.WriteString("  " + keyStyle.Render(kb.key) + descStyle.Render(kb.desc) + "\n")
	}
	b.WriteString("\n" + tui.Help.Render("  Press ? to close"))
	return lipgloss.NewStyle().Padding(1, 2).Render(b.String())
}
