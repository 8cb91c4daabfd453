package dashboard

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kestrel-bot/kestrel/internal/plugin"
	"github.com/kestrel-bot/kestrel/internal/tui"
)

const maxPluginRows = 10

type pluginsModel struct {
	info   plugin.Info
	cursor int
}

func (p *pluginsModel) setInfo(info plugin.Info) {
	p.info = info
	if p.cursor >= len(info.Plugins) {
		p.cursor = max(0, len(info.Plugins)-1)
	}
}

func (p pluginsModel) Update(msg tea.Msg) (pluginsModel, tea.Cmd) {
	if k, ok := msg.(tea.KeyMsg); ok {
		switch k.String() {
		case "j", "down":
			if p.cursor < len(p.info.Plugins)-1 {
				p.cursor++
			}
		case "k", "up":
			if p.cursor > 0 {
				p.cursor--
			}
		case "g":
			p.cursor = 0
		case "G":
			p.cursor = max(0, len(p.info.Plugins)-1)
		}
	}
	return p, nil
}

func (p pluginsModel) View() string {
	if len(p.info.Plugins) == 0 {
		return tui.Dimmed.Render("  No plugins loaded")
	}

	head := lipgloss.NewStyle().Foreground(tui.ColorSubtle).Bold(true)
	var b strings.Builder
	fmt.Fprintf(&b, "  %s\n", head.Render(fmt.Sprintf("%-16s %-10s %-10s %s", "NAME", "VERSION", "KIND", "TYPES")))

	for i, d := range p.info.Plugins {
		if i >= maxPluginRows {
			fmt.Fprintf(&b, "  %s\n", tui.Dimmed.Render(fmt.Sprintf("… %d more", len(p.info.Plugins)-maxPluginRows)))
			break
		}
		cursor := "  "
		style := lipgloss.NewStyle()
		if i == p.cursor {
			cursor = tui.Selected.Render("> ")
			style = style.Bold(true)
		}
		kind := "process"
		if strings.HasPrefix(d.Main, plugin.BuiltinPrefix) {
			kind = "builtin"
		}
		types := make([]string, 0, len(d.Types))
		for _, t := range d.Types {
			if p.info.Routes[t] != d.Name && t != plugin.DefaultType {
				// Overridden by a later plugin.
				t = tui.Dimmed.Render(t)
			}
			types = append(types, t)
		}
		row := fmt.Sprintf("%-16s %-10s %-10s ", truncate(d.Name, 16), truncate(d.Version, 10), kind)
		b.WriteString(cursor + style.Render(row) + strings.Join(types, ", ") + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (p pluginsModel) height() int {
	return min(len(p.info.Plugins), maxPluginRows+1) + 2
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
