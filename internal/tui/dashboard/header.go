package dashboard

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/kestrel-bot/kestrel/internal/gateway"
	"github.com/kestrel-bot/kestrel/internal/ipc"
	"github.com/kestrel-bot/kestrel/internal/tui"
)

type headerModel struct {
	status ipc.StatusResult
}

func (h *headerModel) setStatus(st ipc.StatusResult) { h.status = st }

func (h *headerModel) setGateway(gs gateway.Status) { h.status.Gateway = gs }

func (h headerModel) View(width int) string {
	gs := h.status.Gateway
	left := tui.Title.Render("kestrel") + tui.Dimmed.Render(" "+h.status.Version)
	right := fmt.Sprintf("%s %s", tui.StateDot(gs.State), tui.StateText(gs.State))

	session := "-"
	if gs.SessionID != "" {
		session = gs.SessionID
		if len(session) > 12 {
			session = session[:12]
		}
	}
	info := fmt.Sprintf("Session: %s   Seq: %d   Connects: %d   Resumes: %d   Uptime: %s",
		session, gs.Seq, gs.Connects, gs.Resumes, formatUptime(h.status.StartedAt, h.status.Uptime))
	plugins := fmt.Sprintf("Plugins: %d (generation %d) in %s", h.status.Plugins, h.status.Generation, h.status.PluginDir)
	if gs.LastError != "" {
		plugins += "\n" + tui.ErrorStyle.Render("Last error: "+gs.LastError)
	}

	gap := max(width-lipgloss.Width(left)-lipgloss.Width(right)-6, 1)
	firstRow := lipgloss.JoinHorizontal(lipgloss.Top, left, lipgloss.NewStyle().Width(gap).Render(""), right)

	return tui.Panel.
		BorderForeground(tui.ColorPrimary).
		Width(max(width-2, 20)).
		Padding(0, 1).
		Render(firstRow + "\n" + tui.Description.Render(info+"\n"+plugins))
}

func formatUptime(startedAt time.Time, fallback string) string {
	if startedAt.IsZero() {
		return fallback
	}
	d := time.Since(startedAt)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
