// Package dashboard is the terminal UI shown by "kestrel attach".
package dashboard

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kestrel-bot/kestrel/internal/eventbus"
	"github.com/kestrel-bot/kestrel/internal/gateway"
	"github.com/kestrel-bot/kestrel/internal/ipc"
	"github.com/kestrel-bot/kestrel/internal/plugin"
	"github.com/kestrel-bot/kestrel/internal/tui"
)

const reloadTimeout = 2 * time.Minute

// Panel identifies which dashboard panel is focused.
type Panel int

const (
	PanelPlugins Panel = iota
	PanelLogs
)

// ReloadFunc triggers a plugin reload in the daemon.
type ReloadFunc func(ctx context.Context) (ipc.ReloadResult, error)

// Model is the root dashboard model.
type Model struct {
	header  headerModel
	plugins pluginsModel
	logs    logsModel
	help    helpModel
	reload  ReloadFunc

	activePanel Panel
	notice      string
	width       int
	height      int
	detached    bool
	quitting    bool
}

// NewModel creates a dashboard seeded with the daemon's current state.
// reload may be nil, in which case the reload key is ignored.
func NewModel(status ipc.StatusResult, info plugin.Info, reload ReloadFunc) Model {
	m := Model{
		header: headerModel{status: status},
		logs:   newLogs(),
		reload: reload,
	}
	m.plugins.setInfo(info)
	return m
}

// StatusUpdateMsg carries fresh daemon status.
type StatusUpdateMsg struct {
	Status ipc.StatusResult
}

// PluginsUpdateMsg carries the live generation.
type PluginsUpdateMsg struct {
	Info plugin.Info
}

// EventMsg wraps one event from the daemon's bus.
type EventMsg struct {
	Event eventbus.Event
}

type reloadDoneMsg struct {
	result ipc.ReloadResult
	err    error
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.logs.setSize(msg.Width-4, m.logsHeight())
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, key.NewBinding(key.WithKeys("ctrl+c", "q"))):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, key.NewBinding(key.WithKeys("ctrl+d", "d"))):
			m.detached = true
			return m, tea.Quit
		case key.Matches(msg, key.NewBinding(key.WithKeys("tab"))):
			if m.activePanel == PanelPlugins {
				m.activePanel = PanelLogs
			} else {
				m.activePanel = PanelPlugins
			}
			return m, nil
		case key.Matches(msg, key.NewBinding(key.WithKeys("?"))):
			m.help.toggle()
			return m, nil
		case key.Matches(msg, key.NewBinding(key.WithKeys("r"))):
			if m.reload == nil {
				return m, nil
			}
			m.notice = "reloading plugins…"
			return m, m.reloadCmd()
		}

	case StatusUpdateMsg:
		m.header.setStatus(msg.Status)
		return m, nil

	case PluginsUpdateMsg:
		m.plugins.setInfo(msg.Info)
		m.logs.setSize(m.width-4, m.logsHeight())
		return m, nil

	case reloadDoneMsg:
		if msg.err != nil {
			m.notice = "reload failed: " + msg.err.Error()
		} else {
			m.notice = fmt.Sprintf("generation %d loaded with %d plugins", msg.result.Generation, msg.result.Plugins)
		}
		return m, nil

	case EventMsg:
		if msg.Event.Type == eventbus.GatewayState {
			var gs gateway.Status
			if msg.Event.Decode(&gs) == nil {
				m.header.setGateway(gs)
			}
		}
		m.logs.add(msg.Event)
		return m, nil
	}

	var cmd tea.Cmd
	switch m.activePanel {
	case PanelPlugins:
		m.plugins, cmd = m.plugins.Update(msg)
	case PanelLogs:
		m.logs, cmd = m.logs.Update(msg)
	}
	return m, cmd
}

func (m Model) reloadCmd() tea.Cmd {
	reload := m.reload
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
		defer cancel()
		res, err := reload(ctx)
		return reloadDoneMsg{result: res, err: err}
	}
}

func (m Model) View() string {
	if m.help.visible {
		return m.help.View()
	}

	pluginsStyle := tui.Panel.Width(max(m.width-2, 20))
	logsStyle := tui.Panel.Width(max(m.width-2, 20))
	if m.activePanel == PanelPlugins {
		pluginsStyle = pluginsStyle.BorderForeground(tui.ColorPrimary)
	} else {
		logsStyle = logsStyle.BorderForeground(tui.ColorPrimary)
	}

	parts := []string{
		m.header.View(m.width),
		pluginsStyle.Render(tui.Subtitle.Render(" Plugins") + "\n" + m.plugins.View()),
		logsStyle.Render(tui.Subtitle.Render(" Logs") + "\n" + m.logs.View()),
	}
	if m.notice != "" {
		parts = append(parts, "  "+tui.Description.Render(m.notice))
	}
	parts = append(parts, m.help.bar())
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

// Detached reports whether the user detached.
func (m Model) Detached() bool { return m.detached }

// Quitting reports whether the user quit.
func (m Model) Quitting() bool { return m.quitting }

func (m Model) logsHeight() int {
	// Header, plugins panel, notice, help bar and borders.
	used := 7 + m.plugins.height() + 4
	return max(m.height-used, 5)
}
