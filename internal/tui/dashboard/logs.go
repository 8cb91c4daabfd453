package dashboard

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/kestrel-bot/kestrel/internal/eventbus"
	"github.com/kestrel-bot/kestrel/internal/tui"
)

const maxLogLines = 1000

type logsModel struct {
	viewport   viewport.Model
	lines      []string
	autoScroll bool
}

func newLogs() logsModel {
	return logsModel{viewport: viewport.New(80, 10), autoScroll: true}
}

func (l *logsModel) setSize(width, height int) {
	l.viewport.Width = width
	l.viewport.Height = height
}

func (l *logsModel) add(e eventbus.Event) {
	l.lines = append(l.lines, formatEvent(e))
	if len(l.lines) > maxLogLines {
		l.lines = l.lines[len(l.lines)-maxLogLines:]
	}
	l.viewport.SetContent(strings.Join(l.lines, "\n"))
	if l.autoScroll {
		l.viewport.GotoBottom()
	}
}

func formatEvent(e eventbus.Event) string {
	ts := e.Timestamp.Local().Format("15:04:05")

	if e.Type == eventbus.LogEntry {
		var rec eventbus.LogRecord
		if err := e.Decode(&rec); err == nil {
			line := fmt.Sprintf("  %s %s  %s", ts, tui.LogLevelStyle(rec.Level).Render(fmt.Sprintf("%-5s", rec.Level)), rec.Message)
			if len(rec.Attrs) > 0 {
				keys := make([]string, 0, len(rec.Attrs))
				for k := range rec.Attrs {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				attrs := make([]string, len(keys))
				for i, k := range keys {
					attrs[i] = fmt.Sprintf("%s=%v", k, rec.Attrs[k])
				}
				line += "  " + tui.Dimmed.Render(strings.Join(attrs, " "))
			}
			return line
		}
	}
	return fmt.Sprintf("  %s %s  %s", ts, tui.Dimmed.Render(e.Type), string(e.Data))
}

func (l logsModel) Update(msg tea.Msg) (logsModel, tea.Cmd) {
	if k, ok := msg.(tea.KeyMsg); ok {
		switch k.String() {
		case "G":
			l.autoScroll = true
			l.viewport.GotoBottom()
			return l, nil
		case "g":
			l.autoScroll = false
			l.viewport.GotoTop()
			return l, nil
		case "j", "down", "k", "up":
			l.autoScroll = false
		}
	}
	var cmd tea.Cmd
	l.viewport, cmd = l.viewport.Update(msg)
	return l, cmd
}

func (l logsModel) View() string {
	return l.viewport.View()
}
