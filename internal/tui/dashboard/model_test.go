package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-bot/kestrel/internal/eventbus"
	"github.com/kestrel-bot/kestrel/internal/gateway"
	"github.com/kestrel-bot/kestrel/internal/ipc"
	"github.com/kestrel-bot/kestrel/internal/plugin"
)

func testInfo() plugin.Info {
	return plugin.Info{
		ID: 3,
		Plugins: []plugin.Descriptor{
			{Name: "help", Version: "1.0.0", Types: []string{"help"}, Main: "builtin:help"},
			{Name: "weather", Version: "0.2.0", Types: []string{"weather"}, Main: "bin/weather"},
		},
		Routes: map[string]string{"help": "help", "weather": "weather"},
	}
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out, cmd
}

func TestViewShowsPlugins(t *testing.T) {
	m := NewModel(ipc.StatusResult{Version: "1.2.3", Generation: 3, Plugins: 2}, testInfo(), nil)
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})

	view := m.View()
	assert.Contains(t, view, "kestrel")
	assert.Contains(t, view, "weather")
	assert.Contains(t, view, "builtin")
	assert.Contains(t, view, "process")
}

func TestGatewayEventUpdatesHeader(t *testing.T) {
	m := NewModel(ipc.StatusResult{}, plugin.Info{}, nil)
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})

	data, err := json.Marshal(gateway.Status{State: gateway.StateReady, SessionID: "sess-1", Seq: 42})
	require.NoError(t, err)
	m, _ = update(t, m, EventMsg{Event: eventbus.Event{Type: eventbus.GatewayState, Timestamp: time.Now(), Data: data}})

	assert.Equal(t, gateway.StateReady, m.header.status.Gateway.State)
	assert.Equal(t, int64(42), m.header.status.Gateway.Seq)
	assert.Contains(t, m.View(), "sess-1")
}

func TestLogEntryFormatting(t *testing.T) {
	data, err := json.Marshal(eventbus.LogRecord{Level: "WARN", Message: "plugin init failed", Attrs: map[string]any{"plugin": "weather"}})
	require.NoError(t, err)

	line := formatEvent(eventbus.Event{Type: eventbus.LogEntry, Timestamp: time.Now(), Data: data})
	assert.Contains(t, line, "plugin init failed")
	assert.Contains(t, line, "plugin=weather")
}

func TestKeys(t *testing.T) {
	m := NewModel(ipc.StatusResult{}, testInfo(), nil)

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, PanelLogs, m.activePanel)
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, PanelPlugins, m.activePanel)

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	assert.Equal(t, 1, m.plugins.cursor)

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("?")})
	assert.Contains(t, m.View(), "Keyboard shortcuts")

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("d")})
	assert.True(t, m.Detached())
	assert.NotNil(t, cmd)
}

func TestReloadKey(t *testing.T) {
	calls := 0
	reload := func(ctx context.Context) (ipc.ReloadResult, error) {
		calls++
		return ipc.ReloadResult{Generation: 4, Plugins: 2}, nil
	}
	m := NewModel(ipc.StatusResult{}, testInfo(), reload)

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	require.NotNil(t, cmd)
	m, _ = update(t, m, cmd())
	assert.Equal(t, 1, calls)
	assert.True(t, strings.Contains(m.notice, "generation 4"))

	failing := NewModel(ipc.StatusResult{}, testInfo(), func(context.Context) (ipc.ReloadResult, error) {
		return ipc.ReloadResult{}, errors.New("load in progress")
	})
	failing, cmd = update(t, failing, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	failing, _ = update(t, failing, cmd())
	assert.Contains(t, failing.notice, "load in progress")
}

func TestReloadKeyWithoutReloader(t *testing.T) {
	m := NewModel(ipc.StatusResult{}, testInfo(), nil)
	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	assert.Nil(t, cmd)
}
