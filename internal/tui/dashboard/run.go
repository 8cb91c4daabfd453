package dashboard

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kestrel-bot/kestrel/internal/eventbus"
	"github.com/kestrel-bot/kestrel/internal/ipc"
)

const (
	refreshInterval = 2 * time.Second
	callTimeout     = 5 * time.Second
)

// Attach connects to a running daemon over its control socket and shows the
// dashboard until the user quits or detaches. The daemon keeps running.
func Attach(ctx context.Context, socketPath string) error {
	status, err := ipc.Dial(socketPath)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer func() { _ = status.Close() }()

	// Subscriptions take over their connection, so events use a second one.
	events, err := ipc.Dial(socketPath)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer func() { _ = events.Close() }()

	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	st, err := status.Status(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("query status: %w", err)
	}
	cctx, cancel = context.WithTimeout(ctx, callTimeout)
	info, err := status.Plugins(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("query plugins: %w", err)
	}

	cctx, cancel = context.WithTimeout(ctx, callTimeout)
	err = events.Subscribe(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	p := tea.NewProgram(NewModel(st, info, status.Reload), tea.WithAltScreen(), tea.WithContext(ctx))

	refresh := func() {
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		if s, err := status.Status(cctx); err == nil {
			p.Send(StatusUpdateMsg{Status: s})
		}
		if i, err := status.Plugins(cctx); err == nil {
			p.Send(PluginsUpdateMsg{Info: i})
		}
	}

	go func() {
		for ev := range events.Events() {
			p.Send(EventMsg{Event: ev})
			if ev.Type == eventbus.PluginsReloaded {
				refresh()
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refresh()
			}
		}
	}()

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
