package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Snapshot is a point-in-time read of the scheduler's state, polled once a
// second by the dashboard's tick loop.
type Snapshot struct {
	DBOK       bool
	Workers    int
	QueueDepth int // tasks in StatusReady
	Active     int // tasks in StatusLeased or StatusInProgress
	Unresolved int // tasks parked for human review
	Failed     int // tasks that exhausted their retry budget
	LastError  string
	LastEvent  string
	Uptime     time.Duration
}

type StatusProvider func() Snapshot

type model struct {
	provider StatusProvider
	snap     Snapshot
	feed     *ActivityFeed
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "ctrl+a":
			m.feed.Toggle()
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	lastErr := m.snap.LastError
	if lastErr == "" {
		lastErr = "(none)"
	}
	lastEvent := m.snap.LastEvent
	if lastEvent == "" {
		lastEvent = "(none)"
	}
	return fmt.Sprintf(
		"gardenerd\n\nDB OK: %t\nWorkers: %d\nQueue Depth: %d\nActive Tasks: %d\nUnresolved: %d\nFailed: %d\nUptime: %s\nLast Error: %s\nLast Event: %s\n\n%sPress q to quit, ctrl+a to toggle activity.\n",
		m.snap.DBOK,
		m.snap.Workers,
		m.snap.QueueDepth,
		m.snap.Active,
		m.snap.Unresolved,
		m.snap.Failed,
		m.snap.Uptime.Truncate(time.Second),
		lastErr,
		lastEvent,
		m.feed.View(),
	)
}

// Run starts the status dashboard and blocks until ctx is canceled or the
// operator quits with q / ctrl+c.
func Run(ctx context.Context, provider StatusProvider, feed *ActivityFeed) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, snap: provider(), feed: feed}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
