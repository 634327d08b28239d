package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fiberrt/fiberrt/pkg/reactor"
)

type statsMsg struct {
	workers, active, idle, queue int
	pendingEvents                int32
}

type dashboardModel struct {
	r       *reactor.Reactor
	refresh time.Duration
	stats   statsMsg
	spin    spinner.Model
}

func newDashboardModel(r *reactor.Reactor, refresh time.Duration) dashboardModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return dashboardModel{r: r, refresh: refresh, spin: s}
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(m.tick(), m.spin.Tick)
}

func (m dashboardModel) tick() tea.Cmd {
	r := m.r
	return tea.Tick(m.refresh, func(time.Time) tea.Msg {
		return statsMsg{
			workers:       r.WorkerCount(),
			active:        int(r.ActiveWorkers()),
			idle:          int(r.IdleWorkers()),
			queue:         r.QueueLen(),
			pendingEvents: r.PendingEvents(),
		}
	})
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case statsMsg:
		m.stats = msg
		return m, m.tick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

var (
	dashTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Padding(0, 1)
	dashLabelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	dashValueStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	dashHintStyle  = lipgloss.NewStyle().Faint(true)
)

func (m dashboardModel) View() string {
	row := func(label string, value any) string {
		return fmt.Sprintf("%s %s", dashLabelStyle.Render(label+":"), dashValueStyle.Render(fmt.Sprint(value)))
	}

	active := row("active", m.stats.active)
	if m.stats.active > 0 {
		active = fmt.Sprintf("%s %s", active, m.spin.View())
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		dashTitleStyle.Render("fiberd monitor"),
		"",
		row("workers", m.stats.workers),
		active,
		row("idle", m.stats.idle),
		row("queue depth", m.stats.queue),
		row("pending events", m.stats.pendingEvents),
		"",
		dashHintStyle.Render("press q to quit"),
	)
}
