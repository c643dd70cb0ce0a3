// Package console is the operator TUI served over SSH: connection states,
// the stream health score and provider quota windows.
package console

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"alfalyzer/internal/service"
	"alfalyzer/internal/stream"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	headStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	statusColors = map[string]lipgloss.Color{
		"healthy":  "42",
		"degraded": "214",
		"critical": "196",
	}
)

type refreshMsg struct {
	quota  service.QuotaStatus
	health stream.HealthReport
	err    error
	at     time.Time
}

type tickMsg time.Time

type Model struct {
	src      Source
	user     string
	interval time.Duration
	width    int
	height   int

	health  stream.HealthReport
	quota   service.QuotaStatus
	err     error
	updated time.Time

	streams table.Model
	windows table.Model
	focus   int
}

func NewModel(src Source, user string, interval time.Duration) *Model {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	streams := table.New(
		table.WithColumns([]table.Column{
			{Title: "Source", Width: 16},
			{Title: "State", Width: 13},
			{Title: "Msgs", Width: 8},
			{Title: "Err %", Width: 6},
			{Title: "Latency", Width: 9},
			{Title: "Retries", Width: 7},
			{Title: "Last error", Width: 28},
		}),
		table.WithFocused(true),
		table.WithHeight(6),
	)
	windows := table.New(
		table.WithColumns([]table.Column{
			{Title: "Provider", Width: 12},
			{Title: "Status", Width: 13},
			{Title: "Success", Width: 8},
			{Title: "Window", Width: 8},
			{Title: "Used", Width: 12},
			{Title: "Resets", Width: 10},
		}),
		table.WithHeight(8),
	)
	return &Model{src: src, user: user, interval: interval, streams: streams, windows: windows}
}

func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
}

func (m *Model) Init() tea.Cmd {
	return m.refresh()
}

func (m *Model) refresh() tea.Cmd {
	src := m.src
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		msg := refreshMsg{at: time.Now()}
		var errs []string
		if q, err := src.QuotaStatus(ctx); err != nil {
			errs = append(errs, err.Error())
		} else {
			msg.quota = q
		}
		if h, err := src.StreamHealth(ctx); err != nil {
			errs = append(errs, err.Error())
		} else {
			msg.health = h
		}
		if len(errs) > 0 {
			msg.err = errors.New(strings.Join(errs, "; "))
		}
		return msg
	}
}

func (m *Model) schedule() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.SetSize(msg.Width, msg.Height)
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.refresh()
		case "tab":
			m.focus = (m.focus + 1) % 2
			if m.focus == 0 {
				m.streams.Focus()
				m.windows.Blur()
			} else {
				m.windows.Focus()
				m.streams.Blur()
			}
			return m, nil
		}
	case tickMsg:
		return m, m.refresh()
	case refreshMsg:
		m.err = msg.err
		m.updated = msg.at
		if msg.err == nil || len(msg.health.Connections) > 0 {
			m.health = msg.health
		}
		if msg.err == nil || len(msg.quota.Providers) > 0 {
			m.quota = msg.quota
		}
		m.streams.SetRows(streamRows(m.health))
		m.windows.SetRows(quotaRows(m.quota, msg.at))
		return m, m.schedule()
	}

	var cmd tea.Cmd
	if m.focus == 0 {
		m.streams, cmd = m.streams.Update(msg)
	} else {
		m.windows, cmd = m.windows.Update(msg)
	}
	return m, cmd
}

func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("alfalyzer operator console"))
	if m.user != "" {
		b.WriteString(helpStyle.Render("  " + m.user))
	}
	b.WriteString("\n\n")

	status := m.health.Status
	if status == "" {
		status = "unknown"
	}
	scoreStyle := lipgloss.NewStyle().Bold(true).Foreground(statusColors[status])
	b.WriteString(headStyle.Render("Streams "))
	b.WriteString(scoreStyle.Render(fmt.Sprintf("%s %.2f", status, m.health.Score)))
	b.WriteString(helpStyle.Render(fmt.Sprintf("  avg error rate %.1f%%", m.health.AvgErrorRate*100)))
	b.WriteString("\n")
	b.WriteString(m.streams.View())
	b.WriteString("\n\n")

	b.WriteString(headStyle.Render("Providers "))
	b.WriteString(helpStyle.Render(fmt.Sprintf("cache %s, %d keys", orDash(m.quota.CacheBackend), m.quota.CacheSize)))
	b.WriteString("\n")
	b.WriteString(m.windows.View())
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(errStyle.Render("error: " + m.err.Error()))
		b.WriteString("\n")
	}
	updated := "never"
	if !m.updated.IsZero() {
		updated = m.updated.Format("15:04:05")
	}
	b.WriteString(helpStyle.Render("updated " + updated + " • r refresh • tab switch table • q quit"))
	return b.String()
}

func streamRows(report stream.HealthReport) []table.Row {
	rows := make([]table.Row, 0, len(report.Connections))
	for _, c := range report.Connections {
		rows = append(rows, table.Row{
			c.SourceID,
			c.State.String(),
			fmt.Sprintf("%d", c.Metrics.MessageCount),
			fmt.Sprintf("%.1f", c.Metrics.ErrorRate*100),
			fmt.Sprintf("%.0fms", c.Metrics.LatencyMs),
			fmt.Sprintf("%d", c.ReconnectAttempts),
			c.LastError,
		})
	}
	return rows
}

func quotaRows(status service.QuotaStatus, now time.Time) []table.Row {
	var rows []table.Row
	for _, p := range status.Providers {
		state := "available"
		switch {
		case p.CoolingDown:
			state = "cooling down"
		case !p.Available:
			state = "exhausted"
		}
		success := fmt.Sprintf("%.0f%%", p.SuccessRate*100)
		if len(p.Windows) == 0 {
			rows = append(rows, table.Row{p.ID, state, success, "-", "unmetered", "-"})
			continue
		}
		for i, w := range p.Windows {
			id, st, sr := p.ID, state, success
			if i > 0 {
				id, st, sr = "", "", ""
			}
			rows = append(rows, table.Row{
				id, st, sr,
				w.Kind,
				fmt.Sprintf("%d/%d", w.Used, w.Limit),
				resetIn(w.ResetAt, now),
			})
		}
	}
	return rows
}

func resetIn(at, now time.Time) string {
	if at.IsZero() {
		return "-"
	}
	d := at.Sub(now).Round(time.Second)
	if d <= 0 {
		return "now"
	}
	return d.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
