package watch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"roomrelay/pkg/metrics"
)

type snapshotMsg struct {
	snapshot metrics.Snapshot
	err      error
	at       time.Time
}

type tickMsg struct{}

type model struct {
	ctx      context.Context
	fetch    FetchFunc
	interval time.Duration

	theme     theme
	spinner   spinner.Model
	viewport  viewport.Model
	width     int
	height    int
	loading   bool
	snapshot  metrics.Snapshot
	hasData   bool
	lastErr   string
	updatedAt time.Time
}

func newModel(ctx context.Context, fetch FetchFunc, interval time.Duration) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	return &model{
		ctx:      ctx,
		fetch:    fetch,
		interval: interval,
		theme:    defaultTheme(),
		spinner:  spin,
		viewport: viewport.New(80, 16),
		width:    100,
		height:   28,
		loading:  true,
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, fetchCmd(m.ctx, m.fetch))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resize()
		m.refresh()
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc", "q":
			return m, tea.Quit
		case "r":
			if m.loading {
				return m, nil
			}
			m.loading = true
			return m, tea.Batch(m.spinner.Tick, fetchCmd(m.ctx, m.fetch))
		case "pgup", "k", "up":
			m.viewport.PageUp()
			return m, nil
		case "pgdown", "j", "down":
			m.viewport.PageDown()
			return m, nil
		}
		return m, nil
	case snapshotMsg:
		m.loading = false
		m.updatedAt = typed.at
		if typed.err != nil {
			m.lastErr = typed.err.Error()
		} else {
			m.lastErr = ""
			m.snapshot = typed.snapshot
			m.hasData = true
		}
		m.refresh()
		return m, tickCmd(m.interval)
	case tickMsg:
		if m.loading {
			return m, nil
		}
		m.loading = true
		return m, tea.Batch(m.spinner.Tick, fetchCmd(m.ctx, m.fetch))
	case spinner.TickMsg:
		if !m.loading {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	}

	return m, nil
}

func (m *model) View() string {
	header := m.theme.header.Width(m.width - 2).Render("📺 RoomRelay 直播间监控")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"rooms:%d · uptime:%s · tokens(in/out/total):%d/%d/%d",
		len(m.snapshot.Rooms),
		(time.Duration(m.snapshot.UptimeSeconds) * time.Second).String(),
		m.snapshot.Usage.InputTokens,
		m.snapshot.Usage.OutputTokens,
		m.snapshot.Usage.TotalTokens,
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	status := m.theme.status.Render("💡 r refresh  ·  PgUp/PgDn scroll  ·  🛑 q/Esc quit")
	switch {
	case m.loading:
		status = m.theme.statusBusy.Render(fmt.Sprintf("%s polling stats...", m.spinner.View()))
	case m.lastErr != "":
		status = m.theme.statusErr.Render("🚨 " + m.lastErr)
	case !m.updatedAt.IsZero():
		status += m.theme.hint.Render("  ·  updated " + m.updatedAt.Format("15:04:05"))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
	)
}

func (m *model) resize() {
	m.viewport.Width = max(50, m.width-6)
	m.viewport.Height = max(8, m.height-8)
}

func (m *model) refresh() {
	if !m.hasData {
		m.viewport.SetContent(m.theme.hint.Render("waiting for first snapshot..."))
		return
	}
	if len(m.snapshot.Rooms) == 0 {
		m.viewport.SetContent(m.theme.hint.Render("no rooms reported yet"))
		return
	}

	cards := make([]string, 0, len(m.snapshot.Rooms))
	for _, room := range m.snapshot.Rooms {
		cards = append(cards, m.renderRoom(room))
	}
	m.viewport.SetContent(strings.Join(cards, "\n\n"))
}

func (m *model) renderRoom(room metrics.RoomStats) string {
	title := m.theme.roomTitle.Render("▛▚ " + room.RoomID + " ▞▜")
	state := m.theme.state(room.State).Render(room.State)

	rows := []string{
		m.field("state", state),
		m.field("events", fmt.Sprintf("%d (H/M/L %d/%d/%d)", room.Total, room.ByPriority["HIGH"], room.ByPriority["MEDIUM"], room.ByPriority["LOW"])),
		m.field("queue", fmt.Sprintf("H/M/L %d/%d/%d", room.QueueDepth["HIGH"], room.QueueDepth["MEDIUM"], room.QueueDepth["LOW"])),
		m.field("replies", fmt.Sprintf("%d (corrections %d)", room.Replies, room.Corrections)),
		m.field("dropped", fmt.Sprintf("duplicate %d · overflow %d · malformed %d", room.Duplicates, room.Overflow, room.Malformed)),
		m.field("failures", fmt.Sprintf("responder %d · send %d", room.ResponderFailures, room.SendFailures)),
	}
	if kinds := formatKinds(room.ByKind); kinds != "" {
		rows = append(rows, m.field("kinds", kinds))
	}
	if room.LastError != "" {
		rows = append(rows, m.theme.errorText.Render("last error: "+room.LastError))
	}

	body := m.theme.roomBox.Width(m.viewport.Width - 2).Render(strings.Join(rows, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

func (m *model) field(label string, value string) string {
	return m.theme.label.Render(fmt.Sprintf("%-9s", label)) + " " + m.theme.value.Render(value)
}

func formatKinds(byKind map[string]uint64) string {
	order := []string{"chat", "gift", "like", "join", "follow", "share", "room_state"}
	parts := make([]string, 0, len(byKind))
	for _, kind := range order {
		if n := byKind[kind]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", kind, n))
		}
	}
	return strings.Join(parts, " · ")
}

func fetchCmd(ctx context.Context, fetch FetchFunc) tea.Cmd {
	return func() tea.Msg {
		snapshot, err := fetch(ctx)
		return snapshotMsg{snapshot: snapshot, err: err, at: time.Now()}
	}
}

func tickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}
