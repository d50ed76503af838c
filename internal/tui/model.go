package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"sockwake/internal/supervise"
)

// refreshEvery is the poll interval for the live status view.
const refreshEvery = 2 * time.Second

// Controller defines the subset of app.App behaviour the TUI needs.
type Controller interface {
	Status(ctx context.Context, timeout time.Duration) (supervise.Snapshot, error)
	Socket() (string, error)
}

// Model represents the Bubble Tea state.
type Model struct {
	controller Controller

	list   list.Model
	snap   supervise.Snapshot
	socket string

	connected bool
	err       error
	loading   bool

	width  int
	height int

	lastUpdated time.Time
}

// New constructs a TUI model with default styles.
func New(ctrl Controller) *Model {
	delegate := list.NewDefaultDelegate()
	lst := list.New([]list.Item{}, delegate, 0, 0)
	lst.Title = "Clients"
	lst.SetShowHelp(false)
	lst.SetFilteringEnabled(false)
	lst.DisableQuitKeybindings()

	socket := ""
	if ctrl != nil {
		if s, err := ctrl.Socket(); err == nil {
			socket = s
		}
	}

	return &Model{
		controller: ctrl,
		list:       lst,
		socket:     socket,
		loading:    true,
	}
}

// Run spins up the Bubble Tea program with sensible defaults.
func Run(ctrl Controller) error {
	m := New(ctrl)
	prog := tea.NewProgram(m, tea.WithAltScreen())
	_, err := prog.Run()
	return err
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(fetchStatusCmd(m.controller), tickCmd())
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if m.height > 8 {
			m.list.SetSize(msg.Width, m.height-8)
		}

	case statusMsg:
		m.loading = false
		m.connected = true
		m.err = nil
		m.snap = msg.snap
		m.lastUpdated = time.Now()

		items := make([]list.Item, 0, len(msg.snap.Clients))
		for _, c := range msg.snap.Clients {
			items = append(items, clientItem{Client: c})
		}
		m.list.SetItems(items)

	case errMsg:
		m.loading = false
		m.connected = false
		m.err = msg.err
		m.list.SetItems(nil)

	case tickMsg:
		return m, tea.Batch(fetchStatusCmd(m.controller), tickCmd())

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "r":
			m.loading = true
			return m, fetchStatusCmd(m.controller)
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m *Model) View() string {
	var b strings.Builder

	b.WriteString(m.headline())
	b.WriteByte('\n')

	if m.socket != "" {
		sockStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
		b.WriteString(sockStyle.Render("socket " + m.socket))
		b.WriteByte('\n')
	}

	if m.loading {
		b.WriteString("Fetching status…\n")
	} else if m.err != nil {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
		b.WriteString(errStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteByte('\n')
	}

	if m.connected {
		b.WriteString(m.summary())
		b.WriteByte('\n')

		if len(m.list.Items()) == 0 {
			b.WriteString("No clients observed yet.\n")
		} else {
			b.WriteString(m.list.View())
			b.WriteByte('\n')
		}

		if current := m.currentClient(); current != nil {
			detail := fmt.Sprintf(
				"ip=%s hits=%d\nfirst seen %s\nlast seen  %s (%s ago)",
				current.IP,
				current.Hits,
				current.FirstSeen.Format(time.TimeOnly),
				current.LastSeen.Format(time.TimeOnly),
				sinceText(current.LastSeen),
			)
			detailStyle := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1).MarginBottom(1)
			b.WriteString(detailStyle.Render(detail))
			b.WriteByte('\n')
		}
	}

	help := "Commands: q quit • r refresh"
	if !m.lastUpdated.IsZero() {
		help += fmt.Sprintf(" • last update %s", m.lastUpdated.Format(time.Kitchen))
	}
	helpStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	b.WriteString(helpStyle.Render(help))

	return b.String()
}

func (m *Model) headline() string {
	style := lipgloss.NewStyle().Bold(true)
	if !m.connected {
		style = style.Foreground(lipgloss.Color("203"))
		return style.Render("Supervisor is not running. Start it with sockwake run.")
	}
	style = style.Foreground(stateColor(m.snap.State))
	text := fmt.Sprintf("%s  %s", m.snap.Endpoint, m.snap.State)
	if m.snap.CycleID != "" {
		text += fmt.Sprintf("  cycle %s", m.snap.CycleID)
	}
	return style.Render(text)
}

func (m *Model) summary() string {
	parts := []string{fmt.Sprintf("cycles=%d", m.snap.Cycles)}
	if m.snap.PID > 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", m.snap.PID))
	}
	if !m.snap.LaunchedAt.IsZero() {
		parts = append(parts, fmt.Sprintf("up %s", sinceText(m.snap.LaunchedAt)))
	}
	parts = append(parts, fmt.Sprintf("clients=%d", len(m.snap.Clients)))
	return strings.Join(parts, "  ")
}

func stateColor(state supervise.State) lipgloss.Color {
	switch state {
	case supervise.StateMonitoring:
		return lipgloss.Color("42")
	case supervise.StateStopping:
		return lipgloss.Color("203")
	default:
		return lipgloss.Color("214")
	}
}

// clientItem adapts supervise.ClientInfo to the bubbles list item interface.
type clientItem struct {
	Client supervise.ClientInfo
}

func (c clientItem) Title() string {
	return fmt.Sprintf("%s (%d hits)", c.Client.IP, c.Client.Hits)
}

func (c clientItem) Description() string {
	return fmt.Sprintf("first seen %s | last seen %s ago",
		c.Client.FirstSeen.Format(time.TimeOnly), sinceText(c.Client.LastSeen))
}

func (c clientItem) FilterValue() string {
	return c.Client.IP
}

func (m *Model) currentClient() *supervise.ClientInfo {
	if len(m.snap.Clients) == 0 {
		return nil
	}
	idx := m.list.Index()
	if idx < 0 || idx >= len(m.snap.Clients) {
		return nil
	}
	return &m.snap.Clients[idx]
}

func sinceText(t time.Time) string {
	d := time.Since(t).Truncate(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String()
}

type statusMsg struct {
	snap supervise.Snapshot
}

type tickMsg time.Time

type errMsg struct{ err error }

func (e errMsg) Error() string { return e.err.Error() }

func fetchStatusCmd(ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
		defer cancel()
		snap, err := ctrl.Status(ctx, 4*time.Second)
		if err != nil {
			return errMsg{err}
		}
		return statusMsg{snap: snap}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
