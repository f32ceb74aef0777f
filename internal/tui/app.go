// Package tui renders a live view of the sync core: connectivity, queued writes and the last
// full resync.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jask/clinicbook/internal/database/repository"
	"github.com/jask/clinicbook/internal/service"
)

type keyMap struct {
	Up    key.Binding
	Down  key.Binding
	Sync  key.Binding
	Probe key.Binding
	Drop  key.Binding
	Yes   key.Binding
	No    key.Binding
	Quit  key.Binding
}

var keys = keyMap{
	Up:    key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:  key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Sync:  key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "sync now")),
	Probe: key.NewBinding(key.WithKeys("p"), key.WithHelp("p", "probe")),
	Drop:  key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "drop write")),
	Yes:   key.NewBinding(key.WithKeys("y")),
	No:    key.NewBinding(key.WithKeys("n", "esc")),
	Quit:  key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Underline(true)
	onlineStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	offlineStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
	cursorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
)

// App is the watch model.
type App struct {
	ctx      context.Context
	core     *service.App
	interval time.Duration

	online   bool
	email    string
	pending  []repository.QueuedMutation
	last     *service.SyncStats
	cursor   int
	confirm  bool
	busy     bool
	status   string
	lastPass time.Time
}

// New builds the model. It refreshes every interval; zero means one second.
func New(ctx context.Context, core *service.App, interval time.Duration) *App {
	if interval <= 0 {
		interval = time.Second
	}
	return &App{ctx: ctx, core: core, interval: interval}
}

type snapshotMsg struct {
	online  bool
	email   string
	pending []repository.QueuedMutation
	last    *service.SyncStats
}

type tickMsg time.Time

type syncDoneMsg struct{ err error }

type statusMsg string

type errMsg struct{ error }

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.refresh(), a.tick())
}

func (a *App) tick() tea.Cmd {
	return tea.Tick(a.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (a *App) refresh() tea.Cmd {
	return func() tea.Msg {
		pending, err := a.core.Gateway.Queue().Pending(a.ctx)
		if err != nil {
			return errMsg{err}
		}
		st, _ := a.core.Session.Snapshot()
		return snapshotMsg{
			online:  a.core.Monitor.Online(),
			email:   st.Email,
			pending: pending,
			last:    a.core.Resyncer.Last(),
		}
	}
}

func (a *App) syncCmd() tea.Cmd {
	return func() tea.Msg {
		return syncDoneMsg{err: a.core.Sync(a.ctx)}
	}
}

func (a *App) probeCmd() tea.Cmd {
	return func() tea.Msg {
		if a.core.Probe(a.ctx) {
			return statusMsg("server reachable")
		}
		return statusMsg("server unreachable")
	}
}

func (a *App) dropCmd(seq int64) tea.Cmd {
	return func() tea.Msg {
		if err := a.core.Gateway.Queue().Remove(a.ctx, seq); err != nil {
			return errMsg{err}
		}
		return statusMsg(fmt.Sprintf("dropped write #%d", seq))
	}
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(m)
	case tickMsg:
		return a, tea.Batch(a.refresh(), a.tick())
	case snapshotMsg:
		a.online, a.email, a.pending, a.last = m.online, m.email, m.pending, m.last
		if a.cursor >= len(a.pending) {
			a.cursor = max(len(a.pending)-1, 0)
		}
	case syncDoneMsg:
		a.busy = false
		a.lastPass = time.Now()
		switch {
		case m.err == nil:
			a.status = "sync complete"
		case errors.Is(m.err, service.ErrNotLoggedIn):
			a.status = "not signed in"
		default:
			a.status = "sync failed: " + m.err.Error()
		}
		return a, a.refresh()
	case statusMsg:
		a.status = string(m)
		return a, a.refresh()
	case errMsg:
		a.status = "error: " + m.Error()
	}
	return a, nil
}

func (a *App) handleKey(m tea.KeyMsg) (tea.Model, tea.Cmd) {
	if a.confirm {
		switch {
		case key.Matches(m, keys.Yes):
			a.confirm = false
			if a.cursor < len(a.pending) {
				return a, a.dropCmd(a.pending[a.cursor].Seq)
			}
		case key.Matches(m, keys.No):
			a.confirm = false
			a.status = ""
		}
		return a, nil
	}
	switch {
	case key.Matches(m, keys.Quit):
		return a, tea.Quit
	case key.Matches(m, keys.Up):
		if a.cursor > 0 {
			a.cursor--
		}
	case key.Matches(m, keys.Down):
		if a.cursor < len(a.pending)-1 {
			a.cursor++
		}
	case key.Matches(m, keys.Sync):
		if a.busy {
			return a, nil
		}
		a.busy = true
		a.status = "syncing..."
		return a, a.syncCmd()
	case key.Matches(m, keys.Probe):
		a.status = "probing..."
		return a, a.probeCmd()
	case key.Matches(m, keys.Drop):
		if len(a.pending) > 0 {
			a.confirm = true
		}
	}
	return a, nil
}

func (a *App) View() string {
	var b strings.Builder
	state := offlineStyle.Render("OFFLINE")
	if a.online {
		state = onlineStyle.Render("ONLINE")
	}
	b.WriteString(titleStyle.Render("ClinicBook sync") + "  " + state + "\n")
	who := "not signed in"
	if a.email != "" {
		who = a.email
	}
	fmt.Fprintf(&b, "Doctor: %s\n", who)
	if a.last != nil {
		fmt.Fprintf(&b, "Last resync: %s  clinics %d  expenses %d  payments %d\n",
			a.last.At.Local().Format("15:04:05"), a.last.Clinics, a.last.Expenses, a.last.Payments)
	} else {
		b.WriteString("Last resync: never\n")
	}
	fmt.Fprintf(&b, "Queued writes: %d\n", len(a.pending))
	for i, p := range a.pending {
		marker := "  "
		line := fmt.Sprintf("#%-4d %-6s %-36s %s", p.Seq, p.HTTPMethod, p.URL, p.EnqueuedAt.Local().Format("Jan 2 15:04"))
		if i == a.cursor {
			marker = cursorStyle.Render("▶ ")
			line = cursorStyle.Render(line)
		}
		b.WriteString(marker + line + "\n")
	}
	if a.confirm && a.cursor < len(a.pending) {
		fmt.Fprintf(&b, "Drop write #%d? It will never reach the server. [y/n]\n", a.pending[a.cursor].Seq)
	}
	help := []key.Binding{keys.Up, keys.Down, keys.Sync, keys.Probe, keys.Drop, keys.Quit}
	var parts []string
	for _, h := range help {
		parts = append(parts, fmt.Sprintf("[%s] %s", h.Help().Key, h.Help().Desc))
	}
	b.WriteString(dimStyle.Render(strings.Join(parts, "  ")))
	if a.status != "" {
		b.WriteString("\n" + a.status)
	}
	return b.String()
}
