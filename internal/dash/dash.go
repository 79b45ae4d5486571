// Package dash implements the live TUI dashboard: a bubbletea program that
// polls the reference Tracker's event log and renders per-symbol call and
// live-allocation counts.
package dash

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zboralski/alloctrace/internal/tracker"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFC800"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#808080"))

	symbolOrder = []string{
		"malloc", "calloc", "realloc", "memalign", "posix_memalign",
		"valloc", "pvalloc", "free", "mmap", "mmap64", "munmap",
	}
)

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Model is the dashboard's bubbletea state: a table of per-symbol counts,
// refreshed from the Tracker on a timer rather than pushed, since
// tracker.Recorder has no subscription mechanism of its own.
type Model struct {
	rec   *tracker.Recorder
	table table.Model
}

// New builds a Model over rec. rec must not be nil.
func New(rec *tracker.Recorder) Model {
	columns := []table.Column{
		{Title: "Symbol", Width: 18},
		{Title: "Calls", Width: 10},
		{Title: "Live", Width: 10},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(false),
		table.WithHeight(len(symbolOrder)+1),
	)
	return Model{rec: rec, table: t}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tick()
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		m.table.SetRows(m.rows())
		return m, tick()
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m Model) View() string {
	header := titleStyle.Render("alloctrace — live allocation trace")
	footer := footerStyle.Render(fmt.Sprintf(
		"module cache epoch: %d  ·  q to quit", m.rec.ModuleCacheEpoch()))
	return fmt.Sprintf("%s\n\n%s\n\n%s\n", header, m.table.View(), footer)
}

func (m Model) rows() []table.Row {
	calls := make(map[string]int, len(symbolOrder))
	for _, ev := range m.rec.Events() {
		calls[ev.Name]++
	}
	live := make(map[string]int, len(symbolOrder))
	for _, ev := range m.rec.Live() {
		live[ev.Name]++
	}

	rows := make([]table.Row, 0, len(symbolOrder))
	for _, name := range symbolOrder {
		rows = append(rows, table.Row{
			name,
			fmt.Sprintf("%d", calls[name]),
			fmt.Sprintf("%d", live[name]),
		})
	}
	return rows
}

// Run starts the dashboard program and blocks until the user quits.
func Run(rec *tracker.Recorder) error {
	_, err := tea.NewProgram(New(rec)).Run()
	return err
}
