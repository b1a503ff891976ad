package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"foreman/pkg/protocol"
	"foreman/pkg/store"
)

// tickMsg triggers a periodic data refresh.
type tickMsg time.Time

// snapshotMsg carries a fetched snapshot; err is set when the fetch failed.
type snapshotMsg struct {
	snap snapshot
	err  error
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchCmd(s *store.Store) tea.Cmd {
	return func() tea.Msg {
		snap, err := fetchSnapshot(context.Background(), s)
		return snapshotMsg{snap: snap, err: err}
	}
}

// Model is the Bubble Tea model for the foreman dashboard.
type Model struct {
	store  *store.Store
	theme  Theme
	styles Styles

	table table.Model
	snap  snapshot
	err   error

	width  int
	height int
}

func newModel(s *store.Store) Model {
	columns := []table.Column{
		{Title: "Worker", Width: 38},
		{Title: "Status", Width: 24},
		{Title: "Progress", Width: 8},
		{Title: "Task", Width: 38},
		{Title: "Action", Width: 24},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(12),
	)

	theme := DefaultTheme()
	return Model{
		store:  s,
		theme:  theme,
		styles: BuildStyles(theme),
		table:  t,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchCmd(m.store), tickCmd())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, fetchCmd(m.store)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		return m, tea.Batch(fetchCmd(m.store), tickCmd())

	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			m.table.SetRows(workerRows(msg.snap.workers))
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// workerRows converts workers into table rows.
func workerRows(workers []*protocol.Worker) []table.Row {
	rows := make([]table.Row, 0, len(workers))
	for _, w := range workers {
		rows = append(rows, table.Row{
			w.ID,
			string(w.Status),
			fmt.Sprintf("%d%%", w.Progress),
			w.TaskID,
			w.CurrentAction,
		})
	}
	return rows
}

// View implements tea.Model.
func (m Model) View() string {
	var sb strings.Builder

	sb.WriteString(m.styles.Title.Render("foreman"))
	sb.WriteString("  ")
	sb.WriteString(m.styles.Muted.Render(fmt.Sprintf("%d active workers", len(m.snap.workers))))
	sb.WriteString("\n\n")

	if m.err != nil {
		sb.WriteString(m.styles.Error.Render(fmt.Sprintf("refresh failed: %v", m.err)))
		sb.WriteString("\n\n")
	}

	sb.WriteString(m.table.View())
	sb.WriteString("\n")

	sb.WriteString(m.styles.Header.Render("tasks"))
	sb.WriteString("  ")
	sb.WriteString(fmt.Sprintf("pending %d · assigned %d · completed %d · failed %d",
		m.snap.taskCounts[protocol.TaskPending],
		m.snap.taskCounts[protocol.TaskAssigned],
		m.snap.taskCounts[protocol.TaskCompleted],
		m.snap.taskCounts[protocol.TaskFailed]))
	sb.WriteString("\n\n")

	if len(m.snap.events) > 0 {
		sb.WriteString(m.styles.Header.Render("recent events"))
		sb.WriteString("\n")
		for _, ev := range m.snap.events {
			line := fmt.Sprintf("%s  %-22s %s", ev.CreatedAt.Format("15:04:05"), ev.Type, ev.WorkerID)
			sb.WriteString(m.styles.Muted.Render(line))
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString(m.styles.Muted.Render("q quit · r refresh"))
	return sb.String()
}
