package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"clinic-vault/engine/internal/registry"
)

var errNoSelection = errors.New("no backup selected")

// pickerModel lets the user choose one backup from the catalog.
type pickerModel struct {
	title    string
	table    table.Model
	records  []registry.BackupRecord
	chosen   string
	quitting bool
}

func newPicker(title string, recs []registry.BackupRecord, now time.Time) pickerModel {
	width := len("Name")
	rows := make([]table.Row, 0, len(recs))
	for _, r := range recs {
		width = max(width, len(r.Name))
		rows = append(rows, table.Row{
			r.Name,
			humanize.Bytes(uint64(r.Size)),
			string(r.Format),
			humanize.RelTime(r.CreatedAt, now, "ago", "from now"),
		})
	}
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Name", Width: width},
			{Title: "Size", Width: 10},
			{Title: "Format", Width: 8},
			{Title: "Created", Width: 16},
		}),
		table.WithRows(rows),
		table.WithFocused(true),
		table.WithHeight(min(len(rows)+1, 15)),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return pickerModel{title: title, table: t, records: recs}
}

func (m pickerModel) Init() tea.Cmd { return nil }

func (m pickerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			if row := m.table.SelectedRow(); len(row) > 0 {
				m.chosen = row[0]
			}
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m pickerModel) View() string {
	if m.chosen != "" || m.quitting {
		return ""
	}
	return StyleTitle.Render(m.title) + "\n\n" + m.table.View() + "\n" +
		StyleMuted.Render("↑/↓ move • enter select • q quit") + "\n"
}

// pickBackup asks for a backup interactively when ref is empty.
func pickBackup(args []string, title string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	ctx, cancel := getContext()
	defer cancel()
	recs, err := svc.ListBackups(ctx)
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		fmt.Println(FormatWarning("No backups found"))
		return "", errNoSelection
	}
	final, err := tea.NewProgram(newPicker(title, recs, time.Now())).Run()
	if err != nil {
		return "", err
	}
	chosen := final.(pickerModel).chosen
	if chosen == "" {
		return "", errNoSelection
	}
	return chosen, nil
}
