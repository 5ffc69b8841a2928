package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			m.loading = true
			return m, loadCmd(m.store, m.selectedRunID())
		case "j", "down":
			if m.selectedRow < m.rowCount()-1 {
				m.selectedRow++
				if m.activeTab == TabRuns {
					return m, loadCmd(m.store, m.selectedRunID())
				}
			}
		case "k", "up":
			if m.selectedRow > 0 {
				m.selectedRow--
				if m.activeTab == TabRuns {
					return m, loadCmd(m.store, m.selectedRunID())
				}
			}
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			m.selectedRow = 0
		case "d":
			m.activeTab = TabDashboard
			m.selectedRow = 0
		case "u":
			m.activeTab = TabRuns
			m.selectedRow = 0
		case "a":
			m.activeTab = TabApplications
			m.selectedRow = 0
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(loadCmd(m.store, m.selectedRunID()), tickCmd(m.interval))

	case DataMsg:
		m.loading = false
		m.err = msg.Err
		if msg.Err == nil {
			m.snap = msg.Snapshot
			m.lastRefresh = time.Now()
			if n := m.rowCount(); m.selectedRow >= n && n > 0 {
				m.selectedRow = n - 1
			}
		}
	}

	return m, nil
}
