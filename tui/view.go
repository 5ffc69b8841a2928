package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/lijomadassery/appsentry/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	passedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	cancelledStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("172"))

	queuedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244"))

	selectedStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("238"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

var tabNames = []string{"Dashboard", "Runs", "Applications"}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	active := 0
	for _, a := range m.snap.Applications {
		if a.Active {
			active++
		}
	}
	running := 0
	for _, r := range m.snap.Runs {
		if !r.Status.IsTerminal() {
			running++
		}
	}
	header := fmt.Sprintf(" appsentry │ Applications: %d/%d active │ Runs in progress: %d │ Recent runs: %d ",
		active, len(m.snap.Applications), running, len(m.snap.Runs))
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	switch m.activeTab {
	case TabDashboard:
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderActiveRuns()))
		b.WriteString("\n")
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderResults("Latest run")))
		b.WriteString("\n")
	case TabRuns:
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderRuns()))
		b.WriteString("\n")
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderResults("Selected run")))
		b.WriteString("\n")
	case TabApplications:
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderApplications()))
		b.WriteString("\n")
	}

	if m.err != nil {
		b.WriteString(failedStyle.Width(m.width).Render(" Error: " + m.err.Error() + " "))
		b.WriteString("\n")
	}

	refreshed := "never"
	if !m.lastRefresh.IsZero() {
		refreshed = m.lastRefresh.Format("15:04:05")
	}
	statusBar := fmt.Sprintf(" [tab]switch [d]ashboard r[u]ns [a]pps [j/k]scroll [r]efresh [q]uit │ refreshed %s ", refreshed)
	b.WriteString(statusBarStyle.Width(m.width).Render(statusBar))

	return b.String()
}

func (m Model) renderTabs() string {
	var tabs []string
	for i, name := range tabNames {
		if i == m.activeTab {
			tabs = append(tabs, tabActiveStyle.Render(name))
		} else {
			tabs = append(tabs, tabInactiveStyle.Render(name))
		}
	}
	return " " + strings.Join(tabs, "  ")
}

func (m Model) renderActiveRuns() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("IN PROGRESS"))
	b.WriteString("\n")

	count := 0
	for _, r := range m.snap.Runs {
		if r.Status.IsTerminal() {
			continue
		}
		count++
		b.WriteString(fmt.Sprintf("  %s  %-10s %s  %s\n",
			shortID(r.ID),
			triggerLabel(r),
			progressBar(r.ProgressCompleted, r.ProgressTotal, 20),
			time.Since(r.StartedAt).Round(time.Second)))
	}
	if count == 0 {
		b.WriteString(dimmedStyle.Render("  No runs in progress"))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderRuns() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("RUNS"))
	b.WriteString("\n")

	if len(m.snap.Runs) == 0 {
		b.WriteString(dimmedStyle.Render("  No runs yet"))
		return b.String()
	}

	for i, r := range m.snap.Runs {
		line := fmt.Sprintf("  %s  %s  %-10s %s  %s",
			shortID(r.ID),
			r.StartedAt.Format("01-02 15:04"),
			triggerLabel(r),
			statusStyle(string(r.Status)).Render(fmt.Sprintf("%-9s", r.Status)),
			progressBar(r.ProgressCompleted, r.ProgressTotal, 12))
		if i == m.selectedRow {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderResults(title string) string {
	var b strings.Builder
	label := title
	if m.snap.RunID != "" {
		label = fmt.Sprintf("%s %s", title, shortID(m.snap.RunID))
	}
	b.WriteString(titleStyle.Render(strings.ToUpper(label)))
	b.WriteString("\n")

	if len(m.snap.Results) == 0 {
		b.WriteString(dimmedStyle.Render("  No results"))
		return b.String()
	}

	passed, failed := 0, 0
	for _, r := range m.snap.Results {
		switch r.Status {
		case domain.ResultPassed:
			passed++
		case domain.ResultFailed:
			failed++
		}
	}
	b.WriteString(fmt.Sprintf("  %s  %s\n",
		passedStyle.Render(fmt.Sprintf("%d passed", passed)),
		failedStyle.Render(fmt.Sprintf("%d failed", failed))))

	maxRows := len(m.snap.Results)
	if m.height > 0 {
		if limit := m.height - 20; limit > 3 && limit < maxRows {
			maxRows = limit
		}
	}
	for _, r := range m.snap.Results[:maxRows] {
		line := fmt.Sprintf("  %-20s %-13s %s %6dms  attempt %d",
			truncate(r.ApplicationID, 20),
			r.Kind,
			statusStyle(string(r.Status)).Render(fmt.Sprintf("%-7s", r.Status)),
			r.DurationMs,
			r.Attempt)
		if r.Error != "" {
			line += "  " + failedStyle.Render(truncate(r.Error, max(m.width-75, 20)))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if maxRows < len(m.snap.Results) {
		b.WriteString(dimmedStyle.Render(fmt.Sprintf("  ... %d more", len(m.snap.Results)-maxRows)))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderApplications() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("APPLICATIONS"))
	b.WriteString("\n")

	if len(m.snap.Applications) == 0 {
		b.WriteString(dimmedStyle.Render("  No applications registered. Run `appsentry sync`."))
		return b.String()
	}

	for i, a := range m.snap.Applications {
		kinds := make([]string, 0, 2)
		for _, k := range a.EnabledKinds() {
			kinds = append(kinds, string(k))
		}
		state := passedStyle.Render("active  ")
		if !a.Active {
			state = dimmedStyle.Render("inactive")
		}
		line := fmt.Sprintf("  %-20s %s  p%-3d %-10s %-12s %s",
			truncate(a.ID, 20), state, a.Priority, truncate(a.Environment, 10), truncate(a.Team, 12), strings.Join(kinds, ","))
		if i == m.selectedRow {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case string(domain.ResultPassed), string(domain.RunCompleted):
		return passedStyle
	case string(domain.ResultFailed):
		return failedStyle
	case string(domain.RunCancelled):
		return cancelledStyle
	case string(domain.RunRunning):
		return runningStyle
	default:
		return queuedStyle
	}
}

func triggerLabel(r *domain.Run) string {
	if r.Trigger.Kind == domain.TriggerScheduled && r.Trigger.Source != "" {
		return truncate(r.Trigger.Source, 10)
	}
	return string(r.Trigger.Kind)
}

// progressBar renders done/total as a fixed-width bar
func progressBar(done, total, width int) string {
	if total <= 0 {
		return strings.Repeat("░", width) + "   0/0"
	}
	filled := done * width / total
	if filled > width {
		filled = width
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + fmt.Sprintf(" %3d/%d", done, total)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
