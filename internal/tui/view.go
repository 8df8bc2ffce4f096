package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// =============================================================================
// Main View Rendering
// =============================================================================

// renderDashboard renders the session dashboard.
func (m Model) renderDashboard() string {
	sections := []string{
		m.renderHeader(),
		m.renderSession(),
		m.renderChildTable(),
		m.renderFooter(),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	header := fmt.Sprintf(
		" go-topic-fleet │ %s │ Children: %d/%d │ Elapsed: %s ",
		strings.ToUpper(m.status.Phase),
		m.RunningChildren(),
		m.TargetChildren(),
		formatDuration(m.Elapsed()),
	)

	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Session Section
// =============================================================================

func (m Model) renderSession() string {
	readiness := statusInfo.Render("waiting")
	switch {
	case m.status.Ready:
		readiness = statusOK.Render(fmt.Sprintf("✓ ready after %s", m.status.ReadyAfter.Round(10*time.Millisecond)))
	case m.status.Draining:
		readiness = statusWarning.Render("draining")
	}

	barWidth := m.width - 30
	if barWidth < 20 {
		barWidth = 20
	}

	rows := []string{
		sectionHeaderStyle.Render("Session"),
		RenderKeyValue("Phase", PhaseStyle(m.status.Phase, m.status.Ready).Render(m.status.Phase)),
		RenderKeyValue("Host", m.status.Host),
		RenderKeyValue("Base port", fmt.Sprintf("%d", m.status.BasePort)),
		RenderKeyValue("Readiness", readiness),
		RenderProgressBar(m.SpawnProgress(), barWidth),
	}
	if m.configPath != "" {
		rows = append(rows, RenderKeyValue("Config", m.configPath))
	}
	if m.metricsAddr != "" {
		rows = append(rows, RenderKeyValue("Metrics", "http://"+m.metricsAddr+"/metrics"))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Child Table
// =============================================================================

func (m Model) renderChildTable() string {
	if len(m.status.Children) == 0 {
		return boxStyle.Width(m.width - 2).Render(
			dimStyle.Render("No children spawned yet."),
		)
	}

	last := "URL"
	if m.showLogs {
		last = "Log"
	}
	header := tableHeaderStyle.Render(
		fmt.Sprintf("%-6s %-8s %-6s %-14s %s", "K", "PID", "Port", "State", last),
	)

	maxRows := m.height - 14
	if maxRows < 5 {
		maxRows = 5
	}
	lastWidth := m.width - 44
	if lastWidth < 20 {
		lastWidth = 20
	}

	var rows []string
	for i, child := range m.status.Children {
		if i >= maxRows {
			rows = append(rows, dimStyle.Render(fmt.Sprintf("... and %d more children", len(m.status.Children)-maxRows)))
			break
		}

		rowStyle := tableRowEvenStyle
		if i%2 == 1 {
			rowStyle = tableRowOddStyle
		}

		detail := child.URL
		if m.showLogs {
			detail = child.LogPath
			if detail == "" {
				detail = "(relayed)"
			}
		}
		if child.Err != nil && !m.showLogs {
			detail = child.Err.Error()
		}

		state := fmt.Sprintf("%-14s", child.State.String())
		row := fmt.Sprintf("%-6d %-8s %-6d ",
			child.K,
			formatPID(child.PID),
			child.Port,
		)
		rows = append(rows, rowStyle.Render(row)+StateStyle(child.State).Render(state)+" "+rowStyle.Render(truncate(detail, lastWidth)))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{
			sectionHeaderStyle.Render("Children"),
			header,
		}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	shortcuts := []string{
		"q: shut down fleet",
		"l: toggle log paths",
		"r: refresh",
	}

	left := dimStyle.Render(strings.Join(shortcuts, " │ "))
	right := mutedStyle.Render("Updated: " + m.lastUpdate.Format("15:04:05"))

	padding := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if padding < 1 {
		padding = 1
	}

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			left,
			strings.Repeat(" ", padding),
			right,
		),
	)
}
