package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

const statusPaneHeight = 7

var rollColumns = []table.Column{
	{Title: "Time", Width: 10},
	{Title: "Die 1", Width: 6},
	{Title: "Die 2", Width: 6},
	{Title: "Sum", Width: 5},
	{Title: "Class", Width: 12},
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)

	evenStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	oddStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	pairStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("207")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func tableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	return s
}

// View renders the TUI.
func (a App) View() string {
	if a.width == 0 || a.height == 0 {
		return "loading..."
	}
	innerW := a.width - 4

	statusPane := paneStyle.Width(innerW).Height(statusPaneHeight).Render(
		titleStyle.Render(" dicewatch ") + "\n" + a.renderStatus(),
	)
	rollsPane := paneStyle.Width(innerW).Render(
		titleStyle.Render(" Rolls ") + "  " + a.renderTally() + "\n" + a.table.View(),
	)
	return lipgloss.JoinVertical(lipgloss.Left, statusPane, rollsPane, a.renderStatusBar())
}

func (a App) renderStatus() string {
	if a.status == nil {
		return dimStyle.Render("waiting for daemon status")
	}
	st := a.status

	var b strings.Builder
	fmt.Fprintf(&b, "URL:       %s\n", st.URL)
	fmt.Fprintf(&b, "Phase:     %s  (%s, up %s)\n", colorPhase(st.Phase), st.Sequencer, formatUptime(time.Since(st.StartedAt)))
	if st.Segment != nil {
		fmt.Fprintf(&b, "Segment:   %s\n", st.Segment.Path)
		fmt.Fprintf(&b, "Opened:    %s  rows %d  rotates every %s\n", st.Segment.OpenedAt.Local().Format("2006-01-02 15:04:05"), st.Segment.Rows, st.RotationInterval)
	} else {
		fmt.Fprintf(&b, "Segment:   %s\n", dimStyle.Render("none"))
	}
	fmt.Fprintf(&b, "Rolls:     %d  rotations %d  delivered %d  undelivered %d", st.Rolls, st.Rotations, st.Deliveries, st.Undelivered)
	return b.String()
}

func (a App) renderTally() string {
	t := Count(a.rolls)
	if t.Total == 0 {
		return dimStyle.Render("no rolls yet")
	}
	return fmt.Sprintf("%s  %s  %s  %s",
		dimStyle.Render(fmt.Sprintf("%d shown", t.Total)),
		evenStyle.Render(fmt.Sprintf("Even %d", t.Even)),
		oddStyle.Render(fmt.Sprintf("Odd %d", t.Odd)),
		pairStyle.Render(fmt.Sprintf("Pair %d", t.Pairs)),
	)
}

func (a App) renderStatusBar() string {
	left := a.statusMsg
	right := "j/k:scroll r:refresh q:quit"

	gap := a.width - lipgloss.Width(left) - len(right)
	if gap < 1 {
		gap = 1
	}
	return helpStyle.Render(left + strings.Repeat(" ", gap) + right)
}

func colorPhase(phase string) string {
	switch phase {
	case "running":
		return evenStyle.Render(phase)
	case "failed":
		return failStyle.Render(phase)
	default:
		return dimStyle.Render(phase)
	}
}

func formatUptime(d time.Duration) string {
	sec := int(d.Seconds())
	if sec < 60 {
		return fmt.Sprintf("%ds", sec)
	}
	if sec < 3600 {
		return fmt.Sprintf("%dm%ds", sec/60, sec%60)
	}
	return fmt.Sprintf("%dh%dm", sec/3600, (sec%3600)/60)
}
