package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorPurple = lipgloss.Color("#7D56F4")
	colorGreen  = lipgloss.Color("#04B575")
	colorRed    = lipgloss.Color("#FF4141")
	colorYellow = lipgloss.Color("#FFC107")
	colorGray   = lipgloss.Color("#626262")
	colorWhite  = lipgloss.Color("#FFFFFF")

	styleTitle = lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true).
			MarginBottom(1)

	styleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPurple).
			Padding(0, 1)

	styleLabel = lipgloss.NewStyle().
			Foreground(colorGray)

	styleValue = lipgloss.NewStyle().
			Foreground(colorWhite)

	styleSuccess = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)

	styleFailed = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	styleRunning = lipgloss.NewStyle().
			Foreground(colorYellow).
			Bold(true)

	styleHelp = lipgloss.NewStyle().
			Foreground(colorGray).
			MarginTop(1)
)

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "success":
		return styleSuccess
	case "failed":
		return styleFailed
	default:
		return styleRunning
	}
}
