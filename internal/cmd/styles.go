package cmd

import "github.com/charmbracelet/lipgloss"

// Color palette
var (
	colorSuccess = lipgloss.Color("76")  // green
	colorWarning = lipgloss.Color("214") // orange
	colorError   = lipgloss.Color("196") // red
	colorMuted   = lipgloss.Color("242") // gray
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(colorSuccess)
	warnStyle   = lipgloss.NewStyle().Foreground(colorWarning)
	errStyle    = lipgloss.NewStyle().Foreground(colorError)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
)
