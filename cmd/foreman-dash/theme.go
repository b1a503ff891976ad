package main

import (
	"github.com/charmbracelet/lipgloss"

	"foreman/pkg/protocol"
)

// Theme defines the visual styling for the foreman dashboard.
type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the default theme.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("12"),  // blue
		Success: lipgloss.Color("10"),  // green
		Warning: lipgloss.Color("11"),  // yellow
		Error:   lipgloss.Color("9"),   // red
		Muted:   lipgloss.Color("240"), // gray
	}
}

// statusColor maps a worker status to its theme color.
func (t Theme) statusColor(status protocol.WorkerStatus) lipgloss.Color {
	switch status {
	case protocol.WorkerRunning:
		return t.Success
	case protocol.WorkerWaitingInput, protocol.WorkerAwaitingPlanApproval:
		return t.Warning
	case protocol.WorkerFailed:
		return t.Error
	case protocol.WorkerStarting:
		return t.Primary
	default:
		return t.Muted
	}
}

// Styles holds the pre-built lipgloss styles used by the views.
type Styles struct {
	Title  lipgloss.Style
	Header lipgloss.Style
	Muted  lipgloss.Style
	Error  lipgloss.Style
}

// BuildStyles derives the style set from a theme.
func BuildStyles(t Theme) Styles {
	return Styles{
		Title:  lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Header: lipgloss.NewStyle().Bold(true),
		Muted:  lipgloss.NewStyle().Foreground(t.Muted),
		Error:  lipgloss.NewStyle().Foreground(t.Error),
	}
}
