package cmd

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/Iron-Ham/specflow/internal/spec"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// renderStatus colors a status the way it reads: green for done, red for
// trouble, muted for anything parked.
func renderStatus(s spec.Status) string {
	switch s {
	case spec.StatusCompleted:
		return okStyle.Render(string(s))
	case spec.StatusFailed, spec.StatusNeedsAttention:
		return failStyle.Render(string(s))
	case spec.StatusInProgress:
		return warnStyle.Render(string(s))
	case spec.StatusBlocked, spec.StatusPaused, spec.StatusCancelled:
		return mutedStyle.Render(string(s))
	default:
		return string(s)
	}
}
