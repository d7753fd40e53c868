package stats

import "github.com/charmbracelet/lipgloss"

// Report colors.
var (
	primaryColor = lipgloss.Color("#A78BFA") // Purple
	greenColor   = lipgloss.Color("#10B981")
	redColor     = lipgloss.Color("#F87171")
	warningColor = lipgloss.Color("#F59E0B") // Amber
	mutedColor   = lipgloss.Color("#9CA3AF")
	textColor    = lipgloss.Color("#F9FAFB")
	borderColor  = lipgloss.Color("#6B7280")
)
