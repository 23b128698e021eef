// Package styles provides consistent styling for the approvals console
package styles

import "github.com/charmbracelet/lipgloss"

var (
	// Colors
	Primary    = lipgloss.Color("#2563EB")
	Success    = lipgloss.Color("#10B981")
	Warning    = lipgloss.Color("#F59E0B")
	Danger     = lipgloss.Color("#EF4444")
	MutedColor = lipgloss.Color("#6B7280")
	White      = lipgloss.Color("#FFFFFF")

	// Muted text style
	Muted = lipgloss.NewStyle().Foreground(MutedColor)

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(Primary).
		MarginBottom(1)

	Subtitle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Italic(true)

	// Status styles
	StatusOK = lipgloss.NewStyle().
			Foreground(Success).
			Bold(true)

	StatusWarning = lipgloss.NewStyle().
			Foreground(Warning).
			Bold(true)

	StatusError = lipgloss.NewStyle().
			Foreground(Danger).
			Bold(true)

	// Tab styles
	TabActive = lipgloss.NewStyle().
			Foreground(White).
			Background(Primary).
			Padding(0, 2).
			Bold(true)

	TabInactive = lipgloss.NewStyle().
			Foreground(MutedColor).
			Padding(0, 2)

	// Help text
	Help = lipgloss.NewStyle().
		Foreground(MutedColor).
		MarginTop(1)

	// Table styles
	TableHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(Primary).
			BorderBottom(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(MutedColor)

	RowSelected = lipgloss.NewStyle().
			Foreground(White).
			Background(Primary)

	// Prompt shown while a rejection reason is being typed
	Prompt = lipgloss.NewStyle().
		Foreground(Warning).
		Bold(true)
)
