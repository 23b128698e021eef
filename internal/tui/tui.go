// Package tui provides the operator approvals console for sentinel-siem
package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"sentinel-siem/internal/tui/scenes"
	"sentinel-siem/internal/tui/styles"
)

// Scene represents the current view
type Scene int

const (
	SceneApprovals Scene = iota
	SceneHistory
)

// Model is the console's top-level bubbletea model.
type Model struct {
	scene Scene

	// Scene models - only the active one receives ticks
	approvals *scenes.ApprovalsScene
	history   *scenes.HistoryScene

	width  int
	height int

	quitting bool
}

// New creates a console model over the given backend. The operator name
// is recorded on every approve and reject.
func New(backend scenes.Backend, operator string) *Model {
	return &Model{
		scene:     SceneApprovals,
		approvals: scenes.NewApprovalsScene(backend, operator),
		history:   scenes.NewHistoryScene(backend),
	}
}

// Init starts the active scene's refresh loop.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.approvals.Init(),
		m.activeTickCmd(),
	)
}

// activeTickCmd returns the tick command for the active scene only, so
// inactive scenes do no background work.
func (m *Model) activeTickCmd() tea.Cmd {
	switch m.scene {
	case SceneApprovals:
		return m.approvals.TickCmd()
	case SceneHistory:
		return m.history.TickCmd()
	default:
		return nil
	}
}

// Update handles all messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// The reject prompt captures every key, including the scene
		// switching ones.
		if m.scene == SceneApprovals && m.approvals.Capturing() {
			break
		}

		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit

		case "1":
			if m.scene != SceneApprovals {
				m.scene = SceneApprovals
				cmds = append(cmds, m.approvals.Init(), m.approvals.TickCmd())
			}
			return m, tea.Batch(cmds...)

		case "2":
			if m.scene != SceneHistory {
				m.scene = SceneHistory
				cmds = append(cmds, m.history.Init(), m.history.TickCmd())
			}
			return m, tea.Batch(cmds...)

		case "tab":
			m.scene = (m.scene + 1) % 2
			cmds = append(cmds, m.activeTickCmd())
			return m, tea.Batch(cmds...)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.approvals, _ = m.approvals.Update(msg)
		m.history, _ = m.history.Update(msg)
		return m, nil

	case scenes.TickMsg:
		// Only the active scene refreshes and reschedules.
		var cmd tea.Cmd
		switch m.scene {
		case SceneApprovals:
			m.approvals, cmd = m.approvals.Update(msg)
			if cmd != nil {
				cmds = append(cmds, cmd)
			}
			cmds = append(cmds, m.approvals.TickCmd())
		case SceneHistory:
			m.history, cmd = m.history.Update(msg)
			if cmd != nil {
				cmds = append(cmds, cmd)
			}
			cmds = append(cmds, m.history.TickCmd())
		}
		return m, tea.Batch(cmds...)
	}

	// Forward other messages to the active scene only.
	var cmd tea.Cmd
	switch m.scene {
	case SceneApprovals:
		m.approvals, cmd = m.approvals.Update(msg)
	case SceneHistory:
		m.history, cmd = m.history.Update(msg)
	}
	if cmd != nil {
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// View renders the current view
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	switch m.scene {
	case SceneApprovals:
		b.WriteString(m.approvals.View())
	case SceneHistory:
		b.WriteString(m.history.View())
	}

	b.WriteString("\n")
	b.WriteString(m.renderFooter())

	return b.String()
}

func (m *Model) renderHeader() string {
	tabs := []struct {
		name  string
		key   string
		scene Scene
	}{
		{"Approvals", "1", SceneApprovals},
		{"History", "2", SceneHistory},
	}

	var tabViews []string
	for _, tab := range tabs {
		label := fmt.Sprintf(" %s %s ", tab.key, tab.name)
		if tab.scene == m.scene {
			tabViews = append(tabViews, styles.TabActive.Render(label))
		} else {
			tabViews = append(tabViews, styles.TabInactive.Render(label))
		}
	}

	tabBar := lipgloss.JoinHorizontal(lipgloss.Top, tabViews...)

	return lipgloss.NewStyle().
		BorderBottom(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(styles.MutedColor).
		Width(m.width).
		Render(tabBar)
}

func (m *Model) renderFooter() string {
	help := " [1-2] Switch tabs  [Tab] Next tab  [↑↓/jk] Navigate  [q] Quit "
	return styles.Help.Render(help)
}

// Run starts the approvals console.
func Run(backend scenes.Backend, operator string) error {
	m := New(backend, operator)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
