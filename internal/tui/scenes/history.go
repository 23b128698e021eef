package scenes

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"sentinel-siem/internal/soar"
	"sentinel-siem/internal/tui/styles"
)

// HistoryScene shows resolved approval-gated actions, newest first.
type HistoryScene struct {
	backend Backend

	resolved []*soar.ActionExecution
	cursor   int
	offset   int
	maxRows  int
	width    int
	height   int

	lastUpdate time.Time
}

// historyMsg carries a refreshed history list.
type historyMsg struct {
	actions []*soar.ActionExecution
}

// NewHistoryScene creates the history scene.
func NewHistoryScene(backend Backend) *HistoryScene {
	return &HistoryScene{
		backend: backend,
		maxRows: 10,
	}
}

// Init triggers the first refresh.
func (h *HistoryScene) Init() tea.Cmd {
	return h.fetch()
}

func (h *HistoryScene) fetch() tea.Cmd {
	return func() tea.Msg {
		actions := h.backend.ApprovalHistory()
		// Newest first for display.
		for i, j := 0, len(actions)-1; i < j; i, j = i+1, j-1 {
			actions[i], actions[j] = actions[j], actions[i]
		}
		return historyMsg{actions: actions}
	}
}

// TickCmd returns the refresh tick for this scene.
func (h *HistoryScene) TickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "history", Time: t}
	})
}

// Update handles messages for the history scene.
func (h *HistoryScene) Update(msg tea.Msg) (*HistoryScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		h.width = msg.Width
		h.height = msg.Height
		h.maxRows = max(5, h.height-12)
		return h, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if h.cursor > 0 {
				h.cursor--
				if h.cursor < h.offset {
					h.offset = h.cursor
				}
			}
		case "down", "j":
			if h.cursor < len(h.resolved)-1 {
				h.cursor++
				if h.cursor >= h.offset+h.maxRows {
					h.offset = h.cursor - h.maxRows + 1
				}
			}
		case "r":
			return h, h.fetch()
		}
		return h, nil

	case historyMsg:
		h.resolved = msg.actions
		h.lastUpdate = time.Now()
		if h.cursor >= len(h.resolved) {
			h.cursor = max(0, len(h.resolved)-1)
		}
		return h, nil

	case TickMsg:
		if msg.Scene == "history" {
			return h, h.fetch()
		}
		return h, nil
	}

	return h, nil
}

// View renders the resolved-actions table.
func (h *HistoryScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Action History"))
	b.WriteString("\n\n")

	if len(h.resolved) == 0 {
		b.WriteString(styles.Muted.Render("  No resolved actions yet."))
		return b.String()
	}

	header := fmt.Sprintf("  %-10s %-22s %-12s %-16s %s",
		"Resolved", "Action", "Status", "By", "Detail")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	endIdx := min(h.offset+h.maxRows, len(h.resolved))
	for i, ae := range h.resolved[h.offset:endIdx] {
		idx := h.offset + i
		b.WriteString(h.renderRow(ae, idx == h.cursor))
		b.WriteString("\n")
	}

	if len(h.resolved) > h.maxRows {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("\n  %d-%d of %d (↑↓ to scroll, [r] refresh)",
			h.offset+1, endIdx, len(h.resolved))))
	} else {
		b.WriteString(styles.Muted.Render("\n  [r] Refresh"))
	}

	if !h.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", h.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func (h *HistoryScene) renderRow(ae *soar.ActionExecution, selected bool) string {
	resolved := "-"
	if ae.ResolvedAt != nil {
		resolved = ae.ResolvedAt.Format("15:04:05")
	}

	by := ae.ApprovedBy
	if by == "" {
		by = ae.RejectedBy
	}
	detail := ae.Error
	if detail == "" && ae.Result != nil {
		detail = truncate(ae.Result.Message, 36)
	}

	row := fmt.Sprintf("  %-10s %-22s %s %-16s %s",
		resolved,
		truncate(ae.ActionType, 22),
		h.formatStatus(ae),
		truncate(by, 16),
		truncate(detail, 36),
	)
	if selected {
		return styles.RowSelected.Render(row)
	}
	return row
}

func (h *HistoryScene) formatStatus(ae *soar.ActionExecution) string {
	label := string(ae.Status)
	var style lipgloss.Style
	switch {
	case ae.RejectedBy != "":
		label = "rejected"
		style = styles.StatusWarning
	case ae.Status == soar.ActionCompleted:
		style = styles.StatusOK
	case ae.Status == soar.ActionFailed || ae.Status == soar.ActionRolledBack:
		style = styles.StatusError
	default:
		style = styles.Muted
	}
	return style.Render(fmt.Sprintf("%-12s", label))
}
