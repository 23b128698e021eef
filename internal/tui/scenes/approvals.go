package scenes

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"sentinel-siem/internal/logging"
	"sentinel-siem/internal/soar"
	"sentinel-siem/internal/tui/styles"
)

// ApprovalsScene lists approval-gated actions and lets the operator
// approve or reject them.
type ApprovalsScene struct {
	backend  Backend
	operator string

	pending []*soar.ActionExecution
	err     string
	status  string

	cursor  int
	offset  int
	maxRows int
	width   int
	height  int

	// Non-empty while a rejection reason is being typed.
	rejecting bool
	reason    string

	lastUpdate time.Time
}

// pendingMsg carries a refreshed pending list.
type pendingMsg struct {
	actions []*soar.ActionExecution
	err     string
}

// resolvedMsg reports the outcome of an approve or reject.
type resolvedMsg struct {
	verb string
	err  string
}

// NewApprovalsScene creates the approvals scene.
func NewApprovalsScene(backend Backend, operator string) *ApprovalsScene {
	return &ApprovalsScene{
		backend:  backend,
		operator: operator,
		maxRows:  10,
	}
}

// Init triggers the first refresh.
func (a *ApprovalsScene) Init() tea.Cmd {
	return a.fetch()
}

func (a *ApprovalsScene) fetch() tea.Cmd {
	return func() tea.Msg {
		return pendingMsg{actions: a.backend.PendingApprovals()}
	}
}

// TickCmd returns the refresh tick for this scene.
func (a *ApprovalsScene) TickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "approvals", Time: t}
	})
}

// Capturing reports whether the scene is consuming all keystrokes (the
// reject-reason prompt is open).
func (a *ApprovalsScene) Capturing() bool {
	return a.rejecting
}

func (a *ApprovalsScene) selected() *soar.ActionExecution {
	if a.cursor < 0 || a.cursor >= len(a.pending) {
		return nil
	}
	return a.pending[a.cursor]
}

func (a *ApprovalsScene) approve() tea.Cmd {
	ae := a.selected()
	if ae == nil {
		return nil
	}
	id := ae.ID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := a.backend.ApproveAction(ctx, id, a.operator); err != nil {
			return resolvedMsg{verb: "approve", err: err.Error()}
		}
		return resolvedMsg{verb: "approve"}
	}
}

func (a *ApprovalsScene) reject(reason string) tea.Cmd {
	ae := a.selected()
	if ae == nil {
		return nil
	}
	id := ae.ID
	return func() tea.Msg {
		if _, err := a.backend.RejectAction(id, a.operator, reason); err != nil {
			return resolvedMsg{verb: "reject", err: err.Error()}
		}
		return resolvedMsg{verb: "reject"}
	}
}

// Update handles messages for the approvals scene.
func (a *ApprovalsScene) Update(msg tea.Msg) (*ApprovalsScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.maxRows = max(5, a.height-12)
		return a, nil

	case tea.KeyMsg:
		if a.rejecting {
			return a.updateRejectPrompt(msg)
		}
		switch msg.String() {
		case "up", "k":
			if a.cursor > 0 {
				a.cursor--
				if a.cursor < a.offset {
					a.offset = a.cursor
				}
			}
		case "down", "j":
			if a.cursor < len(a.pending)-1 {
				a.cursor++
				if a.cursor >= a.offset+a.maxRows {
					a.offset = a.cursor - a.maxRows + 1
				}
			}
		case "a":
			a.status = ""
			return a, a.approve()
		case "x":
			if a.selected() != nil {
				a.rejecting = true
				a.reason = ""
			}
		case "r":
			return a, a.fetch()
		}
		return a, nil

	case pendingMsg:
		a.pending = msg.actions
		a.err = msg.err
		a.lastUpdate = time.Now()
		if a.cursor >= len(a.pending) {
			a.cursor = max(0, len(a.pending)-1)
		}
		return a, nil

	case resolvedMsg:
		if msg.err != "" {
			a.status = fmt.Sprintf("%s failed: %s", msg.verb, msg.err)
		} else {
			a.status = msg.verb + "d"
		}
		return a, a.fetch()

	case TickMsg:
		if msg.Scene == "approvals" {
			return a, a.fetch()
		}
		return a, nil
	}

	return a, nil
}

func (a *ApprovalsScene) updateRejectPrompt(msg tea.KeyMsg) (*ApprovalsScene, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEnter:
		a.rejecting = false
		reason := a.reason
		if reason == "" {
			reason = "rejected by operator"
		}
		return a, a.reject(reason)
	case tea.KeyEsc:
		a.rejecting = false
		return a, nil
	case tea.KeyBackspace:
		if len(a.reason) > 0 {
			a.reason = a.reason[:len(a.reason)-1]
		}
		return a, nil
	case tea.KeyRunes, tea.KeySpace:
		a.reason += string(msg.Runes)
		if msg.Type == tea.KeySpace {
			a.reason += " "
		}
		return a, nil
	}
	return a, nil
}

// View renders the pending approvals table.
func (a *ApprovalsScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Pending Approvals"))
	b.WriteString("\n\n")

	if a.err != "" {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %s", a.err)))
		b.WriteString("\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry."))
		return b.String()
	}

	if len(a.pending) == 0 {
		b.WriteString(styles.Muted.Render("  No actions waiting for approval."))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Gated playbook steps will appear here until an operator resolves them."))
		return b.String()
	}

	header := fmt.Sprintf("  %-10s %-22s %-14s %s",
		"Queued", "Action", "Step", "Parameters")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	endIdx := min(a.offset+a.maxRows, len(a.pending))
	for i, ae := range a.pending[a.offset:endIdx] {
		idx := a.offset + i
		row := fmt.Sprintf("  %-10s %-22s %-14s %s",
			ae.CreatedAt.Format("15:04:05"),
			truncate(ae.ActionType, 22),
			truncate(ae.StepID, 14),
			truncate(formatParams(ae.Parameters), 40),
		)
		if idx == a.cursor {
			row = styles.RowSelected.Render(row)
		}
		b.WriteString(row)
		b.WriteString("\n")
	}

	if a.rejecting {
		b.WriteString("\n")
		b.WriteString(styles.Prompt.Render(fmt.Sprintf("  Reject reason: %s_", a.reason)))
		b.WriteString("\n")
		b.WriteString(styles.Muted.Render("  [Enter] confirm  [Esc] cancel"))
	} else {
		b.WriteString(styles.Muted.Render("\n  [a] Approve  [x] Reject  [r] Refresh"))
		if a.status != "" {
			b.WriteString(styles.Subtitle.Render("  |  " + a.status))
		}
	}

	if !a.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", a.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func formatParams(params map[string]any) string {
	if len(params) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, logging.SafeLogValue(k, params[k])))
	}
	return strings.Join(parts, " ")
}
