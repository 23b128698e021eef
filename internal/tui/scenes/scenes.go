// Package scenes provides the views of the approvals console
package scenes

import (
	"context"
	"time"

	"github.com/google/uuid"

	"sentinel-siem/internal/soar"
)

// Backend is the slice of the pipeline the console talks to.
type Backend interface {
	PendingApprovals() []*soar.ActionExecution
	ApprovalHistory() []*soar.ActionExecution
	ApproveAction(ctx context.Context, id uuid.UUID, approver string) (*soar.ActionExecution, error)
	RejectAction(id uuid.UUID, rejecter, reason string) (*soar.ActionExecution, error)
}

// TickMsg drives periodic refreshes. Scene names the view the tick was
// scheduled for, so inactive scenes can ignore it.
type TickMsg struct {
	Scene string
	Time  time.Time
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
