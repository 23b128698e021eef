package soar

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	siemerrors "sentinel-siem/internal/errors"
)

// ActionStatus is the lifecycle state of one action execution.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionRunning    ActionStatus = "running"
	ActionCompleted  ActionStatus = "completed"
	ActionFailed     ActionStatus = "failed"
	ActionRolledBack ActionStatus = "rolled_back"
)

// ActionExecution records one action invocation. Approval-gated actions
// sit in the pending queue until an operator resolves them.
type ActionExecution struct {
	ID           uuid.UUID      `json:"id"`
	ExecutionID  uuid.UUID      `json:"execution_id"` // owning playbook execution
	StepID       string         `json:"step_id"`
	ActionType   string         `json:"action_type"`
	Parameters   map[string]any `json:"parameters"`
	Status       ActionStatus   `json:"status"`
	Rollbackable bool           `json:"rollbackable"`
	Result       *ActionResult  `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	ApprovedBy   string         `json:"approved_by,omitempty"`
	RejectedBy   string         `json:"rejected_by,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
}

// ApprovalQueue holds approval-gated actions pending operator sign-off
// plus the resolved action history.
type ApprovalQueue struct {
	mu         sync.Mutex
	pending    map[uuid.UUID]*ActionExecution
	history    []*ActionExecution
	maxHistory int
}

// NewApprovalQueue creates an approval queue with bounded history.
func NewApprovalQueue(maxHistory int) *ApprovalQueue {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	return &ApprovalQueue{
		pending:    make(map[uuid.UUID]*ActionExecution),
		maxHistory: maxHistory,
	}
}

// Enqueue places an approval-gated action in the pending queue.
func (q *ApprovalQueue) Enqueue(ae *ActionExecution) {
	q.mu.Lock()
	ae.Status = ActionPending
	q.pending[ae.ID] = ae
	q.mu.Unlock()
}

// Approve finalizes a pending action as approved. The caller dispatches
// it afterwards; Approve itself never blocks on external systems.
func (q *ApprovalQueue) Approve(id uuid.UUID, approver string) (*ActionExecution, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ae, ok := q.pending[id]
	if !ok {
		return nil, siemerrors.NotFoundf("pending approval %s not found", id)
	}
	delete(q.pending, id)

	now := time.Now().UTC()
	ae.ApprovedBy = approver
	ae.Status = ActionRunning
	ae.ResolvedAt = &now
	return ae, nil
}

// Reject finalizes a pending action as failed and appends it to
// history.
func (q *ApprovalQueue) Reject(id uuid.UUID, rejecter, reason string) (*ActionExecution, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ae, ok := q.pending[id]
	if !ok {
		return nil, siemerrors.NotFoundf("pending approval %s not found", id)
	}
	delete(q.pending, id)

	now := time.Now().UTC()
	ae.RejectedBy = rejecter
	ae.Status = ActionFailed
	ae.Error = "rejected: " + reason
	ae.ResolvedAt = &now
	q.appendHistoryLocked(ae)
	return ae, nil
}

// Finalize records the terminal outcome of a dispatched action in
// history.
func (q *ApprovalQueue) Finalize(ae *ActionExecution, status ActionStatus, result *ActionResult, execErr error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	ae.Status = status
	ae.Result = result
	if execErr != nil {
		ae.Error = execErr.Error()
	}
	if ae.ResolvedAt == nil {
		ae.ResolvedAt = &now
	}
	q.appendHistoryLocked(ae)
}

func (q *ApprovalQueue) appendHistoryLocked(ae *ActionExecution) {
	q.history = append(q.history, ae)
	if len(q.history) > q.maxHistory {
		q.history = q.history[1:]
	}
}

// Pending returns the queued approvals, oldest first.
func (q *ApprovalQueue) Pending() []*ActionExecution {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*ActionExecution, 0, len(q.pending))
	for _, ae := range q.pending {
		out = append(out, ae)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// History returns resolved actions, oldest first.
func (q *ApprovalQueue) History() []*ActionExecution {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*ActionExecution, len(q.history))
	copy(out, q.history)
	return out
}
