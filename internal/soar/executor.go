package soar

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	siemerrors "sentinel-siem/internal/errors"
)

// ExecutionStatus is the lifecycle state of one playbook run.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// StepStatus is the outcome of one executed step.
type StepStatus string

const (
	StepCompleted       StepStatus = "completed"
	StepFailed          StepStatus = "failed"
	StepSkipped         StepStatus = "skipped"
	StepPendingApproval StepStatus = "pending_approval"
)

// StepResult records the outcome of one step within an execution.
type StepResult struct {
	StepID      string        `json:"step_id"`
	Action      string        `json:"action"`
	Status      StepStatus    `json:"status"`
	Result      *ActionResult `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	Attempts    int           `json:"attempts"`
	CompletedAt time.Time     `json:"completed_at"`
}

// PlaybookExecution is one playbook invocation. Immutable once it
// reaches a terminal status.
type PlaybookExecution struct {
	mu          sync.Mutex
	ID          uuid.UUID       `json:"id"`
	PlaybookID  string          `json:"playbook_id"`
	Status      ExecutionStatus `json:"status"`
	CurrentStep string          `json:"current_step,omitempty"`
	StepResults []StepResult    `json:"step_results"`
	Context     map[string]any  `json:"context,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`

	cancelled bool
}

// Cancel marks the execution cancelled. Steps already dispatched are
// not preempted; no further steps are scheduled.
func (pe *PlaybookExecution) Cancel() {
	pe.mu.Lock()
	pe.cancelled = true
	pe.mu.Unlock()
}

func (pe *PlaybookExecution) isCancelled() bool {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return pe.cancelled
}

// Snapshot returns a copy safe to serialize while the run progresses.
func (pe *PlaybookExecution) Snapshot() *PlaybookExecution {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	out := &PlaybookExecution{
		ID:          pe.ID,
		PlaybookID:  pe.PlaybookID,
		Status:      pe.Status,
		CurrentStep: pe.CurrentStep,
		Context:     pe.Context,
		Error:       pe.Error,
		StartedAt:   pe.StartedAt,
		CompletedAt: pe.CompletedAt,
	}
	out.StepResults = make([]StepResult, len(pe.StepResults))
	copy(out.StepResults, pe.StepResults)
	return out
}

// SuccessRatio reports completed steps over recorded steps.
func (pe *PlaybookExecution) SuccessRatio() (succeeded, total int) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	for _, r := range pe.StepResults {
		if r.Status == StepCompleted {
			succeeded++
		}
	}
	return succeeded, len(pe.StepResults)
}

// ExecutorConfig bounds retries, jumps, and retained executions.
type ExecutorConfig struct {
	MaxRetries     int
	RetryBackoff   time.Duration
	MaxStepJumps   int
	DefaultTimeout time.Duration
	MaxExecutions  int
}

// DefaultExecutorConfig returns the executor defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxRetries:     3,
		RetryBackoff:   time.Second,
		MaxStepJumps:   25,
		DefaultTimeout: 5 * time.Minute,
		MaxExecutions:  1000,
	}
}

// Executor runs playbooks. Playbook definitions are read-only during
// execution; each run owns its PlaybookExecution exclusively.
type Executor struct {
	config     ExecutorConfig
	registry   *ActionRegistry
	dispatcher Dispatcher
	approvals  *ApprovalQueue

	mu         sync.RWMutex
	playbooks  []*Playbook // registration order, drives first-match semantics
	byID       map[string]*Playbook
	executions map[uuid.UUID]*PlaybookExecution
	execOrder  []uuid.UUID

	completionMu sync.RWMutex
	completions  []func(*PlaybookExecution)
}

// OnCompletion registers a handler invoked whenever an execution
// reaches a terminal status. Handlers run on the executing goroutine
// and must not block.
func (x *Executor) OnCompletion(fn func(*PlaybookExecution)) {
	x.completionMu.Lock()
	x.completions = append(x.completions, fn)
	x.completionMu.Unlock()
}

// NewExecutor creates a playbook executor.
func NewExecutor(cfg ExecutorConfig, registry *ActionRegistry, dispatcher Dispatcher, approvals *ApprovalQueue) *Executor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MaxStepJumps <= 0 {
		cfg.MaxStepJumps = 25
	}
	if cfg.MaxExecutions <= 0 {
		cfg.MaxExecutions = 1000
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	return &Executor{
		config:     cfg,
		registry:   registry,
		dispatcher: dispatcher,
		approvals:  approvals,
		byID:       make(map[string]*Playbook),
		executions: make(map[uuid.UUID]*PlaybookExecution),
	}
}

// Approvals exposes the executor's approval queue.
func (x *Executor) Approvals() *ApprovalQueue {
	return x.approvals
}

// Registry exposes the action registry.
func (x *Executor) Registry() *ActionRegistry {
	return x.registry
}

// AddPlaybook validates and registers a playbook. Registration order is
// preserved and drives first-match trigger selection.
func (x *Executor) AddPlaybook(p *Playbook) error {
	if err := p.Validate(x.registry); err != nil {
		return siemerrors.InvalidInputf("invalid playbook: %v", err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.byID[p.ID]; ok {
		return siemerrors.InvalidInputf("playbook %s already exists", p.ID)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	x.playbooks = append(x.playbooks, p)
	x.byID[p.ID] = p

	slog.Info("playbook registered", "playbook_id", p.ID, "steps", len(p.Steps))
	return nil
}

// UpdatePlaybook replaces a playbook in place, keeping its position in
// the registration order.
func (x *Executor) UpdatePlaybook(p *Playbook) error {
	if err := p.Validate(x.registry); err != nil {
		return siemerrors.InvalidInputf("invalid playbook: %v", err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	old, ok := x.byID[p.ID]
	if !ok {
		return siemerrors.NotFoundf("playbook %s not found", p.ID)
	}
	p.CreatedAt = old.CreatedAt
	p.ExecutionCount = old.ExecutionCount
	for i, existing := range x.playbooks {
		if existing.ID == p.ID {
			x.playbooks[i] = p
			break
		}
	}
	x.byID[p.ID] = p
	return nil
}

// RemovePlaybook deletes a playbook.
func (x *Executor) RemovePlaybook(id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.byID[id]; !ok {
		return siemerrors.NotFoundf("playbook %s not found", id)
	}
	delete(x.byID, id)
	for i, p := range x.playbooks {
		if p.ID == id {
			x.playbooks = append(x.playbooks[:i], x.playbooks[i+1:]...)
			break
		}
	}
	return nil
}

// GetPlaybook returns a playbook by id.
func (x *Executor) GetPlaybook(id string) (*Playbook, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	p, ok := x.byID[id]
	if !ok {
		return nil, siemerrors.NotFoundf("playbook %s not found", id)
	}
	return p, nil
}

// ListPlaybooks returns playbooks in registration order.
func (x *Executor) ListPlaybooks() []*Playbook {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]*Playbook, len(x.playbooks))
	copy(out, x.playbooks)
	return out
}

// GetExecution returns an execution by id.
func (x *Executor) GetExecution(id uuid.UUID) (*PlaybookExecution, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	pe, ok := x.executions[id]
	if !ok {
		return nil, siemerrors.NotFoundf("execution %s not found", id)
	}
	return pe, nil
}

// CancelExecution marks a running execution cancelled.
func (x *Executor) CancelExecution(id uuid.UUID) error {
	pe, err := x.GetExecution(id)
	if err != nil {
		return err
	}
	pe.Cancel()
	return nil
}

// Execute runs a playbook synchronously and returns the finished
// execution record.
func (x *Executor) Execute(ctx context.Context, playbookID string, execContext map[string]any) (*PlaybookExecution, error) {
	x.mu.Lock()
	p, ok := x.byID[playbookID]
	if !ok {
		x.mu.Unlock()
		return nil, siemerrors.NotFoundf("playbook %s not found", playbookID)
	}
	if !p.Enabled {
		x.mu.Unlock()
		return nil, fmt.Errorf("playbook %s is disabled: %w", playbookID, siemerrors.ErrDisabled)
	}
	p.ExecutionCount++
	steps := p.OrderedSteps()

	pe := &PlaybookExecution{
		ID:         uuid.New(),
		PlaybookID: p.ID,
		Status:     ExecutionRunning,
		Context:    execContext,
		StartedAt:  time.Now().UTC(),
	}
	x.executions[pe.ID] = pe
	x.execOrder = append(x.execOrder, pe.ID)
	if len(x.execOrder) > x.config.MaxExecutions {
		evicted := x.execOrder[0]
		x.execOrder = x.execOrder[1:]
		delete(x.executions, evicted)
	}
	x.mu.Unlock()

	slog.Info("playbook execution started", "execution_id", pe.ID, "playbook_id", p.ID)
	x.runSteps(ctx, pe, steps)
	return pe, nil
}

// runSteps walks the ordered steps, honoring conditions, waits,
// approval gates, and failure policies. No entity lock is held across
// waits or dispatches.
func (x *Executor) runSteps(ctx context.Context, pe *PlaybookExecution, steps []Step) {
	indexByID := make(map[string]int, len(steps))
	for i, s := range steps {
		indexByID[s.ID] = i
	}

	jumps := 0
	retries := make(map[string]int)

	i := 0
	for i < len(steps) {
		if pe.isCancelled() {
			x.finish(pe, ExecutionCancelled, "cancelled by operator")
			return
		}
		if err := ctx.Err(); err != nil {
			x.finish(pe, ExecutionCancelled, err.Error())
			return
		}

		step := steps[i]
		pe.mu.Lock()
		pe.CurrentStep = step.ID
		pe.mu.Unlock()

		if step.Condition != "" && !evalCondition(step.Condition, pe.Context) {
			// Skipped is not a failure; proceed.
			x.recordStep(pe, StepResult{
				StepID:      step.ID,
				Action:      step.Action,
				Status:      StepSkipped,
				Result:      &ActionResult{Message: "condition not met, skipped"},
				CompletedAt: time.Now().UTC(),
			})
			i++
			continue
		}

		if step.WaitBeforeSeconds > 0 {
			select {
			case <-time.After(time.Duration(step.WaitBeforeSeconds) * time.Second):
			case <-ctx.Done():
				x.finish(pe, ExecutionCancelled, ctx.Err().Error())
				return
			}
		}

		result := x.runStep(ctx, pe, step)
		x.recordStep(pe, result)

		if result.Status != StepFailed {
			i++
			continue
		}

		switch step.OnFailure {
		case FailContinue:
			i++
		case FailRetry:
			retries[step.ID]++
			if retries[step.ID] > x.config.MaxRetries {
				x.finish(pe, ExecutionFailed,
					fmt.Sprintf("step %s failed after %d retries", step.ID, x.config.MaxRetries))
				return
			}
			select {
			case <-time.After(x.config.RetryBackoff):
			case <-ctx.Done():
				x.finish(pe, ExecutionCancelled, ctx.Err().Error())
				return
			}
			// Same index; the step runs again.
		case FailGoto:
			jumps++
			if jumps > x.config.MaxStepJumps {
				x.finish(pe, ExecutionFailed,
					fmt.Sprintf("step jump budget exceeded at step %s", step.ID))
				return
			}
			target, ok := indexByID[step.GotoStep]
			if !ok {
				x.finish(pe, ExecutionFailed,
					fmt.Sprintf("goto target %s not found", step.GotoStep))
				return
			}
			i = target
		default: // stop
			x.finish(pe, ExecutionFailed, fmt.Sprintf("step %s failed", step.ID))
			return
		}
	}

	x.finish(pe, ExecutionCompleted, "")
}

// runStep executes one step. Approval-gated actions are queued and
// reported as pending; everything else dispatches with the action
// definition's timeout.
func (x *Executor) runStep(ctx context.Context, pe *PlaybookExecution, step Step) StepResult {
	now := func() time.Time { return time.Now().UTC() }

	def, err := x.registry.Get(step.Action)
	if err != nil {
		return StepResult{
			StepID: step.ID, Action: step.Action, Status: StepFailed,
			Error: err.Error(), Attempts: 1, CompletedAt: now(),
		}
	}

	params := mergeParams(step.Parameters, pe.Context)

	if err := x.registry.ValidateParams(step.Action, params); err != nil {
		// Missing required parameter: fail without a dispatch attempt.
		return StepResult{
			StepID: step.ID, Action: step.Action, Status: StepFailed,
			Error: err.Error(), Attempts: 1, CompletedAt: now(),
		}
	}

	if def.RequiresApproval {
		ae := &ActionExecution{
			ID:           uuid.New(),
			ExecutionID:  pe.ID,
			StepID:       step.ID,
			ActionType:   step.Action,
			Parameters:   params,
			Rollbackable: def.Rollbackable,
			CreatedAt:    now(),
		}
		x.approvals.Enqueue(ae)
		slog.Info("action queued for approval",
			"execution_id", pe.ID, "step_id", step.ID, "action", step.Action)
		return StepResult{
			StepID: step.ID, Action: step.Action, Status: StepPendingApproval,
			Result:      &ActionResult{Message: "awaiting operator approval", Output: map[string]any{"approval_id": ae.ID.String()}},
			Attempts:    1,
			CompletedAt: now(),
		}
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = x.config.DefaultTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := x.dispatcher.Dispatch(dctx, step.Action, params)
	if err != nil {
		status := StepFailed
		msg := err.Error()
		if dctx.Err() == context.DeadlineExceeded {
			msg = fmt.Sprintf("action timed out after %s", timeout)
		}
		return StepResult{
			StepID: step.ID, Action: step.Action, Status: status,
			Error: msg, Attempts: 1, CompletedAt: now(),
		}
	}
	return StepResult{
		StepID: step.ID, Action: step.Action, Status: StepCompleted,
		Result: result, Attempts: 1, CompletedAt: now(),
	}
}

// DispatchApproved dispatches a previously approved action and records
// its terminal outcome in history.
func (x *Executor) DispatchApproved(ctx context.Context, ae *ActionExecution) {
	def, err := x.registry.Get(ae.ActionType)
	timeout := x.config.DefaultTimeout
	if err == nil && def.Timeout > 0 {
		timeout = def.Timeout
	}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := x.dispatcher.Dispatch(dctx, ae.ActionType, ae.Parameters)
	if err != nil {
		x.approvals.Finalize(ae, ActionFailed, nil, err)
		return
	}
	x.approvals.Finalize(ae, ActionCompleted, result, nil)
}

// ApproveAction approves a pending action and dispatches it.
func (x *Executor) ApproveAction(ctx context.Context, id uuid.UUID, approver string) (*ActionExecution, error) {
	ae, err := x.approvals.Approve(id, approver)
	if err != nil {
		return nil, err
	}
	x.DispatchApproved(ctx, ae)
	return ae, nil
}

// RejectAction rejects a pending action.
func (x *Executor) RejectAction(id uuid.UUID, rejecter, reason string) (*ActionExecution, error) {
	return x.approvals.Reject(id, rejecter, reason)
}

// TriggerEvent classifies an incoming event for trigger evaluation.
type TriggerEvent struct {
	Type     TriggerType
	Severity string
	Fields   map[string]string
}

// EvaluateTriggers matches enabled playbooks against a trigger event
// and starts every match in the background, returning the started
// executions immediately. Step waits and retry backoffs never block
// the caller; completion handlers fire as each run finishes.
func (x *Executor) EvaluateTriggers(ctx context.Context, trigger TriggerEvent) []*PlaybookExecution {
	x.mu.RLock()
	candidates := make([]*Playbook, len(x.playbooks))
	copy(candidates, x.playbooks)
	x.mu.RUnlock()

	lookup := func(field string) (string, bool) {
		v, ok := trigger.Fields[field]
		return v, ok
	}

	var started []*PlaybookExecution
	for _, p := range candidates {
		if !p.Enabled {
			continue
		}
		if p.TriggerType != "" && p.TriggerType != trigger.Type {
			continue
		}
		if p.TriggerSeverity != "" && p.TriggerSeverity != trigger.Severity {
			continue
		}
		matched := true
		for _, cond := range p.TriggerConditions {
			if !cond.Matches(lookup) {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}

		execContext := make(map[string]any, len(trigger.Fields)+2)
		for k, v := range trigger.Fields {
			execContext[k] = v
		}
		execContext["trigger_type"] = string(trigger.Type)
		execContext["severity"] = trigger.Severity

		pe := x.beginExecution(p, execContext)
		if pe == nil {
			continue
		}
		started = append(started, pe)

		steps := p.OrderedSteps()
		go x.runSteps(ctx, pe, steps)
	}
	return started
}

// beginExecution registers a new running execution for a playbook.
func (x *Executor) beginExecution(p *Playbook, execContext map[string]any) *PlaybookExecution {
	x.mu.Lock()
	defer x.mu.Unlock()

	p.ExecutionCount++
	pe := &PlaybookExecution{
		ID:         uuid.New(),
		PlaybookID: p.ID,
		Status:     ExecutionRunning,
		Context:    execContext,
		StartedAt:  time.Now().UTC(),
	}
	x.executions[pe.ID] = pe
	x.execOrder = append(x.execOrder, pe.ID)
	if len(x.execOrder) > x.config.MaxExecutions {
		evicted := x.execOrder[0]
		x.execOrder = x.execOrder[1:]
		delete(x.executions, evicted)
	}
	return pe
}

func (x *Executor) recordStep(pe *PlaybookExecution, result StepResult) {
	pe.mu.Lock()
	pe.StepResults = append(pe.StepResults, result)
	pe.mu.Unlock()
}

func (x *Executor) finish(pe *PlaybookExecution, status ExecutionStatus, errMsg string) {
	now := time.Now().UTC()
	pe.mu.Lock()
	pe.Status = status
	pe.Error = errMsg
	pe.CurrentStep = ""
	pe.CompletedAt = &now
	pe.mu.Unlock()

	slog.Info("playbook execution finished",
		"execution_id", pe.ID, "status", status)

	x.completionMu.RLock()
	completions := x.completions
	x.completionMu.RUnlock()
	for _, fn := range completions {
		fn(pe)
	}
}

// Stats reports executor counters.
func (x *Executor) Stats() map[string]any {
	x.mu.RLock()
	defer x.mu.RUnlock()

	byStatus := make(map[ExecutionStatus]int)
	for _, pe := range x.executions {
		pe.mu.Lock()
		byStatus[pe.Status]++
		pe.mu.Unlock()
	}
	return map[string]any{
		"playbooks":            len(x.playbooks),
		"executions_retained":  len(x.executions),
		"executions_by_status": byStatus,
		"pending_approvals":    len(x.approvals.Pending()),
	}
}

// evalCondition evaluates a step condition against the execution
// context. Supported forms: "key == value", "key != value", and a bare
// key, which tests presence with a non-empty, non-false value.
func evalCondition(cond string, execContext map[string]any) bool {
	cond = strings.TrimSpace(cond)

	if idx := strings.Index(cond, "!="); idx >= 0 {
		key := strings.TrimSpace(cond[:idx])
		want := strings.TrimSpace(cond[idx+2:])
		got, ok := contextValue(execContext, key)
		return !ok || got != want
	}
	if idx := strings.Index(cond, "=="); idx >= 0 {
		key := strings.TrimSpace(cond[:idx])
		want := strings.TrimSpace(cond[idx+2:])
		got, ok := contextValue(execContext, key)
		return ok && got == want
	}
	if idx := strings.Index(cond, "="); idx >= 0 {
		key := strings.TrimSpace(cond[:idx])
		want := strings.TrimSpace(cond[idx+1:])
		got, ok := contextValue(execContext, key)
		return ok && got == want
	}

	got, ok := contextValue(execContext, cond)
	return ok && got != "" && got != "false"
}

func contextValue(execContext map[string]any, key string) (string, bool) {
	if execContext == nil {
		return "", false
	}
	v, ok := execContext[key]
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%v", v), true
}

// mergeParams overlays execution context under the step's explicit
// parameters. Step parameters win on conflict.
func mergeParams(stepParams map[string]any, execContext map[string]any) map[string]any {
	merged := make(map[string]any, len(stepParams)+len(execContext))
	for k, v := range execContext {
		merged[k] = v
	}
	for k, v := range stepParams {
		merged[k] = v
	}
	return merged
}
