package incident

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"sentinel-siem/internal/correlation"
	"sentinel-siem/internal/detection"
	siemerrors "sentinel-siem/internal/errors"
	"sentinel-siem/internal/schema"
	"sentinel-siem/internal/soar"
)

func newTestManager(t *testing.T, playbooks ...*soar.Playbook) (*Manager, *soar.Executor) {
	t.Helper()
	executor := soar.NewExecutor(
		soar.DefaultExecutorConfig(),
		soar.NewActionRegistry(soar.DefaultActionDefinitions()),
		&soar.SimulatorDispatcher{},
		soar.NewApprovalQueue(100),
	)
	for _, p := range playbooks {
		if err := executor.AddPlaybook(p); err != nil {
			t.Fatalf("AddPlaybook(%s) error = %v", p.ID, err)
		}
	}
	return NewManager(DefaultManagerConfig(), executor), executor
}

func notifyPlaybook(id string, conds ...soar.TriggerCondition) *soar.Playbook {
	return &soar.Playbook{
		ID:                id,
		Name:              "Playbook " + id,
		Enabled:           true,
		TriggerConditions: conds,
		Steps: []soar.Step{
			{ID: "notify", Order: 1, Action: "send_notification",
				Parameters: map[string]any{"message": "triggered"}},
		},
	}
}

func sampleThreat() *detection.Threat {
	return &detection.Threat{
		ID:       uuid.New(),
		Severity: schema.SeverityCritical,
		Title:    "SQL Injection Attempt",
		Source:   "api-gateway",
		SourceIP: "203.0.113.10",
	}
}

func TestManager_ReadsReturnCopies(t *testing.T) {
	m, _ := newTestManager(t)
	inc := m.CreateFromThreat(sampleThreat())

	// A copy taken before a mutation never reflects it.
	before, err := m.Get(inc.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if _, err := m.Comment(inc.ID, "analyst", "looking into it"); err != nil {
		t.Fatalf("Comment() error = %v", err)
	}
	if len(before.Timeline) != 1 {
		t.Errorf("stale copy timeline = %d entries, want 1", len(before.Timeline))
	}

	// Writing through a returned value never reaches the manager.
	before.Status = StatusClosed
	before.Title = "tampered"
	before.ThreatIDs[0] = uuid.New()

	fresh, err := m.Get(inc.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if fresh.Status != StatusOpen || fresh.Title != "SQL Injection Attempt" {
		t.Errorf("incident = %s/%s, want open/SQL Injection Attempt", fresh.Status, fresh.Title)
	}
	if fresh.ThreatIDs[0] == before.ThreatIDs[0] {
		t.Error("threat IDs shared between manager state and returned copy")
	}

	listed := m.List("")
	if len(listed) != 1 {
		t.Fatalf("List() = %d incidents, want 1", len(listed))
	}
	listed[0].Severity = schema.SeverityLow
	fresh, _ = m.Get(inc.ID)
	if fresh.Severity != schema.SeverityCritical {
		t.Errorf("severity = %s after mutating listed copy, want critical", fresh.Severity)
	}
}

func TestManager_StateMachine(t *testing.T) {
	tests := []struct {
		name    string
		path    []Status
		wantErr bool
	}{
		{"full lifecycle", []Status{StatusInProgress, StatusResolved, StatusClosed}, false},
		{"open to pending", []Status{StatusPending, StatusInProgress}, false},
		{"false positive from open", []Status{StatusFalsePositive}, false},
		{"false positive from pending", []Status{StatusPending, StatusFalsePositive}, false},
		{"open straight to closed", []Status{StatusClosed}, true},
		{"resolved back to in_progress", []Status{StatusResolved, StatusInProgress}, true},
		{"closed is terminal", []Status{StatusInProgress, StatusResolved, StatusClosed, StatusInProgress}, true},
		{"false positive is terminal", []Status{StatusFalsePositive, StatusInProgress}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t)
			inc := m.CreateFromThreat(sampleThreat())

			var err error
			for _, next := range tt.path {
				_, err = m.UpdateStatus(inc.ID, next, "analyst")
				if err != nil {
					break
				}
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("path %v error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if tt.wantErr && !siemerrors.IsInvalidTransition(err) {
				t.Errorf("expected invalid-transition error, got %v", err)
			}
		})
	}
}

func TestManager_ResolveStampsTimeToResolve(t *testing.T) {
	m, _ := newTestManager(t)
	inc := m.CreateFromThreat(sampleThreat())

	updated, err := m.UpdateStatus(inc.ID, StatusResolved, "analyst")
	if err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if updated.ResolvedAt == nil {
		t.Fatal("resolvedAt not set")
	}
	if updated.TimeToResolveSeconds == nil || *updated.TimeToResolveSeconds < 0 {
		t.Fatalf("timeToResolveSeconds = %v, want >= 0", updated.TimeToResolveSeconds)
	}
	want := int64(updated.ResolvedAt.Sub(updated.CreatedAt).Seconds())
	if *updated.TimeToResolveSeconds != want {
		t.Errorf("timeToResolveSeconds = %d, want %d", *updated.TimeToResolveSeconds, want)
	}

	// Exactly one status_change entry was appended.
	timeline, err := m.Timeline(inc.ID)
	if err != nil {
		t.Fatalf("Timeline() error = %v", err)
	}
	statusChanges := 0
	for _, e := range timeline {
		if e.Type == EntryStatusChange {
			statusChanges++
		}
	}
	if statusChanges != 1 {
		t.Errorf("status_change entries = %d, want 1", statusChanges)
	}
}

func TestManager_TimelineIsAppendOnly(t *testing.T) {
	m, _ := newTestManager(t)
	inc := m.CreateFromThreat(sampleThreat())

	before, _ := m.Timeline(inc.ID)

	if _, err := m.Comment(inc.ID, "analyst", "looking into it"); err != nil {
		t.Fatalf("Comment() error = %v", err)
	}
	if _, err := m.Assign(inc.ID, "oncall", "lead"); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}

	after, _ := m.Timeline(inc.ID)
	if len(after) <= len(before) {
		t.Fatalf("timeline did not grow: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("timeline entry %d was rewritten", i)
		}
	}
}

func TestManager_AssignMovesOpenToInProgress(t *testing.T) {
	m, _ := newTestManager(t)
	inc := m.CreateFromThreat(sampleThreat())

	updated, err := m.Assign(inc.ID, "oncall", "lead")
	if err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	if updated.Status != StatusInProgress || updated.AssignedTo != "oncall" {
		t.Errorf("incident = status %s assignee %s, want in_progress/oncall",
			updated.Status, updated.AssignedTo)
	}
}

func TestManager_Resolve(t *testing.T) {
	m, _ := newTestManager(t)
	inc := m.CreateFromThreat(sampleThreat())

	updated, err := m.Resolve(inc.ID, "blocked offending IP", "exposed admin endpoint", "analyst")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if updated.Status != StatusResolved {
		t.Errorf("status = %s, want resolved", updated.Status)
	}
	if updated.Resolution == "" || updated.RootCause == "" {
		t.Error("resolution details not recorded")
	}

	if _, err := m.Resolve(inc.ID, "again", "", "analyst"); !siemerrors.IsInvalidTransition(err) {
		t.Errorf("expected invalid-transition on re-resolve, got %v", err)
	}
}

func TestManager_AutoAttachFirstMatchingPlaybook(t *testing.T) {
	// Registration order decides ties: both match critical incidents,
	// the first registered wins.
	first := notifyPlaybook("first-critical",
		soar.TriggerCondition{Field: "severity", Operator: "eq", Value: "critical"})
	second := notifyPlaybook("second-critical",
		soar.TriggerCondition{Field: "severity", Operator: "eq", Value: "critical"})
	titled := notifyPlaybook("sql-only",
		soar.TriggerCondition{Field: "title", Operator: "contains", Value: "sql injection"})

	m, _ := newTestManager(t, first, second, titled)

	inc := m.CreateFromThreat(sampleThreat())
	if inc.AttachedPlaybookID != "first-critical" {
		t.Errorf("attached = %s, want first-critical", inc.AttachedPlaybookID)
	}

	// A low severity incident only matches the title condition.
	low, err := m.CreateManual("Possible SQL Injection probe", "scanner noise", schema.SeverityLow, "analyst")
	if err != nil {
		t.Fatalf("CreateManual() error = %v", err)
	}
	if low.AttachedPlaybookID != "sql-only" {
		t.Errorf("attached = %s, want sql-only", low.AttachedPlaybookID)
	}

	// No match leaves the incident without a playbook.
	none, err := m.CreateManual("Routine review", "", schema.SeverityInfo, "analyst")
	if err != nil {
		t.Fatalf("CreateManual() error = %v", err)
	}
	if none.AttachedPlaybookID != "" {
		t.Errorf("attached = %s, want none", none.AttachedPlaybookID)
	}
}

func TestManager_DisabledPlaybookNeverAttaches(t *testing.T) {
	p := notifyPlaybook("disabled-match",
		soar.TriggerCondition{Field: "severity", Operator: "eq", Value: "critical"})
	p.Enabled = false

	m, _ := newTestManager(t, p)
	inc := m.CreateFromThreat(sampleThreat())
	if inc.AttachedPlaybookID != "" {
		t.Errorf("attached = %s, want none for disabled playbook", inc.AttachedPlaybookID)
	}
}

func TestManager_ExecutePlaybook(t *testing.T) {
	p := notifyPlaybook("respond",
		soar.TriggerCondition{Field: "severity", Operator: "eq", Value: "critical"})
	m, _ := newTestManager(t, p)

	inc := m.CreateFromThreat(sampleThreat())
	pe, err := m.ExecutePlaybook(context.Background(), inc.ID, "", "analyst")
	if err != nil {
		t.Fatalf("ExecutePlaybook() error = %v", err)
	}
	if pe.Status != soar.ExecutionCompleted {
		t.Errorf("execution status = %s, want completed", pe.Status)
	}

	timeline, _ := m.Timeline(inc.ID)
	execEntries := 0
	for _, e := range timeline {
		if e.Type == EntryPlaybookExecution {
			execEntries++
		}
	}
	if execEntries != 2 {
		t.Errorf("playbook_execution entries = %d, want start and completion", execEntries)
	}
}

func TestManager_ExecuteWithoutPlaybook(t *testing.T) {
	m, _ := newTestManager(t)
	inc := m.CreateFromThreat(sampleThreat())

	if _, err := m.ExecutePlaybook(context.Background(), inc.ID, "", "analyst"); !siemerrors.IsInvalidInput(err) {
		t.Errorf("expected invalid-input error, got %v", err)
	}
}

func TestManager_CreateFromCorrelatedEvent(t *testing.T) {
	m, _ := newTestManager(t)

	ce := &correlation.CorrelatedEvent{
		ID:              uuid.New(),
		RuleID:          "brute-force-burst",
		RuleName:        "Brute Force Burst",
		GroupKey:        "auth",
		MatchedEventIDs: []uuid.UUID{uuid.New(), uuid.New()},
		DistinctSources: []string{"10.0.0.1", "10.0.0.2"},
		Severity:        schema.SeverityHigh,
	}
	inc := m.CreateFromCorrelatedEvent(ce)

	if inc.Title != "Brute Force Burst" || inc.Severity != schema.SeverityHigh {
		t.Errorf("incident = %s/%s, want rule name and severity carried over", inc.Title, inc.Severity)
	}
	if len(inc.CorrelatedEventIDs) != 1 || inc.CorrelatedEventIDs[0] != ce.ID {
		t.Error("correlated event not referenced")
	}
	if len(inc.AffectedAssets) != 2 {
		t.Errorf("affected assets = %v, want the distinct sources", inc.AffectedAssets)
	}
}

func TestManager_Validation(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.Get(uuid.New()); !siemerrors.IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
	if _, err := m.CreateManual("", "", schema.SeverityLow, "x"); !siemerrors.IsInvalidInput(err) {
		t.Errorf("expected invalid-input for empty title, got %v", err)
	}
	if _, err := m.CreateManual("t", "", "bogus", "x"); !siemerrors.IsInvalidInput(err) {
		t.Errorf("expected invalid-input for bad severity, got %v", err)
	}

	inc := m.CreateFromThreat(sampleThreat())
	if _, err := m.Comment(inc.ID, "a", ""); !siemerrors.IsInvalidInput(err) {
		t.Errorf("expected invalid-input for empty comment, got %v", err)
	}
	if _, err := m.Assign(inc.ID, "", "a"); !siemerrors.IsInvalidInput(err) {
		t.Errorf("expected invalid-input for empty assignee, got %v", err)
	}
	if _, err := m.AttachPlaybook(inc.ID, "ghost", "a"); !siemerrors.IsNotFound(err) {
		t.Errorf("expected not-found for unknown playbook, got %v", err)
	}
}

func TestManager_ListFiltersByStatus(t *testing.T) {
	m, _ := newTestManager(t)

	a := m.CreateFromThreat(sampleThreat())
	b := m.CreateFromThreat(sampleThreat())
	if _, err := m.UpdateStatus(b.ID, StatusResolved, "analyst"); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	open := m.List(StatusOpen)
	if len(open) != 1 || open[0].ID != a.ID {
		t.Errorf("open incidents = %d, want just the unresolved one", len(open))
	}
	if all := m.List(""); len(all) != 2 {
		t.Errorf("all incidents = %d, want 2", len(all))
	}
}
