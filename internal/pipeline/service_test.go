package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"sentinel-siem/internal/anomaly"
	"sentinel-siem/internal/correlation"
	"sentinel-siem/internal/detection"
	siemerrors "sentinel-siem/internal/errors"
	"sentinel-siem/internal/incident"
	"sentinel-siem/internal/metrics"
	"sentinel-siem/internal/schema"
	"sentinel-siem/internal/soar"
)

func newTestService(t *testing.T, deps *Dependencies) *Service {
	t.Helper()
	if deps == nil {
		deps = &Dependencies{}
	}
	if deps.Validator == nil {
		deps.Validator = schema.NewValidator()
	}
	if deps.Detector == nil {
		deps.Detector = detection.NewDetector(
			detection.DefaultDetectorConfig(), detection.NewIndicatorStore(), nil)
	}
	if deps.Scorer == nil {
		deps.Scorer = anomaly.NewScorer(anomaly.DefaultScorerConfig())
	}
	if deps.Correlator == nil {
		deps.Correlator = correlation.NewEngine(correlation.DefaultEngineConfig())
	}
	if deps.Executor == nil {
		deps.Executor = soar.NewExecutor(
			soar.DefaultExecutorConfig(),
			soar.NewActionRegistry(soar.DefaultActionDefinitions()),
			&soar.SimulatorDispatcher{},
			soar.NewApprovalQueue(100),
		)
	}
	if deps.Incidents == nil {
		deps.Incidents = incident.NewManager(incident.DefaultManagerConfig(), deps.Executor)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return New(DefaultConfig(), *deps)
}

func testEvent(service, msg string) *schema.Event {
	return &schema.Event{
		EventID:   uuid.New(),
		Timestamp: time.Now().UTC(),
		Level:     schema.LevelWarn,
		Service:   service,
		Host:      "web-01",
		SourceIP:  "10.0.0.5",
		Message:   msg,
	}
}

func TestSubmitEventRejectsInvalid(t *testing.T) {
	s := newTestService(t, nil)

	tests := []struct {
		name  string
		event *schema.Event
	}{
		{"nil event", nil},
		{"bad service name", testEvent("9bad service!", "hello")},
		{"stale timestamp", func() *schema.Event {
			ev := testEvent("auth-service", "hello")
			ev.Timestamp = time.Now().Add(-30 * 24 * time.Hour)
			return ev
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.SubmitEvent(context.Background(), tt.event)
			if !siemerrors.IsInvalidInput(err) {
				t.Fatalf("SubmitEvent() error = %v, want invalid input", err)
			}
		})
	}
}

func TestSubmitEventFillsDefaults(t *testing.T) {
	s := newTestService(t, nil)

	ev := testEvent("auth-service", "user logged in")
	ev.EventID = uuid.Nil
	ev.ReceivedAt = time.Time{}

	if _, err := s.SubmitEvent(context.Background(), ev); err != nil {
		t.Fatalf("SubmitEvent() error = %v", err)
	}
	if ev.EventID == uuid.Nil {
		t.Error("EventID was not assigned")
	}
	if ev.ReceivedAt.IsZero() {
		t.Error("ReceivedAt was not stamped")
	}
}

func TestSubmitEventDetectsThreatAndOpensIncident(t *testing.T) {
	s := newTestService(t, nil)

	threat, err := s.SubmitEvent(context.Background(),
		testEvent("api-gateway", "blocked query containing union select from users"))
	if err != nil {
		t.Fatalf("SubmitEvent() error = %v", err)
	}
	if threat == nil {
		t.Fatal("SubmitEvent() returned no threat for an injection message")
	}
	if threat.Severity != schema.SeverityCritical {
		t.Errorf("threat severity = %s, want critical", threat.Severity)
	}

	incidents := s.ListIncidents("")
	if len(incidents) != 1 {
		t.Fatalf("got %d incidents, want 1", len(incidents))
	}
	if got := incidents[0].ThreatIDs; len(got) != 1 || got[0] != threat.ID {
		t.Errorf("incident threat IDs = %v, want [%s]", got, threat.ID)
	}
}

func TestSubmitEventLowSeverityThreatSkipsIncident(t *testing.T) {
	s := newTestService(t, nil)

	threat, err := s.SubmitEvent(context.Background(),
		testEvent("edge-fw", "nmap probe observed"))
	if err != nil {
		t.Fatalf("SubmitEvent() error = %v", err)
	}
	if threat == nil {
		t.Fatal("expected a port-scan threat")
	}
	if threat.Severity.Rank() >= schema.SeverityHigh.Rank() {
		t.Fatalf("threat severity = %s, expected below high", threat.Severity)
	}
	if got := s.ListIncidents(""); len(got) != 0 {
		t.Errorf("got %d incidents, want 0", len(got))
	}
}

func TestSubmitEventCorrelationOpensIncident(t *testing.T) {
	s := newTestService(t, nil)

	rule := &correlation.Rule{
		ID:        "auth-fail-burst",
		Name:      "Auth Failure Burst",
		Enabled:   true,
		Severity:  schema.SeverityHigh,
		Threshold: 3,
		Conditions: []correlation.Condition{
			{Field: "message", Operator: correlation.OpContains, Value: "auth failed"},
		},
		TimeWindow: "5m",
	}
	if err := s.AddRule(rule); err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		ev := testEvent("auth-service", fmt.Sprintf("auth failed for user%d", i))
		if _, err := s.SubmitEvent(context.Background(), ev); err != nil {
			t.Fatalf("SubmitEvent() error = %v", err)
		}
	}

	incidents := s.ListIncidents("")
	if len(incidents) != 1 {
		t.Fatalf("got %d incidents, want 1", len(incidents))
	}
	if incidents[0].Title != rule.Name {
		t.Errorf("incident title = %q, want %q", incidents[0].Title, rule.Name)
	}

	if fired := s.CorrelationHistory(); len(fired) != 1 {
		t.Errorf("correlation history = %d entries, want 1", len(fired))
	}
}

func TestSubmitEventsBatchReportsRejects(t *testing.T) {
	s := newTestService(t, nil)

	events := []*schema.Event{
		testEvent("auth-service", "user logged in"),
		testEvent("!!bad!!", "rejected"),
		testEvent("api-gateway", "sql injection detected in request body"),
	}

	result := s.SubmitEvents(context.Background(), events)
	if result.Accepted != 2 || result.Rejected != 1 {
		t.Fatalf("accepted=%d rejected=%d, want 2/1", result.Accepted, result.Rejected)
	}
	if _, ok := result.Errors[1]; !ok {
		t.Error("expected error entry for index 1")
	}
	if len(result.Threats) != 1 {
		t.Errorf("got %d threats, want 1", len(result.Threats))
	}
}

type recordingWriter struct {
	mu     sync.Mutex
	events []*schema.Event
	err    error
}

func (w *recordingWriter) Write(event *schema.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.events = append(w.events, event)
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

func TestSubmitEventPersistsAcceptedEvents(t *testing.T) {
	w := &recordingWriter{}
	s := newTestService(t, &Dependencies{Writer: w})

	if _, err := s.SubmitEvent(context.Background(), testEvent("auth-service", "ok")); err != nil {
		t.Fatalf("SubmitEvent() error = %v", err)
	}
	if _, err := s.SubmitEvent(context.Background(), testEvent("!!bad!!", "rejected")); err == nil {
		t.Fatal("expected rejection")
	}

	if w.count() != 1 {
		t.Errorf("writer saw %d events, want 1", w.count())
	}
}

func TestSubmitEventWriterFailureDoesNotBlockDetection(t *testing.T) {
	w := &recordingWriter{err: errors.New("clickhouse down")}
	s := newTestService(t, &Dependencies{Writer: w})

	threat, err := s.SubmitEvent(context.Background(),
		testEvent("api-gateway", "union select * from accounts"))
	if err != nil {
		t.Fatalf("SubmitEvent() error = %v", err)
	}
	if threat == nil {
		t.Error("detection should run even when persistence fails")
	}
}

type recordingArchiver struct {
	mu         sync.Mutex
	archived   []uuid.UUID
	executions []uuid.UUID
}

func (a *recordingArchiver) Archive(ctx context.Context, inc *incident.Incident) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, inc.ID)
	return nil
}

func (a *recordingArchiver) ArchiveExecution(ctx context.Context, pe *soar.PlaybookExecution) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.executions = append(a.executions, pe.ID)
	return nil
}

func (a *recordingArchiver) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.archived)
}

func (a *recordingArchiver) executionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.executions)
}

func TestResolveIncidentArchives(t *testing.T) {
	arch := &recordingArchiver{}
	s := newTestService(t, &Dependencies{Archiver: arch})

	inc, err := s.CreateIncident("disk full", "ops reported", schema.SeverityMedium, "operator")
	if err != nil {
		t.Fatalf("CreateIncident() error = %v", err)
	}
	if _, err := s.UpdateIncidentStatus(inc.ID, incident.StatusInProgress, "operator"); err != nil {
		t.Fatalf("UpdateIncidentStatus() error = %v", err)
	}
	if _, err := s.ResolveIncident(inc.ID, "expanded volume", "log rotation stuck", "operator"); err != nil {
		t.Fatalf("ResolveIncident() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for arch.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("incident was not archived within 2s")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestExecutePlaybookArchivesExecution(t *testing.T) {
	arch := &recordingArchiver{}
	s := newTestService(t, &Dependencies{Archiver: arch})

	p := &soar.Playbook{
		ID:      "notify-only",
		Name:    "Notify only",
		Enabled: true,
		Steps: []soar.Step{
			{ID: "notify", Order: 1, Action: "send_notification", Parameters: map[string]any{"message": "hello"}},
		},
	}
	if err := s.AddPlaybook(p); err != nil {
		t.Fatalf("AddPlaybook() error = %v", err)
	}
	if _, err := s.ExecutePlaybook(context.Background(), "notify-only", nil); err != nil {
		t.Fatalf("ExecutePlaybook() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for arch.executionCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("execution was not archived within 2s")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []uuid.UUID
}

func (p *recordingPublisher) PublishIncident(ctx context.Context, inc *incident.Incident) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, inc.ID)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func TestNewIncidentIsPublished(t *testing.T) {
	pub := &recordingPublisher{}
	s := newTestService(t, &Dependencies{Publisher: pub})

	if _, err := s.CreateIncident("disk full", "ops reported", schema.SeverityMedium, "operator"); err != nil {
		t.Fatalf("CreateIncident() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for pub.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("incident was not published within 2s")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSubmitEventNotBlockedBySlowPlaybook(t *testing.T) {
	s := newTestService(t, nil)

	p := &soar.Playbook{
		ID:          "delayed-notify",
		Name:        "Delayed notify",
		Enabled:     true,
		TriggerType: soar.TriggerThreat,
		Steps: []soar.Step{
			{ID: "notify", Order: 1, Action: "send_notification",
				WaitBeforeSeconds: 30,
				Parameters:        map[string]any{"message": "later"}},
		},
	}
	if err := s.AddPlaybook(p); err != nil {
		t.Fatalf("AddPlaybook() error = %v", err)
	}

	// The triggered run sleeps before its first step; ingest must not
	// wait for it.
	start := time.Now()
	threat, err := s.SubmitEvent(context.Background(),
		testEvent("api-gateway", "union select * from accounts"))
	if err != nil {
		t.Fatalf("SubmitEvent() error = %v", err)
	}
	if threat == nil {
		t.Fatal("expected an injection threat")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("SubmitEvent took %s with a waiting playbook in flight", elapsed)
	}
}

func TestEnqueueProcessesAsync(t *testing.T) {
	w := &recordingWriter{}
	s := newTestService(t, &Dependencies{Writer: w})

	s.Start(context.Background())
	defer s.Stop()

	const n = 20
	for i := 0; i < n; i++ {
		if err := s.Enqueue(testEvent("auth-service", fmt.Sprintf("event %d", i))); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for w.count() < n {
		select {
		case <-deadline:
			t.Fatalf("processed %d of %d events within 5s", w.count(), n)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStartStopIdempotent(t *testing.T) {
	s := newTestService(t, nil)

	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}

func TestStatsCoversAllComponents(t *testing.T) {
	s := newTestService(t, nil)

	if _, err := s.SubmitEvent(context.Background(), testEvent("auth-service", "hello")); err != nil {
		t.Fatalf("SubmitEvent() error = %v", err)
	}

	stats := s.Stats()
	for _, key := range []string{"queue", "consumer", "detection", "anomaly", "correlation", "incidents", "soar"} {
		if _, ok := stats[key]; !ok {
			t.Errorf("Stats() missing %q", key)
		}
	}
}

func TestThreatStatusPassThrough(t *testing.T) {
	s := newTestService(t, nil)

	threat, err := s.SubmitEvent(context.Background(),
		testEvent("api-gateway", "sql injection attempt blocked"))
	if err != nil || threat == nil {
		t.Fatalf("SubmitEvent() = %v, %v", threat, err)
	}

	updated, err := s.UpdateThreatStatus(threat.ID, detection.ThreatStatusInvestigating)
	if err != nil {
		t.Fatalf("UpdateThreatStatus() error = %v", err)
	}
	if updated.Status != detection.ThreatStatusInvestigating {
		t.Errorf("status = %s, want investigating", updated.Status)
	}

	got, err := s.GetThreat(threat.ID)
	if err != nil {
		t.Fatalf("GetThreat() error = %v", err)
	}
	if got.Status != detection.ThreatStatusInvestigating {
		t.Errorf("GetThreat status = %s, want investigating", got.Status)
	}
}

func TestReplayHistoricalIsDeterministic(t *testing.T) {
	s := newTestService(t, nil)

	rule := &correlation.Rule{
		ID:        "replay-rule",
		Name:      "Replay Rule",
		Enabled:   true,
		Severity:  schema.SeverityMedium,
		Threshold: 2,
		Conditions: []correlation.Condition{
			{Field: "level", Operator: correlation.OpEq, Value: "error"},
		},
		TimeWindow: "10m",
	}
	if err := s.AddRule(rule); err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}

	base := time.Now().Add(-time.Hour)
	var events []*schema.Event
	for i := 0; i < 5; i++ {
		ev := testEvent("batch-service", fmt.Sprintf("failure %d", i))
		ev.Level = schema.LevelError
		ev.Timestamp = base.Add(time.Duration(i) * time.Second)
		events = append(events, ev)
	}

	first := s.ReplayHistorical(context.Background(), events)
	second := s.ReplayHistorical(context.Background(), events)
	if len(first) == 0 {
		t.Fatal("replay emitted no correlations")
	}
	if len(first) != len(second) {
		t.Errorf("replay not deterministic: %d vs %d correlations", len(first), len(second))
	}
}
