// Package pipeline wires the detection components into a single event
// processing service: validation, threat detection, anomaly scoring,
// correlation, incident creation, and playbook triggering.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"sentinel-siem/internal/anomaly"
	"sentinel-siem/internal/consumer"
	"sentinel-siem/internal/correlation"
	"sentinel-siem/internal/detection"
	siemerrors "sentinel-siem/internal/errors"
	"sentinel-siem/internal/incident"
	"sentinel-siem/internal/metrics"
	"sentinel-siem/internal/queue"
	"sentinel-siem/internal/schema"
	"sentinel-siem/internal/soar"
)

// EventWriter persists accepted events. Satisfied by storage.BatchWriter.
type EventWriter interface {
	Write(event *schema.Event) error
}

// IncidentArchiver uploads finished incidents and playbook executions
// to long-term storage. Satisfied by s3.IncidentArchiver.
type IncidentArchiver interface {
	Archive(ctx context.Context, inc *incident.Incident) error
	ArchiveExecution(ctx context.Context, pe *soar.PlaybookExecution) error
}

// IncidentPublisher fans new incidents out to downstream consumers,
// such as a ticketing bridge reading from a Kafka topic.
type IncidentPublisher interface {
	PublishIncident(ctx context.Context, inc *incident.Incident) error
}

// Config holds pipeline service settings.
type Config struct {
	QueueSize             int
	Workers               int
	BaselineCheckInterval time.Duration
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:             10000,
		Workers:               4,
		BaselineCheckInterval: time.Minute,
	}
}

// Dependencies are the collaborators the service orchestrates. Writer,
// Archiver, and Publisher are optional; everything else is required.
type Dependencies struct {
	Validator  *schema.Validator
	Detector   *detection.Detector
	Scorer     *anomaly.Scorer
	Correlator *correlation.Engine
	Incidents  *incident.Manager
	Executor   *soar.Executor
	Metrics    *metrics.Metrics
	Writer     EventWriter
	Archiver   IncidentArchiver
	Publisher  IncidentPublisher
}

// Service is the pipeline facade. Events enter through SubmitEvent (or
// the async queue via Enqueue) and flow through every engine in order.
type Service struct {
	config     Config
	validator  *schema.Validator
	detector   *detection.Detector
	scorer     *anomaly.Scorer
	correlator *correlation.Engine
	incidents  *incident.Manager
	executor   *soar.Executor
	metrics    *metrics.Metrics
	writer     EventWriter
	archiver   IncidentArchiver
	publisher  IncidentPublisher

	queue    *queue.RingBuffer
	consumer *consumer.Consumer

	stopCh  chan struct{}
	wg      sync.WaitGroup
	startMu sync.Mutex
	started bool
}

// New creates the pipeline service.
func New(cfg Config, deps Dependencies) *Service {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.BaselineCheckInterval <= 0 {
		cfg.BaselineCheckInterval = DefaultConfig().BaselineCheckInterval
	}

	s := &Service{
		config:     cfg,
		validator:  deps.Validator,
		detector:   deps.Detector,
		scorer:     deps.Scorer,
		correlator: deps.Correlator,
		incidents:  deps.Incidents,
		executor:   deps.Executor,
		metrics:    deps.Metrics,
		writer:     deps.Writer,
		archiver:   deps.Archiver,
		publisher:  deps.Publisher,
		queue:      queue.NewRingBuffer(cfg.QueueSize),
		stopCh:     make(chan struct{}),
	}
	s.consumer = consumer.New(s.queue, func(ctx context.Context, event *schema.Event) error {
		_, err := s.SubmitEvent(ctx, event)
		return err
	}, consumer.Config{
		Workers:      cfg.Workers,
		PollInterval: 10 * time.Millisecond,
		ShutdownWait: 30 * time.Second,
	})
	if s.executor != nil {
		// Trigger-started runs finish on their own goroutines; metrics
		// and archiving happen here so no ingest path waits on them.
		s.executor.OnCompletion(func(pe *soar.PlaybookExecution) {
			if s.metrics != nil {
				snap := pe.Snapshot()
				s.metrics.PlaybookRuns.WithLabelValues(string(snap.Status)).Inc()
			}
			s.archiveExecutions(pe)
		})
	}
	return s
}

// Start launches the correlation cleanup loop, queue workers, and the
// periodic baseline checks.
func (s *Service) Start(ctx context.Context) {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.correlator.Start()
	s.consumer.Start(ctx)

	s.wg.Add(1)
	go s.baselineLoop()

	slog.Info("pipeline started",
		"queue_size", s.config.QueueSize,
		"workers", s.config.Workers,
	)
}

// Stop drains the queue workers and stops background loops.
func (s *Service) Stop() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if !s.started {
		return
	}
	s.started = false

	close(s.stopCh)
	s.queue.Close()
	s.consumer.Stop()
	s.correlator.Stop()
	s.wg.Wait()

	slog.Info("pipeline stopped")
}

// Enqueue submits an event for asynchronous processing. Returns
// queue.ErrQueueFull when the buffer is at capacity.
func (s *Service) Enqueue(event *schema.Event) error {
	err := s.queue.Push(event)
	if s.metrics != nil {
		s.metrics.QueueDepth.Set(float64(s.queue.Len()))
	}
	return err
}

// SubmitEvent runs one event through the whole pipeline synchronously.
// It returns the detected threat, if any. Correlation and anomaly
// results are routed to the incident manager and playbook triggers as
// side effects.
func (s *Service) SubmitEvent(ctx context.Context, event *schema.Event) (*detection.Threat, error) {
	started := time.Now()

	if event == nil {
		return nil, siemerrors.InvalidInputf("event is nil")
	}
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}

	if err := s.validator.Validate(event); err != nil {
		if s.metrics != nil {
			s.metrics.EventsRejected.Inc()
		}
		return nil, fmt.Errorf("%w: %v", siemerrors.ErrInvalidInput, err)
	}

	if s.writer != nil {
		if err := s.writer.Write(event); err != nil {
			// Detection still runs; durable storage is best effort.
			slog.Error("failed to persist event", "event_id", event.EventID, "error", err)
		}
	}

	threat := s.detector.Detect(ctx, event)
	if threat != nil {
		s.onThreat(ctx, threat)
	}

	if score := s.scorer.Score(event); score != nil {
		if s.metrics != nil {
			s.metrics.AnomalyScore.Observe(score.Score)
		}
		if score.IsAnomaly {
			s.onAnomaly(ctx, event, score)
		}
	}

	for _, ce := range s.correlator.ProcessEvent(ctx, event) {
		s.onCorrelation(ctx, ce)
	}

	if s.metrics != nil {
		s.metrics.EventsIngested.Inc()
		s.metrics.DetectLatency.Observe(time.Since(started).Seconds())
	}

	return threat, nil
}

// BatchResult summarizes a SubmitEvents call.
type BatchResult struct {
	Accepted int                  `json:"accepted"`
	Rejected int                  `json:"rejected"`
	Threats  []*detection.Threat  `json:"threats,omitempty"`
	Errors   map[int]string       `json:"errors,omitempty"` // index -> reason
}

// SubmitEvents processes a batch in order. Invalid events are skipped
// and reported; they never abort the batch.
func (s *Service) SubmitEvents(ctx context.Context, events []*schema.Event) BatchResult {
	result := BatchResult{Errors: make(map[int]string)}
	for i, event := range events {
		threat, err := s.SubmitEvent(ctx, event)
		if err != nil {
			result.Rejected++
			result.Errors[i] = siemerrors.SafeErrorMessage(err)
			continue
		}
		result.Accepted++
		if threat != nil {
			result.Threats = append(result.Threats, threat)
		}
	}
	return result
}

// onThreat records metrics, opens incidents for high-impact threats,
// and fires threat-type playbook triggers.
func (s *Service) onThreat(ctx context.Context, threat *detection.Threat) {
	if s.metrics != nil {
		s.metrics.ThreatsDetected.WithLabelValues(string(threat.Severity)).Inc()
	}

	if threat.Severity.Rank() >= schema.SeverityHigh.Rank() {
		inc := s.incidents.CreateFromThreat(threat)
		s.recordIncident(inc)
	}

	// Runs detach from the submit path; cancelling the caller's context
	// must not abort a response mid-flight.
	s.executor.EvaluateTriggers(context.WithoutCancel(ctx), soar.TriggerEvent{
		Type:     soar.TriggerThreat,
		Severity: string(threat.Severity),
		Fields: map[string]string{
			"title":     threat.Title,
			"source":    threat.Source,
			"source_ip": threat.SourceIP,
		},
	})
}

// onAnomaly opens an incident for high-severity anomalies. Lower
// severities are kept in the scorer's history for review only.
func (s *Service) onAnomaly(ctx context.Context, event *schema.Event, score *anomaly.AnomalyScore) {
	if s.metrics != nil {
		s.metrics.AnomaliesFlagged.WithLabelValues(score.Classification).Inc()
	}

	if score.Severity.Rank() < schema.SeverityHigh.Rank() {
		return
	}

	title := fmt.Sprintf("Anomalous activity in %s (%s)", event.Service, score.Classification)
	desc := fmt.Sprintf("ensemble score %.1f (confidence %.0f%%) for event %s",
		score.Score, score.Confidence, event.EventID)
	inc, err := s.incidents.CreateManual(title, desc, score.Severity, "anomaly-scorer")
	if err != nil {
		slog.Error("failed to open anomaly incident", "error", err)
		return
	}
	s.recordIncident(inc)

	s.executor.EvaluateTriggers(context.WithoutCancel(ctx), soar.TriggerEvent{
		Type:     soar.TriggerIncident,
		Severity: string(score.Severity),
		Fields: map[string]string{
			"title":  title,
			"source": event.Service,
		},
	})
}

// onCorrelation opens an incident for every fired correlation and
// fires incident-type triggers.
func (s *Service) onCorrelation(ctx context.Context, ce *correlation.CorrelatedEvent) {
	if s.metrics != nil {
		s.metrics.CorrelationsFired.WithLabelValues(ce.RuleID).Inc()
	}

	inc := s.incidents.CreateFromCorrelatedEvent(ce)
	s.recordIncident(inc)

	s.executor.EvaluateTriggers(context.WithoutCancel(ctx), soar.TriggerEvent{
		Type:     soar.TriggerIncident,
		Severity: string(ce.Severity),
		Fields: map[string]string{
			"title":  inc.Title,
			"source": ce.RuleName,
		},
	})
}

func (s *Service) recordIncident(inc *incident.Incident) {
	if s.metrics != nil {
		s.metrics.IncidentsCreated.WithLabelValues(string(inc.Severity)).Inc()
	}
	s.syncOpenIncidents()
	if s.publisher != nil {
		// Fan-out must not hold up event processing.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.publisher.PublishIncident(ctx, inc); err != nil {
				slog.Error("failed to publish incident", "incident_id", inc.ID, "error", err)
			}
		}()
	}
}

// baselineLoop runs the volume and error-rate checks on a fixed
// interval and opens incidents for high-severity detections.
func (s *Service) baselineLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.BaselineCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runBaselineChecks()
		}
	}
}

func (s *Service) runBaselineChecks() {
	baseline := s.detector.Baseline()

	for _, det := range []*detection.AnomalyDetection{
		baseline.CheckVolume(),
		baseline.CheckErrorRate(),
	} {
		if det == nil {
			continue
		}

		slog.Warn("baseline anomaly detected",
			"kind", det.Kind,
			"severity", det.Severity,
			"z_score", det.ZScore,
			"value", det.Value,
		)

		if det.Severity.Rank() < schema.SeverityHigh.Rank() {
			continue
		}
		inc, err := s.incidents.CreateManual(
			fmt.Sprintf("Baseline anomaly: %s", det.Kind),
			det.Message, det.Severity, "baseline-monitor")
		if err != nil {
			slog.Error("failed to open baseline incident", "error", err)
			continue
		}
		s.recordIncident(inc)
	}
}

// ReplayHistorical reruns correlation over a stored event range. The
// engine's live windows are reset first, so the result depends only on
// the rule set and the ordered events.
func (s *Service) ReplayHistorical(ctx context.Context, events []*schema.Event) []*correlation.CorrelatedEvent {
	return s.correlator.RunHistorical(ctx, events)
}

// --- threat operations ---

// GetThreat returns a threat by ID.
func (s *Service) GetThreat(id uuid.UUID) (*detection.Threat, error) {
	return s.detector.Get(id)
}

// ListThreats returns the bounded threat history, newest first.
func (s *Service) ListThreats() []*detection.Threat {
	return s.detector.List()
}

// UpdateThreatStatus transitions a threat's lifecycle status.
func (s *Service) UpdateThreatStatus(id uuid.UUID, status detection.ThreatStatus) (*detection.Threat, error) {
	return s.detector.UpdateStatus(id, status)
}

// --- anomaly operations ---

// AnomalyHistory returns recent flagged anomalies.
func (s *Service) AnomalyHistory() []*anomaly.AnomalyScore {
	return s.scorer.History()
}

// AnomalyFeedback records operator feedback on a flagged anomaly.
func (s *Service) AnomalyFeedback(scoreID uuid.UUID, truePositive bool) error {
	return s.scorer.Feedback(scoreID, truePositive)
}

// ReportMissedAnomaly records a false negative for telemetry.
func (s *Service) ReportMissedAnomaly() {
	s.scorer.ReportMissed()
}

// --- correlation rule operations ---

// AddRule registers a correlation rule.
func (s *Service) AddRule(rule *correlation.Rule) error {
	return s.correlator.AddRule(rule)
}

// UpdateRule replaces a rule and resets its windows.
func (s *Service) UpdateRule(rule *correlation.Rule) error {
	return s.correlator.UpdateRule(rule)
}

// RemoveRule unregisters a rule.
func (s *Service) RemoveRule(ruleID string) error {
	return s.correlator.RemoveRule(ruleID)
}

// GetRule returns a rule by ID.
func (s *Service) GetRule(ruleID string) (*correlation.Rule, error) {
	return s.correlator.GetRule(ruleID)
}

// ListRules returns all registered rules.
func (s *Service) ListRules() []*correlation.Rule {
	return s.correlator.ListRules()
}

// CorrelationHistory returns recently fired correlations.
func (s *Service) CorrelationHistory() []*correlation.CorrelatedEvent {
	return s.correlator.History()
}

// --- incident operations ---

// GetIncident returns an incident by ID.
func (s *Service) GetIncident(id uuid.UUID) (*incident.Incident, error) {
	return s.incidents.Get(id)
}

// ListIncidents returns incidents, optionally filtered by status.
func (s *Service) ListIncidents(status incident.Status) []*incident.Incident {
	return s.incidents.List(status)
}

// CreateIncident opens a manually reported incident.
func (s *Service) CreateIncident(title, description string, severity schema.Severity, actor string) (*incident.Incident, error) {
	inc, err := s.incidents.CreateManual(title, description, severity, actor)
	if err != nil {
		return nil, err
	}
	s.recordIncident(inc)
	return inc, nil
}

// UpdateIncidentStatus transitions an incident, archiving it when it
// reaches a resolved or closed state and an archiver is configured.
func (s *Service) UpdateIncidentStatus(id uuid.UUID, to incident.Status, actor string) (*incident.Incident, error) {
	inc, err := s.incidents.UpdateStatus(id, to, actor)
	if err != nil {
		return nil, err
	}
	if to == incident.StatusResolved || to == incident.StatusClosed {
		s.archiveIncident(inc)
	}
	s.syncOpenIncidents()
	return inc, nil
}

func (s *Service) syncOpenIncidents() {
	if s.metrics != nil {
		s.metrics.IncidentsOpen.Set(float64(len(s.incidents.List(incident.StatusOpen))))
	}
}

// AssignIncident assigns an incident to an operator.
func (s *Service) AssignIncident(id uuid.UUID, assignee, actor string) (*incident.Incident, error) {
	return s.incidents.Assign(id, assignee, actor)
}

// CommentIncident appends a comment to the incident timeline.
func (s *Service) CommentIncident(id uuid.UUID, actor, text string) (*incident.Incident, error) {
	return s.incidents.Comment(id, actor, text)
}

// ResolveIncident resolves an incident with resolution notes.
func (s *Service) ResolveIncident(id uuid.UUID, resolution, rootCause, actor string) (*incident.Incident, error) {
	inc, err := s.incidents.Resolve(id, resolution, rootCause, actor)
	if err != nil {
		return nil, err
	}
	s.archiveIncident(inc)
	s.syncOpenIncidents()
	return inc, nil
}

// AttachPlaybook attaches a playbook to an incident.
func (s *Service) AttachPlaybook(id uuid.UUID, playbookID, actor string) (*incident.Incident, error) {
	return s.incidents.AttachPlaybook(id, playbookID, actor)
}

// ExecuteIncidentPlaybook runs a playbook in the context of an
// incident. Metrics and archiving ride the executor's completion
// callback.
func (s *Service) ExecuteIncidentPlaybook(ctx context.Context, id uuid.UUID, playbookID, actor string) (*soar.PlaybookExecution, error) {
	return s.incidents.ExecutePlaybook(ctx, id, playbookID, actor)
}

// IncidentTimeline returns the append-only timeline of an incident.
func (s *Service) IncidentTimeline(id uuid.UUID) ([]incident.TimelineEntry, error) {
	return s.incidents.Timeline(id)
}

func (s *Service) archiveIncident(inc *incident.Incident) {
	if s.archiver == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.archiver.Archive(ctx, inc); err != nil {
			slog.Error("failed to archive incident", "incident_id", inc.ID, "error", err)
		}
	}()
}

// archiveExecutions uploads executions that reached a terminal state.
// Runs with playbooks still holding no locks; safe to snapshot.
func (s *Service) archiveExecutions(executions ...*soar.PlaybookExecution) {
	if s.archiver == nil {
		return
	}
	for _, pe := range executions {
		if pe == nil {
			continue
		}
		snap := pe.Snapshot()
		switch snap.Status {
		case soar.ExecutionCompleted, soar.ExecutionFailed, soar.ExecutionCancelled:
		default:
			continue
		}
		go func(pe *soar.PlaybookExecution) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.archiver.ArchiveExecution(ctx, pe); err != nil {
				slog.Error("failed to archive execution", "execution_id", snap.ID, "error", err)
			}
		}(pe)
	}
}

// --- playbook operations ---

// AddPlaybook registers a playbook.
func (s *Service) AddPlaybook(p *soar.Playbook) error {
	return s.executor.AddPlaybook(p)
}

// UpdatePlaybook replaces a playbook in place.
func (s *Service) UpdatePlaybook(p *soar.Playbook) error {
	return s.executor.UpdatePlaybook(p)
}

// RemovePlaybook unregisters a playbook.
func (s *Service) RemovePlaybook(id string) error {
	return s.executor.RemovePlaybook(id)
}

// GetPlaybook returns a playbook by ID.
func (s *Service) GetPlaybook(id string) (*soar.Playbook, error) {
	return s.executor.GetPlaybook(id)
}

// ListPlaybooks returns playbooks in registration order.
func (s *Service) ListPlaybooks() []*soar.Playbook {
	return s.executor.ListPlaybooks()
}

// ExecutePlaybook runs a playbook directly with the given context.
func (s *Service) ExecutePlaybook(ctx context.Context, playbookID string, execContext map[string]any) (*soar.PlaybookExecution, error) {
	return s.executor.Execute(ctx, playbookID, execContext)
}

// GetExecution returns a playbook execution record.
func (s *Service) GetExecution(id uuid.UUID) (*soar.PlaybookExecution, error) {
	return s.executor.GetExecution(id)
}

// CancelExecution cancels a running playbook execution.
func (s *Service) CancelExecution(id uuid.UUID) error {
	return s.executor.CancelExecution(id)
}

// PendingApprovals lists actions awaiting operator approval.
func (s *Service) PendingApprovals() []*soar.ActionExecution {
	pending := s.executor.Approvals().Pending()
	if s.metrics != nil {
		s.metrics.ApprovalsPending.Set(float64(len(pending)))
	}
	return pending
}

// ApprovalHistory returns resolved approval-gated actions, oldest
// first.
func (s *Service) ApprovalHistory() []*soar.ActionExecution {
	return s.executor.Approvals().History()
}

// ApproveAction approves and dispatches a gated action.
func (s *Service) ApproveAction(ctx context.Context, id uuid.UUID, approver string) (*soar.ActionExecution, error) {
	ae, err := s.executor.ApproveAction(ctx, id, approver)
	if s.metrics != nil {
		s.metrics.ApprovalsPending.Set(float64(len(s.executor.Approvals().Pending())))
	}
	return ae, err
}

// RejectAction rejects a gated action without dispatching it.
func (s *Service) RejectAction(id uuid.UUID, rejecter, reason string) (*soar.ActionExecution, error) {
	ae, err := s.executor.RejectAction(id, rejecter, reason)
	if s.metrics != nil {
		s.metrics.ApprovalsPending.Set(float64(len(s.executor.Approvals().Pending())))
	}
	return ae, err
}

// --- stats ---

// Stats aggregates component statistics for operators.
func (s *Service) Stats() map[string]any {
	return map[string]any{
		"queue":       s.queue.Metrics(),
		"consumer":    s.consumer.Metrics(),
		"detection":   s.detector.Stats(),
		"anomaly":     s.scorer.Stats(),
		"correlation": s.correlator.Stats(),
		"incidents":   s.incidents.Stats(),
		"soar":        s.executor.Stats(),
	}
}
