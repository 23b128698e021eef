// Package incident tracks security incidents through their lifecycle,
// keeping an append-only timeline and delegating playbook response to
// the soar executor.
package incident

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sentinel-siem/internal/correlation"
	"sentinel-siem/internal/detection"
	siemerrors "sentinel-siem/internal/errors"
	"sentinel-siem/internal/schema"
	"sentinel-siem/internal/soar"
)

// Status is the incident lifecycle state.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInProgress    Status = "in_progress"
	StatusPending       Status = "pending"
	StatusResolved      Status = "resolved"
	StatusClosed        Status = "closed"
	StatusFalsePositive Status = "false_positive"
)

// validTransitions encodes the lifecycle state machine. false_positive
// is reachable from every open-ish state.
var validTransitions = map[Status][]Status{
	StatusOpen:       {StatusInProgress, StatusPending, StatusResolved, StatusFalsePositive},
	StatusInProgress: {StatusPending, StatusResolved, StatusFalsePositive},
	StatusPending:    {StatusInProgress, StatusResolved, StatusFalsePositive},
	StatusResolved:   {StatusClosed},
}

func transitionAllowed(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TimelineEntryType classifies timeline entries.
type TimelineEntryType string

const (
	EntryCreated           TimelineEntryType = "created"
	EntryStatusChange      TimelineEntryType = "status_change"
	EntryAssignment        TimelineEntryType = "assignment"
	EntryComment           TimelineEntryType = "comment"
	EntryPlaybookAttached  TimelineEntryType = "playbook_attached"
	EntryPlaybookExecution TimelineEntryType = "playbook_execution"
)

// TimelineEntry is one immutable audit record. The timeline is only
// ever appended to.
type TimelineEntry struct {
	Timestamp   time.Time         `json:"timestamp"`
	Type        TimelineEntryType `json:"type"`
	Actor       string            `json:"actor"`
	Description string            `json:"description"`
}

// Incident is a managed security incident.
type Incident struct {
	mu sync.Mutex

	ID                   uuid.UUID       `json:"id"`
	Title                string          `json:"title"`
	Description          string          `json:"description"`
	Status               Status          `json:"status"`
	Severity             schema.Severity `json:"severity"`
	Priority             int             `json:"priority"` // 1 highest
	Source               string          `json:"source,omitempty"`
	ThreatIDs            []uuid.UUID     `json:"threat_ids,omitempty"`
	CorrelatedEventIDs   []uuid.UUID     `json:"correlated_event_ids,omitempty"`
	AffectedAssets       []string        `json:"affected_assets,omitempty"`
	Timeline             []TimelineEntry `json:"timeline"`
	AssignedTo           string          `json:"assigned_to,omitempty"`
	AttachedPlaybookID   string          `json:"attached_playbook_id,omitempty"`
	Resolution           string          `json:"resolution,omitempty"`
	RootCause            string          `json:"root_cause,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	ResolvedAt           *time.Time      `json:"resolved_at,omitempty"`
	ClosedAt             *time.Time      `json:"closed_at,omitempty"`
	TimeToResolveSeconds *int64          `json:"time_to_resolve_seconds,omitempty"`
}

// snapshot returns a deep copy of the incident, safe to read and
// marshal without holding its lock.
func (inc *Incident) snapshot() *Incident {
	inc.mu.Lock()
	defer inc.mu.Unlock()

	out := &Incident{
		ID:                 inc.ID,
		Title:              inc.Title,
		Description:        inc.Description,
		Status:             inc.Status,
		Severity:           inc.Severity,
		Priority:           inc.Priority,
		Source:             inc.Source,
		AssignedTo:         inc.AssignedTo,
		AttachedPlaybookID: inc.AttachedPlaybookID,
		Resolution:         inc.Resolution,
		RootCause:          inc.RootCause,
		CreatedAt:          inc.CreatedAt,
		UpdatedAt:          inc.UpdatedAt,
	}
	out.ThreatIDs = append([]uuid.UUID(nil), inc.ThreatIDs...)
	out.CorrelatedEventIDs = append([]uuid.UUID(nil), inc.CorrelatedEventIDs...)
	out.AffectedAssets = append([]string(nil), inc.AffectedAssets...)
	out.Timeline = append([]TimelineEntry(nil), inc.Timeline...)
	if inc.ResolvedAt != nil {
		t := *inc.ResolvedAt
		out.ResolvedAt = &t
	}
	if inc.ClosedAt != nil {
		t := *inc.ClosedAt
		out.ClosedAt = &t
	}
	if inc.TimeToResolveSeconds != nil {
		v := *inc.TimeToResolveSeconds
		out.TimeToResolveSeconds = &v
	}
	return out
}

func (inc *Incident) appendTimelineLocked(entryType TimelineEntryType, actor, description string) {
	inc.Timeline = append(inc.Timeline, TimelineEntry{
		Timestamp:   time.Now().UTC(),
		Type:        entryType,
		Actor:       actor,
		Description: description,
	})
	inc.UpdatedAt = time.Now().UTC()
}

// field resolves incident fields for playbook trigger matching.
func (inc *Incident) field(name string) (string, bool) {
	switch name {
	case "title":
		return inc.Title, true
	case "description":
		return inc.Description, true
	case "severity":
		return string(inc.Severity), true
	case "status":
		return string(inc.Status), true
	case "source":
		return inc.Source, inc.Source != ""
	case "assigned_to":
		return inc.AssignedTo, inc.AssignedTo != ""
	}
	return "", false
}

// ManagerConfig bounds the manager's retained incidents.
type ManagerConfig struct {
	MaxIncidents int
}

// DefaultManagerConfig returns the manager defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{MaxIncidents: 10000}
}

// Manager owns the incident map and lifecycle.
type Manager struct {
	config   ManagerConfig
	executor *soar.Executor

	mu        sync.RWMutex
	incidents map[uuid.UUID]*Incident
	order     []uuid.UUID
}

// NewManager creates an incident manager. The executor supplies
// playbook definitions for auto-attach and runs delegated executions.
func NewManager(cfg ManagerConfig, executor *soar.Executor) *Manager {
	if cfg.MaxIncidents <= 0 {
		cfg.MaxIncidents = 10000
	}
	return &Manager{
		config:    cfg,
		executor:  executor,
		incidents: make(map[uuid.UUID]*Incident),
	}
}

// CreateFromThreat opens an incident for a detected threat.
func (m *Manager) CreateFromThreat(threat *detection.Threat) *Incident {
	inc := m.create(&Incident{
		Title:          threat.Title,
		Description:    threat.Description,
		Severity:       threat.Severity,
		Priority:       severityPriority(threat.Severity),
		Source:         threat.Source,
		ThreatIDs:      []uuid.UUID{threat.ID},
		AffectedAssets: affectedAssets(threat.Source, threat.SourceIP),
	}, "detector")
	return inc
}

// CreateFromCorrelatedEvent opens an incident for a correlation hit.
func (m *Manager) CreateFromCorrelatedEvent(ce *correlation.CorrelatedEvent) *Incident {
	return m.create(&Incident{
		Title: ce.RuleName,
		Description: fmt.Sprintf("correlation rule %s fired for group %s with %d events",
			ce.RuleID, ce.GroupKey, len(ce.MatchedEventIDs)),
		Severity:           ce.Severity,
		Priority:           severityPriority(ce.Severity),
		Source:             ce.GroupKey,
		CorrelatedEventIDs: []uuid.UUID{ce.ID},
		AffectedAssets:     ce.DistinctSources,
	}, "correlator")
}

// CreateManual opens an operator-created incident.
func (m *Manager) CreateManual(title, description string, severity schema.Severity, actor string) (*Incident, error) {
	if title == "" {
		return nil, siemerrors.InvalidInputf("incident title is required")
	}
	if !severity.IsValid() {
		return nil, siemerrors.InvalidInputf("invalid severity %q", severity)
	}
	return m.create(&Incident{
		Title:       title,
		Description: description,
		Severity:    severity,
		Priority:    severityPriority(severity),
	}, actor), nil
}

func (m *Manager) create(inc *Incident, actor string) *Incident {
	now := time.Now().UTC()
	inc.ID = uuid.New()
	inc.Status = StatusOpen
	inc.CreatedAt = now
	inc.UpdatedAt = now
	inc.appendTimelineLocked(EntryCreated, actor,
		fmt.Sprintf("incident opened with severity %s", inc.Severity))

	m.autoAttachPlaybook(inc)

	m.mu.Lock()
	m.incidents[inc.ID] = inc
	m.order = append(m.order, inc.ID)
	if len(m.order) > m.config.MaxIncidents {
		evicted := m.order[0]
		m.order = m.order[1:]
		delete(m.incidents, evicted)
	}
	m.mu.Unlock()

	slog.Info("incident created",
		"incident_id", inc.ID,
		"severity", inc.Severity,
		"playbook", inc.AttachedPlaybookID)
	return inc.snapshot()
}

// autoAttachPlaybook attaches the first enabled playbook whose trigger
// conditions all match the incident's fields. Playbooks are tried in
// registration order, so first-match is deterministic.
func (m *Manager) autoAttachPlaybook(inc *Incident) {
	if m.executor == nil {
		return
	}
	for _, p := range m.executor.ListPlaybooks() {
		if !p.Enabled || len(p.TriggerConditions) == 0 {
			continue
		}
		matched := true
		for _, cond := range p.TriggerConditions {
			if !cond.Matches(inc.field) {
				matched = false
				break
			}
		}
		if matched {
			inc.AttachedPlaybookID = p.ID
			inc.appendTimelineLocked(EntryPlaybookAttached, "system",
				fmt.Sprintf("playbook %s auto-attached", p.ID))
			return
		}
	}
}

// get returns the live incident. Callers must hold inc.mu before
// touching its fields; external readers go through Get or List.
func (m *Manager) get(id uuid.UUID) (*Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, siemerrors.NotFoundf("incident %s not found", id)
	}
	return inc, nil
}

// Get returns a point-in-time copy of an incident. Mutations go
// through the manager's methods, never through the returned value.
func (m *Manager) Get(id uuid.UUID) (*Incident, error) {
	inc, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return inc.snapshot(), nil
}

// List returns incident copies, newest first. An empty status matches
// all.
func (m *Manager) List(status Status) []*Incident {
	m.mu.RLock()
	live := make([]*Incident, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		if inc := m.incidents[m.order[i]]; inc != nil {
			live = append(live, inc)
		}
	}
	m.mu.RUnlock()

	out := make([]*Incident, 0, len(live))
	for _, inc := range live {
		snap := inc.snapshot()
		if status != "" && snap.Status != status {
			continue
		}
		out = append(out, snap)
	}
	return out
}

// UpdateStatus transitions an incident through the state machine,
// recording the change in the timeline.
func (m *Manager) UpdateStatus(id uuid.UUID, to Status, actor string) (*Incident, error) {
	inc, err := m.get(id)
	if err != nil {
		return nil, err
	}

	inc.mu.Lock()
	from := inc.Status
	if !transitionAllowed(from, to) {
		inc.mu.Unlock()
		return nil, siemerrors.InvalidTransitionf("cannot transition incident from %s to %s", from, to)
	}

	now := time.Now().UTC()
	inc.Status = to
	switch to {
	case StatusResolved:
		inc.ResolvedAt = &now
		ttr := int64(now.Sub(inc.CreatedAt).Seconds())
		if ttr < 0 {
			ttr = 0
		}
		inc.TimeToResolveSeconds = &ttr
	case StatusClosed:
		inc.ClosedAt = &now
	}
	inc.appendTimelineLocked(EntryStatusChange, actor,
		fmt.Sprintf("status changed from %s to %s", from, to))
	inc.mu.Unlock()

	return inc.snapshot(), nil
}

// Assign sets the incident assignee and moves open incidents to
// in_progress.
func (m *Manager) Assign(id uuid.UUID, assignee, actor string) (*Incident, error) {
	if assignee == "" {
		return nil, siemerrors.InvalidInputf("assignee is required")
	}
	inc, err := m.get(id)
	if err != nil {
		return nil, err
	}

	inc.mu.Lock()
	inc.AssignedTo = assignee
	inc.appendTimelineLocked(EntryAssignment, actor,
		fmt.Sprintf("assigned to %s", assignee))
	if inc.Status == StatusOpen {
		inc.Status = StatusInProgress
		inc.appendTimelineLocked(EntryStatusChange, actor,
			fmt.Sprintf("status changed from %s to %s", StatusOpen, StatusInProgress))
	}
	inc.mu.Unlock()
	return inc.snapshot(), nil
}

// Comment appends an analyst note to the timeline.
func (m *Manager) Comment(id uuid.UUID, actor, text string) (*Incident, error) {
	if text == "" {
		return nil, siemerrors.InvalidInputf("comment text is required")
	}
	inc, err := m.get(id)
	if err != nil {
		return nil, err
	}

	inc.mu.Lock()
	inc.appendTimelineLocked(EntryComment, actor, text)
	inc.mu.Unlock()
	return inc.snapshot(), nil
}

// Resolve records resolution details and transitions to resolved.
func (m *Manager) Resolve(id uuid.UUID, resolution, rootCause, actor string) (*Incident, error) {
	if resolution == "" {
		return nil, siemerrors.InvalidInputf("resolution is required")
	}
	inc, err := m.get(id)
	if err != nil {
		return nil, err
	}

	inc.mu.Lock()
	inc.Resolution = resolution
	inc.RootCause = rootCause
	inc.mu.Unlock()

	return m.UpdateStatus(id, StatusResolved, actor)
}

// AttachPlaybook attaches a playbook to an incident explicitly.
func (m *Manager) AttachPlaybook(id uuid.UUID, playbookID, actor string) (*Incident, error) {
	inc, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if _, err := m.executor.GetPlaybook(playbookID); err != nil {
		return nil, err
	}

	inc.mu.Lock()
	inc.AttachedPlaybookID = playbookID
	inc.appendTimelineLocked(EntryPlaybookAttached, actor,
		fmt.Sprintf("playbook %s attached", playbookID))
	inc.mu.Unlock()
	return inc.snapshot(), nil
}

// ExecutePlaybook runs the incident's attached playbook (or an explicit
// one) through the soar executor, recording start and completion in the
// timeline. The incident lock is never held across the execution.
func (m *Manager) ExecutePlaybook(ctx context.Context, id uuid.UUID, playbookID, actor string) (*soar.PlaybookExecution, error) {
	inc, err := m.get(id)
	if err != nil {
		return nil, err
	}

	inc.mu.Lock()
	if playbookID == "" {
		playbookID = inc.AttachedPlaybookID
	}
	if playbookID == "" {
		inc.mu.Unlock()
		return nil, siemerrors.InvalidInputf("incident %s has no attached playbook", id)
	}
	execContext := map[string]any{
		"incident_id": inc.ID.String(),
		"severity":    string(inc.Severity),
		"source":      inc.Source,
	}
	if len(inc.AffectedAssets) > 0 {
		execContext["assets"] = strings.Join(inc.AffectedAssets, ",")
	}
	inc.appendTimelineLocked(EntryPlaybookExecution, actor,
		fmt.Sprintf("playbook %s execution started", playbookID))
	inc.mu.Unlock()

	pe, err := m.executor.Execute(ctx, playbookID, execContext)
	if err != nil {
		inc.mu.Lock()
		inc.appendTimelineLocked(EntryPlaybookExecution, actor,
			fmt.Sprintf("playbook %s failed to start: %s", playbookID, err))
		inc.mu.Unlock()
		return nil, err
	}

	succeeded, total := pe.SuccessRatio()
	inc.mu.Lock()
	inc.appendTimelineLocked(EntryPlaybookExecution, actor,
		fmt.Sprintf("playbook %s finished %s: %d/%d steps succeeded",
			playbookID, pe.Status, succeeded, total))
	inc.mu.Unlock()

	return pe, nil
}

// Timeline returns a copy of the incident's timeline.
func (m *Manager) Timeline(id uuid.UUID) ([]TimelineEntry, error) {
	inc, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return inc.Timeline, nil
}

// Stats reports incident counts by status and severity.
func (m *Manager) Stats() map[string]any {
	m.mu.RLock()
	incidents := make([]*Incident, 0, len(m.incidents))
	for _, inc := range m.incidents {
		incidents = append(incidents, inc)
	}
	m.mu.RUnlock()

	byStatus := make(map[Status]int)
	bySeverity := make(map[schema.Severity]int)
	var resolveTotal, resolveCount int64
	for _, inc := range incidents {
		inc.mu.Lock()
		byStatus[inc.Status]++
		bySeverity[inc.Severity]++
		if inc.TimeToResolveSeconds != nil {
			resolveTotal += *inc.TimeToResolveSeconds
			resolveCount++
		}
		inc.mu.Unlock()
	}

	stats := map[string]any{
		"total":       len(incidents),
		"by_status":   byStatus,
		"by_severity": bySeverity,
	}
	if resolveCount > 0 {
		stats["avg_time_to_resolve_seconds"] = resolveTotal / resolveCount
	}
	return stats
}

func severityPriority(s schema.Severity) int {
	switch s {
	case schema.SeverityCritical:
		return 1
	case schema.SeverityHigh:
		return 2
	case schema.SeverityMedium:
		return 3
	case schema.SeverityLow:
		return 4
	default:
		return 5
	}
}

func affectedAssets(source, sourceIP string) []string {
	var assets []string
	if source != "" {
		assets = append(assets, source)
	}
	if sourceIP != "" {
		assets = append(assets, sourceIP)
	}
	sort.Strings(assets)
	return assets
}
