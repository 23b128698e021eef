// Package detection provides threat detection over the canonical event
// stream: pattern/IOC matching, risk analysis, and statistical baselines
// for log volume and error rate.
package detection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	siemerrors "sentinel-siem/internal/errors"
	"sentinel-siem/internal/schema"
)

// ThreatStatus represents the lifecycle status of a threat.
type ThreatStatus string

const (
	ThreatStatusNew           ThreatStatus = "new"
	ThreatStatusInvestigating ThreatStatus = "investigating"
	ThreatStatusContained     ThreatStatus = "contained"
	ThreatStatusResolved      ThreatStatus = "resolved"
	ThreatStatusFalsePositive ThreatStatus = "false_positive"
)

// IsValid checks if the status is a valid value.
func (s ThreatStatus) IsValid() bool {
	switch s {
	case ThreatStatusNew, ThreatStatusInvestigating, ThreatStatusContained,
		ThreatStatusResolved, ThreatStatusFalsePositive:
		return true
	}
	return false
}

// Threat represents a detected security threat.
type Threat struct {
	ID              uuid.UUID       `json:"id"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Severity        schema.Severity `json:"severity"`
	Status          ThreatStatus    `json:"status"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Source          string          `json:"source"`
	SourceIP        string          `json:"source_ip,omitempty"`
	MITRETechniques []string        `json:"mitre_techniques,omitempty"`
	MatchedPatterns []string        `json:"matched_patterns"`
	RawEventIDs     []uuid.UUID     `json:"raw_event_ids"`
	RiskAnalysis    *RiskAnalysis   `json:"risk_analysis,omitempty"`
}

// RiskAnalysis carries the risk assessment attached to a threat.
type RiskAnalysis struct {
	RiskScore          int      `json:"risk_score"` // 0-100
	Summary            string   `json:"summary"`
	RecommendedActions []string `json:"recommended_actions"`
	Fallback           bool     `json:"fallback"` // true when the delegated analyzer was unavailable
}

// RiskAnalyzer is the delegated analysis collaborator. Implementations
// may call out to an external service; the detector enforces a timeout
// and substitutes a deterministic fallback on failure.
type RiskAnalyzer interface {
	Analyze(ctx context.Context, threat *Threat) (*RiskAnalysis, error)
}

// RiskAnalyzerFunc adapts a function to the RiskAnalyzer interface.
type RiskAnalyzerFunc func(ctx context.Context, threat *Threat) (*RiskAnalysis, error)

// Analyze implements RiskAnalyzer.
func (f RiskAnalyzerFunc) Analyze(ctx context.Context, threat *Threat) (*RiskAnalysis, error) {
	return f(ctx, threat)
}

// DetectorConfig configures the threat detector.
type DetectorConfig struct {
	RiskAnalysisTimeout time.Duration
	MaxThreatHistory    int
}

// DefaultDetectorConfig returns default detector configuration.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		RiskAnalysisTimeout: 10 * time.Second,
		MaxThreatHistory:    1000,
	}
}

// Detector matches events against the threat pattern table and the
// known-malicious indicator set and emits Threat records.
type Detector struct {
	config     DetectorConfig
	patterns   []*Pattern
	indicators *IndicatorStore
	analyzer   RiskAnalyzer

	mu      sync.RWMutex
	threats map[uuid.UUID]*Threat
	order   []uuid.UUID // insertion order, bounded by MaxThreatHistory

	baseline *Baseline
}

// NewDetector creates a new threat detector. The analyzer may be nil, in
// which case the deterministic fallback analysis is always used.
func NewDetector(cfg DetectorConfig, indicators *IndicatorStore, analyzer RiskAnalyzer) *Detector {
	if cfg.MaxThreatHistory <= 0 {
		cfg.MaxThreatHistory = 1000
	}
	if cfg.RiskAnalysisTimeout <= 0 {
		cfg.RiskAnalysisTimeout = 10 * time.Second
	}
	return &Detector{
		config:     cfg,
		patterns:   DefaultPatterns(),
		indicators: indicators,
		analyzer:   analyzer,
		threats:    make(map[uuid.UUID]*Threat),
		baseline:   NewBaseline(),
	}
}

// Baseline exposes the detector's volume/error-rate baseline tracker.
func (d *Detector) Baseline() *Baseline {
	return d.baseline
}

// Detect evaluates one event. It returns the emitted Threat, or nil when
// no pattern matched.
func (d *Detector) Detect(ctx context.Context, event *schema.Event) *Threat {
	d.baseline.Record(event)

	var (
		matched    []*Pattern
		techniques = make(map[string]struct{})
		severity   = schema.SeverityInfo
	)

	for _, p := range d.patterns {
		for _, re := range p.Indicators {
			if re.MatchString(event.Message) {
				matched = append(matched, p)
				for _, t := range p.MITRETechniques {
					techniques[t] = struct{}{}
				}
				severity = severity.Max(p.Severity)
				break
			}
		}
	}

	// Independent IOC scan. A known-malicious IP hit overrides every
	// pattern severity.
	iocHits := d.indicators.ScanMessage(ctx, event.Message)

	if len(matched) == 0 && len(iocHits) == 0 {
		return nil
	}

	keys := make([]string, 0, len(matched)+1)
	for _, p := range matched {
		keys = append(keys, p.Key)
	}
	if len(iocHits) > 0 {
		severity = schema.SeverityCritical
		keys = append(keys, PatternKeyMaliciousIP)
	}

	title := "Known Malicious IP Communication"
	if len(matched) > 0 {
		title = matched[0].Name
	}

	sourceIP := event.SourceIP
	if sourceIP == "" && len(iocHits) > 0 {
		sourceIP = iocHits[0]
	}

	now := time.Now().UTC()
	threat := &Threat{
		ID:              uuid.New(),
		CreatedAt:       now,
		UpdatedAt:       now,
		Severity:        severity,
		Status:          ThreatStatusNew,
		Title:           title,
		Description:     fmt.Sprintf("matched patterns: %s", strings.Join(keys, ", ")),
		Source:          event.Service,
		SourceIP:        sourceIP,
		MITRETechniques: sortedKeys(techniques),
		MatchedPatterns: keys,
		RawEventIDs:     []uuid.UUID{event.EventID},
	}

	threat.RiskAnalysis = d.analyzeRisk(ctx, threat)

	d.mu.Lock()
	d.threats[threat.ID] = threat
	d.order = append(d.order, threat.ID)
	if len(d.order) > d.config.MaxThreatHistory {
		evicted := d.order[0]
		d.order = d.order[1:]
		delete(d.threats, evicted)
	}
	d.mu.Unlock()

	slog.Info("threat detected",
		"threat_id", threat.ID,
		"severity", threat.Severity,
		"patterns", keys)

	return threat
}

// analyzeRisk calls the delegated analyzer with a timeout, substituting
// the deterministic fallback on any failure.
func (d *Detector) analyzeRisk(ctx context.Context, threat *Threat) *RiskAnalysis {
	if d.analyzer != nil {
		actx, cancel := context.WithTimeout(ctx, d.config.RiskAnalysisTimeout)
		defer cancel()

		analysis, err := d.analyzer.Analyze(actx, threat)
		if err == nil && analysis != nil {
			return analysis
		}
		if err != nil {
			slog.Warn("delegated risk analysis failed, using fallback",
				"threat_id", threat.ID, "error", err)
		}
	}
	return FallbackRiskAnalysis(threat)
}

// FallbackRiskAnalysis computes the deterministic risk analysis:
// severity base score, +5 when MITRE techniques are present, +2 per
// matched indicator, clipped to 100.
func FallbackRiskAnalysis(threat *Threat) *RiskAnalysis {
	score := severityBaseScore(threat.Severity)
	if len(threat.MITRETechniques) > 0 {
		score += 5
	}
	score += 2 * len(threat.MatchedPatterns)
	if score > 100 {
		score = 100
	}

	return &RiskAnalysis{
		RiskScore: score,
		Summary: fmt.Sprintf("%s severity threat matching %d indicator(s)",
			threat.Severity, len(threat.MatchedPatterns)),
		RecommendedActions: fallbackRecommendations(threat.Severity),
		Fallback:           true,
	}
}

func severityBaseScore(s schema.Severity) int {
	switch s {
	case schema.SeverityCritical:
		return 85
	case schema.SeverityHigh:
		return 65
	case schema.SeverityMedium:
		return 45
	case schema.SeverityLow:
		return 25
	default:
		return 10
	}
}

func fallbackRecommendations(s schema.Severity) []string {
	base := []string{
		"Review the raw events associated with this threat",
		"Verify whether the source has a legitimate business purpose",
	}
	if s.Rank() >= schema.SeverityHigh.Rank() {
		base = append(base,
			"Isolate the affected host pending investigation",
			"Rotate credentials that may have been exposed")
	}
	return base
}

// UpdateStatus changes a threat's status.
func (d *Detector) UpdateStatus(id uuid.UUID, status ThreatStatus) (*Threat, error) {
	if !status.IsValid() {
		return nil, siemerrors.InvalidInputf("threat status %q", status)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	threat, ok := d.threats[id]
	if !ok {
		return nil, siemerrors.NotFoundf("threat %s", id)
	}
	threat.Status = status
	threat.UpdatedAt = time.Now().UTC()

	cp := *threat
	return &cp, nil
}

// Get returns a copy of a threat by ID.
func (d *Detector) Get(id uuid.UUID) (*Threat, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	threat, ok := d.threats[id]
	if !ok {
		return nil, siemerrors.NotFoundf("threat %s", id)
	}
	cp := *threat
	return &cp, nil
}

// List returns copies of all retained threats, newest last.
func (d *Detector) List() []*Threat {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Threat, 0, len(d.order))
	for _, id := range d.order {
		if t, ok := d.threats[id]; ok {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

// Stats returns detector statistics.
func (d *Detector) Stats() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()

	bySeverity := make(map[schema.Severity]int)
	for _, t := range d.threats {
		bySeverity[t.Severity]++
	}

	return map[string]any{
		"threat_count": len(d.threats),
		"by_severity":  bySeverity,
		"patterns":     len(d.patterns),
		"indicators":   d.indicators.Size(),
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
