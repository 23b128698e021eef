package anomaly

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	siemerrors "sentinel-siem/internal/errors"
	"sentinel-siem/internal/schema"
)

// Classification labels for anomalous events.
const (
	ClassSecurityEvent  = "security_event"
	ClassErrorSpike     = "error_spike"
	ClassNetworkAnomaly = "network_anomaly"
)

// Ensemble weights.
const (
	weightIsolation = 0.40
	weightGaussian  = 0.35
	weightTemporal  = 0.25
)

// anomalyThreshold is the ensemble score at which an event is flagged.
const anomalyThreshold = 70.0

// ContributingFactor explains one feature's contribution to a score.
type ContributingFactor struct {
	Feature     string  `json:"feature"`
	Value       float64 `json:"value"`
	ZScore      float64 `json:"z_score"`
	ExpectedLow float64 `json:"expected_low"`
	ExpectedMax float64 `json:"expected_max"`
	Description string  `json:"description"`
}

// AnomalyScore is the scored result for one event.
type AnomalyScore struct {
	ID                  uuid.UUID            `json:"id"`
	EventID             uuid.UUID            `json:"event_id"`
	Score               float64              `json:"score"` // 0-100
	IsAnomaly           bool                 `json:"is_anomaly"`
	Confidence          float64              `json:"confidence"` // 0-100
	IsolationScore      float64              `json:"isolation_score"`
	GaussianScore       float64              `json:"gaussian_score"`
	TemporalScore       float64              `json:"temporal_score"`
	Features            FeatureVector        `json:"features"`
	ContributingFactors []ContributingFactor `json:"contributing_factors"`
	Classification      string               `json:"classification"`
	Severity            schema.Severity      `json:"severity"`
	Timestamp           time.Time            `json:"timestamp"`
}

// FeedbackMetrics is operator telemetry accumulated from score
// feedback. It never feeds back into the scoring formula.
type FeedbackMetrics struct {
	TruePositives  int     `json:"true_positives"`
	FalsePositives int     `json:"false_positives"`
	FalseNegatives int     `json:"false_negatives"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	FPRate         float64 `json:"false_positive_rate"`
}

// ScorerConfig bounds the scorer's retained history.
type ScorerConfig struct {
	HistorySize     int
	StatsBufferSize int
	Extractor       ExtractorConfig
}

// DefaultScorerConfig returns the scorer defaults.
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		HistorySize:     1000,
		StatsBufferSize: 10000,
		Extractor:       DefaultExtractorConfig(),
	}
}

// Scorer runs the anomaly ensemble over events.
type Scorer struct {
	extractor *Extractor
	stats     *FeatureStats

	mu       sync.RWMutex
	history  []*AnomalyScore // ring of anomalous scores, most recent last
	byID     map[uuid.UUID]*AnomalyScore
	scored   int
	flagged  int
	feedback FeedbackMetrics
	maxHist  int
}

// NewScorer creates a Scorer with bounded history and statistics.
func NewScorer(cfg ScorerConfig) *Scorer {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	return &Scorer{
		extractor: NewExtractor(cfg.Extractor),
		stats:     NewFeatureStats(cfg.StatsBufferSize),
		byID:      make(map[uuid.UUID]*AnomalyScore),
		maxHist:   cfg.HistorySize,
	}
}

// Extractor exposes the scorer's feature extractor.
func (s *Scorer) Extractor() *Extractor {
	return s.extractor
}

// Score extracts features for one event and runs the ensemble.
func (s *Scorer) Score(event *schema.Event) *AnomalyScore {
	fv := s.extractor.Extract(event)

	iso := s.isolationScore(fv)
	gauss := s.gaussianScore(fv)
	temporal := temporalScore(fv)

	score := weightIsolation*iso + weightGaussian*gauss + weightTemporal*temporal
	isAnomaly := score >= anomalyThreshold

	result := &AnomalyScore{
		ID:                  uuid.New(),
		EventID:             event.EventID,
		Score:               score,
		IsAnomaly:           isAnomaly,
		Confidence:          confidence(iso, gauss, temporal, score),
		IsolationScore:      iso,
		GaussianScore:       gauss,
		TemporalScore:       temporal,
		Features:            fv,
		ContributingFactors: s.contributingFactors(fv),
		Classification:      s.classify(fv),
		Severity:            scoreSeverity(score),
		Timestamp:           time.Now().UTC(),
	}

	// Stats learn from every event, anomalous or not. The vector is
	// observed after scoring so an event is never scored against
	// statistics it already shifted.
	s.stats.Observe(fv)

	s.mu.Lock()
	s.scored++
	if isAnomaly {
		s.flagged++
		s.history = append(s.history, result)
		if len(s.history) > s.maxHist {
			evicted := s.history[0]
			s.history = s.history[1:]
			delete(s.byID, evicted.ID)
		}
		s.byID[result.ID] = result
	}
	s.mu.Unlock()

	if isAnomaly {
		slog.Info("anomalous event scored",
			"score_id", result.ID,
			"event_id", event.EventID,
			"score", fmt.Sprintf("%.1f", score),
			"classification", result.Classification)
	}
	return result
}

// isolationScore sums fixed contributions per tracked feature from its
// z-score band.
func (s *Scorer) isolationScore(fv FeatureVector) float64 {
	values := trackedValues(fv)
	var total float64
	for _, f := range trackedFeatures {
		z := math.Abs(s.stats.ZScore(f, values[f]))
		switch {
		case z > 3:
			total += 20
		case z > 2:
			total += 10
		default:
			total += 5
		}
	}
	return clip100(total)
}

// gaussianScore averages |z| across tracked features, scaled so the
// average hits 100 at three sigma.
func (s *Scorer) gaussianScore(fv FeatureVector) float64 {
	values := trackedValues(fv)
	var sum float64
	for _, f := range trackedFeatures {
		sum += math.Abs(s.stats.ZScore(f, values[f]))
	}
	avg := sum / float64(len(trackedFeatures))
	return clip100(avg / 3 * 100)
}

// temporalScore applies fixed additions for off-hours and burst
// behavior.
func temporalScore(fv FeatureVector) float64 {
	var total float64
	if fv.HourOfDay < 6 || fv.HourOfDay > 22 {
		total += 20
	}
	if fv.DayOfWeek == float64(time.Saturday) || fv.DayOfWeek == float64(time.Sunday) {
		total += 15
	}
	if fv.EventFrequency > 500 {
		total += 25
	}
	if fv.TimeSinceLast > time.Hour.Seconds() {
		total += 15
	}
	return clip100(total)
}

// confidence blends inter-method agreement with score extremity.
func confidence(iso, gauss, temporal, score float64) float64 {
	mean := (iso + gauss + temporal) / 3
	variance := ((iso-mean)*(iso-mean) + (gauss-mean)*(gauss-mean) + (temporal-mean)*(temporal-mean)) / 3

	// Maximum population variance for three values in [0,100].
	const maxVariance = 2500.0
	agreement := 1 - variance/maxVariance
	if agreement < 0 {
		agreement = 0
	}
	extremity := math.Abs(score-50) / 50

	return clip100((0.6*agreement + 0.4*extremity) * 100)
}

// contributingFactors returns the top-5 tracked features by |z| above 2,
// sorted descending.
func (s *Scorer) contributingFactors(fv FeatureVector) []ContributingFactor {
	values := trackedValues(fv)

	var factors []ContributingFactor
	for _, f := range trackedFeatures {
		z := s.stats.ZScore(f, values[f])
		if math.Abs(z) <= 2 {
			continue
		}
		low, high := s.stats.ExpectedRange(f)
		factors = append(factors, ContributingFactor{
			Feature:     f,
			Value:       values[f],
			ZScore:      z,
			ExpectedLow: low,
			ExpectedMax: high,
			Description: fmt.Sprintf("%s %.2f outside expected range [%.2f, %.2f]",
				f, values[f], low, high),
		})
	}
	sort.Slice(factors, func(i, j int) bool {
		return math.Abs(factors[i].ZScore) > math.Abs(factors[j].ZScore)
	})
	if len(factors) > 5 {
		factors = factors[:5]
	}
	return factors
}

// classify maps feature flags to an anomaly class, falling back to the
// top contributing feature.
func (s *Scorer) classify(fv FeatureVector) string {
	switch {
	case fv.HasSecurityKeyword:
		return ClassSecurityEvent
	case fv.HasErrorKeyword:
		return ClassErrorSpike
	case fv.HasNetworkKeyword:
		return ClassNetworkAnomaly
	}
	if factors := s.contributingFactors(fv); len(factors) > 0 {
		return "unusual_" + factors[0].Feature
	}
	return "unclassified"
}

func scoreSeverity(score float64) schema.Severity {
	switch {
	case score >= 90:
		return schema.SeverityCritical
	case score >= 75:
		return schema.SeverityHigh
	case score >= 60:
		return schema.SeverityMedium
	case score >= 40:
		return schema.SeverityLow
	default:
		return schema.SeverityInfo
	}
}

func clip100(v float64) float64 {
	if v > 100 {
		return 100
	}
	if v < 0 {
		return 0
	}
	return v
}

// Feedback records an operator verdict for a retained anomalous score.
// It adjusts telemetry only; the scoring formula is untouched.
func (s *Scorer) Feedback(scoreID uuid.UUID, truePositive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[scoreID]; !ok {
		return siemerrors.NotFoundf("anomaly score %s not found", scoreID)
	}

	if truePositive {
		s.feedback.TruePositives++
	} else {
		s.feedback.FalsePositives++
	}

	tp := float64(s.feedback.TruePositives)
	fp := float64(s.feedback.FalsePositives)
	fn := float64(s.feedback.FalseNegatives)
	if tp+fp > 0 {
		s.feedback.Precision = tp / (tp + fp)
	}
	if tp+fn > 0 {
		s.feedback.Recall = tp / (tp + fn)
	}
	if benign := float64(s.scored - s.flagged); benign+fp > 0 {
		s.feedback.FPRate = fp / (benign + fp)
	}
	return nil
}

// ReportMissed records an anomaly the scorer failed to flag.
func (s *Scorer) ReportMissed() {
	s.mu.Lock()
	s.feedback.FalseNegatives++
	s.mu.Unlock()
}

// History returns the retained anomalous scores, most recent last.
func (s *Scorer) History() []*AnomalyScore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AnomalyScore, len(s.history))
	copy(out, s.history)
	return out
}

// Stats reports scorer counters and feedback telemetry.
func (s *Scorer) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"events_scored":     s.scored,
		"anomalies_flagged": s.flagged,
		"history_retained":  len(s.history),
		"samples_observed":  s.stats.SampleCount(),
		"feedback":          s.feedback,
	}
}
