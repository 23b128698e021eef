package anomaly

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	siemerrors "sentinel-siem/internal/errors"
	"sentinel-siem/internal/schema"
)

func TestScorer_EnsembleWeights(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())

	events := []string{
		"user login succeeded",
		"request 42 took 15ms",
		"cache miss for key profile",
		"POSSIBLE INJECTION ATTACK ;;;; %%%% ####### 0xdeadbeefdeadbeef",
	}
	for _, msg := range events {
		result := s.Score(testEvent(msg, time.Now()))

		want := weightIsolation*result.IsolationScore +
			weightGaussian*result.GaussianScore +
			weightTemporal*result.TemporalScore
		if math.Abs(result.Score-want) > 1e-9 {
			t.Errorf("score = %v, want %v from sub-scores (%v, %v, %v)",
				result.Score, want,
				result.IsolationScore, result.GaussianScore, result.TemporalScore)
		}
		if result.IsAnomaly != (result.Score >= anomalyThreshold) {
			t.Errorf("isAnomaly = %v inconsistent with score %v", result.IsAnomaly, result.Score)
		}
		if result.Confidence < 0 || result.Confidence > 100 {
			t.Errorf("confidence = %v out of range", result.Confidence)
		}
	}
}

func TestTemporalScore(t *testing.T) {
	tests := []struct {
		name string
		fv   FeatureVector
		want float64
	}{
		{
			name: "business hours weekday",
			fv:   FeatureVector{HourOfDay: 14, DayOfWeek: float64(time.Wednesday)},
			want: 0,
		},
		{
			name: "off hours",
			fv:   FeatureVector{HourOfDay: 3, DayOfWeek: float64(time.Wednesday)},
			want: 20,
		},
		{
			name: "weekend off hours",
			fv:   FeatureVector{HourOfDay: 23, DayOfWeek: float64(time.Sunday)},
			want: 35,
		},
		{
			name: "burst plus long gap everything fires",
			fv: FeatureVector{
				HourOfDay:      2,
				DayOfWeek:      float64(time.Saturday),
				EventFrequency: 600,
				TimeSinceLast:  2 * time.Hour.Seconds(),
			},
			want: 75,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := temporalScore(tt.fv); got != tt.want {
				t.Errorf("temporalScore() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScoreSeverity(t *testing.T) {
	tests := []struct {
		score float64
		want  schema.Severity
	}{
		{95, schema.SeverityCritical},
		{80, schema.SeverityHigh},
		{65, schema.SeverityMedium},
		{45, schema.SeverityLow},
		{20, schema.SeverityInfo},
	}
	for _, tt := range tests {
		if got := scoreSeverity(tt.score); got != tt.want {
			t.Errorf("scoreSeverity(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestScorer_Classification(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())

	tests := []struct {
		message string
		want    string
	}{
		{"unauthorized access attempt detected", ClassSecurityEvent},
		{"service crashed with fatal exception", ClassErrorSpike},
		{"tcp socket reset by peer", ClassNetworkAnomaly},
	}
	for _, tt := range tests {
		result := s.Score(testEvent(tt.message, time.Now()))
		if result.Classification != tt.want {
			t.Errorf("%q classification = %s, want %s",
				tt.message, result.Classification, tt.want)
		}
	}
}

func TestScorer_ConfidenceAgreement(t *testing.T) {
	// Perfect agreement at an extreme score is maximally confident.
	if got := confidence(100, 100, 100, 100); got != 100 {
		t.Errorf("confidence(perfect agreement, extreme) = %v, want 100", got)
	}

	// High disagreement at a middling score is minimally confident.
	spread := confidence(0, 50, 100, 50)
	agreed := confidence(50, 50, 50, 50)
	if spread >= agreed {
		t.Errorf("disagreement confidence %v should be below agreement confidence %v",
			spread, agreed)
	}
}

func TestScorer_HistoryBoundedAndFeedback(t *testing.T) {
	cfg := DefaultScorerConfig()
	cfg.HistorySize = 3
	s := NewScorer(cfg)

	// Unknown score id is a typed not-found.
	if err := s.Feedback(uuid.New(), true); !siemerrors.IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}

	// Inject anomalous results directly; Score only retains flagged ones.
	for i := 0; i < 5; i++ {
		score := &AnomalyScore{ID: uuid.New(), IsAnomaly: true, Score: 80}
		s.mu.Lock()
		s.scored++
		s.flagged++
		s.history = append(s.history, score)
		if len(s.history) > s.maxHist {
			evicted := s.history[0]
			s.history = s.history[1:]
			delete(s.byID, evicted.ID)
		}
		s.byID[score.ID] = score
		s.mu.Unlock()
	}

	hist := s.History()
	if len(hist) != 3 {
		t.Fatalf("history length = %d, want 3", len(hist))
	}

	if err := s.Feedback(hist[2].ID, true); err != nil {
		t.Fatalf("Feedback() error = %v", err)
	}
	if err := s.Feedback(hist[1].ID, false); err != nil {
		t.Fatalf("Feedback() error = %v", err)
	}

	stats := s.Stats()
	fb := stats["feedback"].(FeedbackMetrics)
	if fb.TruePositives != 1 || fb.FalsePositives != 1 {
		t.Errorf("feedback counters = %+v, want 1 TP / 1 FP", fb)
	}
	if fb.Precision != 0.5 {
		t.Errorf("precision = %v, want 0.5", fb.Precision)
	}
}

func TestFeatureStats_Recompute(t *testing.T) {
	s := NewFeatureStats(1000)

	// Before any observations the priors drive z-scores.
	prior := statPriors["message_length"]
	z := s.ZScore("message_length", prior.Mean+2*prior.StdDev)
	if math.Abs(z-2) > 1e-9 {
		t.Errorf("prior z-score = %v, want 2", z)
	}

	// Feed uniform vectors past the recompute interval; the mean should
	// move to the observed value.
	fv := FeatureVector{MessageLength: 500}
	for i := 0; i < recomputeEvery; i++ {
		s.Observe(fv)
	}
	if z := s.ZScore("message_length", 500); math.Abs(z) > 1e-6 {
		t.Errorf("recomputed z-score at the mean = %v, want 0", z)
	}
}
