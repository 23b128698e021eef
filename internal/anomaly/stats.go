package anomaly

import (
	"math"
	"sync"
)

// Tracked numeric features. Boolean pattern flags are excluded: they
// feed classification, not z-scoring.
var trackedFeatures = []string{
	"message_length",
	"token_count",
	"digit_ratio",
	"special_char_ratio",
	"entropy",
	"hour_of_day",
	"time_since_last_seconds",
	"event_frequency",
	"template_rarity",
}

// trackedValues flattens the z-scored features of a vector.
func trackedValues(fv FeatureVector) map[string]float64 {
	return map[string]float64{
		"message_length":          fv.MessageLength,
		"token_count":             fv.TokenCount,
		"digit_ratio":             fv.DigitRatio,
		"special_char_ratio":      fv.SpecialCharRatio,
		"entropy":                 fv.Entropy,
		"hour_of_day":             fv.HourOfDay,
		"time_since_last_seconds": fv.TimeSinceLast,
		"event_frequency":         fv.EventFrequency,
		"template_rarity":         fv.TemplateRarity,
	}
}

type featureStat struct {
	Mean   float64
	StdDev float64
}

// statPriors seed each feature before enough vectors accumulate, so the
// first events of a cold start score against plausible expectations.
var statPriors = map[string]featureStat{
	"message_length":          {Mean: 80, StdDev: 40},
	"token_count":             {Mean: 12, StdDev: 6},
	"digit_ratio":             {Mean: 0.08, StdDev: 0.06},
	"special_char_ratio":      {Mean: 0.10, StdDev: 0.06},
	"entropy":                 {Mean: 4.2, StdDev: 0.6},
	"hour_of_day":             {Mean: 13, StdDev: 5},
	"time_since_last_seconds": {Mean: 30, StdDev: 60},
	"event_frequency":         {Mean: 60, StdDev: 80},
	"template_rarity":         {Mean: 0.3, StdDev: 0.25},
}

// recomputeEvery controls how often the rolling statistics are rebuilt
// from the buffer.
const recomputeEvery = 100

// FeatureStats tracks per-feature mean/stddev over a bounded rolling
// buffer of vectors, seeded with priors.
type FeatureStats struct {
	mu      sync.RWMutex
	stats   map[string]featureStat
	buffer  []map[string]float64 // ring of recent tracked values
	next    int                  // ring cursor
	filled  bool
	added   int
	maxSize int
}

// NewFeatureStats creates a stats tracker with the given buffer bound.
func NewFeatureStats(bufferSize int) *FeatureStats {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	stats := make(map[string]featureStat, len(statPriors))
	for k, v := range statPriors {
		stats[k] = v
	}
	return &FeatureStats{
		stats:   stats,
		buffer:  make([]map[string]float64, bufferSize),
		maxSize: bufferSize,
	}
}

// Observe records one vector and periodically recomputes the rolling
// statistics.
func (s *FeatureStats) Observe(fv FeatureVector) {
	values := trackedValues(fv)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer[s.next] = values
	s.next++
	if s.next == s.maxSize {
		s.next = 0
		s.filled = true
	}
	s.added++
	if s.added%recomputeEvery == 0 {
		s.recomputeLocked()
	}
}

func (s *FeatureStats) recomputeLocked() {
	n := s.next
	if s.filled {
		n = s.maxSize
	}
	if n < 10 {
		return // keep priors until the sample is meaningful
	}

	sums := make(map[string]float64, len(trackedFeatures))
	for i := 0; i < n; i++ {
		for _, f := range trackedFeatures {
			sums[f] += s.buffer[i][f]
		}
	}
	means := make(map[string]float64, len(trackedFeatures))
	for _, f := range trackedFeatures {
		means[f] = sums[f] / float64(n)
	}

	variances := make(map[string]float64, len(trackedFeatures))
	for i := 0; i < n; i++ {
		for _, f := range trackedFeatures {
			d := s.buffer[i][f] - means[f]
			variances[f] += d * d
		}
	}

	for _, f := range trackedFeatures {
		stddev := math.Sqrt(variances[f] / float64(n))
		if stddev < 1e-9 {
			// Degenerate feature; retain the prior spread so z-scores
			// stay finite.
			stddev = statPriors[f].StdDev
		}
		s.stats[f] = featureStat{Mean: means[f], StdDev: stddev}
	}
}

// ZScore returns (value-mean)/stddev for a tracked feature.
func (s *FeatureStats) ZScore(feature string, value float64) float64 {
	s.mu.RLock()
	st, ok := s.stats[feature]
	s.mu.RUnlock()
	if !ok || st.StdDev == 0 {
		return 0
	}
	return (value - st.Mean) / st.StdDev
}

// ExpectedRange returns mean±2σ for a tracked feature.
func (s *FeatureStats) ExpectedRange(feature string) (low, high float64) {
	s.mu.RLock()
	st := s.stats[feature]
	s.mu.RUnlock()
	return st.Mean - 2*st.StdDev, st.Mean + 2*st.StdDev
}

// SampleCount reports how many vectors have been observed.
func (s *FeatureStats) SampleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.added
}
