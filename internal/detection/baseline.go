package detection

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"sentinel-siem/internal/schema"
)

// AnomalyKind identifies the baseline check that produced a detection.
type AnomalyKind string

const (
	AnomalyLogVolume AnomalyKind = "log_volume"
	AnomalyErrorRate AnomalyKind = "error_rate"
)

// AnomalyDetection is emitted when a baseline check trips.
type AnomalyDetection struct {
	ID        uuid.UUID       `json:"id"`
	Kind      AnomalyKind     `json:"kind"`
	Severity  schema.Severity `json:"severity"`
	Value     float64         `json:"value"`
	Mean      float64         `json:"mean"`
	StdDev    float64         `json:"std_dev"`
	ZScore    float64         `json:"z_score"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
}

// baselineRetentionHours bounds how many hourly buckets are kept.
const baselineRetentionHours = 7 * 24

// Baseline tracks rolling hourly log-volume and error-rate statistics.
type Baseline struct {
	mu         sync.Mutex
	hourTotals map[int64]int // unix-hour -> event count
	hourErrors map[int64]int // unix-hour -> error/critical count
	now        func() time.Time
}

// NewBaseline creates an empty baseline tracker.
func NewBaseline() *Baseline {
	return &Baseline{
		hourTotals: make(map[int64]int),
		hourErrors: make(map[int64]int),
		now:        time.Now,
	}
}

// SetClock overrides the time source. Used in tests.
func (b *Baseline) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Record adds an event to the hourly buckets.
func (b *Baseline) Record(event *schema.Event) {
	hour := event.Timestamp.Unix() / 3600

	b.mu.Lock()
	defer b.mu.Unlock()

	b.hourTotals[hour]++
	if event.Level.IsError() {
		b.hourErrors[hour]++
	}
	b.pruneLocked()
}

// InitFromHistory recomputes the hourly buckets from stored events,
// typically fetched from durable storage at startup.
func (b *Baseline) InitFromHistory(events []*schema.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.hourTotals = make(map[int64]int)
	b.hourErrors = make(map[int64]int)
	for _, e := range events {
		hour := e.Timestamp.Unix() / 3600
		b.hourTotals[hour]++
		if e.Level.IsError() {
			b.hourErrors[hour]++
		}
	}
	b.pruneLocked()
}

// SeedHour adds a precomputed hourly rollup to the buckets. Cheaper
// than InitFromHistory when storage already aggregates per hour.
func (b *Baseline) SeedHour(hour time.Time, total, errors int) {
	h := hour.Unix() / 3600

	b.mu.Lock()
	defer b.mu.Unlock()

	b.hourTotals[h] += total
	b.hourErrors[h] += errors
	b.pruneLocked()
}

func (b *Baseline) pruneLocked() {
	cutoff := b.now().Unix()/3600 - baselineRetentionHours
	for h := range b.hourTotals {
		if h < cutoff {
			delete(b.hourTotals, h)
			delete(b.hourErrors, h)
		}
	}
}

// CheckVolume compares the current hour's event count against the
// mean/stddev of prior hourly counts. Returns a detection when |z| > 2.
func (b *Baseline) CheckVolume() *AnomalyDetection {
	b.mu.Lock()
	defer b.mu.Unlock()

	currentHour := b.now().Unix() / 3600
	current := float64(b.hourTotals[currentHour])

	var history []float64
	for h, c := range b.hourTotals {
		if h != currentHour {
			history = append(history, float64(c))
		}
	}
	if len(history) < 3 {
		return nil // not enough history
	}

	mean, stddev := meanStdDev(history)
	if stddev == 0 {
		return nil
	}

	z := (current - mean) / stddev
	if math.Abs(z) <= 2 {
		return nil
	}

	return &AnomalyDetection{
		ID:       uuid.New(),
		Kind:     AnomalyLogVolume,
		Severity: zScoreSeverity(z),
		Value:    current,
		Mean:     mean,
		StdDev:   stddev,
		ZScore:   z,
		Message: fmt.Sprintf("hourly log volume %.0f deviates from baseline %.1f (z=%.2f)",
			current, mean, z),
		Timestamp: b.now().UTC(),
	}
}

// CheckErrorRate computes errors/total over the trailing hour and flags
// rates above 10%.
func (b *Baseline) CheckErrorRate() *AnomalyDetection {
	b.mu.Lock()
	defer b.mu.Unlock()

	currentHour := b.now().Unix() / 3600
	total := b.hourTotals[currentHour] + b.hourTotals[currentHour-1]
	errs := b.hourErrors[currentHour] + b.hourErrors[currentHour-1]
	if total == 0 {
		return nil
	}

	rate := float64(errs) / float64(total)
	if rate <= 0.10 {
		return nil
	}

	severity := schema.SeverityMedium
	switch {
	case rate > 0.30:
		severity = schema.SeverityCritical
	case rate > 0.20:
		severity = schema.SeverityHigh
	}

	return &AnomalyDetection{
		ID:       uuid.New(),
		Kind:     AnomalyErrorRate,
		Severity: severity,
		Value:    rate,
		Message: fmt.Sprintf("error rate %.1f%% over trailing hour (%d/%d events)",
			rate*100, errs, total),
		Timestamp: b.now().UTC(),
	}
}

func zScoreSeverity(z float64) schema.Severity {
	abs := math.Abs(z)
	switch {
	case abs > 4:
		return schema.SeverityCritical
	case abs > 3:
		return schema.SeverityHigh
	default:
		return schema.SeverityMedium
	}
}

func meanStdDev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}
