package detection

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"sentinel-siem/internal/schema"
)

// seedHours fills hourly buckets relative to the fixed clock: offsets[i]
// events are recorded i+1 hours before now, errs[i] of them at error level.
func seedHours(b *Baseline, now time.Time, totals, errs []int) {
	var events []*schema.Event
	for i, n := range totals {
		ts := now.Add(-time.Duration(i+1) * time.Hour)
		for j := 0; j < n; j++ {
			level := schema.LevelInfo
			if j < errs[i] {
				level = schema.LevelError
			}
			events = append(events, &schema.Event{
				EventID:   uuid.New(),
				Timestamp: ts,
				Level:     level,
				Service:   "api",
				Message:   "request handled",
			})
		}
	}
	b.InitFromHistory(events)
}

func recordN(b *Baseline, ts time.Time, n int, level schema.Level) {
	for i := 0; i < n; i++ {
		b.Record(&schema.Event{
			EventID:   uuid.New(),
			Timestamp: ts,
			Level:     level,
			Service:   "api",
			Message:   "request handled",
		})
	}
}

func TestBaseline_CheckVolume(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)

	tests := []struct {
		name         string
		history      []int // hourly counts before the current hour
		current      int
		wantDetect   bool
		wantSeverity schema.Severity
	}{
		{
			name:       "insufficient history",
			history:    []int{100, 100},
			current:    900,
			wantDetect: false,
		},
		{
			name:       "within two sigma",
			history:    []int{100, 110, 90, 105, 95},
			current:    105,
			wantDetect: false,
		},
		{
			name:         "moderate spike is medium",
			history:      []int{100, 110, 90, 105, 95},
			current:      120, // z ~ 2.9
			wantDetect:   true,
			wantSeverity: schema.SeverityMedium,
		},
		{
			name:         "large spike is high",
			history:      []int{100, 110, 90, 105, 95},
			current:      125, // z ~ 3.6
			wantDetect:   true,
			wantSeverity: schema.SeverityHigh,
		},
		{
			name:         "extreme spike is critical",
			history:      []int{100, 110, 90, 105, 95},
			current:      500,
			wantDetect:   true,
			wantSeverity: schema.SeverityCritical,
		},
		{
			name:         "volume drop also fires",
			history:      []int{100, 110, 90, 105, 95},
			current:      10,
			wantDetect:   true,
			wantSeverity: schema.SeverityCritical,
		},
		{
			name:       "flat history has zero stddev",
			history:    []int{100, 100, 100, 100},
			current:    900,
			wantDetect: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBaseline()
			b.SetClock(func() time.Time { return now })

			errs := make([]int, len(tt.history))
			seedHours(b, now, tt.history, errs)
			recordN(b, now, tt.current, schema.LevelInfo)

			det := b.CheckVolume()
			if !tt.wantDetect {
				if det != nil {
					t.Fatalf("CheckVolume() = %+v, want nil", det)
				}
				return
			}
			if det == nil {
				t.Fatal("CheckVolume() = nil, want detection")
			}
			if det.Kind != AnomalyLogVolume {
				t.Errorf("kind = %s, want %s", det.Kind, AnomalyLogVolume)
			}
			if det.Severity != tt.wantSeverity {
				t.Errorf("severity = %s (z=%.2f), want %s",
					det.Severity, det.ZScore, tt.wantSeverity)
			}
		})
	}
}

func TestBaseline_CheckErrorRate(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)

	tests := []struct {
		name         string
		total        int
		errors       int
		wantDetect   bool
		wantSeverity schema.Severity
	}{
		{name: "no events", total: 0, errors: 0, wantDetect: false},
		{name: "below threshold", total: 100, errors: 10, wantDetect: false},
		{name: "medium", total: 100, errors: 15, wantDetect: true, wantSeverity: schema.SeverityMedium},
		{name: "high", total: 100, errors: 25, wantDetect: true, wantSeverity: schema.SeverityHigh},
		{name: "critical", total: 100, errors: 40, wantDetect: true, wantSeverity: schema.SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBaseline()
			b.SetClock(func() time.Time { return now })

			recordN(b, now, tt.total-tt.errors, schema.LevelInfo)
			recordN(b, now, tt.errors, schema.LevelError)

			det := b.CheckErrorRate()
			if !tt.wantDetect {
				if det != nil {
					t.Fatalf("CheckErrorRate() = %+v, want nil", det)
				}
				return
			}
			if det == nil {
				t.Fatal("CheckErrorRate() = nil, want detection")
			}
			if det.Kind != AnomalyErrorRate {
				t.Errorf("kind = %s, want %s", det.Kind, AnomalyErrorRate)
			}
			if det.Severity != tt.wantSeverity {
				t.Errorf("severity = %s (rate=%.2f), want %s",
					det.Severity, det.Value, tt.wantSeverity)
			}
		})
	}
}

func TestBaseline_ErrorRateSpansTrailingHour(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 5, 0, 0, time.UTC)
	b := NewBaseline()
	b.SetClock(func() time.Time { return now })

	// All errors landed just before the hour boundary; the trailing
	// window must still count them.
	recordN(b, now.Add(-10*time.Minute), 20, schema.LevelError)
	recordN(b, now, 80, schema.LevelInfo)

	det := b.CheckErrorRate()
	if det == nil {
		t.Fatal("CheckErrorRate() = nil, want detection")
	}
	if det.Severity != schema.SeverityMedium {
		t.Errorf("severity = %s, want medium", det.Severity)
	}
}

func TestBaseline_PrunesOldBuckets(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	b := NewBaseline()
	b.SetClock(func() time.Time { return now })

	// Ancient events fall outside retention and must not survive the
	// next Record call.
	recordN(b, now.Add(-30*24*time.Hour), 50, schema.LevelInfo)
	recordN(b, now, 1, schema.LevelInfo)

	det := b.CheckVolume()
	if det != nil {
		t.Errorf("CheckVolume() = %+v, want nil after pruning", det)
	}
}
