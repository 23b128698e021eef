package anomaly

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"sentinel-siem/internal/schema"
)

func testEvent(msg string, ts time.Time) *schema.Event {
	return &schema.Event{
		EventID:   uuid.New(),
		Timestamp: ts,
		Level:     schema.LevelInfo,
		Service:   "api",
		Message:   msg,
	}
}

func TestExtractor_TextFeatures(t *testing.T) {
	x := NewExtractor(DefaultExtractorConfig())
	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	fv := x.Extract(testEvent("user 42 logged in", ts))

	if fv.MessageLength != 17 {
		t.Errorf("message length = %v, want 17", fv.MessageLength)
	}
	if fv.TokenCount != 4 {
		t.Errorf("token count = %v, want 4", fv.TokenCount)
	}
	if math.Abs(fv.DigitRatio-2.0/17) > 1e-9 {
		t.Errorf("digit ratio = %v, want %v", fv.DigitRatio, 2.0/17)
	}
	if fv.HourOfDay != 14 || fv.DayOfWeek != float64(time.Tuesday) {
		t.Errorf("temporal = (%v, %v), want (14, %d)", fv.HourOfDay, fv.DayOfWeek, time.Tuesday)
	}
}

func TestExtractor_Entropy(t *testing.T) {
	x := NewExtractor(DefaultExtractorConfig())
	ts := time.Now()

	uniform := x.Extract(testEvent("aaaaaaaa", ts))
	if uniform.Entropy != 0 {
		t.Errorf("single-char entropy = %v, want 0", uniform.Entropy)
	}

	mixed := x.Extract(testEvent("abcdefgh", ts))
	if mixed.Entropy != 3 {
		t.Errorf("8 distinct chars entropy = %v, want 3", mixed.Entropy)
	}
}

func TestExtractor_KeywordFlags(t *testing.T) {
	tests := []struct {
		message                  string
		wantErr, wantSec, wantNet bool
	}{
		{"connection refused by upstream", true, false, true},
		{"failed login for user admin", true, true, false},
		{"cache warmed successfully", false, false, false},
		{"dns resolution slow", false, false, true},
	}

	x := NewExtractor(DefaultExtractorConfig())
	for _, tt := range tests {
		fv := x.Extract(testEvent(tt.message, time.Now()))
		if fv.HasErrorKeyword != tt.wantErr ||
			fv.HasSecurityKeyword != tt.wantSec ||
			fv.HasNetworkKeyword != tt.wantNet {
			t.Errorf("%q flags = (err=%v sec=%v net=%v), want (err=%v sec=%v net=%v)",
				tt.message,
				fv.HasErrorKeyword, fv.HasSecurityKeyword, fv.HasNetworkKeyword,
				tt.wantErr, tt.wantSec, tt.wantNet)
		}
	}
}

func TestExtractor_TemplateRarity(t *testing.T) {
	x := NewExtractor(DefaultExtractorConfig())
	ts := time.Now()

	// First sighting of a structural template is maximally rare.
	fv := x.Extract(testEvent("request 101 took 250ms", ts))
	if fv.TemplateRarity != 1 {
		t.Errorf("first sighting rarity = %v, want 1", fv.TemplateRarity)
	}

	// Digit runs normalize away, so a different id is the same template.
	fv = x.Extract(testEvent("request 999 took 3ms", ts))
	if fv.TemplateRarity >= 1 {
		t.Errorf("repeat template rarity = %v, want < 1", fv.TemplateRarity)
	}

	// Rarity decays with repetition.
	var last float64 = fv.TemplateRarity
	for i := 0; i < 50; i++ {
		fv = x.Extract(testEvent("request 7 took 1ms", ts))
	}
	if fv.TemplateRarity >= last {
		t.Errorf("rarity did not decay: %v -> %v", last, fv.TemplateRarity)
	}
	if fv.TemplateRarity < 0 {
		t.Errorf("rarity = %v, want >= 0", fv.TemplateRarity)
	}
}

func TestTemplateFingerprint_Normalization(t *testing.T) {
	a := TemplateFingerprint("user 42 session deadbeefcafe1234 opened")
	b := TemplateFingerprint("user 9000 session 0123456789abcdef opened")
	if a != b {
		t.Error("digit and hex runs should normalize to the same template")
	}

	c := TemplateFingerprint("user 42 session closed")
	if a == c {
		t.Error("structurally different messages must not collide")
	}
}

func TestExtractor_TimeSinceLastCapped(t *testing.T) {
	x := NewExtractor(DefaultExtractorConfig())

	current := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	x.SetClock(func() time.Time { return current })
	x.Extract(testEvent("first", current))

	current = current.Add(72 * time.Hour)
	fv := x.Extract(testEvent("second", current))

	if fv.TimeSinceLast != maxTimeSinceLast.Seconds() {
		t.Errorf("time since last = %v, want capped at %v",
			fv.TimeSinceLast, maxTimeSinceLast.Seconds())
	}
}
