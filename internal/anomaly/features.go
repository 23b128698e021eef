package anomaly

import (
	"encoding/hex"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/blake2b"

	"sentinel-siem/internal/schema"
)

// FeatureVector holds the derived features of one event. Vectors are
// computed once per event and never mutated.
type FeatureVector struct {
	// Text features.
	MessageLength    float64 `json:"message_length"`
	TokenCount       float64 `json:"token_count"`
	DigitRatio       float64 `json:"digit_ratio"`
	SpecialCharRatio float64 `json:"special_char_ratio"`
	Entropy          float64 `json:"entropy"`

	// Temporal features.
	HourOfDay      float64 `json:"hour_of_day"`
	DayOfWeek      float64 `json:"day_of_week"`
	TimeSinceLast  float64 `json:"time_since_last_seconds"` // capped at 24h
	EventFrequency float64 `json:"event_frequency"`         // smoothed events/min

	// Categorical encodings.
	ServiceCode float64 `json:"service_code"`
	LevelCode   float64 `json:"level_code"`
	SourceCode  float64 `json:"source_code"`

	// Pattern features.
	HasErrorKeyword    bool    `json:"has_error_keyword"`
	HasSecurityKeyword bool    `json:"has_security_keyword"`
	HasNetworkKeyword  bool    `json:"has_network_keyword"`
	TemplateRarity     float64 `json:"template_rarity"` // 1 = never seen, decays toward 0
}

var (
	errorKeywords    = []string{"error", "fail", "exception", "timeout", "refused", "denied", "panic"}
	securityKeywords = []string{"login", "auth", "password", "credential", "unauthorized", "injection", "attack", "malware", "exploit"}
	networkKeywords  = []string{"connection", "socket", "port", "tcp", "udp", "dns", "http", "tls", "firewall"}

	digitRunPattern = regexp.MustCompile(`\d+`)
	hexRunPattern   = regexp.MustCompile(`(?i)\b[0-9a-f]{8,}\b`)
)

// templateSaturation is the template count at which rarity reaches 0.
const templateSaturation = 1000

// maxTimeSinceLast caps the gap feature at 24 hours.
const maxTimeSinceLast = 24 * time.Hour

// ExtractorConfig bounds the extractor's internal caches.
type ExtractorConfig struct {
	TemplateCacheSize int
	EncoderCacheSize  int
}

// DefaultExtractorConfig returns the extractor defaults.
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		TemplateCacheSize: 5000,
		EncoderCacheSize:  1024,
	}
}

// Extractor computes FeatureVectors. Template frequencies and
// categorical encodings are tracked in bounded LRU caches.
type Extractor struct {
	mu        sync.Mutex
	templates *lru.Cache[string, int]
	services  *lru.Cache[string, int]
	sources   *lru.Cache[string, int]
	nextCode  map[string]int // per-encoder next integer code

	lastEventTime time.Time
	frequency     float64 // EWMA events/min
	now           func() time.Time
}

// NewExtractor creates an Extractor with bounded caches.
func NewExtractor(cfg ExtractorConfig) *Extractor {
	if cfg.TemplateCacheSize <= 0 {
		cfg.TemplateCacheSize = 5000
	}
	if cfg.EncoderCacheSize <= 0 {
		cfg.EncoderCacheSize = 1024
	}
	templates, _ := lru.New[string, int](cfg.TemplateCacheSize)
	services, _ := lru.New[string, int](cfg.EncoderCacheSize)
	sources, _ := lru.New[string, int](cfg.EncoderCacheSize)

	return &Extractor{
		templates: templates,
		services:  services,
		sources:   sources,
		nextCode:  make(map[string]int),
		now:       time.Now,
	}
}

// SetClock overrides the time source. Used in tests.
func (x *Extractor) SetClock(now func() time.Time) {
	x.mu.Lock()
	x.now = now
	x.mu.Unlock()
}

// Extract computes the feature vector for one event.
func (x *Extractor) Extract(event *schema.Event) FeatureVector {
	msg := event.Message

	fv := FeatureVector{
		MessageLength:    float64(len(msg)),
		TokenCount:       float64(len(strings.Fields(msg))),
		DigitRatio:       charRatio(msg, unicode.IsDigit),
		SpecialCharRatio: charRatio(msg, isSpecialChar),
		Entropy:          shannonEntropy(msg),
		HourOfDay:        float64(event.Timestamp.Hour()),
		DayOfWeek:        float64(event.Timestamp.Weekday()),
		LevelCode:        levelCode(event.Level),
	}

	lower := strings.ToLower(msg)
	fv.HasErrorKeyword = containsAny(lower, errorKeywords)
	fv.HasSecurityKeyword = containsAny(lower, securityKeywords)
	fv.HasNetworkKeyword = containsAny(lower, networkKeywords)

	x.mu.Lock()
	defer x.mu.Unlock()

	fv.ServiceCode = float64(x.encodeLocked(x.services, "service", event.Service))
	fv.SourceCode = float64(x.encodeLocked(x.sources, "source", event.SourceKey()))
	fv.TemplateRarity = x.templateRarityLocked(msg)

	now := x.now()
	if !x.lastEventTime.IsZero() {
		gap := now.Sub(x.lastEventTime)
		if gap < 0 {
			gap = 0
		}
		if gap > maxTimeSinceLast {
			gap = maxTimeSinceLast
		}
		fv.TimeSinceLast = gap.Seconds()

		// Exponentially smoothed events-per-minute.
		instant := math.Inf(1)
		if gap > 0 {
			instant = time.Minute.Seconds() / gap.Seconds()
		}
		if math.IsInf(instant, 1) {
			instant = x.frequency * 2
		}
		x.frequency = 0.9*x.frequency + 0.1*instant
	}
	x.lastEventTime = now
	fv.EventFrequency = x.frequency

	return fv
}

func (x *Extractor) encodeLocked(cache *lru.Cache[string, int], kind, value string) int {
	if value == "" {
		return 0
	}
	if code, ok := cache.Get(value); ok {
		return code
	}
	x.nextCode[kind]++
	code := x.nextCode[kind]
	cache.Add(value, code)
	return code
}

// templateRarityLocked normalizes the message to a structural template,
// bumps its frequency, and converts the count to a rarity in [0,1].
func (x *Extractor) templateRarityLocked(msg string) float64 {
	key := TemplateFingerprint(msg)

	count, seen := x.templates.Get(key)
	if !seen {
		x.templates.Add(key, 1)
		return 1
	}
	x.templates.Add(key, count+1)

	rarity := 1 - float64(count)/templateSaturation
	if rarity < 0 {
		rarity = 0
	}
	return rarity
}

// TemplateFingerprint normalizes a message into its structural template
// (digit runs collapse to N, long hex runs to H) and returns a short
// blake2b digest of the template.
func TemplateFingerprint(msg string) string {
	tmpl := hexRunPattern.ReplaceAllString(msg, "H")
	tmpl = digitRunPattern.ReplaceAllString(tmpl, "N")
	sum := blake2b.Sum256([]byte(tmpl))
	return hex.EncodeToString(sum[:16])
}

func charRatio(s string, pred func(rune) bool) float64 {
	if len(s) == 0 {
		return 0
	}
	var hits, total int
	for _, r := range s {
		total++
		if pred(r) {
			hits++
		}
	}
	return float64(hits) / float64(total)
}

func isSpecialChar(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r)
}

func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	freq := make(map[rune]int)
	var total float64
	for _, r := range s {
		freq[r]++
		total++
	}
	var entropy float64
	for _, n := range freq {
		p := float64(n) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func levelCode(l schema.Level) float64 {
	switch l {
	case schema.LevelDebug:
		return 0
	case schema.LevelInfo:
		return 1
	case schema.LevelWarn:
		return 2
	case schema.LevelError:
		return 3
	case schema.LevelCritical:
		return 4
	default:
		return -1
	}
}
