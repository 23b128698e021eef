package detection

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ipLiteralPattern matches dotted-quad IP literals inside log messages.
var ipLiteralPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

// IndicatorStore holds the known-malicious IP indicator set. The set is
// held in memory; when Redis is configured it is additionally consulted
// so several pipeline instances can share one feed. Redis failures fall
// back to the in-memory set.
type IndicatorStore struct {
	mu    sync.RWMutex
	ips   map[string]struct{}
	redis *redis.Client
	key   string
}

// IndicatorStoreOption configures an IndicatorStore.
type IndicatorStoreOption func(*IndicatorStore)

// WithRedis attaches a shared Redis-backed indicator set.
func WithRedis(client *redis.Client, keyPrefix string) IndicatorStoreOption {
	return func(s *IndicatorStore) {
		s.redis = client
		s.key = keyPrefix + ":malicious_ips"
	}
}

// NewIndicatorStore creates an indicator store seeded with the built-in
// known-bad IPs.
func NewIndicatorStore(opts ...IndicatorStoreOption) *IndicatorStore {
	s := &IndicatorStore{
		ips: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, ip := range builtinMaliciousIPs {
		s.ips[ip] = struct{}{}
	}
	return s
}

// builtinMaliciousIPs seeds the indicator set. In deployments the set is
// extended via Add or the shared Redis feed.
var builtinMaliciousIPs = []string{
	"45.33.32.156",
	"185.220.101.45",
	"185.33.22.10",
	"103.41.124.18",
	"220.12.55.99",
	"91.121.87.10",
}

// Add inserts an IP into the indicator set.
func (s *IndicatorStore) Add(ctx context.Context, ip string) {
	s.mu.Lock()
	s.ips[ip] = struct{}{}
	s.mu.Unlock()

	if s.redis != nil {
		if err := s.redis.SAdd(ctx, s.key, ip).Err(); err != nil {
			slog.Warn("failed to publish indicator to redis", "error", err)
		}
	}
}

// Remove deletes an IP from the indicator set.
func (s *IndicatorStore) Remove(ctx context.Context, ip string) {
	s.mu.Lock()
	delete(s.ips, ip)
	s.mu.Unlock()

	if s.redis != nil {
		if err := s.redis.SRem(ctx, s.key, ip).Err(); err != nil {
			slog.Warn("failed to remove indicator from redis", "error", err)
		}
	}
}

// Contains reports whether ip is a known-malicious indicator.
func (s *IndicatorStore) Contains(ctx context.Context, ip string) bool {
	s.mu.RLock()
	_, ok := s.ips[ip]
	s.mu.RUnlock()
	if ok {
		return true
	}

	if s.redis != nil {
		rctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cancel()
		hit, err := s.redis.SIsMember(rctx, s.key, ip).Result()
		if err != nil {
			// Redis unavailable: the in-memory set already answered.
			return false
		}
		return hit
	}
	return false
}

// ScanMessage returns every known-malicious IP literal found in msg.
func (s *IndicatorStore) ScanMessage(ctx context.Context, msg string) []string {
	var hits []string
	for _, ip := range ipLiteralPattern.FindAllString(msg, -1) {
		if s.Contains(ctx, ip) {
			hits = append(hits, ip)
		}
	}
	return hits
}

// Size returns the number of in-memory indicators.
func (s *IndicatorStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ips)
}
