package correlation

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	siemerrors "sentinel-siem/internal/errors"
	"sentinel-siem/internal/schema"
)

// CorrelatedEvent is emitted when a rule's window crosses its
// thresholds. Immutable once emitted.
type CorrelatedEvent struct {
	ID              uuid.UUID       `json:"id"`
	RuleID          string          `json:"rule_id"`
	RuleName        string          `json:"rule_name"`
	GroupKey        string          `json:"group_key"`
	MatchedEventIDs []uuid.UUID     `json:"matched_event_ids"`
	DistinctSources []string        `json:"distinct_sources"`
	FirstEventTime  time.Time       `json:"first_event_time"`
	LastEventTime   time.Time       `json:"last_event_time"`
	Severity        schema.Severity `json:"severity"`
	EmittedAt       time.Time       `json:"emitted_at"`
}

// Handler is called for every emitted CorrelatedEvent.
type Handler func(context.Context, *CorrelatedEvent)

// windowEntry is one buffered event reference inside a window.
type windowEntry struct {
	eventID   uuid.UUID
	source    string
	timestamp time.Time
}

// window is the mutable per-(rule, groupKey) state. It is deleted the
// instant its rule fires; the next match starts fresh.
type window struct {
	mu      sync.Mutex
	entries []windowEntry
}

// EngineConfig bounds the engine's window state.
type EngineConfig struct {
	MaxWindowsPerRule int
	CleanupInterval   time.Duration
	MaxHistory        int
}

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxWindowsPerRule: 100000,
		CleanupInterval:   30 * time.Second,
		MaxHistory:        1000,
	}
}

// Engine evaluates correlation rules over the event stream. Window
// pruning is driven by event timestamps, so replaying a stored stream
// produces the same output as live processing.
type Engine struct {
	config EngineConfig

	mu      sync.RWMutex
	rules   map[string]*Rule
	windows map[string]map[string]*window // ruleID -> groupKey -> window
	history []*CorrelatedEvent
	emitted int

	handlerMu sync.RWMutex
	handlers  []Handler

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine creates a correlation engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.MaxWindowsPerRule <= 0 {
		cfg.MaxWindowsPerRule = 100000
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 1000
	}
	return &Engine{
		config:  cfg,
		rules:   make(map[string]*Rule),
		windows: make(map[string]map[string]*window),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the background window cleanup.
func (e *Engine) Start() {
	if e.config.CleanupInterval <= 0 {
		return
	}
	e.wg.Add(1)
	go e.cleanupLoop()
	slog.Info("correlation engine started", "cleanup_interval", e.config.CleanupInterval)
}

// Stop halts the background cleanup and waits for it to exit.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	slog.Info("correlation engine stopped")
}

// AddHandler registers a handler for emitted correlated events.
func (e *Engine) AddHandler(h Handler) {
	e.handlerMu.Lock()
	e.handlers = append(e.handlers, h)
	e.handlerMu.Unlock()
}

// AddRule validates and registers a rule.
func (e *Engine) AddRule(rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return siemerrors.InvalidInputf("invalid correlation rule: %v", err)
	}

	e.mu.Lock()
	e.rules[rule.ID] = rule
	if _, ok := e.windows[rule.ID]; !ok {
		e.windows[rule.ID] = make(map[string]*window)
	}
	e.mu.Unlock()

	slog.Info("correlation rule added", "rule_id", rule.ID, "threshold", rule.Threshold)
	return nil
}

// UpdateRule replaces an existing rule and discards its window state.
func (e *Engine) UpdateRule(rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return siemerrors.InvalidInputf("invalid correlation rule: %v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[rule.ID]; !ok {
		return siemerrors.NotFoundf("correlation rule %s not found", rule.ID)
	}
	e.rules[rule.ID] = rule
	e.windows[rule.ID] = make(map[string]*window)
	return nil
}

// RemoveRule deletes a rule and its windows.
func (e *Engine) RemoveRule(ruleID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[ruleID]; !ok {
		return siemerrors.NotFoundf("correlation rule %s not found", ruleID)
	}
	delete(e.rules, ruleID)
	delete(e.windows, ruleID)
	return nil
}

// GetRule returns a rule by id.
func (e *Engine) GetRule(ruleID string) (*Rule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rule, ok := e.rules[ruleID]
	if !ok {
		return nil, siemerrors.NotFoundf("correlation rule %s not found", ruleID)
	}
	return rule, nil
}

// ListRules returns all registered rules.
func (e *Engine) ListRules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ProcessEvent evaluates all enabled rules against one event and
// returns any correlated events it produced.
func (e *Engine) ProcessEvent(ctx context.Context, event *schema.Event) []*CorrelatedEvent {
	e.mu.RLock()
	rules := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		if r.Enabled {
			rules = append(rules, r)
		}
	}
	e.mu.RUnlock()

	var emitted []*CorrelatedEvent
	for _, rule := range rules {
		if !rule.Matches(event) {
			continue
		}
		if ce := e.applyToWindow(rule, event); ce != nil {
			emitted = append(emitted, ce)
		}
	}

	for _, ce := range emitted {
		e.recordEmitted(ce)
		e.dispatch(ctx, ce)
	}
	return emitted
}

// applyToWindow appends the event to the rule's group window, prunes by
// the event's own timestamp, and fires when both thresholds are met.
// Firing empties the window and then drops it from the group map.
//
// Lock order is always e.mu before w.mu; w.mu is released before the
// fired window is removed from the map, so this never inverts against
// cleanupStale.
func (e *Engine) applyToWindow(rule *Rule, event *schema.Event) *CorrelatedEvent {
	groupKey := rule.GroupKey(event)

	e.mu.Lock()
	group, ok := e.windows[rule.ID]
	if !ok {
		group = make(map[string]*window)
		e.windows[rule.ID] = group
	}
	w, ok := group[groupKey]
	if !ok {
		if len(group) >= e.config.MaxWindowsPerRule {
			e.mu.Unlock()
			slog.Warn("window limit reached, dropping correlation state",
				"rule_id", rule.ID, "group_key", groupKey)
			return nil
		}
		w = &window{}
		group[groupKey] = w
	}
	e.mu.Unlock()

	ce := w.observe(rule, groupKey, event)
	if ce == nil {
		return nil
	}

	// The next matching event starts a fresh window. The lookup above
	// and observe are not atomic, so another goroutine may have fired
	// this window and a replacement may already be in the map; only
	// remove the window we actually fired.
	e.mu.Lock()
	if group, ok := e.windows[rule.ID]; ok && group[groupKey] == w {
		delete(group, groupKey)
	}
	e.mu.Unlock()

	slog.Info("correlation rule fired",
		"rule_id", rule.ID,
		"group_key", groupKey,
		"matched_events", len(ce.MatchedEventIDs))
	return ce
}

// observe appends the event, prunes expired entries, and returns a
// CorrelatedEvent when the rule's thresholds are met. On fire the
// window is emptied under w.mu, so a stale pointer held by a
// concurrent caller cannot re-emit the same entries.
func (w *window) observe(rule *Rule, groupKey string, event *schema.Event) *CorrelatedEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries = append(w.entries, windowEntry{
		eventID:   event.EventID,
		source:    event.SourceKey(),
		timestamp: event.Timestamp,
	})

	cutoff := event.Timestamp.Add(-rule.Window())
	pruned := w.entries[:0]
	for _, entry := range w.entries {
		if entry.timestamp.After(cutoff) {
			pruned = append(pruned, entry)
		}
	}
	w.entries = pruned

	sources := make(map[string]struct{})
	for _, entry := range w.entries {
		if entry.source != "" {
			sources[entry.source] = struct{}{}
		}
	}

	if len(w.entries) < rule.Threshold || len(sources) < rule.MinDistinctSources {
		return nil
	}

	ids := make([]uuid.UUID, len(w.entries))
	first, last := w.entries[0].timestamp, w.entries[0].timestamp
	for i, entry := range w.entries {
		ids[i] = entry.eventID
		if entry.timestamp.Before(first) {
			first = entry.timestamp
		}
		if entry.timestamp.After(last) {
			last = entry.timestamp
		}
	}
	w.entries = nil

	return &CorrelatedEvent{
		ID:              uuid.New(),
		RuleID:          rule.ID,
		RuleName:        rule.Name,
		GroupKey:        groupKey,
		MatchedEventIDs: ids,
		DistinctSources: sortedSources(sources),
		FirstEventTime:  first,
		LastEventTime:   last,
		Severity:        rule.Severity,
		EmittedAt:       time.Now().UTC(),
	}
}

// RunHistorical replays stored events through the live evaluation path.
// All window state is cleared first and the input is sorted by
// timestamp, so output depends only on the rule set and event stream.
func (e *Engine) RunHistorical(ctx context.Context, events []*schema.Event) []*CorrelatedEvent {
	sorted := make([]*schema.Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	e.mu.Lock()
	for ruleID := range e.windows {
		e.windows[ruleID] = make(map[string]*window)
	}
	e.mu.Unlock()

	var out []*CorrelatedEvent
	for _, event := range sorted {
		out = append(out, e.ProcessEvent(ctx, event)...)
	}
	return out
}

func (e *Engine) recordEmitted(ce *CorrelatedEvent) {
	e.mu.Lock()
	e.emitted++
	e.history = append(e.history, ce)
	if len(e.history) > e.config.MaxHistory {
		e.history = e.history[1:]
	}
	e.mu.Unlock()
}

func (e *Engine) dispatch(ctx context.Context, ce *CorrelatedEvent) {
	e.handlerMu.RLock()
	handlers := e.handlers
	e.handlerMu.RUnlock()
	for _, h := range handlers {
		h(ctx, ce)
	}
}

// History returns emitted correlated events, oldest first.
func (e *Engine) History() []*CorrelatedEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*CorrelatedEvent, len(e.history))
	copy(out, e.history)
	return out
}

func (e *Engine) cleanupLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.cleanupStale()
		}
	}
}

// cleanupStale drops windows whose newest entry is older than twice the
// rule window. This only reclaims memory for dormant group keys; it
// never changes what a window would emit.
func (e *Engine) cleanupStale() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	for ruleID, group := range e.windows {
		rule, ok := e.rules[ruleID]
		if !ok {
			delete(e.windows, ruleID)
			continue
		}
		maxAge := 2 * rule.Window()
		for key, w := range group {
			w.mu.Lock()
			stale := len(w.entries) == 0 ||
				now.Sub(w.entries[len(w.entries)-1].timestamp) > maxAge
			w.mu.Unlock()
			if stale {
				delete(group, key)
			}
		}
	}
}

// Stats reports engine counters.
func (e *Engine) Stats() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()

	windows := 0
	for _, group := range e.windows {
		windows += len(group)
	}
	return map[string]any{
		"rules":            len(e.rules),
		"active_windows":   windows,
		"events_emitted":   e.emitted,
		"history_retained": len(e.history),
	}
}

func sortedSources(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
