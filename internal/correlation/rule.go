// Package correlation maintains rule-scoped sliding event windows and
// emits correlated events when count and source-diversity thresholds
// are met.
package correlation

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sentinel-siem/internal/schema"
)

// Operator enumerates the condition operators.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpContains Operator = "contains"
	OpRegex    Operator = "regex"
	OpGt       Operator = "gt"
	OpLt       Operator = "lt"
	OpGte      Operator = "gte"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpNotIn    Operator = "not_in"
)

var validOperators = map[Operator]bool{
	OpEq: true, OpNeq: true, OpContains: true, OpRegex: true,
	OpGt: true, OpLt: true, OpGte: true, OpLte: true,
	OpIn: true, OpNotIn: true,
}

// Condition is one field test within a rule. All of a rule's conditions
// must pass for the rule to match an event.
type Condition struct {
	Field    string   `yaml:"field" json:"field"`
	Operator Operator `yaml:"operator" json:"operator"`
	Value    string   `yaml:"value,omitempty" json:"value,omitempty"`
	Values   []string `yaml:"values,omitempty" json:"values,omitempty"` // for in/not_in
}

// Rule is a correlation rule definition.
type Rule struct {
	ID                 string          `yaml:"id" json:"id"`
	Name               string          `yaml:"name" json:"name"`
	Description        string          `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled            bool            `yaml:"enabled" json:"enabled"`
	Severity           schema.Severity `yaml:"severity" json:"severity"`
	Conditions         []Condition     `yaml:"conditions" json:"conditions"`
	Threshold          int             `yaml:"threshold" json:"threshold"`
	MinDistinctSources int             `yaml:"min_distinct_sources" json:"min_distinct_sources"`
	TimeWindow         string          `yaml:"time_window" json:"time_window"` // "5m", "1h"
	GroupByFields      []string        `yaml:"group_by_fields" json:"group_by_fields"`
}

// defaultTimeWindow is used when the window string fails to parse.
const defaultTimeWindow = 5 * time.Minute

// Window returns the parsed time window, defaulting rather than
// rejecting on a malformed string.
func (r *Rule) Window() time.Duration {
	d, err := time.ParseDuration(r.TimeWindow)
	if err != nil || d <= 0 {
		return defaultTimeWindow
	}
	return d
}

// Validate checks the rule definition.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive")
	}
	if r.MinDistinctSources < 0 {
		return fmt.Errorf("min_distinct_sources must not be negative")
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("at least one condition is required")
	}
	for i, c := range r.Conditions {
		if c.Field == "" {
			return fmt.Errorf("condition %d: field is required", i)
		}
		if !validOperators[c.Operator] {
			return fmt.Errorf("condition %d: invalid operator %q", i, c.Operator)
		}
		if (c.Operator == OpIn || c.Operator == OpNotIn) && len(c.Values) == 0 {
			return fmt.Errorf("condition %d: values required for %s", i, c.Operator)
		}
		if c.Operator == OpRegex {
			if _, err := regexp.Compile(c.Value); err != nil {
				return fmt.Errorf("condition %d: invalid regex: %w", i, err)
			}
		}
	}
	if !r.Severity.IsValid() {
		return fmt.Errorf("invalid severity %q", r.Severity)
	}
	return nil
}

// Matches reports whether all conditions pass against the event. A rule
// with zero conditions never matches.
func (r *Rule) Matches(event *schema.Event) bool {
	if len(r.Conditions) == 0 {
		return false
	}
	for _, c := range r.Conditions {
		value, ok := ExtractField(event, c.Field)
		if !c.eval(value, ok) {
			return false
		}
	}
	return true
}

func (c *Condition) eval(value string, present bool) bool {
	switch c.Operator {
	case OpEq:
		return present && value == c.Value
	case OpNeq:
		return !present || value != c.Value
	case OpContains:
		return present && strings.Contains(strings.ToLower(value), strings.ToLower(c.Value))
	case OpRegex:
		re, err := regexp.Compile(`(?i)` + c.Value)
		if err != nil {
			return false
		}
		return present && re.MatchString(value)
	case OpGt, OpLt, OpGte, OpLte:
		if !present {
			return false
		}
		ev, err1 := strconv.ParseFloat(value, 64)
		cv, err2 := strconv.ParseFloat(c.Value, 64)
		if err1 != nil || err2 != nil {
			return false
		}
		switch c.Operator {
		case OpGt:
			return ev > cv
		case OpLt:
			return ev < cv
		case OpGte:
			return ev >= cv
		default:
			return ev <= cv
		}
	case OpIn:
		if !present {
			return false
		}
		for _, v := range c.Values {
			if value == v {
				return true
			}
		}
		return false
	case OpNotIn:
		if !present {
			return true
		}
		for _, v := range c.Values {
			if value == v {
				return false
			}
		}
		return true
	}
	return false
}

// ExtractField resolves a dotted field path against an event. Metadata
// keys are addressed as "metadata.<key>". The second return reports
// whether the field was present.
func ExtractField(event *schema.Event, field string) (string, bool) {
	switch field {
	case "service":
		return event.Service, event.Service != ""
	case "level":
		return string(event.Level), event.Level != ""
	case "message":
		return event.Message, true
	case "host":
		return event.Host, event.Host != ""
	case "source_ip":
		return event.SourceIP, event.SourceIP != ""
	}
	if rest, ok := strings.CutPrefix(field, "metadata."); ok && event.Metadata != nil {
		if v, present := event.Metadata[rest]; present {
			return fmt.Sprintf("%v", v), true
		}
	}
	return "", false
}

// GroupKey joins the rule's group-by field values with underscores.
// Missing fields contribute the literal "unknown".
func (r *Rule) GroupKey(event *schema.Event) string {
	if len(r.GroupByFields) == 0 {
		return "default"
	}
	parts := make([]string, len(r.GroupByFields))
	for i, f := range r.GroupByFields {
		v, ok := ExtractField(event, f)
		if !ok {
			v = "unknown"
		}
		parts[i] = v
	}
	return strings.Join(parts, "_")
}

// ParseRules parses rule definitions from YAML, accepting either a list
// or a single document.
func ParseRules(data []byte) ([]*Rule, error) {
	var rules []*Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		var single Rule
		if singleErr := yaml.Unmarshal(data, &single); singleErr != nil {
			return nil, fmt.Errorf("failed to parse rules: %w", err)
		}
		rules = []*Rule{&single}
	}
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.ID, err)
		}
	}
	return rules, nil
}

// LoadRulesFile reads and parses a YAML rules file.
func LoadRulesFile(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(data)
}
