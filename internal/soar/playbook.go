// Package soar executes response playbooks against incidents and
// threats, with approval gates, retries, and rollback bookkeeping.
package soar

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FailurePolicy governs control flow when a step fails.
type FailurePolicy string

const (
	FailStop     FailurePolicy = "stop"
	FailContinue FailurePolicy = "continue"
	FailRetry    FailurePolicy = "retry"
	FailGoto     FailurePolicy = "goto"
)

// TriggerType classifies the source of a trigger evaluation.
type TriggerType string

const (
	TriggerThreat   TriggerType = "threat"
	TriggerIncident TriggerType = "incident"
	TriggerIOC      TriggerType = "ioc"
)

// TriggerCondition is a key/value test against a trigger event or an
// incident's fields. The operator set for this path is eq/contains.
type TriggerCondition struct {
	Field    string `yaml:"field" json:"field"`
	Operator string `yaml:"operator" json:"operator"` // eq, contains
	Value    string `yaml:"value" json:"value"`
}

// Matches evaluates the condition against a field lookup.
func (c TriggerCondition) Matches(lookup func(string) (string, bool)) bool {
	value, ok := lookup(c.Field)
	switch c.Operator {
	case "eq", "":
		return ok && value == c.Value
	case "contains":
		return ok && strings.Contains(strings.ToLower(value), strings.ToLower(c.Value))
	}
	return false
}

// Step is one ordered playbook step.
type Step struct {
	ID                string         `yaml:"id" json:"id"`
	Order             int            `yaml:"order" json:"order"`
	Action            string         `yaml:"action" json:"action"`
	Parameters        map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Condition         string         `yaml:"condition,omitempty" json:"condition,omitempty"`
	OnFailure         FailurePolicy  `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
	GotoStep          string         `yaml:"goto_step,omitempty" json:"goto_step,omitempty"`
	WaitBeforeSeconds int            `yaml:"wait_before_seconds,omitempty" json:"wait_before_seconds,omitempty"`
}

// Playbook is an ordered conditional sequence of response actions.
type Playbook struct {
	ID                string             `yaml:"id" json:"id"`
	Name              string             `yaml:"name" json:"name"`
	Description       string             `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled           bool               `yaml:"enabled" json:"enabled"`
	TriggerType       TriggerType        `yaml:"trigger_type,omitempty" json:"trigger_type,omitempty"`
	TriggerSeverity   string             `yaml:"trigger_severity,omitempty" json:"trigger_severity,omitempty"`
	TriggerConditions []TriggerCondition `yaml:"trigger_conditions,omitempty" json:"trigger_conditions,omitempty"`
	Steps             []Step             `yaml:"steps" json:"steps"`
	ExecutionCount    int                `yaml:"-" json:"execution_count"`
	CreatedAt         time.Time          `yaml:"-" json:"created_at"`
}

// Validate checks the playbook definition against the action registry.
func (p *Playbook) Validate(registry *ActionRegistry) error {
	if p.ID == "" {
		return fmt.Errorf("playbook id is required")
	}
	if p.Name == "" {
		return fmt.Errorf("playbook name is required")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}

	ids := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("step %d: id is required", i)
		}
		if ids[s.ID] {
			return fmt.Errorf("step %d: duplicate id %q", i, s.ID)
		}
		ids[s.ID] = true
		if s.Action == "" {
			return fmt.Errorf("step %s: action is required", s.ID)
		}
		if registry != nil {
			if _, err := registry.Get(s.Action); err != nil {
				return fmt.Errorf("step %s: %w", s.ID, err)
			}
		}
		switch s.OnFailure {
		case "", FailStop, FailContinue, FailRetry:
		case FailGoto:
			if s.GotoStep == "" {
				return fmt.Errorf("step %s: goto_step required for goto policy", s.ID)
			}
		default:
			return fmt.Errorf("step %s: unknown on_failure policy %q", s.ID, s.OnFailure)
		}
		if s.WaitBeforeSeconds < 0 {
			return fmt.Errorf("step %s: wait_before_seconds must not be negative", s.ID)
		}
	}

	for _, s := range p.Steps {
		if s.OnFailure == FailGoto && !ids[s.GotoStep] {
			return fmt.Errorf("step %s: goto target %q does not exist", s.ID, s.GotoStep)
		}
	}
	return nil
}

// OrderedSteps returns a copy of the steps sorted by ascending order.
// Definitions are shared during execution, so the ordering never
// mutates the playbook itself.
func (p *Playbook) OrderedSteps() []Step {
	steps := make([]Step, len(p.Steps))
	copy(steps, p.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps
}

// ParsePlaybooks parses playbook definitions from YAML, accepting
// either a list or a single document.
func ParsePlaybooks(data []byte, registry *ActionRegistry) ([]*Playbook, error) {
	var playbooks []*Playbook
	if err := yaml.Unmarshal(data, &playbooks); err != nil {
		var single Playbook
		if singleErr := yaml.Unmarshal(data, &single); singleErr != nil {
			return nil, fmt.Errorf("failed to parse playbooks: %w", err)
		}
		playbooks = []*Playbook{&single}
	}
	for i, p := range playbooks {
		if err := p.Validate(registry); err != nil {
			return nil, fmt.Errorf("playbook %d (%s): %w", i, p.ID, err)
		}
	}
	return playbooks, nil
}

// LoadPlaybooksFile reads and parses a YAML playbooks file.
func LoadPlaybooksFile(path string, registry *ActionRegistry) ([]*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read playbooks file: %w", err)
	}
	return ParsePlaybooks(data, registry)
}
