package soar

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	siemerrors "sentinel-siem/internal/errors"
)

// ActionDefinition is the static contract of one action type.
type ActionDefinition struct {
	Type             string        `json:"type"`
	Description      string        `json:"description"`
	RequiredParams   []string      `json:"required_params"`
	RequiresApproval bool          `json:"requires_approval"`
	Rollbackable     bool          `json:"rollbackable"`
	Timeout          time.Duration `json:"timeout"`
}

// ActionResult is the outcome of one dispatched action.
type ActionResult struct {
	Output  map[string]any `json:"output,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Dispatcher executes actions against external systems. Implementations
// must honor ctx cancellation; the executor enforces per-action
// timeouts through it.
type Dispatcher interface {
	Dispatch(ctx context.Context, actionType string, params map[string]any) (*ActionResult, error)
}

// ActionRegistry holds the static action definitions. Read-only after
// construction.
type ActionRegistry struct {
	defs map[string]*ActionDefinition
}

// NewActionRegistry builds a registry from definitions.
func NewActionRegistry(defs []*ActionDefinition) *ActionRegistry {
	r := &ActionRegistry{defs: make(map[string]*ActionDefinition, len(defs))}
	for _, d := range defs {
		r.defs[d.Type] = d
	}
	return r
}

// Get returns an action definition by type.
func (r *ActionRegistry) Get(actionType string) (*ActionDefinition, error) {
	d, ok := r.defs[actionType]
	if !ok {
		return nil, siemerrors.NotFoundf("action type %q not found", actionType)
	}
	return d, nil
}

// ValidateParams checks that every required parameter is present.
func (r *ActionRegistry) ValidateParams(actionType string, params map[string]any) error {
	d, err := r.Get(actionType)
	if err != nil {
		return err
	}
	for _, p := range d.RequiredParams {
		if _, ok := params[p]; !ok {
			return siemerrors.InvalidInputf("missing required parameter %q for action %s", p, actionType)
		}
	}
	return nil
}

// DefaultActionDefinitions returns the built-in action catalog.
func DefaultActionDefinitions() []*ActionDefinition {
	return []*ActionDefinition{
		{
			Type:           "block_ip",
			Description:    "Block an IP address at the perimeter firewall",
			RequiredParams: []string{"ip"},
			Rollbackable:   true,
			Timeout:        30 * time.Second,
		},
		{
			Type:             "isolate_host",
			Description:      "Quarantine a host from the network",
			RequiredParams:   []string{"host"},
			RequiresApproval: true,
			Rollbackable:     true,
			Timeout:          2 * time.Minute,
		},
		{
			Type:             "disable_account",
			Description:      "Disable a user account in the directory",
			RequiredParams:   []string{"username"},
			RequiresApproval: true,
			Rollbackable:     true,
			Timeout:          time.Minute,
		},
		{
			Type:           "reset_password",
			Description:    "Force a password reset for a user account",
			RequiredParams: []string{"username"},
			Rollbackable:   false,
			Timeout:        time.Minute,
		},
		{
			Type:           "send_notification",
			Description:    "Notify the on-call channel",
			RequiredParams: []string{"message"},
			Rollbackable:   false,
			Timeout:        15 * time.Second,
		},
		{
			Type:           "enrich_ioc",
			Description:    "Look up an indicator against threat intelligence",
			RequiredParams: []string{"indicator"},
			Rollbackable:   false,
			Timeout:        30 * time.Second,
		},
		{
			Type:           "capture_forensics",
			Description:    "Capture memory and disk artifacts from a host",
			RequiredParams: []string{"host"},
			Rollbackable:   false,
			Timeout:        10 * time.Minute,
		},
		{
			Type:           "create_ticket",
			Description:    "Open a tracking ticket in the case system",
			RequiredParams: []string{"summary"},
			Rollbackable:   false,
			Timeout:        30 * time.Second,
		},
	}
}

// SimulatorDispatcher logs dispatches and returns synthetic success.
// It is the integration boundary stand-in for deployments without real
// connectors.
type SimulatorDispatcher struct {
	// Delay adds artificial latency per dispatch.
	Delay time.Duration
}

// Dispatch implements Dispatcher.
func (s *SimulatorDispatcher) Dispatch(ctx context.Context, actionType string, params map[string]any) (*ActionResult, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	slog.Info("simulated action dispatch", "action", actionType)
	return &ActionResult{
		Message: fmt.Sprintf("simulated %s", actionType),
		Output:  map[string]any{"simulated": true},
	}, nil
}
