package schema

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// servicePattern defines the valid format for service names.
// Services must start with a letter and may contain letters, digits,
// dots, dashes, and underscores. Examples: "auth-service", "Win-DC01".
var servicePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._\-]*$`)

// Validator handles validation of events against the canonical schema.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    7 * 24 * time.Hour, // 7 days
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("service_format", func(fl validator.FieldLevel) bool {
		return servicePattern.MatchString(fl.Field().String())
	})

	return &Validator{
		validate:  v,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// Validate validates an event against the canonical schema.
// Returns an error if validation fails.
func (v *Validator) Validate(event *Event) error {
	if err := v.validate.Struct(event); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	now := time.Now().UTC()

	if event.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}

	if event.Timestamp.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("timestamp too old: %v (max age: %v)", event.Timestamp, v.maxAge)
	}

	if event.Timestamp.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("timestamp in future: %v (max future: %v)", event.Timestamp, v.maxFuture)
	}

	if !servicePattern.MatchString(event.Service) {
		return fmt.Errorf("invalid service name: %q", event.Service)
	}

	return nil
}

// ValidateService checks if a service string matches the required format.
func ValidateService(service string) bool {
	return servicePattern.MatchString(service)
}
