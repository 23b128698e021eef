// Package schema defines the canonical event model for sentinel-siem.
// All ingested log records are normalized to this structure before the
// detection pipeline sees them.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// Event represents a single ingested log record. Events are immutable
// once created; downstream components reference them by EventID.
type Event struct {
	// Required fields
	EventID   uuid.UUID `json:"event_id" validate:"required"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Level     Level     `json:"level" validate:"required,oneof=debug info warn error critical"`
	Service   string    `json:"service" validate:"required,max=256"`
	Message   string    `json:"message" validate:"required,max=65536"`

	// Optional fields
	Host     string         `json:"host,omitempty" validate:"max=256"`
	SourceIP string         `json:"source_ip,omitempty" validate:"omitempty,ip"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Set by the system on ingest.
	ReceivedAt time.Time `json:"received_at"`
}

// SourceKey returns the identifier used for distinct-source counting in
// correlation windows: the source IP when present, otherwise the host,
// otherwise the service name.
func (e *Event) SourceKey() string {
	if e.SourceIP != "" {
		return e.SourceIP
	}
	if e.Host != "" {
		return e.Host
	}
	return e.Service
}

// Level represents the log level of an event.
type Level string

const (
	LevelDebug    Level = "debug"
	LevelInfo     Level = "info"
	LevelWarn     Level = "warn"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// IsValid checks if the level is a valid value.
func (l Level) IsValid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError, LevelCritical:
		return true
	}
	return false
}

// IsError reports whether the level counts toward error-rate baselines.
func (l Level) IsError() bool {
	return l == LevelError || l == LevelCritical
}

// Severity classifies threats, anomalies, and incidents.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordering value of a severity: critical > high >
// medium > low > info. Unknown severities rank below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	case SeverityInfo:
		return 0
	}
	return -1
}

// Max returns the higher-ranked of two severities.
func (s Severity) Max(other Severity) Severity {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

// IsValid checks if the severity is a valid value.
func (s Severity) IsValid() bool {
	return s.Rank() >= 0
}

// SchemaVersionCurrent is the current version of the event schema.
const SchemaVersionCurrent = "1.0.0"
