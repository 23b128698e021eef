package correlation

import "sentinel-siem/internal/schema"

// DefaultRules returns the built-in correlation rules. Deployments
// extend or replace these from the YAML rules file.
func DefaultRules() []*Rule {
	return []*Rule{
		{
			ID:          "brute-force-burst",
			Name:        "Brute Force Burst",
			Description: "Repeated failed logins against one service within five minutes",
			Enabled:     true,
			Severity:    schema.SeverityHigh,
			Conditions: []Condition{
				{Field: "message", Operator: OpContains, Value: "failed login"},
			},
			Threshold:          5,
			MinDistinctSources: 1,
			TimeWindow:         "5m",
			GroupByFields:      []string{"service"},
		},
		{
			ID:          "distributed-auth-failure",
			Name:        "Distributed Authentication Failures",
			Description: "Authentication failures from many sources, likely credential stuffing",
			Enabled:     true,
			Severity:    schema.SeverityCritical,
			Conditions: []Condition{
				{Field: "message", Operator: OpRegex, Value: `(failed login|authentication fail)`},
			},
			Threshold:          10,
			MinDistinctSources: 5,
			TimeWindow:         "10m",
			GroupByFields:      []string{"service"},
		},
		{
			ID:          "scan-then-connect",
			Name:        "Port Scan Activity",
			Description: "Sustained scan indicators from a single source",
			Enabled:     true,
			Severity:    schema.SeverityMedium,
			Conditions: []Condition{
				{Field: "message", Operator: OpRegex, Value: `(port scan|nmap|connection attempts? on multiple ports)`},
			},
			Threshold:          3,
			MinDistinctSources: 1,
			TimeWindow:         "5m",
			GroupByFields:      []string{"source_ip"},
		},
		{
			ID:          "error-storm",
			Name:        "Service Error Storm",
			Description: "A service emitting a burst of error level events",
			Enabled:     true,
			Severity:    schema.SeverityMedium,
			Conditions: []Condition{
				{Field: "level", Operator: OpIn, Values: []string{"error", "critical"}},
			},
			Threshold:          20,
			MinDistinctSources: 1,
			TimeWindow:         "1m",
			GroupByFields:      []string{"service"},
		},
	}
}
