package detection

import (
	"regexp"

	"sentinel-siem/internal/schema"
)

// Pattern describes one entry of the static threat-pattern table.
// Indicators are tested against the raw event message; any single hit
// counts the pattern as matched.
type Pattern struct {
	Key             string
	Name            string
	Severity        schema.Severity
	MITRETechniques []string
	Indicators      []*regexp.Regexp
}

// PatternKeyMaliciousIP tags threats where a known-malicious IP literal
// was found in the message. It forces severity to critical.
const PatternKeyMaliciousIP = "knownMaliciousIP"

func mustPatterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(`(?i)` + e)
	}
	return out
}

// DefaultPatterns returns the built-in threat pattern table.
func DefaultPatterns() []*Pattern {
	return []*Pattern{
		{
			Key:             "bruteForce",
			Name:            "Brute Force Attack",
			Severity:        schema.SeverityHigh,
			MITRETechniques: []string{"T1110"},
			Indicators: mustPatterns(
				`multiple failed login`,
				`brute.?force`,
				`repeated authentication failures`,
				`account (temporarily )?locked`,
			),
		},
		{
			Key:             "credentialStuffing",
			Name:            "Credential Stuffing",
			Severity:        schema.SeverityHigh,
			MITRETechniques: []string{"T1110.004"},
			Indicators: mustPatterns(
				`credential stuffing`,
				`login attempts? (from|with) (multiple|many) (accounts|credentials)`,
			),
		},
		{
			Key:             "sqlInjection",
			Name:            "SQL Injection Attempt",
			Severity:        schema.SeverityCritical,
			MITRETechniques: []string{"T1190"},
			Indicators: mustPatterns(
				`sql injection`,
				`union\s+select`,
				`or\s+1\s*=\s*1`,
				`';\s*drop\s+table`,
			),
		},
		{
			Key:             "xss",
			Name:            "Cross-Site Scripting Attempt",
			Severity:        schema.SeverityHigh,
			MITRETechniques: []string{"T1059.007"},
			Indicators: mustPatterns(
				`<script[^>]*>`,
				`javascript:\s*\w`,
				`onerror\s*=`,
			),
		},
		{
			Key:             "pathTraversal",
			Name:            "Path Traversal Attempt",
			Severity:        schema.SeverityHigh,
			MITRETechniques: []string{"T1083"},
			Indicators: mustPatterns(
				`\.\./\.\./`,
				`%2e%2e%2f`,
				`/etc/passwd`,
				`/etc/shadow`,
			),
		},
		{
			Key:             "privilegeEscalation",
			Name:            "Privilege Escalation",
			Severity:        schema.SeverityCritical,
			MITRETechniques: []string{"T1068", "T1548"},
			Indicators: mustPatterns(
				`privilege escalation`,
				`sudo\s+su\b`,
				`unauthorized (root|admin) access`,
				`setuid`,
			),
		},
		{
			Key:             "portScan",
			Name:            "Port Scan Detected",
			Severity:        schema.SeverityMedium,
			MITRETechniques: []string{"T1046"},
			Indicators: mustPatterns(
				`port scan`,
				`nmap`,
				`connection attempts? (on|to) multiple ports`,
			),
		},
		{
			Key:             "dataExfiltration",
			Name:            "Data Exfiltration",
			Severity:        schema.SeverityCritical,
			MITRETechniques: []string{"T1041", "T1567"},
			Indicators: mustPatterns(
				`data exfiltration`,
				`large outbound transfer`,
				`unusual (upload|egress) volume`,
			),
		},
		{
			Key:             "malware",
			Name:            "Malware Activity",
			Severity:        schema.SeverityCritical,
			MITRETechniques: []string{"T1204"},
			Indicators: mustPatterns(
				`malware`,
				`trojan`,
				`ransomware`,
				`payload\.(ps1|exe|sh)`,
			),
		},
		{
			Key:             "suspiciousPowershell",
			Name:            "Suspicious PowerShell Execution",
			Severity:        schema.SeverityHigh,
			MITRETechniques: []string{"T1059.001"},
			Indicators: mustPatterns(
				`invoke-webrequest\s+http`,
				`encodedcommand`,
				`downloadstring\(`,
			),
		},
	}
}
