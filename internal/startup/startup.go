// Package startup provides verbose startup diagnostics for the daemon.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"time"

	"sentinel-siem/internal/config"
	"sentinel-siem/internal/correlation"
	"sentinel-siem/internal/soar"
)

// DiagnosticResult represents the result of a diagnostic check
type DiagnosticResult struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

// Status represents the status of a diagnostic check
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// Diagnostics runs all startup diagnostics
type Diagnostics struct {
	cfg     *config.Config
	results []DiagnosticResult
	logger  *slog.Logger
}

// NewDiagnostics creates a new diagnostics runner
func NewDiagnostics(cfg *config.Config, logger *slog.Logger) *Diagnostics {
	return &Diagnostics{
		cfg:    cfg,
		logger: logger,
	}
}

// RunAll runs all diagnostic checks
func (d *Diagnostics) RunAll(ctx context.Context) []DiagnosticResult {
	d.logger.Info("running startup diagnostics")

	d.checkSystem()
	d.checkConfiguration()
	d.checkRules()
	d.checkPlaybooks()
	d.checkMetricsPort()
	d.checkStorage(ctx)
	d.checkKafka(ctx)
	d.checkRedis(ctx)

	d.printSummary()

	return d.results
}

func (d *Diagnostics) addResult(result DiagnosticResult) {
	d.results = append(d.results, result)

	attrs := []any{
		"check", result.Name,
		"status", result.Status.String(),
	}
	if result.Message != "" {
		attrs = append(attrs, "message", result.Message)
	}
	for k, v := range result.Details {
		attrs = append(attrs, k, v)
	}

	switch result.Status {
	case StatusOK:
		d.logger.Info("diagnostic check passed", attrs...)
	case StatusWarning:
		d.logger.Warn("diagnostic check warning", attrs...)
	case StatusError:
		d.logger.Error("diagnostic check failed", attrs...)
	case StatusSkipped:
		d.logger.Debug("diagnostic check skipped", attrs...)
	}
}

func (d *Diagnostics) checkSystem() {
	d.addResult(DiagnosticResult{
		Name:    "runtime",
		Status:  StatusOK,
		Message: "Go runtime detected",
		Details: map[string]string{
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"cpus":       fmt.Sprintf("%d", runtime.NumCPU()),
		},
	})

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	d.addResult(DiagnosticResult{
		Name:    "memory",
		Status:  StatusOK,
		Message: "Memory statistics",
		Details: map[string]string{
			"alloc_mb":       fmt.Sprintf("%.2f", float64(m.Alloc)/1024/1024),
			"sys_mb":         fmt.Sprintf("%.2f", float64(m.Sys)/1024/1024),
			"num_goroutines": fmt.Sprintf("%d", runtime.NumGoroutine()),
		},
	})
}

func (d *Diagnostics) checkConfiguration() {
	configPath := os.Getenv("SENTINEL_CONFIG")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusWarning,
			Message: "Config file not found, using defaults",
			Details: map[string]string{"path": configPath},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusOK,
			Message: "Config file found",
			Details: map[string]string{"path": configPath},
		})
	}

	if err := d.cfg.Validate(); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "config_validation",
			Status:  StatusError,
			Message: fmt.Sprintf("Configuration validation failed: %s", err),
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "config_validation",
			Status:  StatusOK,
			Message: "Configuration is valid",
		})
	}
}

func (d *Diagnostics) checkRules() {
	path := d.cfg.Correlation.RulesPath
	if path == "" {
		d.addResult(DiagnosticResult{
			Name:    "correlation_rules",
			Status:  StatusWarning,
			Message: "No rules file configured - only built-in rules will load",
		})
		return
	}

	rules, err := correlation.LoadRulesFile(path)
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    "correlation_rules",
			Status:  StatusError,
			Message: fmt.Sprintf("Rules file failed to load: %s", err),
			Details: map[string]string{"path": path},
		})
		return
	}

	enabled := 0
	for _, r := range rules {
		if r.Enabled {
			enabled++
		}
	}
	d.addResult(DiagnosticResult{
		Name:    "correlation_rules",
		Status:  StatusOK,
		Message: "Rules file loaded",
		Details: map[string]string{
			"path":    path,
			"rules":   fmt.Sprintf("%d", len(rules)),
			"enabled": fmt.Sprintf("%d", enabled),
		},
	})
}

func (d *Diagnostics) checkPlaybooks() {
	path := d.cfg.SOAR.PlaybooksPath
	if path == "" {
		d.addResult(DiagnosticResult{
			Name:    "playbooks",
			Status:  StatusWarning,
			Message: "No playbooks file configured - automated response disabled",
		})
		return
	}

	registry := soar.NewActionRegistry(soar.DefaultActionDefinitions())
	playbooks, err := soar.LoadPlaybooksFile(path, registry)
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    "playbooks",
			Status:  StatusError,
			Message: fmt.Sprintf("Playbooks file failed to load: %s", err),
			Details: map[string]string{"path": path},
		})
		return
	}

	d.addResult(DiagnosticResult{
		Name:    "playbooks",
		Status:  StatusOK,
		Message: "Playbooks file loaded",
		Details: map[string]string{
			"path":      path,
			"playbooks": fmt.Sprintf("%d", len(playbooks)),
		},
	})
}

func (d *Diagnostics) checkMetricsPort() {
	if !d.cfg.Metrics.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "metrics_port",
			Status:  StatusSkipped,
			Message: "Metrics endpoint disabled",
		})
		return
	}

	listener, err := net.Listen("tcp", d.cfg.Metrics.ListenAddr)
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    "metrics_port",
			Status:  StatusError,
			Message: fmt.Sprintf("Metrics address is not available: %s", err),
			Details: map[string]string{"address": d.cfg.Metrics.ListenAddr},
		})
		return
	}
	listener.Close()
	d.addResult(DiagnosticResult{
		Name:    "metrics_port",
		Status:  StatusOK,
		Message: "Metrics address is available",
		Details: map[string]string{"address": d.cfg.Metrics.ListenAddr},
	})
}

func (d *Diagnostics) checkStorage(ctx context.Context) {
	if !d.cfg.Storage.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "storage",
			Status:  StatusWarning,
			Message: "Storage is DISABLED - events will not be persisted",
			Details: map[string]string{
				"mode":           "in-memory",
				"recommendation": "Enable storage for production use",
			},
		})
		return
	}

	host := "localhost:9000"
	if len(d.cfg.Storage.ClickHouse.Hosts) > 0 {
		host = d.cfg.Storage.ClickHouse.Hosts[0]
	}
	d.checkReachable(ctx, "clickhouse_connectivity", "ClickHouse", host)

	if d.cfg.Storage.Archive.Enabled && d.cfg.Storage.Archive.Bucket == "" {
		d.addResult(DiagnosticResult{
			Name:    "archive",
			Status:  StatusError,
			Message: "Archive enabled without a bucket",
		})
	}
}

func (d *Diagnostics) checkKafka(ctx context.Context) {
	if !d.cfg.Kafka.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "kafka_connectivity",
			Status:  StatusSkipped,
			Message: "Kafka source disabled",
		})
		return
	}

	broker := "localhost:9092"
	if len(d.cfg.Kafka.Brokers) > 0 {
		broker = d.cfg.Kafka.Brokers[0]
	}
	d.checkReachable(ctx, "kafka_connectivity", "Kafka broker", broker)
}

func (d *Diagnostics) checkRedis(ctx context.Context) {
	if !d.cfg.Detection.Redis.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "redis_connectivity",
			Status:  StatusSkipped,
			Message: "Redis indicator store disabled",
		})
		return
	}

	d.checkReachable(ctx, "redis_connectivity", "Redis", d.cfg.Detection.Redis.Addr)
}

func (d *Diagnostics) checkReachable(ctx context.Context, name, label, addr string) {
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  StatusError,
			Message: fmt.Sprintf("Cannot connect to %s: %s", label, err),
			Details: map[string]string{"host": addr},
		})
		return
	}
	conn.Close()
	d.addResult(DiagnosticResult{
		Name:    name,
		Status:  StatusOK,
		Message: fmt.Sprintf("%s is reachable", label),
		Details: map[string]string{"host": addr},
	})
}

func (d *Diagnostics) printSummary() {
	var ok, warnings, errors, skipped int
	for _, r := range d.results {
		switch r.Status {
		case StatusOK:
			ok++
		case StatusWarning:
			warnings++
		case StatusError:
			errors++
		case StatusSkipped:
			skipped++
		}
	}

	d.logger.Info("diagnostics summary",
		"passed", ok,
		"warnings", warnings,
		"errors", errors,
		"skipped", skipped,
	)

	if errors > 0 {
		d.logger.Error("startup diagnostics found critical errors - service may not function correctly")
	} else if warnings > 0 {
		d.logger.Warn("startup diagnostics found warnings - review for production readiness")
	} else {
		d.logger.Info("all startup diagnostics passed")
	}
}

// HasErrors returns true if any diagnostic check failed
func (d *Diagnostics) HasErrors() bool {
	for _, r := range d.results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any diagnostic check has warnings
func (d *Diagnostics) HasWarnings() bool {
	for _, r := range d.results {
		if r.Status == StatusWarning {
			return true
		}
	}
	return false
}
