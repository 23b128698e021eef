package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"sentinel-siem/internal/anomaly"
	"sentinel-siem/internal/config"
	"sentinel-siem/internal/correlation"
	"sentinel-siem/internal/detection"
	"sentinel-siem/internal/incident"
	"sentinel-siem/internal/kafka"
	"sentinel-siem/internal/metrics"
	"sentinel-siem/internal/schema"
	"sentinel-siem/internal/soar"
	"sentinel-siem/internal/storage"
	"sentinel-siem/internal/storage/s3"
)

// Runtime bundles a wired Service with the infrastructure it depends
// on, so callers can start and shut everything down in the right order.
type Runtime struct {
	Service *Service
	Metrics *metrics.Metrics

	logger     *slog.Logger
	redis      *redis.Client
	clickhouse *storage.ClickHouseClient
	writer     *storage.BatchWriter
	source     *kafka.EventSource
	sink       *kafka.IncidentSink
}

// Build wires a Service and its optional infrastructure from
// configuration. Storage, archiving and Kafka stay nil when disabled;
// the pipeline runs fully in-memory without them.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rt := &Runtime{
		Metrics: metrics.New(),
		logger:  logger,
	}

	vcfg := schema.DefaultValidatorConfig()
	if cfg.Validation.MaxEventAge > 0 {
		vcfg.MaxAge = cfg.Validation.MaxEventAge
	}
	if cfg.Validation.MaxFuture > 0 {
		vcfg.MaxFuture = cfg.Validation.MaxFuture
	}
	validator := schema.NewValidatorWithConfig(vcfg)

	var storeOpts []detection.IndicatorStoreOption
	if cfg.Detection.Redis.Enabled {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Detection.Redis.Addr,
			Password: cfg.Detection.Redis.Password,
			DB:       cfg.Detection.Redis.DB,
		})
		storeOpts = append(storeOpts, detection.WithRedis(rt.redis, cfg.Detection.Redis.KeyPrefix))
		logger.Info("indicator store backed by redis", "addr", cfg.Detection.Redis.Addr)
	}

	detector := detection.NewDetector(detection.DetectorConfig{
		RiskAnalysisTimeout: cfg.Detection.RiskAnalysisTimeout,
		MaxThreatHistory:    cfg.Detection.MaxThreatHistory,
	}, detection.NewIndicatorStore(storeOpts...), nil)

	scorer := anomaly.NewScorer(anomaly.ScorerConfig{
		HistorySize:     cfg.Anomaly.HistorySize,
		StatsBufferSize: cfg.Anomaly.StatsBufferSize,
		Extractor: anomaly.ExtractorConfig{
			TemplateCacheSize: cfg.Anomaly.TemplateCacheSize,
		},
	})

	correlator := correlation.NewEngine(correlation.EngineConfig{
		MaxWindowsPerRule: cfg.Correlation.MaxWindowsPerRule,
		CleanupInterval:   cfg.Correlation.CleanupInterval,
		MaxHistory:        cfg.Correlation.MaxHistory,
	})
	rules := correlation.DefaultRules()
	if cfg.Correlation.RulesPath != "" {
		loaded, err := correlation.LoadRulesFile(cfg.Correlation.RulesPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load correlation rules: %w", err)
		}
		rules = loaded
	}
	for _, rule := range rules {
		if err := correlator.AddRule(rule); err != nil {
			return nil, fmt.Errorf("failed to add rule %q: %w", rule.ID, err)
		}
	}
	logger.Info("correlation rules loaded", "path", cfg.Correlation.RulesPath, "count", len(rules))

	registry := soar.NewActionRegistry(soar.DefaultActionDefinitions())
	executor := soar.NewExecutor(soar.ExecutorConfig{
		MaxRetries:     cfg.SOAR.MaxRetries,
		RetryBackoff:   cfg.SOAR.RetryBackoff,
		MaxStepJumps:   cfg.SOAR.MaxStepJumps,
		DefaultTimeout: cfg.SOAR.DefaultTimeout,
		MaxExecutions:  cfg.SOAR.MaxExecutions,
	}, registry, &soar.SimulatorDispatcher{}, soar.NewApprovalQueue(100))
	if cfg.SOAR.PlaybooksPath != "" {
		playbooks, err := soar.LoadPlaybooksFile(cfg.SOAR.PlaybooksPath, registry)
		if err != nil {
			return nil, fmt.Errorf("failed to load playbooks: %w", err)
		}
		for _, p := range playbooks {
			if err := executor.AddPlaybook(p); err != nil {
				return nil, fmt.Errorf("failed to add playbook %q: %w", p.ID, err)
			}
		}
		logger.Info("playbooks loaded", "path", cfg.SOAR.PlaybooksPath, "count", len(playbooks))
	}

	incidents := incident.NewManager(incident.DefaultManagerConfig(), executor)

	deps := Dependencies{
		Validator:  validator,
		Detector:   detector,
		Scorer:     scorer,
		Correlator: correlator,
		Incidents:  incidents,
		Executor:   executor,
		Metrics:    rt.Metrics,
	}

	if cfg.Storage.Enabled {
		client, err := storage.NewClickHouseClient(storage.ClickHouseConfig{
			Hosts:           cfg.Storage.ClickHouse.Hosts,
			Database:        cfg.Storage.ClickHouse.Database,
			Username:        cfg.Storage.ClickHouse.Username,
			Password:        cfg.Storage.ClickHouse.Password,
			MaxOpenConns:    cfg.Storage.ClickHouse.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.ClickHouse.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ClickHouse.ConnMaxLifetime,
			TLSEnabled:      cfg.Storage.ClickHouse.TLSEnabled,
			DialTimeout:     cfg.Storage.ClickHouse.DialTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
		}
		rt.clickhouse = client

		if err := storage.NewMigrator(client).Run(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		if err := storage.NewRetentionManager(client, storage.DefaultRetentionConfig()).ApplyTTLs(ctx); err != nil {
			logger.Warn("failed to apply retention TTLs", "error", err)
		}

		rt.writer = storage.NewBatchWriter(client, storage.BatchWriterConfig{
			BatchSize:     cfg.Storage.BatchWriter.BatchSize,
			FlushInterval: cfg.Storage.BatchWriter.FlushInterval,
			MaxRetries:    cfg.Storage.BatchWriter.MaxRetries,
			RetryDelay:    cfg.Storage.BatchWriter.RetryDelay,
		})
		deps.Writer = rt.writer

		seedBaselines(ctx, logger, storage.NewEventReader(client), detector.Baseline())
	}

	if cfg.Storage.Archive.Enabled {
		s3client, err := s3.NewClient(ctx, &s3.Config{
			Region: cfg.Storage.Archive.Region,
			Bucket: cfg.Storage.Archive.Bucket,
			Prefix: cfg.Storage.Archive.Prefix,
		}, logger)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to create s3 client: %w", err)
		}
		deps.Archiver = s3.NewIncidentArchiver(s3client, logger)
		logger.Info("incident archiving enabled", "bucket", cfg.Storage.Archive.Bucket)
	}

	if cfg.Kafka.Enabled && cfg.Kafka.IncidentsTopic != "" {
		scfg := kafka.DefaultConfig()
		scfg.Brokers = cfg.Kafka.Brokers
		scfg.Topic = cfg.Kafka.IncidentsTopic
		sink, err := kafka.NewIncidentSink(scfg, logger)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to create incident sink: %w", err)
		}
		rt.sink = sink
		deps.Publisher = sink
		logger.Info("incident fan-out enabled", "topic", cfg.Kafka.IncidentsTopic)
	}

	rt.Service = New(Config{
		QueueSize:             cfg.Queue.Size,
		Workers:               cfg.Queue.Workers,
		BaselineCheckInterval: cfg.Detection.BaselineInterval,
	}, deps)

	if cfg.Kafka.Enabled {
		kcfg := kafka.DefaultConfig()
		kcfg.Brokers = cfg.Kafka.Brokers
		kcfg.Topic = cfg.Kafka.Topic
		kcfg.ConsumerGroup = cfg.Kafka.GroupID

		ensureTopics(ctx, logger, kcfg, cfg.Kafka.IncidentsTopic)

		var sourceOpts []kafka.EventSourceOption
		if rt.clickhouse != nil {
			sourceOpts = append(sourceOpts, kafka.WithQuarantine(storage.NewQuarantineWriter(rt.clickhouse)))
		}
		source, err := kafka.NewEventSource(kcfg, rt.Service.Enqueue, logger, sourceOpts...)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to create kafka source: %w", err)
		}
		rt.source = source
	}

	return rt, nil
}

// ensureTopics creates the event and incident topics if the broker
// allows it. Failure is not fatal; managed clusters often disable
// client-side topic creation.
func ensureTopics(ctx context.Context, logger *slog.Logger, cfg *kafka.Config, incidentsTopic string) {
	admin, err := kafka.NewAdmin(cfg, logger)
	if err != nil {
		logger.Warn("kafka admin unavailable, skipping topic setup", "error", err)
		return
	}
	topics := []string{cfg.Topic}
	if incidentsTopic != "" {
		topics = append(topics, incidentsTopic)
	}
	for _, topic := range topics {
		err := admin.EnsureTopic(ctx, kafka.TopicConfig{
			Name:              topic,
			Partitions:        3,
			ReplicationFactor: 1,
		})
		if err != nil {
			logger.Warn("topic setup failed", "topic", topic, "error", err)
		}
	}
}

// Start brings the pipeline workers up, then the Kafka source so the
// queue has consumers before messages arrive.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.Service.Start(ctx)
	if rt.source != nil {
		if err := rt.source.Start(); err != nil {
			rt.Service.Stop()
			return fmt.Errorf("failed to start kafka source: %w", err)
		}
		rt.logger.Info("kafka source started")
	}
	return nil
}

// Close shuts everything down in reverse order: stop the inflow first,
// drain the pipeline, then flush and close storage.
func (rt *Runtime) Close() {
	if rt.source != nil {
		if err := rt.source.Stop(); err != nil {
			rt.logger.Warn("kafka source shutdown error", "error", err)
		}
	}
	if rt.Service != nil {
		rt.Service.Stop()
	}
	if rt.sink != nil {
		if err := rt.sink.Close(); err != nil {
			rt.logger.Warn("incident sink shutdown error", "error", err)
		}
	}
	if rt.writer != nil {
		if err := rt.writer.Close(); err != nil {
			rt.logger.Warn("batch writer shutdown error", "error", err)
		}
	}
	if rt.clickhouse != nil {
		if err := rt.clickhouse.Close(); err != nil {
			rt.logger.Warn("clickhouse shutdown error", "error", err)
		}
	}
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			rt.logger.Warn("redis shutdown error", "error", err)
		}
	}
}

// seedBaselines warms the volume baseline from the hourly rollups so a
// restart does not begin with an empty profile. Failures are logged and
// ignored; the baseline rebuilds itself from live traffic either way.
func seedBaselines(ctx context.Context, logger *slog.Logger, reader *storage.EventReader, baseline *detection.Baseline) {
	now := time.Now().UTC().Truncate(time.Hour)
	counts, err := reader.HourlyCounts(ctx, now.Add(-7*24*time.Hour), now)
	if err != nil {
		logger.Warn("baseline seeding skipped", "error", err)
		return
	}

	type bucket struct{ total, errors int }
	hours := make(map[time.Time]*bucket)
	for _, c := range counts {
		h := c.Hour.UTC().Truncate(time.Hour)
		b := hours[h]
		if b == nil {
			b = &bucket{}
			hours[h] = b
		}
		b.total += int(c.EventCount)
		b.errors += int(c.ErrorCount)
	}
	for h, b := range hours {
		baseline.SeedHour(h, b.total, b.errors)
	}
	logger.Info("baseline seeded from storage", "hours", len(hours))
}
