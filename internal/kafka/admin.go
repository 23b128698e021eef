package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/segmentio/kafka-go"
)

// Admin creates the topics the pipeline expects at startup.
type Admin struct {
	config *Config
	logger *slog.Logger
}

// NewAdmin creates an admin client.
func NewAdmin(cfg *Config, logger *slog.Logger) (*Admin, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{config: cfg, logger: logger}, nil
}

// TopicConfig is the shape of a topic to create.
type TopicConfig struct {
	Name              string
	Partitions        int
	ReplicationFactor int
	RetentionMs       int64
}

// EnsureTopic creates the topic unless it already exists.
func (a *Admin) EnsureTopic(ctx context.Context, cfg TopicConfig) error {
	topics, err := a.ListTopics(ctx)
	if err != nil {
		return err
	}
	for _, t := range topics {
		if t == cfg.Name {
			a.logger.Debug("kafka topic exists", "topic", cfg.Name)
			return nil
		}
	}
	return a.CreateTopic(ctx, cfg)
}

// CreateTopic creates a topic on the cluster controller.
func (a *Admin) CreateTopic(ctx context.Context, cfg TopicConfig) error {
	conn, err := a.controllerConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	var entries []kafka.ConfigEntry
	if cfg.RetentionMs > 0 {
		entries = append(entries, kafka.ConfigEntry{
			ConfigName:  "retention.ms",
			ConfigValue: strconv.FormatInt(cfg.RetentionMs, 10),
		})
	}

	err = conn.CreateTopics(kafka.TopicConfig{
		Topic:             cfg.Name,
		NumPartitions:     cfg.Partitions,
		ReplicationFactor: cfg.ReplicationFactor,
		ConfigEntries:     entries,
	})
	if err != nil {
		return fmt.Errorf("kafka: create topic %s: %w", cfg.Name, err)
	}

	a.logger.Info("kafka topic created",
		"topic", cfg.Name,
		"partitions", cfg.Partitions,
		"replication_factor", cfg.ReplicationFactor)
	return nil
}

// ListTopics returns the distinct topics visible on the first broker.
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	dialer, err := a.config.dialer()
	if err != nil {
		return nil, fmt.Errorf("kafka: dialer setup failed: %w", err)
	}

	conn, err := dialer.DialContext(ctx, "tcp", a.config.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("kafka: connect to broker: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("kafka: read partitions: %w", err)
	}

	seen := make(map[string]bool)
	var topics []string
	for _, p := range partitions {
		if !seen[p.Topic] {
			seen[p.Topic] = true
			topics = append(topics, p.Topic)
		}
	}
	return topics, nil
}

// controllerConn dials the cluster controller, where topic creation
// must happen.
func (a *Admin) controllerConn(ctx context.Context) (*kafka.Conn, error) {
	dialer, err := a.config.dialer()
	if err != nil {
		return nil, fmt.Errorf("kafka: dialer setup failed: %w", err)
	}

	conn, err := dialer.DialContext(ctx, "tcp", a.config.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("kafka: connect to broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return nil, fmt.Errorf("kafka: resolve controller: %w", err)
	}

	addr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	controllerConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("kafka: connect to controller: %w", err)
	}
	return controllerConn, nil
}
