package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// ErrProducerClosed is returned for publishes after Close.
var ErrProducerClosed = errors.New("kafka: producer is closed")

// Producer publishes keyed messages to a single topic with bounded
// retry. The pipeline uses it for incident fan-out; payload shaping
// lives in the callers.
type Producer struct {
	writer *kafka.Writer
	config *Config
	logger *slog.Logger

	produced atomic.Int64
	bytes    atomic.Int64
	failures atomic.Int64
	retries  atomic.Int64
	closed   atomic.Bool
}

// NewProducer creates a producer for the config's topic.
func NewProducer(cfg *Config, logger *slog.Logger) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := cfg.dialer()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  cfg.MaxRetries,
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  cfg.compression(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("kafka producer ready",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"compression", cfg.Compression)

	return &Producer{
		writer: writer,
		config: cfg,
		logger: logger,
	}, nil
}

// Produce sends one keyed message, retrying transient failures with
// exponential backoff.
func (p *Producer) Produce(ctx context.Context, key, value []byte) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	msg := kafka.Message{
		Key:   key,
		Value: value,
		Time:  time.Now(),
	}

	var lastErr error
	backoff := p.config.RetryBackoff
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			p.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := p.writer.WriteMessages(ctx, msg)
		if err == nil {
			p.produced.Add(1)
			p.bytes.Add(int64(len(key) + len(value)))
			return nil
		}

		lastErr = err
		p.failures.Add(1)
		p.logger.Warn("kafka produce failed",
			"topic", p.config.Topic,
			"attempt", attempt+1,
			"error", err)

		if permanentProduceError(err) {
			return fmt.Errorf("kafka: produce rejected: %w", err)
		}
	}

	return fmt.Errorf("kafka: produce failed after %d attempts: %w", p.config.MaxRetries+1, lastErr)
}

// ProduceJSON marshals v and sends it under the given key.
func (p *Producer) ProduceJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kafka: marshal message: %w", err)
	}
	return p.Produce(ctx, []byte(key), data)
}

// ProducerMetrics reports producer counters.
type ProducerMetrics struct {
	Produced int64 `json:"produced"`
	Bytes    int64 `json:"bytes"`
	Failures int64 `json:"failures"`
	Retries  int64 `json:"retries"`
}

// Metrics returns the producer counters.
func (p *Producer) Metrics() ProducerMetrics {
	return ProducerMetrics{
		Produced: p.produced.Load(),
		Bytes:    p.bytes.Load(),
		Failures: p.failures.Load(),
		Retries:  p.retries.Load(),
	}
}

// Close flushes buffered messages and shuts the writer down.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.logger.Info("closing kafka producer",
		"topic", p.config.Topic,
		"produced", p.produced.Load())

	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: close producer: %w", err)
	}
	return nil
}

// permanentProduceError reports broker responses that retrying cannot
// fix.
func permanentProduceError(err error) bool {
	switch {
	case errors.Is(err, kafka.MessageSizeTooLarge),
		errors.Is(err, kafka.InvalidTopic),
		errors.Is(err, kafka.TopicAuthorizationFailed),
		errors.Is(err, kafka.GroupAuthorizationFailed),
		errors.Is(err, kafka.ClusterAuthorizationFailed):
		return true
	}
	return false
}
