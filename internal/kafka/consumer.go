package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// handleTimeout bounds how long a single message may spend in the
// handler before its context is cancelled.
const handleTimeout = 30 * time.Second

// MessageHandler processes one consumed message. A nil return commits
// the offset; an error leaves it uncommitted so the message is
// refetched.
type MessageHandler func(ctx context.Context, msg Message) error

// Message is one record off the event stream.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

// Consumer reads the config's topic as part of a consumer group and
// feeds each record to the handler.
type Consumer struct {
	reader  *kafka.Reader
	config  *Config
	logger  *slog.Logger
	handler MessageHandler

	consumed atomic.Int64
	bytes    atomic.Int64
	failures atomic.Int64

	cancel  context.CancelFunc
	ctx     context.Context
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

// NewConsumer creates a consumer for the config's topic and group.
func NewConsumer(cfg *Config, handler MessageHandler, logger *slog.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("kafka: message handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := cfg.dialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.ConsumerGroup,
		Topic:          cfg.Topic,
		Dialer:         dialer,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		MaxWait:        cfg.MaxWait,
		CommitInterval: cfg.CommitInterval,
		StartOffset:    cfg.StartOffset,
		SessionTimeout: cfg.SessionTimeout,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		reader:  reader,
		config:  cfg,
		logger:  logger,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the consume loop in the background. Use Stop to
// drain and close.
func (c *Consumer) Start() error {
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.run(); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("kafka consume loop exited", "error", err)
		}
	}()

	c.logger.Info("kafka consumer started",
		"topic", c.config.Topic,
		"group", c.config.ConsumerGroup)
	return nil
}

// run fetches, handles, and commits until the consumer is stopped.
// Handler errors leave the offset uncommitted; fetch errors back off
// for a second before the next attempt.
func (c *Consumer) run() error {
	for {
		if err := c.ctx.Err(); err != nil {
			return err
		}

		record, err := c.reader.FetchMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			c.failures.Add(1)
			c.logger.Error("kafka fetch failed",
				"topic", c.config.Topic,
				"error", err)
			select {
			case <-c.ctx.Done():
				return c.ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		msg := Message{
			Topic:     record.Topic,
			Partition: record.Partition,
			Offset:    record.Offset,
			Key:       record.Key,
			Value:     record.Value,
			Time:      record.Time,
		}

		if err := c.handle(msg); err != nil {
			c.logger.Error("kafka message handler failed",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err)
			continue
		}

		if err := c.reader.CommitMessages(c.ctx, record); err != nil {
			c.logger.Error("kafka commit failed",
				"offset", record.Offset,
				"error", err)
		}

		c.consumed.Add(1)
		c.bytes.Add(int64(len(record.Key) + len(record.Value)))
	}
}

func (c *Consumer) handle(msg Message) error {
	ctx, cancel := context.WithTimeout(c.ctx, handleTimeout)
	defer cancel()

	if err := c.handler(ctx, msg); err != nil {
		c.failures.Add(1)
		return err
	}
	return nil
}

// ConsumerMetrics reports consumer counters.
type ConsumerMetrics struct {
	Consumed int64 `json:"consumed"`
	Bytes    int64 `json:"bytes"`
	Failures int64 `json:"failures"`
}

// Metrics returns the consumer counters.
func (c *Consumer) Metrics() ConsumerMetrics {
	return ConsumerMetrics{
		Consumed: c.consumed.Load(),
		Bytes:    c.bytes.Load(),
		Failures: c.failures.Load(),
	}
}

// Stop drains the consume loop and closes the reader.
func (c *Consumer) Stop() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.logger.Info("stopping kafka consumer",
		"topic", c.config.Topic,
		"consumed", c.consumed.Load())

	c.cancel()
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("kafka: close consumer: %w", err)
	}
	return nil
}
