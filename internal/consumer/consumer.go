// Package consumer drains the ingest queue and feeds events through the
// detection pipeline and into durable storage.
package consumer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"sentinel-siem/internal/queue"
	"sentinel-siem/internal/schema"
)

// ProcessFunc handles a single dequeued event. The pipeline supplies a
// function that runs detection, scoring, and correlation.
type ProcessFunc func(ctx context.Context, event *schema.Event) error

// Config holds the consumer configuration.
type Config struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default consumer configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: 10 * time.Millisecond,
		ShutdownWait: 30 * time.Second,
	}
}

// Consumer reads events from the queue and runs them through the
// configured process function.
type Consumer struct {
	queue   *queue.RingBuffer
	process ProcessFunc
	config  Config

	wg   sync.WaitGroup
	done chan struct{}

	// Metrics
	consumed uint64
	errors   uint64
}

// New creates a new Consumer.
func New(q *queue.RingBuffer, process ProcessFunc, cfg Config) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Consumer{
		queue:   q,
		process: process,
		config:  cfg,
		done:    make(chan struct{}),
	}
}

// Start starts the consumer workers.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}

	slog.Info("queue consumer started", "workers", c.config.Workers)
}

// worker is a single consumer worker goroutine.
func (c *Consumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	slog.Debug("consumer worker started", "worker_id", id)

	for {
		select {
		case <-ctx.Done():
			slog.Debug("consumer worker stopping (context)", "worker_id", id)
			return
		case <-c.done:
			slog.Debug("consumer worker stopping (done)", "worker_id", id)
			return
		default:
			event, err := c.queue.PopWithTimeout(c.config.PollInterval)
			if err != nil {
				if err == queue.ErrQueueEmpty {
					continue
				}
				if err == queue.ErrQueueClosed {
					return
				}
				slog.Warn("unexpected queue error", "worker_id", id, "error", err)
				atomic.AddUint64(&c.errors, 1)
				continue
			}

			if err := c.process(ctx, event); err != nil {
				slog.Error("failed to process event",
					"worker_id", id,
					"event_id", event.EventID,
					"error", err,
				)
				atomic.AddUint64(&c.errors, 1)
				continue
			}

			atomic.AddUint64(&c.consumed, 1)
		}
	}
}

// Stop stops the consumer gracefully.
func (c *Consumer) Stop() {
	close(c.done)

	// Wait for workers with timeout
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("queue consumer stopped gracefully")
	case <-time.After(c.config.ShutdownWait):
		slog.Warn("queue consumer shutdown timed out")
	}
}

// Metrics returns consumer statistics.
func (c *Consumer) Metrics() ConsumerMetrics {
	return ConsumerMetrics{
		Consumed: atomic.LoadUint64(&c.consumed),
		Errors:   atomic.LoadUint64(&c.errors),
	}
}

// ConsumerMetrics holds consumer statistics.
type ConsumerMetrics struct {
	Consumed uint64 `json:"consumed"`
	Errors   uint64 `json:"errors"`
}
