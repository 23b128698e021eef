package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"sentinel-siem/internal/logging"
	"sentinel-siem/internal/queue"
	"sentinel-siem/internal/schema"
	"sentinel-siem/internal/storage"
)

// SubmitFunc delivers a decoded event to the pipeline. Returning
// queue.ErrQueueFull makes the source leave the message uncommitted so
// it is refetched once the queue drains.
type SubmitFunc func(event *schema.Event) error

// Quarantiner sets aside payloads that cannot become valid events.
// Satisfied by storage.QuarantineWriter.
type Quarantiner interface {
	Write(ctx context.Context, entry *storage.QuarantineEntry) error
}

// EventSource consumes log events from a Kafka topic, decodes the JSON
// payloads into the canonical schema, and hands them to the pipeline.
type EventSource struct {
	consumer   *Consumer
	submit     SubmitFunc
	quarantine Quarantiner
	logger     *slog.Logger

	received    atomic.Int64
	submitted   atomic.Int64
	quarantined atomic.Int64
}

// EventSourceOption configures an EventSource.
type EventSourceOption func(*EventSource)

// WithQuarantine routes undecodable payloads to a quarantine store
// instead of dropping them.
func WithQuarantine(q Quarantiner) EventSourceOption {
	return func(s *EventSource) { s.quarantine = q }
}

// NewEventSource creates a Kafka event source for the given topic
// configuration.
func NewEventSource(cfg *Config, submit SubmitFunc, logger *slog.Logger, opts ...EventSourceOption) (*EventSource, error) {
	if submit == nil {
		return nil, errors.New("kafka: submit function is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &EventSource{
		submit: submit,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	consumer, err := NewConsumer(cfg, s.handleMessage, logger)
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to create event source consumer: %w", err)
	}
	s.consumer = consumer
	return s, nil
}

// Start begins consuming in the background.
func (s *EventSource) Start() error {
	return s.consumer.Start()
}

// Stop drains and closes the underlying consumer.
func (s *EventSource) Stop() error {
	return s.consumer.Stop()
}

// handleMessage decodes one Kafka message and submits it. Poison
// payloads are quarantined and acknowledged; backpressure errors are
// returned so the offset stays uncommitted.
func (s *EventSource) handleMessage(ctx context.Context, msg Message) error {
	s.received.Add(1)

	var event schema.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		s.setAside(ctx, msg, "decode_error", err)
		return nil
	}

	if err := s.submit(&event); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			return err
		}
		s.setAside(ctx, msg, "validation_error", err)
		return nil
	}

	s.submitted.Add(1)
	return nil
}

func (s *EventSource) setAside(ctx context.Context, msg Message, code string, cause error) {
	s.quarantined.Add(1)
	s.logger.Warn("quarantining kafka payload",
		"error_code", code,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"error", cause,
		"payload_sample", logging.MaskSensitivePatterns(sample(msg.Value, 256)),
	)

	if s.quarantine == nil {
		return
	}
	entry := &storage.QuarantineEntry{
		RawEvent:         string(msg.Value),
		SourceFormat:     "kafka",
		ValidationErrors: []string{cause.Error()},
		ErrorCode:        code,
	}
	if err := s.quarantine.Write(ctx, entry); err != nil {
		s.logger.Error("failed to quarantine kafka payload", "error", err)
	}
}

// sample truncates a payload for log output.
func sample(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}

// SourceMetrics reports event source counters.
type SourceMetrics struct {
	Received    int64 `json:"received"`
	Submitted   int64 `json:"submitted"`
	Quarantined int64 `json:"quarantined"`
}

// Metrics returns the source counters.
func (s *EventSource) Metrics() SourceMetrics {
	return SourceMetrics{
		Received:    s.received.Load(),
		Submitted:   s.submitted.Load(),
		Quarantined: s.quarantined.Load(),
	}
}
